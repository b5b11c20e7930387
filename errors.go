package evloop

import "errors"

var (
	// ErrLoopRunning is returned when Close is called while Loop has not returned yet
	ErrLoopRunning = errors.New("evloop: loop is running")
	// ErrLoopClosed is returned by Close on an already closed loop
	ErrLoopClosed = errors.New("evloop: loop closed")
	// ErrThreadStarted means Start was called twice on a LoopThread
	ErrThreadStarted = errors.New("evloop: loop thread already started")
)
