//go:build linux

package evloop

import (
	"sync"

	"go.uber.org/zap"
)

// LoopThread owns a goroutine that creates an EventLoop, runs it and closes it once Loop
// returns.
type LoopThread struct {
	init func(*EventLoop)
	opts []Option

	mu      sync.Mutex
	started bool
	stopped bool
	loop    *EventLoop
	done    chan struct{}
}

// NewLoopThread prepares a loop goroutine. init, when not nil, runs on that goroutine before
// the first poll.
func NewLoopThread(init func(*EventLoop), opts ...Option) *LoopThread {
	return &LoopThread{
		init: init,
		opts: opts,
		done: make(chan struct{}),
	}
}

// Start launches the goroutine and returns its loop once it is ready to accept work.
func (t *LoopThread) Start() (*EventLoop, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil, ErrThreadStarted
	}
	t.started = true

	type result struct {
		loop *EventLoop
		err  error
	}
	ready := make(chan result, 1)
	go func() {
		defer close(t.done)
		loop, err := NewEventLoop(t.opts...)
		if err != nil {
			ready <- result{err: err}
			return
		}
		if t.init != nil {
			t.init(loop)
		}
		ready <- result{loop: loop}

		loop.Loop()
		if err := loop.Close(); err != nil {
			loop.Logger().Warn("close loop failed", zap.Error(err))
		}
	}()

	r := <-ready
	t.loop = r.loop
	return r.loop, r.err
}

// Stop asks the loop to quit and waits for its goroutine to finish. It is a no-op before
// Start and after the first Stop.
func (t *LoopThread) Stop() {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	loop := t.loop
	t.mu.Unlock()

	select {
	case <-t.done:
		return
	default:
	}
	if loop != nil {
		loop.Quit()
	}
	<-t.done
}

// Loop returns the running loop, nil before Start.
func (t *LoopThread) Loop() *EventLoop {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loop
}

// Done is closed when the loop goroutine exits.
func (t *LoopThread) Done() <-chan struct{} {
	return t.done
}
