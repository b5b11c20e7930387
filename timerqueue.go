//go:build linux

package evloop

import (
	"os"
	"time"

	"github.com/vincentwuo/evloop/internal/engine"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// TimerID identifies a scheduled timer for cancellation. The zero value refers to no timer.
type TimerID struct {
	timer *engine.Timer
	seq   uint64
}

// Valid reports whether id was returned by a scheduling call.
func (id TimerID) Valid() bool {
	return id.timer != nil
}

// TimerQueue keeps the timers of one loop and a timerfd armed at the earliest of them.
// The timerfd is an ordinary Channel on the loop, so expiry arrives through epoll_wait like
// any other readiness.
type TimerQueue struct {
	loop         *EventLoop
	timerfd      int
	timerChannel *Channel
	timers       *engine.TimeQueue
	// expiry batch being delivered, reused between rounds
	expired []*engine.Timer
}

func newTimerQueue(loop *EventLoop) (*TimerQueue, error) {
	fd, err := engine.OpenTimerFd()
	if err != nil {
		return nil, err
	}
	tq := &TimerQueue{
		loop:    loop,
		timerfd: fd,
		timers:  engine.NewTimeQueue(),
	}
	tq.timerChannel = NewChannel(loop, fd)
	tq.timerChannel.SetReadCallback(tq.handleRead)
	tq.timerChannel.EnableReading()
	return tq, nil
}

// AddTimer schedules cb at when, then every interval if interval is positive.
func (tq *TimerQueue) AddTimer(cb func(), when Timestamp, interval time.Duration) TimerID {
	t := engine.NewTimer(cb, int64(when), int64(interval))
	tq.insert(t)
	return TimerID{timer: t, seq: t.Seq}
}

func (tq *TimerQueue) insert(t *engine.Timer) {
	tq.loop.AssertInLoopThread()
	if t.Canceled() {
		// canceled before the queued insert reached the loop
		return
	}
	if tq.timers.Push(t) {
		tq.arm(t.When)
	}
}

// Cancel unschedules id. Unknown, fired or already canceled ids are ignored.
func (tq *TimerQueue) Cancel(id TimerID) {
	tq.loop.AssertInLoopThread()
	t := id.timer
	if t == nil || t.Seq != id.seq || t.Canceled() {
		return
	}
	t.Cancel()
	wasEarliest := tq.timers.Peek() == t
	if tq.timers.Remove(t) && wasEarliest {
		tq.rearm()
	}
}

// NextTimeout is the number of milliseconds, rounded up, until the earliest timer is due.
// It is zero when nothing is scheduled or the earliest timer is already due.
func (tq *TimerQueue) NextTimeout() int64 {
	t := tq.timers.Peek()
	if t == nil {
		return 0
	}
	d := t.When - engine.Now()
	if d <= 0 {
		return 0
	}
	return (d + int64(time.Millisecond) - 1) / int64(time.Millisecond)
}

func (tq *TimerQueue) Len() int {
	return tq.timers.Len()
}

func (tq *TimerQueue) handleRead() {
	tq.loop.AssertInLoopThread()
	if _, err := engine.ReadTimerFd(tq.timerfd); err != nil {
		tq.loop.logger.Error("read timerfd failed", zap.Error(err))
	}

	now := engine.Now()
	expired := tq.getExpired(now)
	next := 0
	defer func() {
		// a panicking callback leaves the rest of the batch due right away
		for _, t := range expired[next:] {
			if !t.Canceled() {
				tq.timers.Push(t)
			}
		}
		tq.reset(expired[:next], now)
		for i := range expired {
			expired[i] = nil
		}
		tq.expired = expired[:0]
	}()

	for next < len(expired) {
		t := expired[next]
		next++
		// an earlier callback of this batch may have canceled it
		if t.Canceled() {
			continue
		}
		t.Callback()
	}
}

// getExpired pulls every timer due at or before now out of the queue.
func (tq *TimerQueue) getExpired(now int64) []*engine.Timer {
	return append(tq.expired[:0], tq.timers.PopExpired(now)...)
}

func (tq *TimerQueue) reset(expired []*engine.Timer, now int64) {
	for _, t := range expired {
		if t.Repeat() && !t.Canceled() {
			t.Restart(now)
			tq.timers.Push(t)
		}
	}
	tq.rearm()
}

func (tq *TimerQueue) rearm() {
	if t := tq.timers.Peek(); t != nil {
		tq.arm(t.When)
		return
	}
	if err := engine.DisarmTimerFd(tq.timerfd); err != nil {
		tq.loop.logger.Error("disarm timerfd failed", zap.Error(err))
	}
}

func (tq *TimerQueue) arm(when int64) {
	if err := engine.ArmTimerFd(tq.timerfd, when, engine.Now()); err != nil {
		tq.loop.logger.Error("arm timerfd failed", zap.Error(err))
	}
}

func (tq *TimerQueue) close() error {
	tq.timerChannel.Remove()
	tq.timerChannel.Dispose()
	for t := tq.timers.Peek(); t != nil; t = tq.timers.Peek() {
		tq.timers.Remove(t)
	}
	err := unix.Close(tq.timerfd)
	tq.timerfd = -1
	return os.NewSyscallError("close", err)
}
