//go:build linux

package evloop

import (
	"errors"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vincentwuo/evloop/internal/engine"

	"github.com/eapache/queue"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var loopIDCounter atomic.Uint64

// EventLoop runs the wait and dispatch cycle for one poller and one timer queue.
//
// A loop belongs to the goroutine that created it: Loop, Close and every Channel or
// TimerQueue operation must happen there. Quit, Wakeup, RunInLoop, QueueInLoop and the
// RunAt family may be called from anywhere.
type EventLoop struct {
	id      uint64
	ownerID uint64

	looping atomic.Bool
	quit    atomic.Bool
	closed  bool

	eventHandling          bool
	callingPendingFunctors bool
	iteration              atomic.Int64
	pollReturnTime         Timestamp

	poller               *engine.Poller
	timerQueue           *TimerQueue
	wakeupFd             int
	wakeupChannel        *Channel
	activeChannels       []engine.Pollable
	currentActiveChannel *Channel

	mu              sync.Mutex
	pendingFunctors *queue.Queue
	functorBuf      []func()

	pollTimeout time.Duration
	logger      *zap.Logger
}

func NewEventLoop(opts ...Option) (*EventLoop, error) {
	o := defaultOptions()
	o.apply(opts)

	id := loopIDCounter.Add(1)
	l := &EventLoop{
		id:              id,
		ownerID:         engine.GoroutineID(),
		wakeupFd:        -1,
		pendingFunctors: queue.New(),
		pollTimeout:     o.pollTimeout,
		logger:          o.logger.With(zap.Uint64("loop", id)),
	}

	poller, err := engine.OpenPoll(o.initEventSize)
	if err != nil {
		return nil, err
	}
	l.poller = poller

	l.wakeupFd, err = engine.OpenEventFd()
	if err != nil {
		poller.Close()
		return nil, err
	}

	l.timerQueue, err = newTimerQueue(l)
	if err != nil {
		unix.Close(l.wakeupFd)
		poller.Close()
		return nil, err
	}

	l.wakeupChannel = NewChannel(l, l.wakeupFd)
	l.wakeupChannel.SetReadCallback(l.handleWakeup)
	l.wakeupChannel.EnableReading()

	l.logger.Debug("event loop created", zap.Uint64("goroutine", l.ownerID))
	return l, nil
}

// Loop blocks until Quit is called. It must run on the goroutine that created the loop,
// which stays locked to its OS thread for the duration.
func (l *EventLoop) Loop() {
	l.AssertInLoopThread()
	if l.closed {
		l.logger.Panic("loop started after close")
	}
	if !l.looping.CompareAndSwap(false, true) {
		l.logger.Panic("loop started twice")
	}
	runtime.LockOSThread()
	defer func() {
		runtime.UnlockOSThread()
		l.quit.Store(false)
		l.looping.Store(false)
	}()
	l.logger.Debug("event loop start looping")

	for !l.quit.Load() {
		var err error
		l.activeChannels, err = l.poller.Poll(l.activeChannels[:0], l.pollTimeoutMs())
		l.pollReturnTime = Now()
		l.iteration.Add(1)
		if err != nil {
			l.logger.Error("poll failed", zap.Error(err))
		}
		l.dispatch()
		l.doPendingFunctors()
	}

	l.logger.Debug("event loop stop looping", zap.Int64("iterations", l.iteration.Load()))
}

func (l *EventLoop) dispatch() {
	l.eventHandling = true
	defer func() {
		l.eventHandling = false
		l.currentActiveChannel = nil
	}()
	for i, p := range l.activeChannels {
		ch := p.(*Channel)
		l.activeChannels[i] = nil
		l.currentActiveChannel = ch
		ch.HandleEvents()
	}
}

// pollTimeoutMs never lets the wait outlive the earliest timer.
func (l *EventLoop) pollTimeoutMs() int {
	timeout := -1
	if l.pollTimeout >= 0 {
		// rounded up, a sub-millisecond bound must not turn into a busy poll
		timeout = int((l.pollTimeout + time.Millisecond - 1) / time.Millisecond)
	}
	if l.timerQueue.Len() > 0 {
		next := int(l.timerQueue.NextTimeout())
		if timeout < 0 || next < timeout {
			timeout = next
		}
	}
	return timeout
}

// Quit makes Loop return after the current iteration.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.Wakeup()
	}
}

// RunInLoop runs cb now when called on the loop goroutine, otherwise queues it.
func (l *EventLoop) RunInLoop(cb func()) {
	if l.IsInLoopThread() {
		cb()
		return
	}
	l.QueueInLoop(cb)
}

// QueueInLoop defers cb until the end of the current, or next, loop iteration.
// Queued functions run in the order they were queued.
func (l *EventLoop) QueueInLoop(cb func()) {
	l.mu.Lock()
	l.pendingFunctors.Add(cb)
	l.mu.Unlock()

	// a functor queued by another functor would otherwise wait a full poll timeout
	if !l.IsInLoopThread() || l.callingPendingFunctors {
		l.Wakeup()
	}
}

// QueueSize reports how many functors are waiting.
func (l *EventLoop) QueueSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingFunctors.Length()
}

func (l *EventLoop) doPendingFunctors() {
	l.callingPendingFunctors = true
	defer func() { l.callingPendingFunctors = false }()

	l.mu.Lock()
	functors := l.functorBuf[:0]
	for l.pendingFunctors.Length() > 0 {
		functors = append(functors, l.pendingFunctors.Remove().(func()))
	}
	l.mu.Unlock()

	for i, fn := range functors {
		functors[i] = nil
		fn()
	}
	l.functorBuf = functors[:0]
}

// Wakeup interrupts a blocked epoll_wait.
func (l *EventLoop) Wakeup() {
	if err := engine.NotifyEventFd(l.wakeupFd); err != nil {
		l.logger.Error("wakeup failed", zap.Error(err))
	}
}

func (l *EventLoop) handleWakeup() {
	if _, err := engine.DrainEventFd(l.wakeupFd); err != nil {
		l.logger.Error("drain wakeup fd failed", zap.Error(err))
	}
}

// RunAt schedules cb once at when. Safe from any goroutine.
func (l *EventLoop) RunAt(when Timestamp, cb func()) TimerID {
	return l.addTimer(cb, when, 0)
}

// RunAfter schedules cb once after d. Safe from any goroutine.
func (l *EventLoop) RunAfter(d time.Duration, cb func()) TimerID {
	return l.RunAt(Now().Add(d), cb)
}

// RunEvery schedules cb every interval, the first run one interval from now.
// Safe from any goroutine.
func (l *EventLoop) RunEvery(interval time.Duration, cb func()) TimerID {
	return l.addTimer(cb, Now().Add(interval), interval)
}

// Cancel stops a timer scheduled on this loop. Safe from any goroutine.
func (l *EventLoop) Cancel(id TimerID) {
	l.RunInLoop(func() {
		l.timerQueue.Cancel(id)
	})
}

func (l *EventLoop) addTimer(cb func(), when Timestamp, interval time.Duration) TimerID {
	t := engine.NewTimer(cb, int64(when), int64(interval))
	l.RunInLoop(func() {
		l.timerQueue.insert(t)
	})
	return TimerID{timer: t, seq: t.Seq}
}

// TimerQueue gives loop-goroutine code direct access to the timers.
func (l *EventLoop) TimerQueue() *TimerQueue {
	return l.timerQueue
}

func (l *EventLoop) UpdateChannel(ch *Channel) {
	l.assertOwnChannel(ch)
	if err := l.poller.Update(ch); err != nil {
		if errors.Is(err, engine.ErrNoInterest) {
			l.logger.Panic("channel registered without interest", zap.Int("fd", ch.fd))
		}
		l.logger.Error("update channel failed", zap.Stringer("channel", ch), zap.Error(err))
	}
}

// RemoveChannel unregisters ch. Any readiness already collected for ch in the current
// iteration is discarded.
func (l *EventLoop) RemoveChannel(ch *Channel) {
	l.assertOwnChannel(ch)
	if !ch.polling {
		l.logger.Panic("remove of a channel that is not registered", zap.Int("fd", ch.fd))
	}
	ch.events = engine.NoneEvent
	ch.revents = engine.NoneEvent
	if err := l.poller.Update(ch); err != nil {
		l.logger.Error("remove channel failed", zap.Int("fd", ch.fd), zap.Error(err))
	}
}

func (l *EventLoop) HasChannel(ch *Channel) bool {
	l.assertOwnChannel(ch)
	return l.poller.Has(ch)
}

func (l *EventLoop) assertOwnChannel(ch *Channel) {
	if ch.loop != l {
		l.logger.Panic("channel belongs to another loop", zap.Int("fd", ch.fd))
	}
	l.AssertInLoopThread()
}

func (l *EventLoop) IsInLoopThread() bool {
	return l.ownerID == engine.GoroutineID()
}

func (l *EventLoop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		l.logger.Panic("event loop used outside its goroutine",
			zap.Uint64("owner", l.ownerID), zap.Uint64("current", engine.GoroutineID()))
	}
}

// EventHandling reports whether the loop is dispatching readiness right now.
func (l *EventLoop) EventHandling() bool {
	return l.eventHandling
}

func (l *EventLoop) ID() uint64 {
	return l.id
}

// Iteration counts completed epoll_wait calls.
func (l *EventLoop) Iteration() int64 {
	return l.iteration.Load()
}

// PollReturnTime is when the last epoll_wait returned.
func (l *EventLoop) PollReturnTime() Timestamp {
	return l.pollReturnTime
}

func (l *EventLoop) Logger() *zap.Logger {
	return l.logger
}

// Close releases the wakeup eventfd, the timerfd and the epoll instance. The loop must
// not be running.
func (l *EventLoop) Close() error {
	l.AssertInLoopThread()
	if l.looping.Load() {
		return ErrLoopRunning
	}
	if l.closed {
		return ErrLoopClosed
	}
	l.closed = true
	if n := l.QueueSize(); n > 0 {
		l.logger.Warn("closing loop with pending functors", zap.Int("pending", n))
	}

	l.wakeupChannel.Remove()
	l.wakeupChannel.Dispose()
	err := l.timerQueue.close()
	err = multierr.Append(err, os.NewSyscallError("close", unix.Close(l.wakeupFd)))
	l.wakeupFd = -1
	err = multierr.Append(err, l.poller.Close())
	l.logger.Debug("event loop closed")
	return err
}
