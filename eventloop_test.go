//go:build linux

package evloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEventLoopRunInLoopFromOtherGoroutine(t *testing.T) {
	l := newTestLoop(t, WithPollTimeout(-1))

	var ran, onLoop bool
	go l.RunInLoop(func() {
		ran = true
		onLoop = l.IsInLoopThread()
		l.Quit()
	})
	l.Loop()
	assert.True(t, ran)
	assert.True(t, onLoop)
}

func TestEventLoopRunInLoopOnLoopIsImmediate(t *testing.T) {
	l := newTestLoop(t)

	var ran bool
	l.RunInLoop(func() { ran = true })
	assert.True(t, ran)
	assert.Zero(t, l.QueueSize())
}

func TestEventLoopQueueInLoopOrder(t *testing.T) {
	l := newTestLoop(t, WithPollTimeout(-1))

	var got []int
	go func() {
		for i := 0; i < 100; i++ {
			i := i
			l.QueueInLoop(func() { got = append(got, i) })
		}
		l.QueueInLoop(l.Quit)
	}()
	l.Loop()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestEventLoopFunctorQueuedByFunctorRunsPromptly(t *testing.T) {
	l := newTestLoop(t, WithPollTimeout(5*time.Second))

	start := time.Now()
	go l.QueueInLoop(func() {
		l.QueueInLoop(l.Quit)
	})
	l.Loop()
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEventLoopQuitFromOtherGoroutine(t *testing.T) {
	l := newTestLoop(t, WithPollTimeout(-1))

	go func() {
		time.Sleep(30 * time.Millisecond)
		l.Quit()
	}()
	l.Loop()
	assert.GreaterOrEqual(t, l.Iteration(), int64(1))
	assert.NotZero(t, l.PollReturnTime())
}

func TestEventLoopCanLoopAgainAfterQuit(t *testing.T) {
	l := newTestLoop(t)

	var rounds int
	for i := 0; i < 2; i++ {
		l.QueueInLoop(func() {
			rounds++
			l.Quit()
		})
		l.Wakeup()
		l.Loop()
	}
	assert.Equal(t, 2, rounds)
}

func TestEventLoopPollBoundedByTimer(t *testing.T) {
	l := newTestLoop(t, WithPollTimeout(-1))

	start := time.Now()
	l.RunAfter(30*time.Millisecond, l.Quit)
	l.Loop()
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEventLoopSubMillisecondPollTimeoutRoundsUp(t *testing.T) {
	assert.Equal(t, 1, newTestLoop(t, WithPollTimeout(500*time.Microsecond)).pollTimeoutMs())
	assert.Equal(t, 2, newTestLoop(t, WithPollTimeout(1500*time.Microsecond)).pollTimeoutMs())
	assert.Equal(t, 3, newTestLoop(t, WithPollTimeout(3*time.Millisecond)).pollTimeoutMs())
	assert.Equal(t, -1, newTestLoop(t, WithPollTimeout(-1)).pollTimeoutMs())

	l := newTestLoop(t, WithPollTimeout(500*time.Microsecond))
	l.RunAfter(50*time.Millisecond, l.Quit)
	l.Loop()
	// every idle wait lasts at least a millisecond
	assert.Less(t, l.Iteration(), int64(200))
}

func TestEventLoopAssertOffGoroutinePanics(t *testing.T) {
	l := newTestLoop(t)
	assert.NotPanics(t, l.AssertInLoopThread)
	assert.True(t, l.IsInLoopThread())

	result := make(chan bool, 2)
	go func() {
		result <- l.IsInLoopThread()
		defer func() { result <- recover() != nil }()
		l.AssertInLoopThread()
	}()
	assert.False(t, <-result)
	assert.True(t, <-result)
}

func TestEventLoopLoopTwicePanics(t *testing.T) {
	l := newTestLoop(t)

	var panicked bool
	l.QueueInLoop(func() {
		panicked = assert.Panics(t, l.Loop)
		l.Quit()
	})
	l.Wakeup()
	l.Loop()
	assert.True(t, panicked)
}

func TestEventLoopClose(t *testing.T) {
	l := newTestLoop(t)

	var closeErr error
	l.QueueInLoop(func() {
		closeErr = l.Close()
		l.Quit()
	})
	l.Wakeup()
	l.Loop()
	assert.ErrorIs(t, closeErr, ErrLoopRunning)

	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Close(), ErrLoopClosed)
	assert.Panics(t, l.Loop)
}

func TestEventLoopRemovedChannelSkippedInBatch(t *testing.T) {
	l := newTestLoop(t)
	r1, w1 := newPipe(t)
	r2, w2 := newPipe(t)

	var calls int
	a := NewChannel(l, r1)
	b := NewChannel(l, r2)
	removeOther := func(other *Channel) func() {
		return func() {
			calls++
			if other.Polling() {
				other.Remove()
			}
			l.Quit()
		}
	}
	a.SetReadCallback(removeOther(b))
	b.SetReadCallback(removeOther(a))
	a.EnableReading()
	b.EnableReading()

	_, err := unix.Write(w1, []byte("x"))
	require.NoError(t, err)
	_, err = unix.Write(w2, []byte("y"))
	require.NoError(t, err)

	l.Loop()
	assert.Equal(t, 1, calls)
	assert.True(t, a.Polling() != b.Polling())
}

func TestEventLoopChannelsDispatchedFromPoll(t *testing.T) {
	l := newTestLoop(t)
	const n = 8

	seen := make(map[int]bool)
	var writers []int
	for i := 0; i < n; i++ {
		r, w := newPipe(t)
		writers = append(writers, w)
		ch := NewChannel(l, r)
		ch.SetReadCallback(func() {
			var buf [8]byte
			unix.Read(r, buf[:])
			seen[r] = true
			ch.Remove()
			if len(seen) == n {
				l.Quit()
			}
		})
		ch.EnableReading()
	}
	for _, w := range writers {
		_, err := unix.Write(w, []byte("z"))
		require.NoError(t, err)
	}
	l.Loop()
	assert.Len(t, seen, n)
	assert.False(t, l.EventHandling())
}

func TestTimestamp(t *testing.T) {
	a := Now()
	b := a.Add(time.Second)
	assert.True(t, a.Before(b))
	assert.Equal(t, time.Second, b.Sub(a))

	in := TimestampOf(time.Now().Add(time.Minute))
	assert.InDelta(t, int64(time.Minute), int64(in.Sub(Now())), float64(time.Second))
}
