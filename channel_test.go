//go:build linux

package evloop

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/vincentwuo/evloop/internal/engine"
	"github.com/vincentwuo/evloop/pkg/concurrent"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

func newTestLoop(t *testing.T, opts ...Option) *EventLoop {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	l, err := NewEventLoop(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

// recordingChannel returns a Channel whose callbacks append their name to calls.
func recordingChannel(l *EventLoop, fd int, calls *[]string) *Channel {
	ch := NewChannel(l, fd)
	ch.SetReadCallback(func() { *calls = append(*calls, "read") })
	ch.SetWriteCallback(func() { *calls = append(*calls, "write") })
	ch.SetCloseCallback(func() { *calls = append(*calls, "close") })
	ch.SetErrorCallback(func() { *calls = append(*calls, "error") })
	return ch
}

func TestChannelDispatchOrder(t *testing.T) {
	l := newTestLoop(t)
	r, _ := newPipe(t)

	cases := []struct {
		name    string
		revents uint32
		want    []string
	}{
		{"hup without in", unix.EPOLLHUP, []string{"close"}},
		{"hup with in", unix.EPOLLHUP | unix.EPOLLIN, []string{"read"}},
		{"err and hup", unix.EPOLLERR | unix.EPOLLHUP, []string{"close", "error"}},
		{"err", unix.EPOLLERR, []string{"error"}},
		{"pri", unix.EPOLLPRI, []string{"read"}},
		{"rdhup", unix.EPOLLRDHUP, []string{"read"}},
		{"in and out", unix.EPOLLIN | unix.EPOLLOUT, []string{"read", "write"}},
		{"everything", unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLIN | unix.EPOLLOUT, []string{"error", "read", "write"}},
		{"nothing", 0, nil},
	}
	// channels must be handled on the goroutine that created the loop, so no subtests
	for _, c := range cases {
		var calls []string
		ch := recordingChannel(l, r, &calls)
		ch.SetRevents(c.revents)
		ch.HandleEvents()
		assert.Equal(t, c.want, calls, c.name)
		assert.False(t, ch.Handling(), c.name)
	}
}

func TestChannelMissingCallbacksAreSkipped(t *testing.T) {
	l := newTestLoop(t)
	r, _ := newPipe(t)

	ch := NewChannel(l, r)
	ch.SetRevents(unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLIN | unix.EPOLLOUT)
	assert.NotPanics(t, ch.HandleEvents)
}

func TestChannelHandlingFlagAfterPanic(t *testing.T) {
	l := newTestLoop(t)
	r, _ := newPipe(t)

	ch := NewChannel(l, r)
	var seen bool
	ch.SetReadCallback(func() {
		seen = ch.Handling()
		panic("boom")
	})
	ch.SetRevents(unix.EPOLLIN)

	assert.False(t, ch.Handling())
	assert.PanicsWithValue(t, "boom", ch.HandleEvents)
	assert.True(t, seen)
	assert.False(t, ch.Handling())
}

func TestChannelTiedOwnerGone(t *testing.T) {
	l := newTestLoop(t)
	r, _ := newPipe(t)

	var calls []string
	ch := recordingChannel(l, r, &calls)
	ref := concurrent.NewRefCount(nil)
	ch.Tie(ref)
	assert.Equal(t, Owner(ref), ch.Owner())

	ch.SetRevents(unix.EPOLLIN | unix.EPOLLOUT)
	ch.HandleEvents()
	assert.Equal(t, []string{"read", "write"}, calls)
	assert.Equal(t, int64(1), ref.Count())

	ref.Release()
	calls = nil
	ch.HandleEvents()
	assert.Empty(t, calls)
}

func TestChannelTiedOwnerPinnedDuringDispatch(t *testing.T) {
	l := newTestLoop(t)
	r, _ := newPipe(t)

	ch := NewChannel(l, r)
	ref := concurrent.NewRefCount(nil)
	ch.Tie(ref)
	var during int64
	ch.SetReadCallback(func() { during = ref.Count() })
	ch.SetRevents(unix.EPOLLIN)
	ch.HandleEvents()

	assert.Equal(t, int64(2), during)
	assert.Equal(t, int64(1), ref.Count())
}

func TestChannelTieRaceWithDestroy(t *testing.T) {
	l := newTestLoop(t)
	r, _ := newPipe(t)

	for i := 0; i < 1000; i++ {
		var destroyed atomic.Bool
		ref := concurrent.NewRefCount(func() { destroyed.Store(true) })

		ch := NewChannel(l, r)
		ch.Tie(ref)
		var calls, afterDestroy int
		ch.SetReadCallback(func() {
			calls++
			if destroyed.Load() {
				afterDestroy++
			}
		})
		ch.SetRevents(unix.EPOLLIN)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref.Release()
		}()
		ch.HandleEvents()
		wg.Wait()

		require.True(t, destroyed.Load())
		require.Zero(t, afterDestroy)
		before := calls
		ch.HandleEvents()
		require.Equal(t, before, calls)
		require.LessOrEqual(t, calls, 1)
	}
}

func TestChannelInterestTransitions(t *testing.T) {
	l := newTestLoop(t)
	r, _ := newPipe(t)

	ch := NewChannel(l, r)
	assert.True(t, ch.IsNoneEvents())
	assert.False(t, ch.Polling())

	ch.EnableReading()
	assert.True(t, ch.IsReading())
	assert.False(t, ch.IsNoneEvents())
	assert.True(t, ch.Polling())
	assert.True(t, l.HasChannel(ch))

	ch.EnableWriting()
	assert.True(t, ch.IsWriting())
	assert.True(t, ch.Polling())

	ch.DisableReading()
	assert.False(t, ch.IsReading())
	assert.Equal(t, engine.WriteEvent, ch.Events())
	assert.True(t, ch.Polling())

	ch.DisableWriting()
	assert.True(t, ch.IsNoneEvents())
	assert.False(t, ch.Polling())
	assert.False(t, l.HasChannel(ch))

	ch.EnableReading()
	assert.True(t, ch.Polling())
	ch.DisableAll()
	assert.True(t, ch.IsNoneEvents())
	assert.False(t, ch.Polling())

	ch.EnableReading()
	ch.Remove()
	assert.True(t, ch.IsNoneEvents())
	assert.False(t, ch.Polling())
	assert.False(t, l.HasChannel(ch))
}

func TestChannelRemoveUnregisteredPanics(t *testing.T) {
	l := newTestLoop(t)
	r, _ := newPipe(t)

	ch := NewChannel(l, r)
	assert.Panics(t, ch.Remove)
}

func TestChannelDisposeWhileHandlingPanics(t *testing.T) {
	l := newTestLoop(t)
	r, _ := newPipe(t)

	ch := NewChannel(l, r)
	ch.SetReadCallback(ch.Dispose)
	ch.SetRevents(unix.EPOLLIN)
	assert.Panics(t, ch.HandleEvents)
	assert.False(t, ch.Handling())

	ch.Dispose()
	assert.Panics(t, ch.EnableReading)
}

func TestChannelDisposeDropsCallbacks(t *testing.T) {
	l := newTestLoop(t)
	r, _ := newPipe(t)

	var calls []string
	ch := recordingChannel(l, r, &calls)
	ch.Tie(concurrent.NewRefCount(nil))
	ch.Dispose()
	assert.Nil(t, ch.Owner())

	ch.SetRevents(unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLERR | unix.EPOLLOUT)
	ch.HandleEvents()
	assert.Empty(t, calls)
}

func TestChannelOffLoopMutationPanics(t *testing.T) {
	l := newTestLoop(t)
	r, _ := newPipe(t)
	ch := NewChannel(l, r)

	panicked := make(chan bool)
	go func() {
		defer func() { panicked <- recover() != nil }()
		ch.EnableReading()
	}()
	assert.True(t, <-panicked)
	assert.False(t, ch.Polling())
}

func TestChannelOtherLoopPanics(t *testing.T) {
	l1 := newTestLoop(t)
	l2 := newTestLoop(t)
	r, _ := newPipe(t)

	ch := NewChannel(l1, r)
	assert.Panics(t, func() { l2.UpdateChannel(ch) })
}

func TestChannelHangupClosesWithoutRead(t *testing.T) {
	l := newTestLoop(t)
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	r, w := p[0], p[1]
	defer unix.Close(r)

	var calls []string
	ch := recordingChannel(l, r, &calls)
	ch.SetCloseCallback(func() {
		calls = append(calls, "close")
		ch.Remove()
		l.Quit()
	})
	ch.EnableReading()
	require.NoError(t, unix.Close(w))

	l.Loop()
	assert.Equal(t, []string{"close"}, calls)
}

func TestChannelReadThroughLoop(t *testing.T) {
	l := newTestLoop(t)
	r, w := newPipe(t)

	var got []byte
	ch := NewChannel(l, r)
	ch.SetReadCallback(func() {
		buf := make([]byte, 16)
		n, err := unix.Read(r, buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
		ch.DisableAll()
		l.Quit()
	})
	ch.EnableReading()

	go unix.Write(w, []byte("ping"))
	l.Loop()
	assert.Equal(t, "ping", string(got))
}

func TestChannelString(t *testing.T) {
	l := newTestLoop(t)
	ch := NewChannel(l, 7)
	ch.events = engine.ReadEvent
	ch.SetRevents(unix.EPOLLIN | unix.EPOLLHUP)
	assert.Equal(t, "fd 7 events [IN PRI] revents [IN HUP]", ch.String())
}
