//go:build linux

package echo

import (
	"errors"
	"net"
	"time"

	"github.com/vincentwuo/evloop"
	"github.com/vincentwuo/evloop/pkg/concurrent"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Conn is one client connection. Everything but release runs on its worker's loop.
type Conn struct {
	fd      int
	worker  *worker
	remote  net.Addr
	channel *evloop.Channel
	ref     *concurrent.RefCount

	// bytes accepted for echoing that the socket did not take yet
	buffer         *[]byte
	curPos, endPos int

	// reading is paused by the rate limiter until resumeTimer fires
	paused      bool
	resumeTimer evloop.TimerID
	idleTimer   evloop.TimerID
	lastActive  evloop.Timestamp
	closed      bool
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *Conn) handleRead() {
	w := c.worker
	s := w.server
	for i := 0; i < s.maxReadLoop; i++ {
		n, err := unix.Read(c.fd, w.localBuffer)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			w.logger.Debug("read failed", zap.Int("fd", c.fd), zap.Error(err))
			c.close()
			return
		}
		if n == 0 {
			// peer is done sending
			c.close()
			return
		}
		c.lastActive = evloop.Now()
		s.received.Add(int64(n))

		if !c.write(w.localBuffer[:n]) {
			return
		}

		if d := s.readLimiter.ReserveN(time.Now(), n).Delay(); d > 0 {
			c.pause(d)
			return
		}
	}
}

// write echoes p, parking what the socket does not take. It reports whether reading may
// go on.
func (c *Conn) write(p []byte) bool {
	w := c.worker
	wn, err := unix.Write(c.fd, p)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			w.logger.Debug("write failed", zap.Int("fd", c.fd), zap.Error(err))
			c.close()
			return false
		}
		wn = 0
	}
	w.server.sent.Add(int64(wn))
	if wn == len(p) {
		return true
	}

	c.buffer = w.server.pool.Get()
	c.curPos = 0
	c.endPos = copy(*c.buffer, p[wn:])
	// stop reading until the peer catches up
	c.channel.EnableWriting()
	c.channel.DisableReading()
	return false
}

func (c *Conn) handleWrite() {
	if c.buffer == nil {
		c.channel.DisableWriting()
		return
	}
	w := c.worker
	wn, err := unix.Write(c.fd, (*c.buffer)[c.curPos:c.endPos])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		w.logger.Debug("write failed", zap.Int("fd", c.fd), zap.Error(err))
		c.close()
		return
	}
	w.server.sent.Add(int64(wn))
	c.curPos += wn
	if c.curPos < c.endPos {
		return
	}

	c.putBuffer()
	if !c.paused {
		c.channel.EnableReading()
	}
	c.channel.DisableWriting()
}

func (c *Conn) handleClose() {
	c.close()
}

func (c *Conn) handleError() {
	soErr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soErr != 0 {
		err = unix.Errno(soErr)
	}
	c.worker.logger.Debug("socket error", zap.Int("fd", c.fd), zap.Error(err))
	c.close()
}

func (c *Conn) pause(d time.Duration) {
	c.paused = true
	c.channel.DisableReading()
	c.resumeTimer = c.worker.loop.RunAfter(d, c.resume)
}

func (c *Conn) resume() {
	c.paused = false
	c.resumeTimer = evloop.TimerID{}
	if c.closed || c.buffer != nil {
		return
	}
	c.channel.EnableReading()
}

func (c *Conn) checkIdle() {
	if c.closed {
		return
	}
	timeout := c.worker.server.idleTimeout
	idle := evloop.Now().Sub(c.lastActive)
	if idle >= timeout {
		c.worker.logger.Debug("closing idle connection", zap.Int("fd", c.fd), zap.Duration("idle", idle))
		c.close()
		return
	}
	c.idleTimer = c.worker.loop.RunAfter(timeout-idle, c.checkIdle)
}

// close unregisters the connection. The descriptor itself is closed once the last
// reference is dropped, which may be after the dispatch that called close returns.
func (c *Conn) close() {
	if c.closed {
		return
	}
	c.closed = true
	w := c.worker
	loop := w.loop

	loop.Cancel(c.idleTimer)
	loop.Cancel(c.resumeTimer)
	if c.channel.Polling() {
		c.channel.Remove()
	}
	w.conns.Delete(c.fd)
	loop.QueueInLoop(func() {
		c.channel.Dispose()
		c.ref.Release()
	})
}

// release runs once nothing references the connection any more.
func (c *Conn) release() {
	s := c.worker.server
	if err := unix.Close(c.fd); err != nil {
		c.worker.logger.Warn("close fd failed", zap.Int("fd", c.fd), zap.Error(err))
	}
	c.putBuffer()
	s.connLimiter.Release()
	s.conns.Done()
	c.worker.logger.Debug("connection closed", zap.Int("fd", c.fd), zap.Stringer("remote", c.remote))
}

func (c *Conn) putBuffer() {
	if c.buffer != nil {
		c.worker.server.pool.Put(c.buffer)
		c.buffer = nil
	}
}
