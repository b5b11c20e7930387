//go:build linux

package echo

import (
	"net"

	"github.com/vincentwuo/evloop"
	"github.com/vincentwuo/evloop/pkg/concurrent"

	csmap "github.com/mhmtszr/concurrent-swiss-map"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// worker is one loop serving a share of the connections.
type worker struct {
	id     int
	server *Server
	thread *evloop.LoopThread
	loop   *evloop.EventLoop
	// fd -> Conn, read from other goroutines while the server shuts down
	conns *csmap.CsMap[int, *Conn]
	// loop-confined scratch buffer every read goes through
	localBuffer []byte
	logger      *zap.Logger
}

func (s *Server) startWorker(id int) (*worker, error) {
	w := &worker{
		id:          id,
		server:      s,
		conns:       csmap.Create[int, *Conn](),
		localBuffer: make([]byte, s.bufferSize),
		logger:      s.logger.With(zap.Int("worker", id)),
	}
	w.thread = evloop.NewLoopThread(nil, evloop.WithLogger(w.logger))
	loop, err := w.thread.Start()
	if err != nil {
		return nil, err
	}
	w.loop = loop
	return w, nil
}

func (w *worker) newConn(fd int, remote net.Addr) {
	s := w.server
	if s.closing.Load() {
		unix.Close(fd)
		s.connLimiter.Release()
		s.conns.Done()
		return
	}

	c := &Conn{
		fd:         fd,
		worker:     w,
		remote:     remote,
		lastActive: evloop.Now(),
	}
	c.ref = concurrent.NewRefCount(c.release)
	c.channel = evloop.NewChannel(w.loop, fd)
	c.channel.Tie(c.ref)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)

	w.conns.Store(fd, c)
	c.channel.EnableReading()
	if s.idleTimeout > 0 {
		c.idleTimer = w.loop.RunAfter(s.idleTimeout, c.checkIdle)
	}
	w.logger.Debug("connection established", zap.Int("fd", fd), zap.Stringer("remote", remote))
}

func (w *worker) closeAll() {
	var all []*Conn
	w.conns.Range(func(_ int, c *Conn) bool {
		all = append(all, c)
		return false
	})
	for _, c := range all {
		c.close()
	}
}

// ConnCount reports the connections owned by this worker.
func (w *worker) ConnCount() int {
	return w.conns.Count()
}
