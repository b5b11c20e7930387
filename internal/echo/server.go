//go:build linux

package echo

import (
	"errors"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vincentwuo/evloop"
	"github.com/vincentwuo/evloop/pkg/bytepool"
	"github.com/vincentwuo/evloop/pkg/concurrent"
	"github.com/vincentwuo/evloop/pkg/lb"
	"github.com/vincentwuo/evloop/pkg/util"

	"github.com/libp2p/go-reuseport"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

var (
	ErrServerClosed  = errors.New("echo: server closed")
	ErrServerStarted = errors.New("echo: server already started")
)

// acceptRetryDelay is how long accepting pauses after running out of descriptors.
const acceptRetryDelay = 100 * time.Millisecond

// Server echoes back whatever its TCP clients send. One loop accepts, a set of worker loops
// own the connections.
type Server struct {
	laddr  string
	addr   net.Addr
	logger *zap.Logger

	workerNum   int
	bufferSize  int
	maxReadLoop int
	idleTimeout time.Duration
	readLimit   float64
	readLimiter *rate.Limiter
	connLimiter *concurrent.AtomicLimiter
	balancer    lb.Balancer
	pool        *bytepool.Pool

	// keeps the descriptor from being finalized while the accept channel uses it
	listenerFile  *os.File
	acceptThread  *evloop.LoopThread
	acceptLoop    *evloop.EventLoop
	acceptChannel *evloop.Channel
	workers       []*worker

	conns    sync.WaitGroup
	started  atomic.Bool
	closing  atomic.Bool
	received atomic.Int64
	sent     atomic.Int64
}

func NewServer(laddr string, opts ...ServerOption) (*Server, error) {
	if laddr == "" {
		return nil, errors.New("echo: bind addr is empty")
	}
	s := &Server{
		laddr:       laddr,
		workerNum:   runtime.NumCPU(),
		bufferSize:  DefaultBufferSize,
		maxReadLoop: DefaultMaxReadLoop,
		idleTimeout: DefaultIdleTimeout,
		connLimiter: concurrent.NewAtomicLimiter(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = util.Logger()
	}
	s.logger = s.logger.With(zap.String("bind", laddr))
	if s.readLimiter == nil {
		if s.readLimit > 0 {
			// a single read must always fit into the bucket
			burst := max(int(s.readLimit), s.bufferSize)
			s.readLimiter = rate.NewLimiter(rate.Limit(s.readLimit), burst)
		} else {
			s.readLimiter = rate.NewLimiter(rate.Inf, 0)
		}
	}

	balancer, err := lb.NewIPHash(s.workerNum)
	if err != nil {
		return nil, err
	}
	s.balancer = balancer
	s.pool = bytepool.New(s.bufferSize)
	return s, nil
}

// Start binds the listener and launches the worker and accept loops.
func (s *Server) Start() error {
	if s.closing.Load() {
		return ErrServerClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerStarted
	}

	ln, err := reuseport.Listen("tcp", s.laddr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()
	f, err := ln.(*net.TCPListener).File()
	ln.Close()
	if err != nil {
		return err
	}
	s.listenerFile = f
	lfd := int(f.Fd())
	if err := unix.SetNonblock(lfd, true); err != nil {
		f.Close()
		return os.NewSyscallError("setnonblock", err)
	}

	for i := 0; i < s.workerNum; i++ {
		w, err := s.startWorker(i)
		if err != nil {
			s.stopWorkers()
			f.Close()
			return err
		}
		s.workers = append(s.workers, w)
	}

	s.acceptThread = evloop.NewLoopThread(func(l *evloop.EventLoop) {
		s.acceptChannel = evloop.NewChannel(l, lfd)
		s.acceptChannel.SetReadCallback(s.handleAccept)
		s.acceptChannel.EnableReading()
	}, evloop.WithLogger(s.logger.Named("acceptor")))
	s.acceptLoop, err = s.acceptThread.Start()
	if err != nil {
		s.stopWorkers()
		f.Close()
		return err
	}
	s.logger.Info("echo server is running", zap.Stringer("addr", s.addr), zap.Int("workers", s.workerNum))
	return nil
}

func (s *Server) handleAccept() {
	lfd := s.acceptChannel.Fd()
	for {
		fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				// RECV-Q drained
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
				s.logger.Warn("out of descriptors, pausing accept", zap.Error(err))
				s.pauseAccept(acceptRetryDelay)
			default:
				s.logger.Error("accept failed", zap.Error(err))
			}
			return
		}

		if s.closing.Load() {
			unix.Close(fd)
			continue
		}
		if ok, n := s.connLimiter.Acquire(); !ok {
			s.logger.Debug("connection limit reached", zap.Int64("conns", n))
			unix.Close(fd)
			continue
		}

		remote := util.SockaddrToTCPOrUnixAddr(sa)
		idx, err := s.balancer.Pick(util.HostOf(remote))
		if err != nil {
			s.logger.Warn("no worker for connection", zap.Stringer("remote", remote), zap.Error(err))
			unix.Close(fd)
			s.connLimiter.Release()
			continue
		}
		w := s.workers[idx]
		s.conns.Add(1)
		w.loop.RunInLoop(func() {
			w.newConn(fd, remote)
		})
	}
}

// pauseAccept stops polling the listener for d. It runs on the accept loop, possibly
// before Start has stored acceptLoop, so the loop is taken from the channel.
func (s *Server) pauseAccept(d time.Duration) {
	s.acceptChannel.DisableReading()
	s.acceptChannel.Loop().RunAfter(d, func() {
		if !s.closing.Load() {
			s.acceptChannel.EnableReading()
		}
	})
}

// Close stops accepting, closes every connection and stops all loops. It must not be
// called from one of the server's own loops.
func (s *Server) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	if !s.started.Load() {
		return nil
	}

	var err error
	if s.acceptLoop != nil {
		done := make(chan error, 1)
		s.acceptLoop.RunInLoop(func() {
			if s.acceptChannel.Polling() {
				s.acceptChannel.Remove()
			}
			s.acceptChannel.Dispose()
			done <- s.listenerFile.Close()
		})
		err = <-done
		s.acceptThread.Stop()
	}

	for i, w := range s.workers {
		s.balancer.Unavailable(i)
		done := make(chan struct{})
		w.loop.RunInLoop(func() {
			w.closeAll()
			close(done)
		})
		<-done
	}
	// every fd is closed by the time the last reference of its Conn is dropped
	s.conns.Wait()
	s.stopWorkers()

	s.logger.Info("echo server closed",
		zap.Int64("received", s.received.Load()), zap.Int64("sent", s.sent.Load()))
	return err
}

func (s *Server) stopWorkers() {
	for _, w := range s.workers {
		w.thread.Stop()
	}
}

func (s *Server) Addr() net.Addr {
	return s.addr
}

// ConnCount is the number of connections currently held open.
func (s *Server) ConnCount() int64 {
	return s.connLimiter.Count()
}

// Traffic reports bytes read from and written to clients so far.
func (s *Server) Traffic() (received, sent int64) {
	return s.received.Load(), s.sent.Load()
}

// SetReadLimit changes the shared read rate while the server runs. 0 removes the limit.
func (s *Server) SetReadLimit(bytesPerSecond float64) {
	if bytesPerSecond <= 0 {
		s.readLimiter.SetLimit(rate.Inf)
		return
	}
	s.readLimiter.SetBurst(max(int(bytesPerSecond), s.bufferSize))
	s.readLimiter.SetLimit(rate.Limit(bytesPerSecond))
}
