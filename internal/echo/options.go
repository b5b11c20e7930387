package echo

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBufferSize  = 32 * 1024
	DefaultMaxReadLoop = 8
	DefaultIdleTimeout = 5 * time.Minute
)

type ServerOption func(*Server)

// WithWorkers sets how many worker loops serve connections.
func WithWorkers(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.workerNum = n
		}
	}
}

// WithConnLimit caps concurrent connections. 0 means no limit.
func WithConnLimit(limit int64) ServerOption {
	return func(s *Server) {
		s.connLimiter.Reset(limit)
	}
}

// WithReadLimit caps the bytes per second read from all clients together. 0 means no limit.
func WithReadLimit(bytesPerSecond float64) ServerOption {
	return func(s *Server) {
		if bytesPerSecond <= 0 {
			s.readLimiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		s.readLimit = bytesPerSecond
	}
}

// WithIdleTimeout closes connections that have not sent anything for d. 0 disables it.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

func WithBufferSize(size int) ServerOption {
	return func(s *Server) {
		if size > 0 {
			s.bufferSize = size
		}
	}
}

// WithMaxReadLoop bounds how many reads one readiness event may trigger.
func WithMaxReadLoop(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxReadLoop = n
		}
	}
}

func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}
