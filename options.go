package evloop

import (
	"time"

	"github.com/vincentwuo/evloop/internal/engine"
	"github.com/vincentwuo/evloop/pkg/util"

	"go.uber.org/zap"
)

const defaultPollTimeout = 10 * time.Second

type options struct {
	logger        *zap.Logger
	pollTimeout   time.Duration
	initEventSize int
}

func defaultOptions() options {
	return options{
		pollTimeout:   defaultPollTimeout,
		initEventSize: engine.DefaultEventListSize,
	}
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithPollTimeout bounds a single epoll_wait. A negative value waits until an event or
// timer arrives.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) {
		o.pollTimeout = d
	}
}

// WithInitEventListSize sets how many readiness entries the first epoll_wait can return.
func WithInitEventListSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.initEventSize = n
		}
	}
}

func (o *options) apply(opts []Option) {
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = util.Logger()
	}
}
