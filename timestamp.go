package evloop

import (
	"time"

	"github.com/vincentwuo/evloop/internal/engine"
)

// Timestamp is a point on the monotonic clock, in nanoseconds. It is unaffected by
// wall clock adjustments.
type Timestamp int64

func Now() Timestamp {
	return Timestamp(engine.Now())
}

func (ts Timestamp) Add(d time.Duration) Timestamp {
	return ts + Timestamp(d)
}

func (ts Timestamp) Sub(other Timestamp) time.Duration {
	return time.Duration(ts - other)
}

func (ts Timestamp) Before(other Timestamp) bool {
	return ts < other
}

// TimestampOf maps a wall clock time onto the monotonic clock, using the monotonic reading
// carried by t when there is one.
func TimestampOf(t time.Time) Timestamp {
	return Now().Add(time.Until(t))
}
