package concurrent

import (
	"sync/atomic"
)

// AtomicLimiter caps how many slots can be held at once. A max <= 0 disables the cap
// while still counting.
type AtomicLimiter struct {
	max    atomic.Int64
	count  atomic.Int64
	enable atomic.Bool
}

func NewAtomicLimiter(maxConcurrent int64) *AtomicLimiter {
	l := &AtomicLimiter{}
	l.Reset(maxConcurrent)
	return l
}

// Acquire takes a slot. It returns false, and the current count, when the cap is reached.
func (b *AtomicLimiter) Acquire() (bool, int64) {
	for {
		nowN := b.count.Load()
		if b.enable.Load() && nowN >= b.max.Load() {
			return false, nowN
		}
		if b.count.CompareAndSwap(nowN, nowN+1) {
			return true, nowN + 1
		}
	}
}

func (b *AtomicLimiter) Reset(limit int64) {
	if limit <= 0 {
		b.enable.Store(false)
		limit = 0
	} else {
		b.enable.Store(true)
	}
	b.max.Store(limit)
}

func (b *AtomicLimiter) Release() {
	b.count.Add(-1)
}

func (b *AtomicLimiter) Disable() {
	b.enable.Store(false)
}

func (b *AtomicLimiter) Count() int64 {
	return b.count.Load()
}
