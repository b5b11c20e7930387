package concurrent

import "sync/atomic"

// RefCount is a shared-ownership count for an object whose lifetime ends when the last
// holder lets go. It starts with one reference, owned by the creator.
//
// Acquire is the weak-to-strong upgrade: it only succeeds while at least one reference is
// still held, so once the count has dropped to zero the object can never be revived.
type RefCount struct {
	n       atomic.Int64
	release func()
}

// NewRefCount returns a count of one. release runs exactly once, on whichever goroutine
// drops the last reference.
func NewRefCount(release func()) *RefCount {
	r := &RefCount{release: release}
	r.n.Store(1)
	return r
}

func (r *RefCount) Acquire() bool {
	for {
		n := r.n.Load()
		if n <= 0 {
			return false
		}
		if r.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (r *RefCount) Release() {
	n := r.n.Add(-1)
	if n == 0 {
		if r.release != nil {
			r.release()
		}
		return
	}
	if n < 0 {
		panic("concurrent: RefCount released more often than acquired")
	}
}

// Alive reports whether any reference is still held. The answer can be stale by the time
// the caller looks at it; use Acquire to pin the object.
func (r *RefCount) Alive() bool {
	return r.n.Load() > 0
}

func (r *RefCount) Count() int64 {
	return r.n.Load()
}
