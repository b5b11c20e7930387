package engine

import (
	"container/heap"
	"sync/atomic"
)

var timerSeq atomic.Uint64

// Timer is one scheduled callback. When and Interval are monotonic nanoseconds.
type Timer struct {
	index    int
	When     int64
	Interval int64
	Seq      uint64
	Callback func()
	canceled bool
}

func NewTimer(cb func(), when, interval int64) *Timer {
	if interval < 0 {
		interval = 0
	}
	return &Timer{
		index:    -1,
		When:     when,
		Interval: interval,
		Seq:      timerSeq.Add(1),
		Callback: cb,
	}
}

func (t *Timer) Repeat() bool {
	return t.Interval > 0
}

// Restart moves a repeating timer to its next expiry.
func (t *Timer) Restart(now int64) {
	t.When = now + t.Interval
}

// Scheduled reports whether the timer currently sits in a TimeQueue.
func (t *Timer) Scheduled() bool {
	return t.index >= 0
}

func (t *Timer) Cancel() {
	t.canceled = true
}

func (t *Timer) Canceled() bool {
	return t.canceled
}

// timerHeap orders by When; Seq only separates equal deadlines.
type timerHeap []*Timer

func (th timerHeap) Len() int {
	return len(th)
}

func (th timerHeap) Less(i, j int) bool {
	if th[i].When != th[j].When {
		return th[i].When < th[j].When
	}
	return th[i].Seq < th[j].Seq
}

func (th timerHeap) Swap(i, j int) {
	th[i], th[j] = th[j], th[i]
	th[i].index = i
	th[j].index = j
}

func (th *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*th)
	*th = append(*th, t)
}

func (th *timerHeap) Pop() any {
	old := *th
	n := len(old)
	t := old[n-1]
	old[n-1] = nil // avoid memory leak
	t.index = -1
	*th = old[0 : n-1]
	return t
}

// TimeQueue is a min-heap of timers. Like the Poller it is confined to one loop and does
// no locking.
type TimeQueue struct {
	th timerHeap
}

func NewTimeQueue() *TimeQueue {
	q := &TimeQueue{th: make(timerHeap, 0)}
	heap.Init(&q.th)
	return q
}

// Push schedules t and reports whether it became the earliest timer.
func (q *TimeQueue) Push(t *Timer) bool {
	heap.Push(&q.th, t)
	return t.index == 0
}

// Remove takes t out of the queue. It returns false if t was not scheduled here.
func (q *TimeQueue) Remove(t *Timer) bool {
	i := t.index
	if i < 0 || i >= len(q.th) || q.th[i] != t {
		return false
	}
	heap.Remove(&q.th, i)
	return true
}

func (q *TimeQueue) Peek() *Timer {
	if len(q.th) == 0 {
		return nil
	}
	return q.th[0]
}

// PopExpired removes and returns, earliest first, every timer due at or before now.
func (q *TimeQueue) PopExpired(now int64) []*Timer {
	var expired []*Timer
	for len(q.th) > 0 && q.th[0].When <= now {
		expired = append(expired, heap.Pop(&q.th).(*Timer))
	}
	return expired
}

func (q *TimeQueue) Len() int {
	return len(q.th)
}
