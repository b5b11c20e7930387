package lb

import (
	"sync"

	"github.com/cespare/xxhash"
)

// IPHash maps a signature, usually the client host, onto a fixed target. When that target
// is out of rotation the next available one after it is used.
type IPHash struct {
	sync.RWMutex
	length uint64
	status []bool
}

func NewIPHash(n int) (*IPHash, error) {
	if n <= 0 {
		return nil, ErrNoTarget
	}
	status := make([]bool, n)
	for i := range status {
		status[i] = true
	}
	return &IPHash{length: uint64(n), status: status}, nil
}

func (h *IPHash) Pick(signature string) (int, error) {
	hashN := int(xxhash.Sum64String(signature) % h.length)
	h.RLock()
	defer h.RUnlock()
	n := int(h.length)
	for i := 0; i < n; i++ {
		idx := (hashN + i) % n
		if h.status[idx] {
			return idx, nil
		}
	}
	return -1, ErrNoAvailable
}

func (h *IPHash) Unavailable(i int) {
	h.set(i, false)
}

func (h *IPHash) Available(i int) {
	h.set(i, true)
}

func (h *IPHash) set(i int, status bool) {
	if i < 0 || i >= int(h.length) {
		return
	}
	h.Lock()
	h.status[i] = status
	h.Unlock()
}

func (h *IPHash) Len() int {
	return int(h.length)
}
