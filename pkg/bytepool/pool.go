package bytepool

import (
	"sync"
)

// Pool hands out fixed size byte buffers.
type Pool struct {
	p    *sync.Pool
	size int
}

func New(bufSize int) *Pool {
	return &Pool{
		p: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, bufSize)
				return &buf
			},
		},
		size: bufSize,
	}
}

// Get returns a buffer of exactly Size bytes. Its content is undefined.
func (bp *Pool) Get() *[]byte {
	b := bp.p.Get().(*[]byte)
	*b = (*b)[:bp.size]
	return b
}

// Put gives buf back. A buffer must be put at most once per Get.
func (bp *Pool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) < bp.size {
		return
	}
	bp.p.Put(buf)
}

func (bp *Pool) Size() int {
	return bp.size
}
