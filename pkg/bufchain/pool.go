package bufchain

import "sync"

// Pool recycles fixed-size buffers between chains. Only buffers of exactly
// the pool's size are accepted back.
type Pool struct {
	size int
	pool sync.Pool
}

// NewPool returns a pool of buffers with the given capacity.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultInitialSize
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		b := make([]byte, 0, size)
		return &b
	}
	return p
}

// Size returns the capacity of the pool's buffers.
func (p *Pool) Size() int { return p.size }

// Get returns an empty buffer with the pool's capacity.
func (p *Pool) Get() []byte { return p.get() }

// Put hands a buffer back to the pool.
func (p *Pool) Put(b []byte) { p.put(b) }

func (p *Pool) get() []byte {
	return (*(p.pool.Get().(*[]byte)))[:0]
}

func (p *Pool) put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:0]
	p.pool.Put(&b)
}
