// Package bufchain provides an append-only chain of byte buffers used to
// assemble mirrored payloads without copying them into one contiguous slice.
//
// A Chain grows on demand: EnsureSpace hands out writable space at the tail,
// the caller writes into it and then calls Commit. Splitting reservation from
// commit lets a writer reserve a worst-case size, write a variable amount of
// encoded data, and commit only what it actually produced.
package bufchain

import (
	"errors"
	"io"
	"net"
)

// DefaultInitialSize is the minimum size of each buffer in a chain.
const DefaultInitialSize = 4096

// ErrLimitExceeded is returned by EnsureSpace when linking another buffer
// would take the chain past its byte budget.
var ErrLimitExceeded = errors.New("bufchain: memory limit exceeded")

// Buffer is one link of a Chain. The write cursor is len(data) and the
// capacity is cap(data); data always starts at index 0.
type Buffer struct {
	data   []byte
	pooled bool
}

// Bytes returns the committed bytes of the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Available returns the number of bytes that can still be written.
func (b *Buffer) Available() int { return cap(b.data) - len(b.data) }

// Chain is an ordered sequence of buffers owned by a single payload.
// It is not safe for concurrent use.
type Chain struct {
	bufs        []*Buffer
	initialSize int
	limit       int
	allocated   int
	length      int
	final       bool
	pool        *Pool
}

// Option configures a Chain.
type Option func(*Chain)

// WithInitialSize sets the minimum size of newly linked buffers.
func WithInitialSize(n int) Option {
	return func(c *Chain) {
		if n > 0 {
			c.initialSize = n
		}
	}
}

// WithLimit caps the total capacity the chain may allocate. Zero means no cap.
func WithLimit(n int) Option {
	return func(c *Chain) {
		if n > 0 {
			c.limit = n
		}
	}
}

// WithPool makes the chain draw default-sized buffers from p and return them
// on Release.
func WithPool(p *Pool) Option {
	return func(c *Chain) { c.pool = p }
}

// New creates an empty chain. No memory is allocated until the first
// EnsureSpace call.
func New(opts ...Option) *Chain {
	c := &Chain{initialSize: DefaultInitialSize}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EnsureSpace returns a slice of exactly n writable bytes located in the tail
// buffer's spare capacity, linking a new buffer of max(n, initial size) when
// the tail is too small. It never advances the write cursor; call Commit
// after writing.
func (c *Chain) EnsureSpace(n int) ([]byte, error) {
	if n < 0 {
		n = 0
	}
	if tail := c.tail(); tail != nil && tail.Available() >= n {
		return tail.data[len(tail.data) : len(tail.data)+n], nil
	}

	size := c.initialSize
	if n > size {
		size = n
	}
	if c.limit > 0 && c.allocated+size > c.limit {
		return nil, ErrLimitExceeded
	}

	b := &Buffer{}
	if c.pool != nil && size == c.pool.size {
		b.data = c.pool.get()
		b.pooled = true
	} else {
		b.data = make([]byte, 0, size)
	}
	c.allocated += size
	c.bufs = append(c.bufs, b)
	return b.data[:n], nil
}

// Commit advances the tail buffer's write cursor by n bytes. The bytes must
// have been written into space returned by the preceding EnsureSpace.
func (c *Chain) Commit(n int) {
	tail := c.tail()
	if tail == nil || n <= 0 {
		return
	}
	if n > tail.Available() {
		panic("bufchain: commit beyond reserved space")
	}
	tail.data = tail.data[:len(tail.data)+n]
	c.length += n
}

func (c *Chain) tail() *Buffer {
	if len(c.bufs) == 0 {
		return nil
	}
	return c.bufs[len(c.bufs)-1]
}

// Len returns the number of committed bytes across all buffers.
func (c *Chain) Len() int { return c.length }

// Allocated returns the total capacity linked into the chain.
func (c *Chain) Allocated() int { return c.allocated }

// NumBuffers returns the number of links in the chain.
func (c *Chain) NumBuffers() int { return len(c.bufs) }

// MarkFinal flags the tail as the end of the payload.
func (c *Chain) MarkFinal() { c.final = true }

// Final reports whether the chain has been marked final.
func (c *Chain) Final() bool { return c.final }

// Buffers returns the committed bytes as net.Buffers so that a connection
// can write the whole chain with a single vectored write where supported.
func (c *Chain) Buffers() net.Buffers {
	out := make(net.Buffers, 0, len(c.bufs))
	for _, b := range c.bufs {
		if len(b.data) > 0 {
			out = append(out, b.data)
		}
	}
	return out
}

// WriteTo writes the committed bytes to w.
func (c *Chain) WriteTo(w io.Writer) (int64, error) {
	bufs := c.Buffers()
	return bufs.WriteTo(w)
}

// Bytes returns a flattened copy of the committed bytes.
func (c *Chain) Bytes() []byte {
	out := make([]byte, 0, c.length)
	for _, b := range c.bufs {
		out = append(out, b.data...)
	}
	return out
}

// Release returns pooled buffers and empties the chain. The chain must not be
// used afterwards except for another round of writes.
func (c *Chain) Release() {
	for _, b := range c.bufs {
		if b.pooled && c.pool != nil {
			c.pool.put(b.data)
		}
		b.data = nil
	}
	c.bufs = nil
	c.allocated = 0
	c.length = 0
	c.final = false
}
