package bufchain

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, c *Chain, s string) {
	t.Helper()
	p, err := c.EnsureSpace(len(s))
	require.NoError(t, err)
	require.Len(t, p, len(s))
	copy(p, s)
	c.Commit(len(s))
}

func TestChainGrowsOnDemand(t *testing.T) {
	c := New(WithInitialSize(8))
	assert.Equal(t, 0, c.NumBuffers())

	write(t, c, "abcd")
	write(t, c, "efgh")
	assert.Equal(t, 1, c.NumBuffers(), "second write fits exactly in the first buffer")

	write(t, c, "ij")
	assert.Equal(t, 2, c.NumBuffers())
	assert.Equal(t, 10, c.Len())
	assert.Equal(t, "abcdefghij", string(c.Bytes()))
}

func TestEnsureSpaceSizesLargeRequests(t *testing.T) {
	c := New(WithInitialSize(8))
	write(t, c, "x")

	_, err := c.EnsureSpace(20)
	require.NoError(t, err)
	assert.Equal(t, 2, c.NumBuffers())
	assert.Equal(t, 28, c.Allocated(), "new buffer is max(n, initial size)")
}

func TestEnsureSpaceDoesNotAdvanceCursor(t *testing.T) {
	c := New()
	p, err := c.EnsureSpace(16)
	require.NoError(t, err)
	copy(p, "0123456789abcdef")
	assert.Equal(t, 0, c.Len())

	c.Commit(3)
	assert.Equal(t, "012", string(c.Bytes()))
}

func TestChainLimit(t *testing.T) {
	c := New(WithInitialSize(8), WithLimit(16))
	write(t, c, "12345678")
	write(t, c, "12345678")

	_, err := c.EnsureSpace(1)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, 16, c.Len(), "failed reservation leaves committed data intact")
}

func TestChainWriteTo(t *testing.T) {
	c := New(WithInitialSize(4))
	write(t, c, "hello")
	write(t, c, " ")
	write(t, c, "world")
	c.MarkFinal()

	var out bytes.Buffer
	n, err := c.WriteTo(&out)
	require.NoError(t, err)
	assert.EqualValues(t, c.Len(), n)
	assert.Equal(t, "hello world", out.String())
	assert.True(t, c.Final())
}

func TestChainReleaseReturnsPooledBuffers(t *testing.T) {
	pool := NewPool(32)
	c := New(WithPool(pool), WithInitialSize(pool.Size()))
	write(t, c, "pooled")
	write(t, c, string(make([]byte, 64)))
	require.Equal(t, 2, c.NumBuffers())

	c.Release()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.NumBuffers())
	assert.False(t, c.Final())

	b := pool.Get()
	assert.Equal(t, 0, len(b))
	assert.Equal(t, 32, cap(b))
}

func TestPoolRejectsForeignSizes(t *testing.T) {
	pool := NewPool(16)
	pool.Put(make([]byte, 0, 8))
	assert.Equal(t, 16, cap(pool.Get()))
}
