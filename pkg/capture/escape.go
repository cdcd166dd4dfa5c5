package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fidiego/http-mirror/pkg/jsonenc"
)

var (
	// ErrUnexpectedChunk is returned for a chunk that is neither in memory,
	// in a file, nor an end marker.
	ErrUnexpectedChunk = errors.New("capture: unexpected chunk state")

	// ErrUnreadableChunk wraps a failed read of a file-backed chunk.
	ErrUnreadableChunk = errors.New("capture: unreadable body chunk")
)

// scratchSize is the size of pooled buffers used for file-backed chunks.
// Larger reads allocate a one-off buffer.
const scratchSize = 64 << 10

var scratchPool = sync.Pool{
	New: func() any {
		b := make([]byte, scratchSize)
		return &b
	},
}

// EscapeChunk writes the chunk's bytes into enc as escaped string contents,
// limited so that no more than maxSize body bytes are written in total.
// *total counts every body byte seen, written or not, and is always advanced
// by the chunk's full length so truncation can report the real size. The cap
// applies to raw bytes, not to the escaped output.
//
// File-backed chunks are read synchronously. This is the one blocking step in
// the mirror pipeline.
func EscapeChunk(enc *jsonenc.Encoder, maxSize int64, total *int64, c Chunk) error {
	switch c.Kind {
	case ChunkMemory, ChunkFile:
	case ChunkEnd:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedChunk, c.Kind)
	}

	size := c.Len()
	if *total >= maxSize {
		*total += size
		return nil
	}
	n := size
	if room := maxSize - *total; n > room {
		n = room
	}
	*total += size
	if n == 0 {
		return nil
	}

	if c.Kind == ChunkMemory {
		enc.WriteEscaped(c.Data[:n])
		return nil
	}
	return escapeFileRange(enc, c.File, c.Offset, n)
}

func escapeFileRange(enc *jsonenc.Encoder, f io.ReaderAt, off, n int64) error {
	if f == nil {
		return fmt.Errorf("%w: file chunk without a file", ErrUnexpectedChunk)
	}

	var buf []byte
	if n <= scratchSize {
		bp := scratchPool.Get().(*[]byte)
		defer scratchPool.Put(bp)
		buf = (*bp)[:n]
	} else {
		buf = make([]byte, n)
	}

	read, err := f.ReadAt(buf, off)
	if read < len(buf) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("%w: %w", ErrUnreadableChunk, err)
	}
	enc.WriteEscaped(buf)
	return nil
}

// Truncated reports whether a body of total bytes was cut at maxSize and so
// needs a "truncated" field.
func Truncated(maxSize, total int64) bool {
	return total > maxSize
}
