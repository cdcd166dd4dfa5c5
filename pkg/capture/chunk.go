package capture

import "io"

// ChunkKind says where a body chunk's bytes live.
type ChunkKind uint8

const (
	// ChunkUnknown is the zero value; escaping it is an error.
	ChunkUnknown ChunkKind = iota
	// ChunkMemory chunks carry their bytes in Data.
	ChunkMemory
	// ChunkFile chunks describe Size bytes at Offset in File.
	ChunkFile
	// ChunkEnd is an empty marker for the end of a body.
	ChunkEnd
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkMemory:
		return "memory"
	case ChunkFile:
		return "file"
	case ChunkEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Chunk is one piece of a request or response body as handed over by the
// host. Last marks the final chunk of the body.
type Chunk struct {
	Kind   ChunkKind
	Data   []byte
	File   io.ReaderAt
	Offset int64
	Size   int64
	Last   bool
}

// MemoryChunk wraps bytes that are resident in memory. The escaper copies
// them, so p may be reused once the call that received the chunk returns.
func MemoryChunk(p []byte, last bool) Chunk {
	return Chunk{Kind: ChunkMemory, Data: p, Last: last}
}

// FileChunk describes size bytes at off in f.
func FileChunk(f io.ReaderAt, off, size int64, last bool) Chunk {
	return Chunk{Kind: ChunkFile, File: f, Offset: off, Size: size, Last: last}
}

// EndChunk returns the empty end-of-body marker.
func EndChunk() Chunk {
	return Chunk{Kind: ChunkEnd, Last: true}
}

// Len returns the number of body bytes the chunk represents.
func (c Chunk) Len() int64 {
	switch c.Kind {
	case ChunkMemory:
		return int64(len(c.Data))
	case ChunkFile:
		return c.Size
	default:
		return 0
	}
}
