package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fidiego/http-mirror/pkg/capture"
)

// errBodyAborted is reported when the client goes away before the response
// body was fully relayed.
var errBodyAborted = errors.New("response body closed before EOF")

// requestBody is a fully buffered request body: the first part in memory,
// any remainder in a temp file.
type requestBody struct {
	mem      []byte
	file     *os.File
	fileSize int64
}

// bufferRequestBody reads the whole of r into memory up to memLimit bytes and
// spills the rest to a temp file in dir. r is closed.
func bufferRequestBody(r io.ReadCloser, memLimit int64, dir string) (*requestBody, error) {
	b := &requestBody{}
	if r == nil {
		return b, nil
	}
	defer r.Close()

	mem, err := io.ReadAll(io.LimitReader(r, memLimit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(mem)) <= memLimit {
		b.mem = mem
		return b, nil
	}

	f, err := os.CreateTemp(dir, "http-mirror-body-*")
	if err != nil {
		return nil, fmt.Errorf("spill body: %w", err)
	}
	b.file = f
	b.mem = mem[:memLimit]
	n, err := f.Write(mem[memLimit:])
	if err == nil {
		var copied int64
		copied, err = io.Copy(f, r)
		b.fileSize = int64(n) + copied
	}
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("spill body: %w", err)
	}
	return b, nil
}

// Size returns the total body length.
func (b *requestBody) Size() int64 { return int64(len(b.mem)) + b.fileSize }

// Reader returns a fresh reader over the whole body.
func (b *requestBody) Reader() io.Reader {
	mem := bytes.NewReader(b.mem)
	if b.file == nil {
		return mem
	}
	return io.MultiReader(mem, io.NewSectionReader(b.file, 0, b.fileSize))
}

// Preview returns up to max leading bytes and whether the body is longer.
func (b *requestBody) Preview(max int64) ([]byte, bool, error) {
	if b.Size() == 0 {
		return nil, false, nil
	}
	data, err := io.ReadAll(io.LimitReader(b.Reader(), max))
	if err != nil {
		return nil, false, err
	}
	return data, b.Size() > max, nil
}

// Chunks describes the body as memory and file chunks, the last one flagged.
// An empty body is a single end marker.
func (b *requestBody) Chunks() []capture.Chunk {
	var chunks []capture.Chunk
	if len(b.mem) > 0 {
		chunks = append(chunks, capture.MemoryChunk(b.mem, b.file == nil))
	}
	if b.file != nil {
		chunks = append(chunks, capture.FileChunk(b.file, 0, b.fileSize, true))
	}
	if len(chunks) == 0 {
		chunks = append(chunks, capture.EndChunk())
	}
	return chunks
}

// Close removes the spill file, if any.
func (b *requestBody) Close() error {
	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	err := b.file.Close()
	if rerr := os.Remove(name); err == nil {
		err = rerr
	}
	b.file = nil
	return err
}

// responseTap wraps an upstream response body. Every Read is handed to the
// addons as a memory chunk and kept in the flow preview; EOF or Close ends
// the flow.
type responseTap struct {
	rc      io.ReadCloser
	flow    *Flow
	engine  *Engine
	max     int64
	once    sync.Once
	preview []byte
}

func (t *responseTap) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		t.flow.Response.BodySize += int64(n)
		if room := t.max - int64(len(t.preview)); room > 0 {
			keep := int64(n)
			if keep > room {
				keep = room
			}
			t.preview = append(t.preview, p[:keep]...)
		}
		t.engine.addons.FireResponseBody(t.flow, capture.MemoryChunk(p[:n], false))
	}
	switch {
	case err == io.EOF:
		t.finish(nil)
	case err != nil:
		t.finish(fmt.Errorf("read upstream body: %w", err))
	}
	return n, err
}

func (t *responseTap) Close() error {
	err := t.rc.Close()
	t.finish(errBodyAborted)
	return err
}

func (t *responseTap) finish(err error) {
	t.once.Do(func() {
		t.flow.Response.Body = t.preview
		t.flow.Response.BodyTruncated = t.flow.Response.BodySize > t.max
		t.engine.finishResponse(t.flow, time.Now(), err)
	})
}
