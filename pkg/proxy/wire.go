package proxy

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"strings"
	"sync"

	"github.com/fidiego/http-mirror/pkg/capture"
)

// net/http keeps headers in a map, which loses the order and spelling they
// had on the wire. The connection wrappers here copy raw header blocks out of
// the byte stream so a flow can report its headers as they were sent.

// maxHeaderBlock bounds the bytes held while waiting for a header block to
// end. Longer blocks are not recorded.
const maxHeaderBlock = 64 << 10

// maxPendingBlocks bounds the request header blocks a client connection holds
// before a handler claims them.
const maxPendingBlocks = 8

// headerRecorder copies header blocks out of a read stream. It records only
// while armed and disarms after each complete block, so body bytes are not
// kept.
type headerRecorder struct {
	mu     sync.Mutex
	armed  bool
	buf    []byte
	blocks [][]byte

	// interim reports whether another header block follows block on the
	// same message, as after a 100 Continue.
	interim func(block []byte) bool
}

// arm starts recording the next block. With reset, recorded blocks are
// discarded and a partial block starts over.
func (h *headerRecorder) arm(reset bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if reset {
		h.blocks = nil
	} else if h.armed {
		return
	}
	h.armed, h.buf = true, nil
}

func (h *headerRecorder) observe(p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.armed {
		return
	}
	h.buf = append(h.buf, p...)
	for h.armed {
		end := headerEnd(h.buf)
		if end < 0 {
			if len(h.buf) > maxHeaderBlock {
				h.armed, h.buf = false, nil
			}
			return
		}
		block := append([]byte(nil), h.buf[:end]...)
		if len(h.blocks) == maxPendingBlocks {
			h.blocks = append(h.blocks[:0], h.blocks[1:]...)
		}
		h.blocks = append(h.blocks, block)
		if h.interim != nil && h.interim(block) {
			h.buf = append([]byte(nil), h.buf[end:]...)
			continue
		}
		h.armed, h.buf = false, nil
	}
}

// requestHeaders claims the recorded block whose request line carries method
// and target. Older blocks are dropped on the way; they belong to requests
// no handler asked for.
func (h *headerRecorder) requestHeaders(method, target string) ([]capture.Header, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.blocks) > 0 {
		line, headers := parseHeaderBlock(h.blocks[0])
		h.blocks = h.blocks[1:]
		f := strings.Fields(line)
		if len(f) == 3 && f[0] == method && f[1] == target {
			return headers, true
		}
	}
	return nil, false
}

// responseHeaders claims the last recorded block if its status line carries
// status.
func (h *headerRecorder) responseHeaders(status int) ([]capture.Header, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.blocks) == 0 {
		return nil, false
	}
	line, headers := parseHeaderBlock(h.blocks[len(h.blocks)-1])
	h.blocks = nil
	f := strings.Fields(line)
	if len(f) < 2 || f[1] != strconv.Itoa(status) {
		return nil, false
	}
	return headers, true
}

// headerEnd returns the offset just past the blank line ending the header
// block at the start of b, or -1. Blank lines before the block are skipped
// the way HTTP/1 servers skip them.
func headerEnd(b []byte) int {
	start := 0
	for start < len(b) && (b[start] == '\r' || b[start] == '\n') {
		start++
	}
	for i := start; i < len(b); i++ {
		if b[i] != '\n' {
			continue
		}
		if i+1 < len(b) && b[i+1] == '\n' {
			return i + 2
		}
		if i+2 < len(b) && b[i+1] == '\r' && b[i+2] == '\n' {
			return i + 3
		}
	}
	return -1
}

// parseHeaderBlock splits a raw header block into its first line and its
// fields, keeping their order and spelling. Folded lines are joined to the
// field they continue.
func parseHeaderBlock(block []byte) (string, []capture.Header) {
	lines := strings.Split(strings.TrimLeft(string(block), "\r\n"), "\n")
	first := strings.TrimSuffix(lines[0], "\r")
	var out []capture.Header
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if n := len(out); n > 0 {
				out[n-1].Value += " " + strings.TrimSpace(line)
			}
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out = append(out, capture.Header{Name: name, Value: strings.Trim(value, " \t")})
	}
	return first, out
}

// interimStatus reports whether p starts with a 1xx HTTP/1 status line.
func interimStatus(p []byte) bool {
	return len(p) > 9 && bytes.HasPrefix(p, []byte("HTTP/1.")) && p[9] == '1'
}

// clientConn records the request header blocks a client sends. Writing a
// final response arms it for the next request.
type clientConn struct {
	net.Conn
	rec headerRecorder
}

func (c *clientConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.rec.observe(p[:n])
	}
	return n, err
}

func (c *clientConn) Write(p []byte) (int, error) {
	// A 100 Continue is followed by the request body, not a new request.
	if !interimStatus(p) {
		c.rec.arm(false)
	}
	return c.Conn.Write(p)
}

type headerListener struct {
	net.Listener
}

func (l headerListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	cc := &clientConn{Conn: c}
	cc.rec.armed = true
	return cc, nil
}

type clientConnKey struct{}

// RecordHeaderOrder wraps ln so that flows served by srv keep request headers
// in the order and spelling the client sent. srv must serve the returned
// listener. Requests reaching the engine any other way, and pipelined
// requests, fall back to HeaderList order.
func RecordHeaderOrder(srv *http.Server, ln net.Listener) net.Listener {
	prev := srv.ConnContext
	srv.ConnContext = func(ctx context.Context, c net.Conn) context.Context {
		if prev != nil {
			ctx = prev(ctx, c)
		}
		if cc, ok := c.(*clientConn); ok {
			ctx = context.WithValue(ctx, clientConnKey{}, cc)
		}
		return ctx
	}
	return headerListener{ln}
}

// wireRequestHeaders returns r's headers in wire order when r arrived on a
// recording listener.
func wireRequestHeaders(r *http.Request) []capture.Header {
	cc, ok := r.Context().Value(clientConnKey{}).(*clientConn)
	if !ok {
		return nil
	}
	headers, _ := cc.rec.requestHeaders(r.Method, r.RequestURI)
	return headers
}

// upstreamConn records the response header blocks an upstream sends. It is
// armed per request from the flow's client trace.
type upstreamConn struct {
	net.Conn
	rec headerRecorder
}

func newUpstreamConn(c net.Conn) *upstreamConn {
	uc := &upstreamConn{Conn: c}
	uc.rec.interim = func(block []byte) bool {
		b := bytes.TrimLeft(block, "\r\n")
		// 101 ends the HTTP exchange; anything after it is the new protocol.
		return interimStatus(b) && !bytes.HasPrefix(b[9:], []byte("101"))
	}
	return uc
}

func (c *upstreamConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.rec.observe(p[:n])
	}
	return n, err
}

// newUpstreamTransport returns the default transport with plain connections
// wrapped for recording. TLS connections are layered on the raw conn by the
// transport, so https upstreams fall back to HeaderList order.
func newUpstreamTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	dial := t.DialContext
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		c, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return newUpstreamConn(c), nil
	}
	return t
}

// traceUpstreamHeaders arms the recorder of whichever connection the
// transport picks for flow's request.
func traceUpstreamHeaders(ctx context.Context, flow *Flow) context.Context {
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			uc, ok := info.Conn.(*upstreamConn)
			if !ok {
				flow.upstreamHeaders = nil
				return
			}
			uc.rec.arm(true)
			flow.upstreamHeaders = &uc.rec
		},
	})
}
