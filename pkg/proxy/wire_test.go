package proxy

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/http-mirror/pkg/capture"
)

func TestParseHeaderBlock(t *testing.T) {
	line, headers := parseHeaderBlock([]byte("\r\nGET /x HTTP/1.1\r\nx-lower: a\r\nX-Folded: one\r\n\t two\r\nbroken\r\nEmpty:\r\n\r\n"))
	assert.Equal(t, "GET /x HTTP/1.1", line)
	assert.Equal(t, []capture.Header{
		{Name: "x-lower", Value: "a"},
		{Name: "X-Folded", Value: "one two"},
		{Name: "Empty", Value: ""},
	}, headers)
}

func TestHeaderEnd(t *testing.T) {
	assert.Equal(t, -1, headerEnd([]byte("GET / HTTP/1.1\r\nHost: x\r\n")))
	assert.Equal(t, 18, headerEnd([]byte("GET / HTTP/1.1\r\n\r\nbody")))
	assert.Equal(t, 16, headerEnd([]byte("GET / HTTP/1.1\n\nbody")))
	assert.Equal(t, -1, headerEnd([]byte("\r\n\r\n")))
}

func TestHeaderRecorderQueuesRequestBlocks(t *testing.T) {
	var h headerRecorder
	h.arm(false)
	h.observe([]byte("\r\nGET /a HTTP/1.1\r\nHost: x\r\n"))
	h.observe([]byte("X-One: 1\r\n\r\nbody: not a header\r\n\r\n"))
	h.observe([]byte("more: body\r\n\r\n"))
	h.arm(false)
	h.observe([]byte("GET /b HTTP/1.1\nX-Two: 2\n\n"))

	got, ok := h.requestHeaders("GET", "/a")
	require.True(t, ok)
	assert.Equal(t, []capture.Header{{Name: "Host", Value: "x"}, {Name: "X-One", Value: "1"}}, got)

	got, ok = h.requestHeaders("GET", "/b")
	require.True(t, ok)
	assert.Equal(t, []capture.Header{{Name: "X-Two", Value: "2"}}, got)

	_, ok = h.requestHeaders("GET", "/c")
	assert.False(t, ok)
}

func TestHeaderRecorderDropsUnclaimedBlocks(t *testing.T) {
	var h headerRecorder
	h.arm(false)
	h.observe([]byte("GET /stale HTTP/1.1\r\n\r\n"))
	h.arm(false)
	h.observe([]byte("GET /fresh HTTP/1.1\r\nA: 1\r\n\r\n"))

	got, ok := h.requestHeaders("GET", "/fresh")
	require.True(t, ok)
	assert.Equal(t, []capture.Header{{Name: "A", Value: "1"}}, got)
	assert.Empty(t, h.blocks)
}

func TestHeaderRecorderGivesUpOnHugeBlock(t *testing.T) {
	var h headerRecorder
	h.arm(false)
	h.observe([]byte(strings.Repeat("x", maxHeaderBlock+1)))
	h.observe([]byte("\r\n\r\n"))
	assert.False(t, h.armed)
	assert.Empty(t, h.blocks)
}

func TestUpstreamConnSkipsInterimResponses(t *testing.T) {
	uc := newUpstreamConn(nil)
	uc.rec.arm(true)
	uc.rec.observe([]byte("HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 103 Early Hints\r\nLink: </a>\r\n\r\nHTTP/1.1 201 Created\r\n"))
	uc.rec.observe([]byte("x-id: 7\r\nContent-Length: 2\r\n\r\n{}"))

	got, ok := uc.rec.responseHeaders(201)
	require.True(t, ok)
	assert.Equal(t, []capture.Header{{Name: "x-id", Value: "7"}, {Name: "Content-Length", Value: "2"}}, got)

	_, ok = uc.rec.responseHeaders(201)
	assert.False(t, ok)

	uc.rec.arm(true)
	uc.rec.observe([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	_, ok = uc.rec.responseHeaders(404)
	assert.False(t, ok)
}

func TestInterimStatus(t *testing.T) {
	assert.True(t, interimStatus([]byte("HTTP/1.1 100 Continue\r\n\r\n")))
	assert.False(t, interimStatus([]byte("HTTP/1.1 200 OK\r\n")))
	assert.False(t, interimStatus([]byte("chunk")))
}

func TestEngineKeepsRequestHeaderOrder(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	e, err := New(Options{Upstreams: []Upstream{{Name: "app", Prefix: "/", Target: upstream.URL}}}, nil)
	require.NoError(t, err)
	rec := newRecordingAddon()
	e.Addons().Add(rec)
	srv := httptest.NewUnstartedServer(e)
	srv.Listener = RecordHeaderOrder(srv.Config, srv.Listener)
	srv.Start()
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	br := bufio.NewReader(conn)
	send := func(raw string) *Flow {
		t.Helper()
		_, err := io.WriteString(conn, raw)
		require.NoError(t, err)
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return rec.wait(t)
	}

	first := send("GET /one HTTP/1.1\r\nHost: example.test\r\nX-B: 2\r\nx-a: 1\r\n\r\n")
	assert.Equal(t, []capture.Header{
		{Name: "Host", Value: "example.test"},
		{Name: "X-B", Value: "2"},
		{Name: "x-a", Value: "1"},
	}, first.Request.HeaderList())

	// Same connection, so the recorder must have re-armed after the response.
	second := send("POST /two HTTP/1.1\r\nx-a: 1\r\nHost: example.test\r\nContent-Length: 3\r\n\r\nabc")
	assert.Equal(t, []capture.Header{
		{Name: "x-a", Value: "1"},
		{Name: "Host", Value: "example.test"},
		{Name: "Content-Length", Value: "3"},
	}, second.Request.HeaderList())
	assert.Equal(t, "abc", rec.requestBody)
}

// rawUpstream answers every request on its connections with response as is.
func rawUpstream(t *testing.T, response string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				br := bufio.NewReader(c)
				for {
					req, err := http.ReadRequest(br)
					if err != nil {
						return
					}
					_, _ = io.Copy(io.Discard, req.Body)
					if _, err := io.WriteString(c, response); err != nil {
						return
					}
				}
			}()
		}
	}()
	return "http://" + ln.Addr().String()
}

func TestEngineKeepsResponseHeaderOrder(t *testing.T) {
	target := rawUpstream(t, "HTTP/1.1 103 Early Hints\r\nLink: </style.css>\r\n\r\n"+
		"HTTP/1.1 200 OK\r\nX-Zed: 1\r\nx-alpha: 2\r\nContent-Length: 2\r\n\r\nok")
	_, rec, srv := newTestEngine(t, target, Options{})

	for i := 0; i < 2; i++ {
		resp, err := http.Get(srv.URL + "/r")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, "ok", string(body))

		flow := rec.wait(t)
		assert.Equal(t, []capture.Header{
			{Name: "X-Zed", Value: "1"},
			{Name: "x-alpha", Value: "2"},
			{Name: "Content-Length", Value: "2"},
		}, flow.Response.HeaderList())
		// The client was not on a recording listener.
		assert.Nil(t, flow.Request.WireHeaders)
	}
}
