package capture

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/http-mirror/pkg/bufchain"
)

type relayCall struct {
	env   *Envelope
	after <-chan struct{}
	sent  chan struct{}
}

type fakeRelayer struct {
	calls []relayCall
}

func (r *fakeRelayer) Relay(env *Envelope, after <-chan struct{}) <-chan struct{} {
	sent := make(chan struct{})
	r.calls = append(r.calls, relayCall{env: env, after: after, sent: sent})
	return sent
}

func newTestSession(r Relayer) *Session {
	return NewSession(r, Options{
		Limits:            Limits{MaxBodySize: 1024},
		InitialBufferSize: 64,
		Pool:              bufchain.NewPool(64),
	})
}

func TestSessionFullExchange(t *testing.T) {
	r := &fakeRelayer{}
	s := newTestSession(r)
	assert.Equal(t, PhaseIdle, s.Phase())

	require.NoError(t, s.Begin(t0))
	require.NoError(t, s.CaptureRequest(RequestInfo{
		ID: "id-1", Method: "POST", Path: "/p",
		Body: []Chunk{MemoryChunk([]byte("req"), true)},
	}, t1))
	assert.Equal(t, PhaseRequestCaptured, s.Phase())
	require.Len(t, r.calls, 1)
	assert.Nil(t, r.calls[0].after)

	require.NoError(t, s.CaptureResponseHeader(ResponseInfo{Status: 201, ContentLength: -1}, t2))
	assert.Equal(t, PhaseResponseHeaderCaptured, s.Phase())

	require.NoError(t, s.CaptureResponseBody(MemoryChunk([]byte("res"), false), t2))
	assert.Equal(t, PhaseResponseBodyStreaming, s.Phase())
	require.NoError(t, s.CaptureResponseBody(EndChunk(), t3))
	assert.Equal(t, PhaseRelayed, s.Phase())

	require.Len(t, r.calls, 2)
	assert.True(t, r.calls[1].after == (<-chan struct{})(r.calls[0].sent),
		"response relay waits for the request relay to start")
	assert.True(t, s.RequestRelayed())
	assert.True(t, s.ResponseRelayed())
	assert.Equal(t, int64(3), s.ObservedResponseBytes())

	var req wireRequest
	require.NoError(t, json.Unmarshal(r.calls[0].env.Body.Bytes(), &req))
	assert.Equal(t, "id-1", req.RequestID)
	assert.True(t, req.RequestStart.Equal(t0))
	assert.True(t, req.RequestArrived.Equal(t1))
	assert.Equal(t, "req", req.Body)

	var resp wireResponse
	require.NoError(t, json.Unmarshal(r.calls[1].env.Body.Bytes(), &resp))
	assert.Equal(t, "id-1", resp.RequestID)
	assert.Equal(t, 201, resp.ResponseCode)
	assert.Equal(t, "res", resp.Body)
	assert.True(t, resp.ResponseComplete.Equal(t3))

	ts := s.Timestamps()
	assert.Equal(t, Timestamps{RequestStart: t0, RequestArrived: t1, ResponseStart: t2, ResponseComplete: t3}, ts)

	for _, c := range r.calls {
		c.env.Release()
	}
}

func TestSessionRequestCapturedOnce(t *testing.T) {
	r := &fakeRelayer{}
	s := newTestSession(r)

	require.NoError(t, s.Begin(t0))
	assert.ErrorIs(t, s.Begin(t1), ErrAlreadyCaptured)

	req := RequestInfo{ID: "x", Method: "GET", Path: "/"}
	require.NoError(t, s.CaptureRequest(req, t1))
	assert.ErrorIs(t, s.CaptureRequest(req, t2), ErrAlreadyCaptured)
	assert.Len(t, r.calls, 1)
	assert.Equal(t, t0, s.Timestamps().RequestStart)
}

func TestSessionInternalCapture(t *testing.T) {
	r := &fakeRelayer{}
	s := newTestSession(r)
	require.NoError(t, s.CaptureRequest(RequestInfo{ID: "x", Method: "GET", Path: "/", Internal: true}, t1))
	assert.True(t, s.Internal())

	var req wireRequest
	require.NoError(t, json.Unmarshal(r.calls[0].env.Body.Bytes(), &req))
	assert.Equal(t, "true", req.Internal)
	assert.True(t, req.RequestStart.Equal(t1), "start defaults to arrival without Begin")
}

func TestSessionWithoutRequestID(t *testing.T) {
	r := &fakeRelayer{}
	s := newTestSession(r)
	assert.ErrorIs(t, s.CaptureRequest(RequestInfo{Method: "GET", Path: "/"}, t1), ErrNotApplicable)
	assert.Equal(t, PhaseIdle, s.Phase())
	assert.Empty(t, r.calls)
}

func TestSessionOutOfOrder(t *testing.T) {
	s := newTestSession(&fakeRelayer{})
	assert.ErrorIs(t, s.CaptureResponseHeader(ResponseInfo{Status: 200}, t2), ErrOutOfOrder)
	assert.ErrorIs(t, s.CaptureResponseBody(EndChunk(), t3), ErrOutOfOrder)
}

func TestSessionRequestOutOfMemoryStillMirrorsResponse(t *testing.T) {
	r := &fakeRelayer{}
	s := NewSession(r, Options{
		Limits:            Limits{MaxBodySize: 1 << 20},
		InitialBufferSize: 256,
		ArenaLimit:        256,
	})

	big := make([]byte, 1024)
	err := s.CaptureRequest(RequestInfo{
		ID: "x", Method: "POST", Path: "/",
		Body: []Chunk{MemoryChunk(big, true)},
	}, t1)
	require.Error(t, err)
	assert.False(t, s.RequestRelayed())
	assert.Equal(t, PhaseRequestCaptured, s.Phase())

	require.NoError(t, s.CaptureResponseHeader(ResponseInfo{Status: 200, ContentLength: -1}, t2))
	require.NoError(t, s.CaptureResponseBody(MemoryChunk([]byte("ok"), true), t3))
	require.Len(t, r.calls, 1)
	assert.Equal(t, KindResponse, r.calls[0].env.Kind)
	assert.Nil(t, r.calls[0].after)
}

func TestSessionEscaperErrorDisablesResponseOnly(t *testing.T) {
	r := &fakeRelayer{}
	s := newTestSession(r)
	require.NoError(t, s.CaptureRequest(RequestInfo{ID: "x", Method: "GET", Path: "/"}, t1))
	require.NoError(t, s.CaptureResponseHeader(ResponseInfo{Status: 200, ContentLength: -1}, t2))

	err := s.CaptureResponseBody(Chunk{}, t2)
	assert.ErrorIs(t, err, ErrUnexpectedChunk)
	assert.True(t, s.Disabled())

	assert.NoError(t, s.CaptureResponseBody(MemoryChunk([]byte("tail"), true), t3))
	assert.Equal(t, PhaseResponseCaptured, s.Phase())
	assert.False(t, s.ResponseRelayed())
	assert.True(t, s.RequestRelayed())
	assert.Len(t, r.calls, 1)
}

func TestSessionCloseDropsOpenResponse(t *testing.T) {
	r := &fakeRelayer{}
	s := newTestSession(r)
	require.NoError(t, s.CaptureRequest(RequestInfo{ID: "x", Method: "GET", Path: "/"}, t1))
	require.NoError(t, s.CaptureResponseHeader(ResponseInfo{Status: 200, ContentLength: -1}, t2))
	require.NoError(t, s.CaptureResponseBody(MemoryChunk([]byte("part"), false), t2))

	s.Close()
	assert.Len(t, r.calls, 1)
	assert.False(t, s.ResponseRelayed())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "response-body-streaming", PhaseResponseBodyStreaming.String())
	assert.Equal(t, "relayed", PhaseRelayed.String())
	assert.Equal(t, "phase(42)", Phase(42).String())
}
