package capture

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/http-mirror/pkg/bufchain"
)

func startResponse(t *testing.T, resp ResponseInfo, max int64) *ResponseEnvelopeBuilder {
	t.Helper()
	b, err := StartResponseEnvelope(bufchain.New(bufchain.WithInitialSize(32)), resp, t2, Limits{MaxBodySize: max})
	require.NoError(t, err)
	return b
}

func TestResponseEnvelopeTruncatedScenario(t *testing.T) {
	b := startResponse(t, ResponseInfo{RequestID: "r1", Status: 200, ContentLength: -1}, 10)
	require.NoError(t, b.Append(MemoryChunk([]byte("hello "), false)))
	require.NoError(t, b.Append(MemoryChunk([]byte("world!!"), true)))

	env, err := b.Finish(t3)
	require.NoError(t, err)
	out := string(env.Body.Bytes())

	want := `{"request_id":"r1","response_code":200,"headers":[],` +
		`"response_start":"2022-12-07T12:34:56.002001Z",` +
		`"body":"hello worl","truncated":13,` +
		`"response_complete":"2022-12-07T12:34:56.003001Z"}`
	assert.Equal(t, want, out)
	assert.Equal(t, KindResponse, env.Kind)
	assert.Equal(t, "r1", env.RequestID)
	assert.True(t, env.Truncated)
	assert.Equal(t, int64(13), env.BodySize)
	assert.Equal(t, len(out), env.Length)
}

func TestResponseEnvelopeSynthesizedHeaders(t *testing.T) {
	lastMod := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	b := startResponse(t, ResponseInfo{
		RequestID:     "r2",
		Status:        404,
		ContentType:   "text/html",
		ContentLength: 5,
		LastModified:  lastMod,
		Headers:       []Header{{"X-Upstream", "a"}},
	}, 100)
	require.NoError(t, b.Append(MemoryChunk([]byte("nope\n"), false)))
	require.NoError(t, b.Append(EndChunk()))
	env, err := b.Finish(t3)
	require.NoError(t, err)

	var got wireResponse
	require.NoError(t, json.Unmarshal(env.Body.Bytes(), &got))
	assert.Equal(t, 404, got.ResponseCode)
	assert.Equal(t, []wireHeader{
		{"Content-Type", "text/html"},
		{"Content-Length", "5"},
		{"Last-Modified", "Thu, 04 Mar 2021 05:06:07 GMT"},
		{"X-Upstream", "a"},
	}, got.Headers)
	assert.Equal(t, "nope\n", got.Body)
	assert.Nil(t, got.Truncated)
	assert.True(t, got.ResponseStart.Equal(t2))
	assert.True(t, got.ResponseComplete.Equal(t3))
}

func TestResponseEnvelopeSkipsKnownOrPresentHeaders(t *testing.T) {
	b := startResponse(t, ResponseInfo{
		RequestID:     "r3",
		Status:        200,
		ContentType:   "application/json",
		ContentLength: -1,
		Headers:       []Header{{"content-type", "application/json"}},
	}, 100)
	env, err := b.Finish(t3)
	require.NoError(t, err)

	var got wireResponse
	require.NoError(t, json.Unmarshal(env.Body.Bytes(), &got))
	assert.Equal(t, []wireHeader{{"content-type", "application/json"}}, got.Headers)
}

func TestResponseEnvelopeZeroContentLength(t *testing.T) {
	b := startResponse(t, ResponseInfo{RequestID: "r", Status: 204, ContentLength: 0}, 100)
	env, err := b.Finish(t3)
	require.NoError(t, err)

	var got wireResponse
	require.NoError(t, json.Unmarshal(env.Body.Bytes(), &got))
	assert.Equal(t, []wireHeader{{"Content-Length", "0"}}, got.Headers)
	assert.Equal(t, "", got.Body)
}

func TestResponseBuilderRefusesUseAfterClose(t *testing.T) {
	b := startResponse(t, ResponseInfo{RequestID: "r", Status: 200, ContentLength: -1}, 100)
	_, err := b.Finish(t3)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Append(MemoryChunk([]byte("x"), true)), ErrBuilderClosed)
	_, err = b.Finish(t3)
	assert.ErrorIs(t, err, ErrBuilderClosed)

	d := startResponse(t, ResponseInfo{RequestID: "r", Status: 200, ContentLength: -1}, 100)
	d.Discard()
	assert.ErrorIs(t, d.Append(EndChunk()), ErrBuilderClosed)
}

func TestResponseBuilderObserved(t *testing.T) {
	b := startResponse(t, ResponseInfo{RequestID: "r", Status: 200, ContentLength: -1}, 2)
	require.NoError(t, b.Append(MemoryChunk([]byte("abc"), false)))
	require.NoError(t, b.Append(MemoryChunk([]byte("de"), true)))
	assert.Equal(t, int64(5), b.Observed())
}
