package addons

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fidiego/http-mirror/pkg/capture"
	"github.com/fidiego/http-mirror/pkg/proxy"
)

func TestLogAddonComplete(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogAddon(zap.New(core))

	f := &proxy.Flow{
		ID:       "f1",
		Upstream: "api",
		Request:  &proxy.CapturedRequest{Method: "GET", Host: "example.com", Path: "/x", Headers: http.Header{}},
		Response: &proxy.CapturedResponse{StatusCode: 204, BodySize: 0},
		Tags:     []string{"replay"},
		Internal: true,
	}
	f.Timestamps.Created = time.Now().Add(-time.Second)
	f.Timestamps.ResponseDone = f.Timestamps.Created.Add(15 * time.Millisecond)
	f.Mirror.Set(capture.KindRequest, proxy.MirrorSent, nil)
	l.OnComplete(f)

	entries := logs.All()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, zapcore.InfoLevel, e.Level)
	assert.Equal(t, "flow", e.LoggerName)
	assert.Equal(t, "GET 204 /x", e.Message)

	ctx := e.ContextMap()
	assert.Equal(t, "api", ctx["upstream"])
	assert.Equal(t, int64(204), ctx["status"])
	assert.Equal(t, 15*time.Millisecond, ctx["duration"])
	assert.Equal(t, true, ctx["internal"])
	assert.Equal(t, []any{"replay"}, ctx["tags"])
	assert.Equal(t, "sent", ctx["mirror_request"])
	assert.Equal(t, "", ctx["mirror_response"])
}

func TestLogAddonError(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewLogAddon(zap.New(core))

	f := &proxy.Flow{ID: "f2", Request: &proxy.CapturedRequest{Method: "POST"}}
	l.OnError(f, errors.New("connection refused"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "POST ERR /", entries[0].Message)
	assert.Equal(t, "connection refused", entries[0].ContextMap()["error"])
	assert.NotContains(t, entries[0].ContextMap(), "mirror_request")
}

func TestLogAddonRespectsLevel(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	NewLogAddon(zap.New(core)).OnComplete(&proxy.Flow{Request: &proxy.CapturedRequest{}})
	assert.Zero(t, logs.Len())
}
