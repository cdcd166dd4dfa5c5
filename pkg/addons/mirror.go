// Package addons provides built-in proxy addons.
package addons

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fidiego/http-mirror/pkg/bufchain"
	"github.com/fidiego/http-mirror/pkg/capture"
	"github.com/fidiego/http-mirror/pkg/jsonenc"
	"github.com/fidiego/http-mirror/pkg/metrics"
	"github.com/fidiego/http-mirror/pkg/proxy"
	"github.com/fidiego/http-mirror/pkg/relay"
)

const (
	DefaultRequestPath  = "/trace/v1/request"
	DefaultResponsePath = "/trace/v1/response"
)

// Sender hands payloads to the collector. *relay.Client implements it.
type Sender interface {
	Send(req relay.Request, after <-chan struct{}) <-chan struct{}
}

// MirrorOptions configure a MirrorAddon.
type MirrorOptions struct {
	Scopes *Scopes
	IDs    capture.IDSource

	RequestPath  string
	ResponsePath string

	// BufferSize is the size of each payload buffer; MaxPayloadMemory caps
	// one payload. Zero means the bufchain defaults and no cap.
	BufferSize       int
	MaxPayloadMemory int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Store, when set, is notified whenever a flow's mirror status changes.
	Store *proxy.FlowStore
}

// MirrorAddon captures each proxied exchange as a request envelope and a
// response envelope and relays both to the collector. Nothing it does can
// change or fail the proxied exchange.
type MirrorAddon struct {
	sender  Sender
	opts    MirrorOptions
	pool    *bufchain.Pool
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewMirrorAddon returns an addon relaying through sender.
func NewMirrorAddon(sender Sender, opts MirrorOptions) *MirrorAddon {
	if opts.RequestPath == "" {
		opts.RequestPath = DefaultRequestPath
	}
	if opts.ResponsePath == "" {
		opts.ResponsePath = DefaultResponsePath
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = bufchain.DefaultInitialSize
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &MirrorAddon{
		sender:  sender,
		opts:    opts,
		pool:    bufchain.NewPool(opts.BufferSize),
		log:     log.Named("mirror"),
		metrics: opts.Metrics,
	}
}

var (
	_ proxy.RequestHook      = (*MirrorAddon)(nil)
	_ proxy.ResponseHook     = (*MirrorAddon)(nil)
	_ proxy.ResponseBodyHook = (*MirrorAddon)(nil)
	_ proxy.ErrorHook        = (*MirrorAddon)(nil)
	_ proxy.DoneHook         = (*MirrorAddon)(nil)
)

// OnRequest opens the exchange's capture session and relays the request
// envelope.
func (m *MirrorAddon) OnRequest(flow *proxy.Flow) {
	if flow.Capture != nil || flow.Request == nil {
		return
	}
	scope := m.opts.Scopes.For(flow.Upstream)
	if !scope.Enabled {
		return
	}
	if scope.Filter != nil && !scope.Filter(flow) {
		m.skip(flow)
		return
	}

	headers := flow.Request.HeaderList()
	id, ok := m.opts.IDs.Resolve(headers, flow.ID)
	if !ok {
		m.skip(flow)
		return
	}

	sess := capture.NewSession(&flowRelayer{addon: m, flow: flow}, capture.Options{
		Limits:            capture.Limits{MaxBodySize: scope.MaxBodySize},
		InitialBufferSize: m.opts.BufferSize,
		ArenaLimit:        m.opts.MaxPayloadMemory,
		Pool:              m.pool,
	})
	if err := sess.Begin(flow.Timestamps.Created); err != nil {
		m.log.Error("capture session reused", zap.String("flow", flow.ID), zap.Error(err))
		return
	}
	flow.Capture = sess

	err := sess.CaptureRequest(capture.RequestInfo{
		ID:       id,
		Method:   flow.Request.Method,
		Path:     flow.Request.Path,
		Host:     flow.Request.Host,
		Internal: flow.Internal,
		Headers:  headers,
		Body:     flow.Request.BodyChunks,
	}, flow.Timestamps.RequestDone)
	switch {
	case errors.Is(err, capture.ErrNotApplicable):
		flow.Capture = nil
		m.skip(flow)
	case err != nil:
		m.drop(flow, capture.KindRequest, err)
	}
}

// OnResponse opens the response envelope once the upstream headers are in.
func (m *MirrorAddon) OnResponse(flow *proxy.Flow) {
	sess := flow.Capture
	if sess == nil || flow.Response == nil {
		return
	}
	err := sess.CaptureResponseHeader(responseInfo(flow.Response), flow.Timestamps.ResponseStart)
	if err != nil {
		m.drop(flow, capture.KindResponse, err)
	}
}

// responseInfo describes r for the response envelope. The values kept
// outside the header list are mirrored only if the list lacks them.
func responseInfo(r *proxy.CapturedResponse) capture.ResponseInfo {
	info := capture.ResponseInfo{
		Status:        r.StatusCode,
		ContentType:   r.Headers.Get("Content-Type"),
		ContentLength: r.ContentLength,
		Headers:       r.HeaderList(),
	}
	if lm := r.Headers.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	return info
}

// OnResponseBody feeds the response envelope. The end marker finishes and
// relays it.
func (m *MirrorAddon) OnResponseBody(flow *proxy.Flow, chunk capture.Chunk) {
	sess := flow.Capture
	if sess == nil {
		return
	}
	now := time.Now()
	if chunk.Last && !flow.Timestamps.ResponseDone.IsZero() {
		now = flow.Timestamps.ResponseDone
	}
	if err := sess.CaptureResponseBody(chunk, now); err != nil {
		m.drop(flow, capture.KindResponse, err)
	}
}

// OnError drops a response envelope that can no longer complete.
func (m *MirrorAddon) OnError(flow *proxy.Flow, err error) {
	sess := flow.Capture
	if sess == nil {
		return
	}
	switch sess.Phase() {
	case capture.PhaseRequestCaptured, capture.PhaseResponseHeaderCaptured, capture.PhaseResponseBodyStreaming:
		sess.Close()
		if _, resp := flow.Mirror.Get(); resp == proxy.MirrorNone {
			m.log.Debug("response not mirrored",
				zap.String("flow", flow.ID),
				zap.String("request_id", sess.RequestID()),
				zap.Error(err))
			m.metrics.EnvelopeDropped(string(capture.KindResponse), "aborted")
			m.setStatus(flow, capture.KindResponse, proxy.MirrorDropped, err)
		}
	}
}

// OnDone releases whatever the session still holds.
func (m *MirrorAddon) OnDone(flow *proxy.Flow) {
	if flow.Capture != nil {
		flow.Capture.Close()
	}
}

func (m *MirrorAddon) skip(flow *proxy.Flow) {
	flow.Mirror.Set(capture.KindRequest, proxy.MirrorSkipped, nil)
	flow.Mirror.Set(capture.KindResponse, proxy.MirrorSkipped, nil)
	m.notify(flow)
}

// drop records an envelope that could not be built. Only the first failure
// of each envelope is reported.
func (m *MirrorAddon) drop(flow *proxy.Flow, kind capture.Kind, err error) {
	req, resp := flow.Mirror.Get()
	if kind == capture.KindRequest && req == proxy.MirrorDropped ||
		kind == capture.KindResponse && resp == proxy.MirrorDropped {
		return
	}
	reason := dropReason(err)
	m.log.Warn("mirror envelope dropped",
		zap.String("kind", string(kind)),
		zap.String("flow", flow.ID),
		zap.String("reason", reason),
		zap.Error(err))
	m.metrics.EnvelopeDropped(string(kind), reason)
	m.setStatus(flow, kind, proxy.MirrorDropped, err)
}

func (m *MirrorAddon) setStatus(flow *proxy.Flow, kind capture.Kind, status proxy.MirrorStatus, err error) {
	flow.Mirror.Set(kind, status, err)
	m.notify(flow)
}

func (m *MirrorAddon) notify(flow *proxy.Flow) {
	if m.opts.Store != nil {
		m.opts.Store.Update(flow, proxy.FlowEventMirror)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, jsonenc.ErrOutOfMemory), errors.Is(err, bufchain.ErrLimitExceeded):
		return "memory"
	case errors.Is(err, capture.ErrUnexpectedChunk), errors.Is(err, capture.ErrUnreadableChunk):
		return "body"
	case errors.Is(err, capture.ErrOutOfOrder):
		return "order"
	default:
		return "error"
	}
}

// flowRelayer relays one flow's envelopes and tracks their delivery on the
// flow.
type flowRelayer struct {
	addon *MirrorAddon
	flow  *proxy.Flow
}

func (r *flowRelayer) Relay(env *capture.Envelope, after <-chan struct{}) <-chan struct{} {
	m, flow := r.addon, r.flow
	path := m.opts.RequestPath
	if env.Kind == capture.KindResponse {
		path = m.opts.ResponsePath
	}
	m.metrics.EnvelopeBuilt(string(env.Kind), env.Truncated)
	m.log.Debug("mirror envelope built",
		zap.String("kind", string(env.Kind)),
		zap.String("request_id", env.RequestID),
		zap.Int("bytes", env.Length),
		zap.Bool("truncated", env.Truncated))
	m.setStatus(flow, env.Kind, proxy.MirrorPending, nil)

	kind := env.Kind
	return m.sender.Send(relay.Request{
		Kind:          string(kind),
		RequestID:     env.RequestID,
		Path:          path,
		Body:          env.Body,
		ContentLength: env.Length,
		OnDone: func(res relay.Result) {
			status := proxy.MirrorSent
			switch res.Outcome {
			case metrics.OutcomeFailed:
				status = proxy.MirrorFailed
			case metrics.OutcomeDropped:
				status = proxy.MirrorDropped
			}
			m.setStatus(flow, kind, status, res.Err)
		},
	}, after)
}
