package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fidiego/http-mirror/pkg/capture"
	"github.com/fidiego/http-mirror/pkg/metrics"
)

type contextKey string

const flowContextKey contextKey = "flow"

// Engine is the core proxy. It routes requests to upstreams, captures flows,
// and dispatches them through the addon pipeline.
type Engine struct {
	store   *FlowStore
	addons  *AddonManager
	router  *Router
	proxies map[string]*httputil.ReverseProxy
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	server  *http.Server
}

// New creates a new Engine with the given options. m may be nil.
func New(opts Options, m *metrics.Metrics) (*Engine, error) {
	opts.setDefaults()

	router, err := NewRouter(opts.Upstreams)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:   NewFlowStore(opts.MaxFlows),
		addons:  NewAddonManager(),
		router:  router,
		proxies: make(map[string]*httputil.ReverseProxy),
		opts:    opts,
		log:     opts.Logger,
		metrics: m,
	}

	transport := newUpstreamTransport()
	for i := range router.upstreams {
		u := &router.upstreams[i]
		p := &httputil.ReverseProxy{
			Director:       Director(u),
			Transport:      transport,
			ModifyResponse: e.modifyResponse,
			ErrorHandler:   e.errorHandler,
			FlushInterval:  -1, // flush immediately for streaming support
			ErrorLog:       zap.NewStdLog(e.log.Named("reverseproxy")),
		}
		e.proxies[u.Name] = p
	}

	return e, nil
}

// Options returns the resolved options the engine was started with.
func (e *Engine) Options() Options { return e.opts }

// Store returns the flow store (read-only access for UI components).
func (e *Engine) Store() *FlowStore { return e.store }

// Addons returns the addon manager so callers can register addons.
func (e *Engine) Addons() *AddonManager { return e.addons }

// Router returns the router (for UI display of configured upstreams).
func (e *Engine) Router() *Router { return e.router }

// Start runs the proxy server until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	e.server = &http.Server{
		Addr:     e.opts.ListenAddr,
		Handler:  e,
		ErrorLog: zap.NewStdLog(e.log.Named("server")),
	}

	ln, err := net.Listen("tcp", e.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("proxy server: %w", err)
	}
	ln = RecordHeaderOrder(e.server, ln)

	g.Go(func() error {
		e.log.Info("proxy listening", zap.String("addr", ln.Addr().String()))
		if err := e.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.server.Shutdown(shutCtx)
		return nil
	})

	return g.Wait()
}

// ServeHTTP implements http.Handler. It is the main proxy entry point. A
// request that already carries a flow has re-entered the engine and is
// captured as internal.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var tags []string
	parent, internal := r.Context().Value(flowContextKey).(*Flow)
	if internal {
		tags = append(tags, "reentry:"+parent.ID)
	}
	e.serve(w, r, internal, tags)
}

// serve proxies one exchange and returns its flow, or nil when no upstream
// matched.
func (e *Engine) serve(w http.ResponseWriter, r *http.Request, internal bool, tags []string) *Flow {
	upstream := e.router.Match(r)
	if upstream == nil {
		http.Error(w, "no upstream matched", http.StatusBadGateway)
		return nil
	}
	proxy, ok := e.proxies[upstream.Name]
	if !ok {
		http.Error(w, "upstream not configured", http.StatusBadGateway)
		return nil
	}

	flow := e.newFlow(r, upstream)
	flow.Request.WireHeaders = wireRequestHeaders(r)
	flow.Internal = internal
	flow.Tags = append(flow.Tags, tags...)
	e.store.Add(flow)
	e.metrics.FlowProxied()
	defer e.addons.FireDone(flow)

	body, err := bufferRequestBody(r.Body, e.opts.ClientBodyBufferSize, e.opts.TempDir)
	if err != nil {
		e.failFlow(flow, fmt.Errorf("capture request: %w", err))
		http.Error(w, "internal proxy error", http.StatusInternalServerError)
		return flow
	}
	defer func() {
		if err := body.Close(); err != nil {
			e.log.Warn("remove spilled request body", zap.String("flow", flow.ID), zap.Error(err))
		}
	}()

	flow.Request.BodySize = body.Size()
	flow.Request.Body, flow.Request.BodyTruncated, err = body.Preview(e.opts.MaxBodySize)
	if err != nil {
		e.failFlow(flow, fmt.Errorf("capture request: %w", err))
		http.Error(w, "internal proxy error", http.StatusInternalServerError)
		return flow
	}
	flow.Request.BodyChunks = body.Chunks()
	flow.Timestamps.RequestDone = time.Now()

	e.addons.FireRequest(flow)
	e.store.Update(flow, FlowEventUpdate)

	if body.Size() > 0 {
		r.Body = io.NopCloser(body.Reader())
	} else {
		r.Body = http.NoBody
	}
	r.ContentLength = body.Size()
	r.TransferEncoding = nil

	// Attach the flow to the request context so modifyResponse can find it.
	ctx := context.WithValue(r.Context(), flowContextKey, flow)
	r = r.WithContext(traceUpstreamHeaders(ctx, flow))
	proxy.ServeHTTP(w, r)
	return flow
}

// modifyResponse is called by the reverse proxy once the upstream response
// headers are in. The body is tapped rather than read here so that it streams
// to the client unchanged.
func (e *Engine) modifyResponse(resp *http.Response) error {
	flow, ok := resp.Request.Context().Value(flowContextKey).(*Flow)
	if !ok {
		return nil
	}

	flow.Timestamps.ResponseStart = time.Now()
	flow.Response = &CapturedResponse{
		StatusCode:    resp.StatusCode,
		Headers:       resp.Header.Clone(),
		ContentLength: resp.ContentLength,
		Proto:         resp.Proto,
	}
	if rec := flow.upstreamHeaders; rec != nil {
		flow.Response.WireHeaders, _ = rec.responseHeaders(resp.StatusCode)
	}
	e.addons.FireResponse(flow)
	e.store.Update(flow, FlowEventUpdate)

	// Upgraded connections hand the raw body to the proxy; leave it alone.
	if resp.StatusCode == http.StatusSwitchingProtocols || resp.Body == nil {
		e.finishResponse(flow, time.Now(), nil)
		return nil
	}
	resp.Body = &responseTap{
		rc:     resp.Body,
		flow:   flow,
		engine: e,
		max:    e.opts.MaxBodySize,
	}
	return nil
}

// finishResponse ends a flow once its response body is done or abandoned.
func (e *Engine) finishResponse(flow *Flow, at time.Time, err error) {
	flow.Timestamps.ResponseDone = at
	if err != nil {
		e.failFlow(flow, err)
		return
	}
	e.addons.FireResponseBody(flow, capture.EndChunk())
	flow.State = FlowStateComplete
	e.addons.FireComplete(flow)
	e.store.Update(flow, FlowEventComplete)
}

func (e *Engine) failFlow(flow *Flow, err error) {
	flow.State = FlowStateError
	flow.Error = err.Error()
	if flow.Timestamps.ResponseDone.IsZero() {
		flow.Timestamps.ResponseDone = time.Now()
	}
	e.addons.FireError(flow, err)
	e.store.Update(flow, FlowEventError)
}

// errorHandler is called by the reverse proxy when the upstream is unreachable.
func (e *Engine) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if flow, ok := r.Context().Value(flowContextKey).(*Flow); ok {
		e.failFlow(flow, err)
	}
	http.Error(w, fmt.Sprintf("upstream error: %v", err), http.StatusBadGateway)
}

// newFlow builds a Flow skeleton from the incoming request.
func (e *Engine) newFlow(r *http.Request, upstream *Upstream) *Flow {
	f := &Flow{
		ID:       uuid.New().String(),
		Upstream: upstream.Name,
		State:    FlowStateActive,
	}
	f.Timestamps.Created = time.Now()
	f.Request = &CapturedRequest{
		Method:  r.Method,
		URL:     r.URL.String(),
		Path:    r.URL.Path,
		Host:    r.Host,
		Headers: r.Header.Clone(),
		Proto:   r.Proto,
	}
	return f
}

// Replay re-sends the request from a captured flow through the proxy engine.
// The replayed flow is stored as a new, internal entry and returned.
func (e *Engine) Replay(flowID string) (*Flow, error) {
	original := e.store.Get(flowID)
	if original == nil {
		return nil, fmt.Errorf("flow %q not found", flowID)
	}
	if original.Request == nil {
		return nil, fmt.Errorf("flow %q has no captured request", flowID)
	}
	// Only a preview of the body was kept; sending it would be a different
	// request.
	if original.Request.BodyTruncated {
		return nil, fmt.Errorf("flow %q: request body was truncated to %d of %d bytes",
			flowID, len(original.Request.Body), original.Request.BodySize)
	}

	req, err := rebuildRequest(original.Request)
	if err != nil {
		return nil, fmt.Errorf("rebuild request: %w", err)
	}
	if e.router.Match(req) == nil {
		return nil, fmt.Errorf("no upstream for path %q", req.URL.Path)
	}

	rec := &responseRecorder{header: make(http.Header), code: http.StatusOK}
	flow := e.serve(rec, req, true, []string{"replay", "replay:" + flowID})
	if flow == nil {
		return nil, fmt.Errorf("replay of flow %q was not routed", flowID)
	}
	return flow, nil
}

// rebuildRequest constructs a new *http.Request from a CapturedRequest.
func rebuildRequest(cr *CapturedRequest) (*http.Request, error) {
	req, err := http.NewRequest(cr.Method, cr.URL, bytes.NewReader(cr.Body))
	if err != nil {
		return nil, err
	}
	for k, vv := range cr.Headers {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	req.Host = cr.Host
	return req, nil
}

// responseRecorder is a minimal http.ResponseWriter used for internal replay.
type responseRecorder struct {
	header http.Header
	body   bytes.Buffer
	code   int
}

func (r *responseRecorder) Header() http.Header         { return r.header }
func (r *responseRecorder) WriteHeader(code int)        { r.code = code }
func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }
