package proxy

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fidiego/http-mirror/pkg/capture"
)

// FlowState describes the current lifecycle stage of a Flow.
type FlowState string

const (
	FlowStateActive   FlowState = "active"
	FlowStateComplete FlowState = "complete"
	FlowStateError    FlowState = "error"
)

// CapturedRequest holds a snapshot of an HTTP request. Body is a preview of
// at most Options.MaxBodySize bytes; BodySize is the full length.
type CapturedRequest struct {
	Method        string      `json:"method"`
	URL           string      `json:"url"`
	Path          string      `json:"path"`
	Host          string      `json:"host"`
	Headers       http.Header `json:"headers"`
	Body          []byte      `json:"body,omitempty"`
	BodySize      int64       `json:"bodySize"`
	Proto         string      `json:"proto"`
	BodyTruncated bool        `json:"bodyTruncated,omitempty"`

	// BodyChunks is the buffered body as handed to addons: in memory up to
	// ClientBodyBufferSize, the rest in a temp file. Valid only until the
	// exchange is done.
	BodyChunks []capture.Chunk `json:"-"`

	// WireHeaders are the headers in the order and spelling the client
	// sent them, when the listener recorded them.
	WireHeaders []capture.Header `json:"-"`
}

// HeaderList returns the request headers in wire order when known, else in
// the fallback order of the package-level HeaderList.
func (r *CapturedRequest) HeaderList() []capture.Header {
	if r.WireHeaders != nil {
		return r.WireHeaders
	}
	return HeaderList(r.Headers)
}

// CapturedResponse holds a snapshot of an HTTP response. Body is filled as
// the body streams to the client.
type CapturedResponse struct {
	StatusCode    int         `json:"statusCode"`
	Headers       http.Header `json:"headers"`
	ContentLength int64       `json:"contentLength"`
	Body          []byte      `json:"body,omitempty"`
	BodySize      int64       `json:"bodySize"`
	Proto         string      `json:"proto"`
	BodyTruncated bool        `json:"bodyTruncated,omitempty"`

	// WireHeaders are the headers in the order and spelling the upstream
	// sent them, when its connection recorded them.
	WireHeaders []capture.Header `json:"-"`
}

// HeaderList returns the response headers in wire order when known.
func (r *CapturedResponse) HeaderList() []capture.Header {
	if r.WireHeaders != nil {
		return r.WireHeaders
	}
	return HeaderList(r.Headers)
}

// Flow represents a complete HTTP transaction.
type Flow struct {
	ID       string `json:"id"`
	Upstream string `json:"upstream"` // name of the upstream that handled this

	// Internal is set when the exchange re-entered the proxy, e.g. a replay.
	Internal bool `json:"internal,omitempty"`

	Request  *CapturedRequest  `json:"request"`
	Response *CapturedResponse `json:"response,omitempty"`
	Error    string            `json:"error,omitempty"`

	State FlowState `json:"state"`
	Tags  []string  `json:"tags,omitempty"`

	Timestamps struct {
		Created       time.Time `json:"created"`
		RequestDone   time.Time `json:"requestDone"`
		ResponseStart time.Time `json:"responseStart,omitempty"`
		ResponseDone  time.Time `json:"responseDone,omitempty"`
	} `json:"timestamps"`

	Mirror MirrorState `json:"mirror"`

	// Capture is the mirror's per-exchange state. Owned by the goroutine
	// serving the exchange.
	Capture *capture.Session `json:"-"`

	// upstreamHeaders records the response header block of the upstream
	// connection serving this flow.
	upstreamHeaders *headerRecorder
}

// Duration returns elapsed time from flow creation to response completion,
// or to now if the flow is still in-flight.
func (f *Flow) Duration() time.Duration {
	if !f.Timestamps.ResponseDone.IsZero() {
		return f.Timestamps.ResponseDone.Sub(f.Timestamps.Created)
	}
	return time.Since(f.Timestamps.Created)
}

// MirrorStatus is the delivery state of one mirrored envelope.
type MirrorStatus string

const (
	MirrorNone    MirrorStatus = ""
	MirrorPending MirrorStatus = "pending"
	MirrorSent    MirrorStatus = "sent"
	MirrorFailed  MirrorStatus = "failed"
	MirrorDropped MirrorStatus = "dropped"
	MirrorSkipped MirrorStatus = "skipped"
)

// MirrorState tracks both envelopes of a flow. It is updated from relay
// goroutines, so all access goes through its methods.
type MirrorState struct {
	mu          sync.Mutex
	request     MirrorStatus
	response    MirrorStatus
	requestErr  string
	responseErr string
}

// Set records the status of the envelope of the given kind.
func (m *MirrorState) Set(kind capture.Kind, status MirrorStatus, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case capture.KindRequest:
		m.request, m.requestErr = status, msg
	case capture.KindResponse:
		m.response, m.responseErr = status, msg
	}
}

// Get returns the request and response envelope statuses.
func (m *MirrorState) Get() (request, response MirrorStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.request, m.response
}

// MirrorSnapshot is a consistent copy of a MirrorState.
type MirrorSnapshot struct {
	Request       MirrorStatus `json:"request,omitempty"`
	Response      MirrorStatus `json:"response,omitempty"`
	RequestError  string       `json:"requestError,omitempty"`
	ResponseError string       `json:"responseError,omitempty"`
}

// Snapshot returns both statuses with their errors.
func (m *MirrorState) Snapshot() MirrorSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MirrorSnapshot{m.request, m.response, m.requestErr, m.responseErr}
}

func (m *MirrorState) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

// HeaderList flattens h into name/value pairs for headers whose wire order
// is unknown. Keys are sorted so the same header set always yields the same
// list; values keep their order.
func HeaderList(h http.Header) []capture.Header {
	keys := make([]string, 0, len(h))
	n := 0
	for k, vv := range h {
		keys = append(keys, k)
		n += len(vv)
	}
	sort.Strings(keys)
	out := make([]capture.Header, 0, n)
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, capture.Header{Name: k, Value: v})
		}
	}
	return out
}

// FlowEventType describes the kind of change that occurred to a flow.
type FlowEventType string

const (
	FlowEventNew      FlowEventType = "new"
	FlowEventUpdate   FlowEventType = "update"
	FlowEventComplete FlowEventType = "complete"
	FlowEventError    FlowEventType = "error"
	FlowEventMirror   FlowEventType = "mirror"
)

// FlowEvent carries a flow change notification to subscribers.
type FlowEvent struct {
	Type FlowEventType `json:"type"`
	Flow *Flow         `json:"flow"`
}
