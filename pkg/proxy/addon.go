package proxy

import "github.com/fidiego/http-mirror/pkg/capture"

// RequestHook is called once the full request body is buffered, before
// forwarding.
type RequestHook interface {
	OnRequest(flow *Flow)
}

// ResponseHook is called when the upstream response headers arrive, before
// any of the body is sent to the client.
type ResponseHook interface {
	OnResponse(flow *Flow)
}

// ResponseBodyHook is called for every piece of the response body as it is
// streamed to the client, in order. The last call carries capture.EndChunk.
// Memory chunks are only valid for the duration of the call.
type ResponseBodyHook interface {
	OnResponseBody(flow *Flow, chunk capture.Chunk)
}

// CompleteHook is called when a flow finishes successfully.
type CompleteHook interface {
	OnComplete(flow *Flow)
}

// ErrorHook is called when an error occurs during proxying.
type ErrorHook interface {
	OnError(flow *Flow, err error)
}

// DoneHook is called when the proxy is finished with an exchange, whatever
// its outcome. The request's BodyChunks are no longer readable by then.
type DoneHook interface {
	OnDone(flow *Flow)
}

// Addon is a marker interface; addons implement whichever hook interfaces they need.
type Addon interface{}

// AddonManager dispatches flow lifecycle events to registered addons in order.
// Addons must be registered before the engine starts serving.
type AddonManager struct {
	addons []Addon
}

// NewAddonManager returns an empty AddonManager.
func NewAddonManager() *AddonManager {
	return &AddonManager{}
}

// Add registers one or more addons.
func (m *AddonManager) Add(addons ...Addon) {
	m.addons = append(m.addons, addons...)
}

// FireRequest calls OnRequest on every addon that implements RequestHook.
func (m *AddonManager) FireRequest(flow *Flow) {
	for _, a := range m.addons {
		if h, ok := a.(RequestHook); ok {
			h.OnRequest(flow)
		}
	}
}

// FireResponse calls OnResponse on every addon that implements ResponseHook.
func (m *AddonManager) FireResponse(flow *Flow) {
	for _, a := range m.addons {
		if h, ok := a.(ResponseHook); ok {
			h.OnResponse(flow)
		}
	}
}

// FireResponseBody calls OnResponseBody on every addon that implements
// ResponseBodyHook.
func (m *AddonManager) FireResponseBody(flow *Flow, chunk capture.Chunk) {
	for _, a := range m.addons {
		if h, ok := a.(ResponseBodyHook); ok {
			h.OnResponseBody(flow, chunk)
		}
	}
}

// FireComplete calls OnComplete on every addon that implements CompleteHook.
func (m *AddonManager) FireComplete(flow *Flow) {
	for _, a := range m.addons {
		if h, ok := a.(CompleteHook); ok {
			h.OnComplete(flow)
		}
	}
}

// FireError calls OnError on every addon that implements ErrorHook.
func (m *AddonManager) FireError(flow *Flow, err error) {
	for _, a := range m.addons {
		if h, ok := a.(ErrorHook); ok {
			h.OnError(flow, err)
		}
	}
}

// FireDone calls OnDone on every addon that implements DoneHook.
func (m *AddonManager) FireDone(flow *Flow) {
	for _, a := range m.addons {
		if h, ok := a.(DoneHook); ok {
			h.OnDone(flow)
		}
	}
}
