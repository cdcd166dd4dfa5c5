package web

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/fidiego/http-mirror/pkg/filter"
	"github.com/fidiego/http-mirror/pkg/proxy"
)

type handlers struct {
	engine *proxy.Engine
	mirror MirrorInfo
	log    *zap.Logger
}

// listFlows returns the stored flows, oldest first. ?filter= narrows them
// with a filter expression.
func (h *handlers) listFlows(w http.ResponseWriter, r *http.Request) {
	match, err := filter.Parse(r.URL.Query().Get("filter"))
	if err != nil {
		http.Error(w, "bad filter: "+err.Error(), http.StatusBadRequest)
		return
	}
	flows := []*proxy.Flow{}
	for _, f := range h.engine.Store().All() {
		if match(f) {
			flows = append(flows, f)
		}
	}
	h.jsonOK(w, flows)
}

func (h *handlers) getFlow(w http.ResponseWriter, r *http.Request) {
	flow := h.engine.Store().Get(r.PathValue("id"))
	if flow == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.jsonOK(w, flow)
}

// replayFlow re-sends a stored request. The replay is proxied, stored and
// mirrored as an internal exchange.
func (h *handlers) replayFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flow, err := h.engine.Replay(id)
	if err != nil {
		h.log.Info("replay failed", zap.String("flow", id), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.jsonOK(w, flow)
}

func (h *handlers) clearFlows(w http.ResponseWriter, _ *http.Request) {
	h.engine.Store().Clear()
	w.WriteHeader(http.StatusNoContent)
}

type upstreamInfo struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
	Target string `json:"target"`
}

func (h *handlers) getConfig(w http.ResponseWriter, _ *http.Request) {
	upstreams := h.engine.Router().Upstreams()
	infos := make([]upstreamInfo, len(upstreams))
	for i, u := range upstreams {
		infos[i] = upstreamInfo{Name: u.Name, Prefix: u.Prefix, Target: u.Target}
	}
	h.jsonOK(w, map[string]any{
		"upstreams": infos,
		"flows":     h.engine.Store().Count(),
		"mirror":    h.mirror,
	})
}

// getMirror reports the mirror configuration with delivery counts over the
// stored flows.
func (h *handlers) getMirror(w http.ResponseWriter, _ *http.Request) {
	h.jsonOK(w, struct {
		MirrorInfo
		Stats proxy.MirrorStats `json:"stats"`
	}{h.mirror, h.engine.Store().MirrorStats()})
}

func (h *handlers) jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response", zap.Error(err))
	}
}
