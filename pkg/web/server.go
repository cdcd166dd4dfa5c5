// Package web serves the inspection API of http-mirror: flows with their
// mirror status over REST and a websocket, plus Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fidiego/http-mirror/pkg/metrics"
	"github.com/fidiego/http-mirror/pkg/proxy"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// MirrorInfo describes the mirror configuration for /api/config and
// /api/mirror.
type MirrorInfo struct {
	Enabled         bool   `json:"enabled"`
	Collector       string `json:"collector"`
	RequestPath     string `json:"requestPath"`
	ResponsePath    string `json:"responsePath"`
	RequestIDHeader string `json:"requestIdHeader,omitempty"`
}

// Options configure a Server.
type Options struct {
	Port    int
	Mirror  MirrorInfo
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Server serves the REST API, the websocket event stream and /metrics.
type Server struct {
	engine *proxy.Engine
	opts   Options
	log    *zap.Logger
	server *http.Server
	hub    *wsHub
}

// New creates a new web Server for the given engine.
func New(engine *proxy.Engine, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		engine: engine,
		opts:   opts,
		log:    log.Named("web"),
		hub:    newWSHub(),
	}
}

// Handler returns the API's routes without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

// Start runs the web server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)
	go s.forwardEvents(ctx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.log),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutCtx)
	}()

	s.log.Info("inspection API listening", zap.String("url", fmt.Sprintf("http://localhost:%d", s.opts.Port)))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

// forwardEvents relays flow store events to websocket clients.
func (s *Server) forwardEvents(ctx context.Context) {
	events := s.engine.Store().Subscribe()
	defer s.engine.Store().Unsubscribe(events)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.log.Error("encode flow event", zap.String("flow", evt.Flow.ID), zap.Error(err))
				continue
			}
			select {
			case s.hub.broadcast <- data:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	h := &handlers{engine: s.engine, mirror: s.opts.Mirror, log: s.log}

	mux.HandleFunc("GET /api/flows", h.listFlows)
	mux.HandleFunc("GET /api/flows/{id}", h.getFlow)
	mux.HandleFunc("POST /api/flows/{id}/replay", h.replayFlow)
	mux.HandleFunc("DELETE /api/flows", h.clearFlows)
	mux.HandleFunc("GET /api/config", h.getConfig)
	mux.HandleFunc("GET /api/mirror", h.getMirror)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("GET /metrics", s.opts.Metrics.Handler())

	mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade", zap.Error(err))
		return
	}
	client := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, 256)}
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// corsMiddleware adds permissive CORS headers (dev-only).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
