// Package api exposes the controller's JSON HTTP surface: submit/list/get
// intents, revoke an intent, list policies and catalog devices, health,
// and a live event stream over WebSocket. Grounded on the teacher's web
// server (one Server struct, functional options, a routes method, an
// event-bus-fed WebSocket hub) and the corpus's gorilla/mux JSON services,
// with HTML templates and API-key auth dropped since this controller has
// no browser-facing UI.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/edge-ibn/ibnd/internal/core"
	"github.com/edge-ibn/ibnd/internal/events"
	"github.com/edge-ibn/ibnd/internal/metrics"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics mounts the controller's /metrics exposition handler.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server is the controller's HTTP API.
type Server struct {
	core    *core.Core
	log     *slog.Logger
	metrics *metrics.Metrics
	router  *mux.Router
	hub     *Hub
	unsub   events.Subscription
}

// New builds a Server around c and subscribes its WebSocket hub to every
// core event. Call Handler for an http.Handler to serve, and Stop on
// shutdown.
func New(c *core.Core, opts ...Option) *Server {
	s := &Server{
		core:   c,
		log:    slog.Default(),
		router: mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.log)
	go s.hub.Run()
	s.unsub = c.Events().OnAll(func(ev events.Event) {
		s.hub.Broadcast(ev)
	})

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)

	s.router.HandleFunc("/intents", s.handleListIntents).Methods(http.MethodGet)
	s.router.HandleFunc("/intents", s.handleSubmitIntent).Methods(http.MethodPost)
	s.router.HandleFunc("/intents/{id}", s.handleGetIntent).Methods(http.MethodGet)
	s.router.HandleFunc("/intents/{id}/revoke", s.handleRevokeIntent).Methods(http.MethodPost)

	s.router.HandleFunc("/policies", s.handleListPolicies).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
}

// Handler returns the API wrapped with access logging, mirroring the
// corpus's handlers.LoggingHandler-over-mux.Router wiring in cmd/ibnd.
func (s *Server) Handler() http.Handler {
	return handlers.CombinedLoggingHandler(accessLogWriter{s.log}, s.router)
}

// Stop unsubscribes from the event bus and shuts down the WebSocket hub.
func (s *Server) Stop() {
	s.core.Events().Off(s.unsub)
	s.hub.Stop()
}

// accessLogWriter adapts an slog.Logger to the io.Writer
// handlers.CombinedLoggingHandler writes its access log lines to.
type accessLogWriter struct{ log *slog.Logger }

func (w accessLogWriter) Write(p []byte) (int, error) {
	w.log.Info("api: access", "line", string(p))
	return len(p), nil
}
