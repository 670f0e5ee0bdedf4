// Package server assembles the relay's HTTP surface: the live voice
// websocket, the demo login endpoints, health, readiness, and metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/voice-relay/pkg/relay/classify"
	"github.com/vango-go/voice-relay/pkg/relay/config"
	"github.com/vango-go/voice-relay/pkg/relay/handlers"
	"github.com/vango-go/voice-relay/pkg/relay/kb"
	"github.com/vango-go/voice-relay/pkg/relay/lifecycle"
	"github.com/vango-go/voice-relay/pkg/relay/lookup"
	"github.com/vango-go/voice-relay/pkg/relay/metrics"
	"github.com/vango-go/voice-relay/pkg/relay/mw"
	"github.com/vango-go/voice-relay/pkg/relay/registry"
	"github.com/vango-go/voice-relay/pkg/relay/store"
	"github.com/vango-go/voice-relay/pkg/relay/upstream"
)

// Options injects the backends main wires up from config. Nil fields select
// the in-process fallbacks: the seeded memory store, no knowledge base, and
// the mock upstream.
type Options struct {
	Store     store.Store
	KB        kb.Retriever
	Upstreams upstream.Factory
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	registry  *registry.Registry
	lifecycle *lifecycle.Lifecycle
	metrics   *metrics.Metrics
	customers store.Store
	resolver  *lookup.Resolver
	upstreams upstream.Factory
}

func New(cfg config.Config, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	customers := opts.Store
	if customers == nil {
		customers = store.NewMemorySeeded()
	}
	upstreams := opts.Upstreams
	if upstreams == nil {
		upstreams = &upstream.MockFactory{}
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		registry:  registry.New(),
		lifecycle: &lifecycle.Lifecycle{},
		metrics:   metrics.New(""),
		customers: customers,
		resolver: &lookup.Resolver{
			Classify:   classify.Default(),
			Customers:  customers,
			KB:         opts.KB,
			Log:        logger,
			MaxResults: cfg.KBMaxResults,
		},
		upstreams: upstreams,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Lifecycle: s.lifecycle, Registry: s.registry})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/voice", handlers.VoiceHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Upstreams: s.upstreams,
		Lookup:    s.resolver,
		Customers: s.customers,
		Registry:  s.registry,
		Lifecycle: s.lifecycle,
		Metrics:   s.metrics,
	})

	s.mux.Handle("/api/verify-phone", handlers.VerifyPhoneHandler{Customers: s.customers, Logger: s.logger})
	s.mux.Handle("/api/random-phone", handlers.RandomPhoneHandler{Customers: s.customers, Logger: s.logger})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// StartReaper runs the idle-session reaper until ctx is cancelled.
func (s *Server) StartReaper(ctx context.Context) {
	r := registry.Reaper{
		Registry:  s.registry,
		Log:       s.logger,
		Period:    s.cfg.ReapPeriod,
		Threshold: s.cfg.IdleThreshold,
		OnReap: func(string) {
			s.metrics.RecordReap()
		},
	}
	go r.Run(ctx)
}

func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnSessionsDraining tells every live session the process is going away.
func (s *Server) WarnSessionsDraining() {
	s.registry.WarnAll("draining", "server is shutting down")
}

// WaitSessions blocks until every session has released or ctx expires.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.registry.Wait(ctx)
}

// TerminateSessions force-closes everything still registered.
func (s *Server) TerminateSessions() {
	n := s.registry.TerminateAll()
	if n > 0 {
		s.logger.Warn("force-terminated sessions at shutdown", "count", n)
	}
}

// Registry exposes the session registry for tests and the reaper.
func (s *Server) Registry() *registry.Registry { return s.registry }
