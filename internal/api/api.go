// Package api exposes the HTTP surface of the PRIMA conversation engine.
//
// It provides endpoints for patient registration, opening conversation
// contexts, inspecting conversation state, and receiving inbound messages
// from the Twilio webhook or direct API calls.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/risetaid/prima-sub007/internal/cache"
	"github.com/risetaid/prima-sub007/internal/messaging"
	"github.com/risetaid/prima-sub007/internal/models"
	"github.com/risetaid/prima-sub007/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 10 * time.Second

// ConversationEngine is the engine surface the API depends on.
type ConversationEngine interface {
	OpenContext(ctx context.Context, req models.OpenConversationRequest) (*models.ConversationState, error)
	HandleInboundMessage(ctx context.Context, msg models.InboundMessage) (models.HandleResult, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr  string
	Cache cache.PatientCache
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPatientCache sets the read cache consulted by patient lookups.
func WithPatientCache(c cache.PatientCache) Option {
	return func(o *Opts) { o.Cache = c }
}

// Server wires the HTTP handlers to the engine, store and messaging service.
type Server struct {
	engine       ConversationEngine
	st           store.Store
	msgService   messaging.Service
	patientCache cache.PatientCache
	httpServer   *http.Server
	opts         Opts
}

// NewServer creates an API server.
func NewServer(eng ConversationEngine, st store.Store, msgService messaging.Service, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewNoopCache()
	}
	return &Server{engine: eng, st: st, msgService: msgService, patientCache: cfg.Cache, opts: cfg}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/patients", s.patientsHandler)
	mux.HandleFunc("/patients/", s.patientHandler)
	mux.HandleFunc("/conversations", s.openConversationHandler)
	mux.HandleFunc("/conversations/", s.conversationStateHandler)
	mux.HandleFunc("/messages/inbound", s.inboundMessageHandler)

	// The Twilio channel delivers inbound traffic via webhook; the service
	// parses it and feeds the response channel consumed by the listener.
	if twilioService, ok := s.msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("/webhook/twilio", twilioService.TwilioWebhookHandler)
	}

	return mux
}

// Run starts the HTTP server and blocks until the context is cancelled or the
// server fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.opts.Addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.opts.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown failed: %w", err)
		}
		slog.Info("API server stopped")
		return nil
	}
}
