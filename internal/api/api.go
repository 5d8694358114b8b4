// Package api provides the HTTP surface of EmotiTrack.
//
// It exposes the WhatsApp webhook (verification and delivery), a health check, recent
// webhook logs and a debug dump of the durable state.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/naookko/EmotiTrack/internal/store"
	"github.com/naookko/EmotiTrack/internal/webhook"
)

// Constants for the HTTP server
const (
	// DefaultAddr is the listen address used when none is configured
	DefaultAddr = ":5000"
	// DefaultLogLimit is the number of logs returned by /logs without a limit parameter
	DefaultLogLimit = 20
	// MaxWebhookBody caps the size of an inbound webhook delivery
	MaxWebhookBody = 1 << 20
	// shutdownTimeout bounds graceful shutdown
	shutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr             string // listen address
	VerifyToken      string // token expected in hub.verify_token
	TwilioAuthToken  string // token Twilio webhook signatures are checked against
	TwilioWebhookURL string // public URL Twilio posts to, as signed
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithVerifyToken sets the webhook verification token.
func WithVerifyToken(token string) Option {
	return func(o *Opts) {
		o.VerifyToken = token
	}
}

// WithTwilioSignature enables X-Twilio-Signature checks on form-encoded webhooks. The URL
// must be the public webhook URL configured in Twilio.
func WithTwilioSignature(authToken, webhookURL string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.TwilioWebhookURL = webhookURL
	}
}

// Server routes HTTP requests to the webhook service and the store.
type Server struct {
	svc         *webhook.Service
	st          store.Store
	addr        string
	verifyToken string
	twilio      *twilioVerifier
	mux         *http.ServeMux
}

// NewServer creates a Server, applying any provided options.
func NewServer(svc *webhook.Service, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.VerifyToken == "" {
		slog.Warn("Server: webhook verify token not set, verification requests will be rejected")
	}
	s := &Server{
		svc:         svc,
		st:          st,
		addr:        cfg.Addr,
		verifyToken: cfg.VerifyToken,
		twilio:      newTwilioVerifier(cfg.TwilioAuthToken, cfg.TwilioWebhookURL),
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /logs", s.logsHandler)
	s.mux.HandleFunc("GET /debug/db", s.debugDumpHandler)
	s.mux.HandleFunc("DELETE /debug/db", s.debugClearHandler)
	s.mux.HandleFunc("GET /webhook", s.verifyHandler)
	s.mux.HandleFunc("POST /webhook", s.webhookHandler)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
