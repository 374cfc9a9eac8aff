// Package api serves the ChannelFlow HTTP surface: health, introspection of
// conversations and jobs, input injection and the Twilio webhook.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/scheduler"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// Engine is the part of the dispatcher the API needs.
type Engine interface {
	Submit(ctx context.Context, in models.Input) error
	Handle(ctx context.Context, in models.Input) error
	Conversations() []models.ConversationInfo
	Scheduler() *scheduler.Scheduler
}

// Opts configures the server.
type Opts struct {
	Addr          string
	TwilioWebhook http.HandlerFunc
	InputTimeout  time.Duration
}

// Option is a functional option for NewServer.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts h at POST /twilio/webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithInputTimeout bounds how long POST /inputs?wait=true waits.
func WithInputTimeout(d time.Duration) Option {
	return func(o *Opts) { o.InputTimeout = d }
}

// Server is the HTTP API server.
type Server struct {
	engine    Engine
	opts      Opts
	startedAt time.Time
	srv       *http.Server
}

// NewServer builds a server for engine.
func NewServer(engine Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, InputTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{engine: engine, opts: cfg, startedAt: time.Now()}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /conversations", s.conversationsHandler)
	mux.HandleFunc("GET /jobs", s.jobsHandler)
	mux.HandleFunc("DELETE /jobs/{id}", s.cancelJobHandler)
	mux.HandleFunc("GET /timers", s.timersHandler)
	mux.HandleFunc("POST /inputs", s.inputsHandler)
	if s.opts.TwilioWebhook != nil {
		mux.HandleFunc("POST /twilio/webhook", s.opts.TwilioWebhook)
	}
	return mux
}

// Start listens in the background. Listen errors are returned immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	slog.Info("Server.Start: API listening", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Start: API server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: stopping API")
	return s.srv.Shutdown(ctx)
}
