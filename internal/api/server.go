// Package api is the HTTP surface of the delivery engine: the operator
// control endpoints, campaign read APIs, public tracking endpoints, the
// inbound-reply webhook, and the SSE live stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pulsemail/relay/internal/bus"
	"github.com/pulsemail/relay/internal/config"
	"github.com/pulsemail/relay/internal/control"
)

// Server hosts the engine's HTTP API.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	handler  http.Handler
	server   *http.Server
}

// NewServer wires the routes and returns a ready-to-listen server.
func NewServer(cfg config.ServerConfig, deps HandlerDeps) *Server {
	handlers := NewHandlers(deps)
	return &Server{
		cfg:      cfg,
		handlers: handlers,
		handler:  SetupRoutes(handlers),
	}
}

// ListenAndServe starts the HTTP server on the configured address.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.handler,
		// WriteTimeout stays unset: the SSE stream holds its response open
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// HandlerDeps bundles everything the handlers reach.
type HandlerDeps struct {
	Control   *control.Plane
	Ledger    CampaignReader
	Tracker   Tracker
	Cache     LiveCache
	Queue     QueueStats
	Pool      PoolStats
	Bus       *bus.Bus
	Inbound   InboundProcessor
	Webhook   config.WebhookConfig
	StartedAt time.Time
}

// Handlers carries the dependencies shared by every endpoint.
type Handlers struct {
	control   *control.Plane
	ledger    CampaignReader
	tracker   Tracker
	cache     LiveCache
	queue     QueueStats
	pool      PoolStats
	bus       *bus.Bus
	inbound   InboundProcessor
	webhook   config.WebhookConfig
	startedAt time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlerDeps) *Handlers {
	started := deps.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	return &Handlers{
		control:   deps.Control,
		ledger:    deps.Ledger,
		tracker:   deps.Tracker,
		cache:     deps.Cache,
		queue:     deps.Queue,
		pool:      deps.Pool,
		bus:       deps.Bus,
		inbound:   deps.Inbound,
		webhook:   deps.Webhook,
		startedAt: started,
	}
}
