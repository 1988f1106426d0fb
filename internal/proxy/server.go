// Package proxy is the HTTP core: it receives coding assistant traffic,
// resolves routing per session, runs the hook chain, intercepts custom
// tasks, and relays streams from the upstream provider.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/swiftcast/session-proxy/internal/auth"
	"github.com/swiftcast/session-proxy/internal/config"
	"github.com/swiftcast/session-proxy/internal/hooks"
	"github.com/swiftcast/session-proxy/internal/monitoring"
	"github.com/swiftcast/session-proxy/internal/store"
	"github.com/swiftcast/session-proxy/internal/tasks"
	"github.com/swiftcast/session-proxy/internal/usage"
	"github.com/swiftcast/session-proxy/internal/webhook"
)

// Options wires the server's collaborators. Feed and Webhooks may be nil.
type Options struct {
	Config      *config.Config
	Store       *store.Store
	Settings    *hooks.Settings
	Chain       *hooks.Chain
	Overrides   hooks.OverrideSource
	Interceptor *tasks.Interceptor
	Recorder    *usage.Recorder
	Tracker     *monitoring.Tracker
	Feed        *monitoring.Feed
	Webhooks    *webhook.Client
}

// Server is the proxy listener.
type Server struct {
	cfg         *config.Config
	store       *store.Store
	settings    *hooks.Settings
	chain       *hooks.Chain
	overrides   hooks.OverrideSource
	interceptor *tasks.Interceptor
	recorder    *usage.Recorder
	tracker     *monitoring.Tracker
	feed        *monitoring.Feed
	webhooks    *webhook.Client
	authTable   *auth.Table
	upstream    *http.Client
	detector    webhook.QuestionDetector
	steps       *webhook.StepTracker

	startedAt  time.Time
	httpServer *http.Server
	port       int
}

// New assembles a server from its collaborators.
func New(opts Options) *Server {
	s := &Server{
		cfg:         opts.Config,
		store:       opts.Store,
		settings:    opts.Settings,
		chain:       opts.Chain,
		overrides:   opts.Overrides,
		interceptor: opts.Interceptor,
		recorder:    opts.Recorder,
		tracker:     opts.Tracker,
		feed:        opts.Feed,
		webhooks:    opts.Webhooks,
		authTable:   auth.NewTable(),
		steps:       webhook.NewStepTracker(),
		startedAt:   time.Now(),
	}
	if s.overrides == nil {
		s.overrides = hooks.NoOverrides{}
	}
	s.upstream = &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: opts.Config.Upstream.ConnectTimeout,
			}).DialContext,
			MaxIdleConnsPerHost: 16,
			// Upstream SSE must arrive uncompressed so chunks can be
			// relayed and decoded as-is.
			DisableCompression: true,
		},
		// Per-request deadlines come from the request context.
		Timeout: 0,
	}
	return s
}

// Handler builds the router: admin endpoints under /_admin, everything
// else relayed upstream.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/_admin", s.adminRoutes)
	r.NotFound(s.handleProxy)
	return r
}

// Start listens on the first free port in the configured range and serves
// until Shutdown.
func (s *Server) Start() error {
	host := s.cfg.Server.Host
	var listener net.Listener
	var err error
	for p := s.cfg.Server.Port; p < s.cfg.Server.Port+s.cfg.Server.PortRange; p++ {
		listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", host, p))
		if err == nil {
			s.port = p
			break
		}
	}
	if listener == nil {
		return fmt.Errorf("no free port in %d-%d: %w",
			s.cfg.Server.Port, s.cfg.Server.Port+s.cfg.Server.PortRange-1, err)
	}

	s.httpServer = &http.Server{
		Handler: s.Handler(),
		// No WriteTimeout: responses stream for minutes.
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("host", host).Int("port", s.port).Msg("proxy listening")
	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Port returns the bound port once Start has succeeded.
func (s *Server) Port() int { return s.port }

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
