// Package relay wires the registry and router into the HTTP surface
// Playwright clients and browser extensions actually speak: the legacy
// /extension + /cdp pair and the enveloped /v2/device, /v2/cdp/{id},
// and /v2/control family, plus /health and /metrics. Adapted from the
// teacher's CDPProxy (internal/cdpproxy), generalized from a single
// Chrome-process proxy to a multi-device broker backed by the
// registry/router pair.
package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallcrawler/cdp-relay/internal/registry"
	"github.com/wallcrawler/cdp-relay/internal/router"
	"github.com/wallcrawler/cdp-relay/internal/utils"
)

// Config holds the relay server's runtime settings, bound from CLI
// flags / environment / defaults by cmd/relay.
type Config struct {
	Addr              string
	Token             string
	JWTSigningKey     []byte
	HeartbeatInterval time.Duration

	// MaxDevices caps the number of distinct concurrently-registered
	// devices (0 == unbounded).
	MaxDevices int
	// InactiveCheckInterval and InstanceTimeout, when both set, take
	// precedence over HeartbeatInterval-derived defaults for the
	// sweep's wake period and staleness cutoff respectively.
	InactiveCheckInterval time.Duration
	InstanceTimeout       time.Duration

	Router             router.Config
	EnableV2           bool
	EnableDetailedLogs bool
}

// Server is the relay's HTTP entry point.
type Server struct {
	cfg      Config
	reg      *registry.Registry
	router   *router.Router
	auth     *utils.TokenValidator
	upgrader websocket.Upgrader
	http     *http.Server
	started  time.Time
}

// New constructs a Server with its own registry and router. Call
// Handler to obtain the http.Handler, or Run to serve it directly.
func New(cfg Config) *Server {
	reg := registry.NewWithCapacity(cfg.MaxDevices)
	rt := router.New(reg, cfg.Router)

	s := &Server{
		cfg:    cfg,
		reg:    reg,
		router: rt,
		auth:   utils.NewTokenValidator(cfg.Token, cfg.JWTSigningKey),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
	return s
}

// Handler builds the complete routed http.Handler, with the logging
// middleware applied to every request.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/extension", s.handleLegacyExtension)
	mux.HandleFunc("/cdp", s.handleLegacyCDP)
	mux.HandleFunc("/cdp/", s.handleLegacyCDP)

	if s.cfg.EnableV2 {
		mux.HandleFunc("/v2/device", s.handleV2Device)
		mux.HandleFunc("/v2/cdp/", s.handleV2CDP)
		mux.HandleFunc("/v2/control", s.handleV2Control)
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)

	return s.loggingMiddleware(mux)
}

// Run starts the registry sweep, router sweep, and HTTP listener, and
// blocks until the context is canceled, at which point it drains
// connections in order: stop accepting new HTTP connections, close
// every device, then stop the background listeners.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.InactiveCheckInterval > 0 && s.cfg.InstanceTimeout > 0 {
		s.reg.StartSweepWithIntervals(s.cfg.InactiveCheckInterval, s.cfg.InstanceTimeout)
	} else {
		s.reg.StartSweep(s.cfg.HeartbeatInterval)
	}
	s.router.Start()

	s.http = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return s.Shutdown()
}

// Shutdown drains the server in connections -> devices -> listener
// order: the HTTP server first stops accepting new upgrades and lets
// in-flight requests finish, every registered device is then closed
// administratively, and finally the background sweep goroutines stop.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var shutdownErr error
	if s.http != nil {
		shutdownErr = s.http.Shutdown(ctx)
	}

	for _, dev := range s.reg.GetAll() {
		s.reg.Unregister(dev.ID, 1000, "relay shutting down")
	}

	s.router.Stop()
	s.reg.Stop()

	return shutdownErr
}
