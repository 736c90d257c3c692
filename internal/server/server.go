// Package server hosts the HTTP surface of the gateway: the catch-all
// request pipeline, the control API, the live-record WebSocket channel and
// the metrics endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lxsgate/lxsgate/internal/config"
	"github.com/lxsgate/lxsgate/internal/db"
	"github.com/lxsgate/lxsgate/internal/gateway"
	"github.com/lxsgate/lxsgate/internal/middleware"
	"github.com/lxsgate/lxsgate/internal/platform"
	"github.com/lxsgate/lxsgate/internal/router"
)

// Server represents the lxsgate server.
type Server struct {
	config *config.Config
	logger *zap.Logger
	store  db.Store

	// Shared snapshots, swapped atomically on admin mutations.
	registry  atomic.Pointer[platform.Registry]
	workMode  atomic.Pointer[string]
	legacyURL atomic.Pointer[string]

	router  *router.Router
	gw      *gateway.Gateway
	hub     *Hub
	limiter *middleware.RateLimiter

	// HTTP server
	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a new lxsgate server and loads its runtime snapshots
// (work mode, platform registry, routing configuration) from the store.
func NewServer(cfg *config.Config, logger *zap.Logger, store db.Store) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config: cfg,
		logger: logger,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := srv.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return srv, nil
}

// initializeComponents wires the router, registry, hub and gateway pipeline.
func (s *Server) initializeComponents() error {
	s.hub = NewHub(s.logger)
	s.router = router.New(s.logger)
	s.limiter = middleware.NewRateLimiter(s.config.ControlAPI.RateLimitPerMin)

	// Persisted runtime settings, falling back to the static config.
	mode, err := s.store.GetSystemConfig(s.ctx, db.ConfigKeyWorkMode)
	if err != nil {
		return fmt.Errorf("load work mode: %w", err)
	}
	if mode == "" {
		mode = router.ModeClaudeCode
	}
	s.workMode.Store(&mode)

	legacyURL, err := s.store.GetSystemConfig(s.ctx, db.ConfigKeyLegacyURL)
	if err != nil {
		return fmt.Errorf("load legacy target URL: %w", err)
	}
	if legacyURL == "" {
		legacyURL = s.config.Gateway.LegacyTargetURL
	}
	s.legacyURL.Store(&legacyURL)

	if err := s.reloadSnapshots(s.ctx); err != nil {
		return err
	}

	s.gw = gateway.New(gateway.Options{
		Store:         s.store,
		Router:        s.router,
		Registry:      s.Registry,
		Mode:          s.WorkMode,
		LegacyURL:     s.LegacyURL,
		Broadcaster:   s.hub,
		Logger:        s.logger,
		LegacyTimeout: time.Duration(s.config.Gateway.LegacyTimeoutSec) * time.Second,
	})

	return nil
}

// reloadSnapshots rebuilds the platform registry and routing configuration
// snapshots from the database and publishes them atomically.
func (s *Server) reloadSnapshots(ctx context.Context) error {
	reg, err := platform.BuildRegistry(ctx, s.store, s.logger)
	if err != nil {
		return fmt.Errorf("build platform registry: %w", err)
	}
	s.registry.Store(reg)

	rcfg, err := router.BuildConfig(ctx, s.store, s.logger)
	if err != nil {
		return fmt.Errorf("build routing config: %w", err)
	}
	s.router.Swap(rcfg)

	s.logger.Info("snapshots reloaded",
		zap.Strings("platforms", reg.Types()),
		zap.String("routing_mode", rcfg.Mode))
	return nil
}

// Registry returns the current platform registry snapshot.
func (s *Server) Registry() *platform.Registry { return s.registry.Load() }

// WorkMode returns the current work mode.
func (s *Server) WorkMode() string { return *s.workMode.Load() }

// LegacyURL returns the current claude_code passthrough target.
func (s *Server) LegacyURL() string { return *s.legacyURL.Load() }

// Start starts the server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	s.registerHandlers(mux)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler: mux,
		// No WriteTimeout: SSE responses stay open for the whole upstream
		// stream. Per-upstream timeouts bound the work instead.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("starting HTTP server",
			zap.String("addr", s.httpServer.Addr),
			zap.String("work_mode", s.WorkMode()))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping lxsgate server")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error shutting down HTTP server", zap.Error(err))
		}
	}

	s.hub.Close()
	s.limiter.Stop()
	s.cancel()
	s.wg.Wait()

	s.logger.Info("lxsgate server stopped")
	return nil
}

// Wait blocks until the server is stopped.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Handler returns the full route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHandlers(mux)
	return mux
}

// registerHandlers registers HTTP handlers. Everything outside the reserved
// prefixes falls through to the gateway pipeline.
func (s *Server) registerHandlers(mux *http.ServeMux) {
	limited := func(h http.HandlerFunc) http.Handler {
		return s.limiter.Wrap(h)
	}

	// Gateway catch-all
	mux.Handle("/", s.gw)

	// Operational endpoints
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/about", s.handleAbout)
	mux.Handle("/metrics", promhttp.Handler())

	// Live record updates
	mux.HandleFunc("/ws", s.hub.HandleWS)

	// Control API
	mux.Handle("/_api/platforms", limited(s.handlePlatforms))
	mux.Handle("/_api/platforms/", limited(s.handlePlatformItem))
	mux.Handle("/_api/models", limited(s.handleModels))
	mux.Handle("/_api/models/", limited(s.handleModelItem))
	mux.Handle("/_api/routing-configs", limited(s.handleRoutingConfigs))
	mux.Handle("/_api/routing-configs/", limited(s.handleRoutingConfigItem))
	mux.Handle("/_api/keys", limited(s.handleKeys))
	mux.Handle("/_api/keys/", limited(s.handleKeyItem))
	mux.Handle("/_api/records", limited(s.handleRecords))
	mux.Handle("/_api/records/", limited(s.handleRecordItem))
	mux.Handle("/_api/system/work-mode", limited(s.handleWorkMode))
	mux.Handle("/_api/system/reinitialize", limited(s.handleReinitialize))
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleAbout reports runtime info for the operator UI.
func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "lxsgate",
		"work_mode":   s.WorkMode(),
		"platforms":   s.Registry().Types(),
		"subscribers": s.hub.Len(),
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}
