// Package api serves pkgaudit over HTTP with gin.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/package-audit/pkgaudit/internal/app"
	"github.com/package-audit/pkgaudit/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

// Options configures a Server. Zero values fall back to the runtime config.
type Options struct {
	Addr               string
	RateLimitPerMinute int
	RateLimitBurst     int
}

// Server exposes a Runtime over HTTP.
type Server struct {
	rt     *app.Runtime
	log    *logging.Logger
	engine  *gin.Engine
	addr    string
	started time.Time
}

// New builds the router. Handlers run on gin's per-request goroutines and
// share rt.
func New(rt *app.Runtime, opts Options) *Server {
	cfg := rt.Config.Server
	if opts.Addr == "" {
		opts.Addr = cfg.Addr
	}
	if opts.RateLimitPerMinute == 0 {
		opts.RateLimitPerMinute = cfg.RateLimitPerMinute
	}
	if opts.RateLimitBurst == 0 {
		opts.RateLimitBurst = cfg.RateLimitBurst
	}

	s := &Server{
		rt:      rt,
		log:     rt.Log.WithFields(map[string]any{"component": "api"}),
		addr:    opts.Addr,
		started: time.Now(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(s.log, rt.Metrics))

	engine.GET("/health", s.health)
	engine.GET("/health/ready", s.ready)
	engine.GET("/health/live", s.live)
	engine.GET("/health/detailed", s.detailedHealth)
	engine.GET("/metrics", gin.WrapH(rt.Metrics.Handler()))

	v1 := engine.Group("/api", rateLimit(opts.RateLimitPerMinute, opts.RateLimitBurst, rt.Metrics))
	s.registerRoutes(v1)

	s.engine = engine
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Run serves until ctx is cancelled, then shuts down gracefully so in-flight
// mutations finish and release the lock.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", map[string]any{"addr": s.addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
