// Package api assembles the gateway's HTTP surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nghyane/codex-mux/internal/account"
	"github.com/nghyane/codex-mux/internal/api/handlers"
	"github.com/nghyane/codex-mux/internal/api/handlers/management"
	"github.com/nghyane/codex-mux/internal/api/middleware"
	"github.com/nghyane/codex-mux/internal/buildinfo"
	"github.com/nghyane/codex-mux/internal/config"
	"github.com/nghyane/codex-mux/internal/ledger"
	log "github.com/nghyane/codex-mux/internal/logging"
	"github.com/nghyane/codex-mux/internal/proxy"
	"github.com/nghyane/codex-mux/internal/telemetry"
)

// Deps carries everything the HTTP layer needs. Config is a getter so hot
// reload reaches request-time reads without restarting the server.
type Deps struct {
	Config func() *config.Config
	Proxy  *proxy.Proxy
	Ledger *ledger.Ledger
	Pool   *account.Pool
	Repo   ledger.Repository
}

// Server is the gateway HTTP server.
type Server struct {
	engine *gin.Engine
	deps   Deps
}

// NewServer builds the route table.
func NewServer(deps Deps) *Server {
	if !deps.Config().Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), telemetry.Middleware())

	s := &Server{engine: engine, deps: deps}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"version":  buildinfo.Version,
			"accounts": s.deps.Pool.Size(),
		})
	})

	apiKeys := func() []string { return s.deps.Config().APIKeys }
	maxBytes := func() int64 { return s.deps.Config().MaxRequestSize }

	proxyHandler := handlers.New(s.deps.Proxy)
	v1 := s.engine.Group("/v1",
		middleware.APIKeyAuth(apiKeys),
		middleware.RequestSizeLimit(maxBytes),
	)
	v1.POST("/responses", proxyHandler.Responses)
	v1.POST("/chat/completions", proxyHandler.ChatCompletions)

	mgmt := management.NewHandler(s.deps.Ledger, s.deps.Pool, s.deps.Repo)
	mgmtRoutes := s.engine.Group("/v1/management", management.AuthMiddleware(apiKeys))
	mgmtRoutes.GET("/usage", mgmt.GetUsageStatistics)
	mgmtRoutes.GET("/accounts", mgmt.ListAccounts)
	mgmtRoutes.POST("/accounts/:id/pause", mgmt.PauseAccount)
	mgmtRoutes.POST("/accounts/:id/resume", mgmt.ResumeAccount)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.deps.Config().Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
