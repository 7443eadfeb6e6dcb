package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nghyane/qwen-pool-proxy/internal/config"
	"github.com/nghyane/qwen-pool-proxy/internal/dispatcher"
	"github.com/nghyane/qwen-pool-proxy/internal/oauthflow"
	"github.com/nghyane/qwen-pool-proxy/internal/scheduler"
	"github.com/nghyane/qwen-pool-proxy/internal/store"
	"github.com/nghyane/qwen-pool-proxy/internal/tokenpool"
	"github.com/nghyane/qwen-pool-proxy/internal/versionprobe"
)

// Server bundles the gin engine and every collaborator the admin and
// OpenAI-compatible routes dispatch into.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	cfg        *config.Config
	pool       *tokenpool.Pool
	store      *store.Store
	oauth      *oauthflow.Coordinator
	scheduler  *scheduler.Scheduler
	dispatcher *dispatcher.Dispatcher
	probe      *versionprobe.Probe
	startedAt  time.Time
}

func New(
	cfg *config.Config,
	pool *tokenpool.Pool,
	st *store.Store,
	oauth *oauthflow.Coordinator,
	sched *scheduler.Scheduler,
	disp *dispatcher.Dispatcher,
	probe *versionprobe.Probe,
) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		engine:     gin.New(),
		cfg:        cfg,
		pool:       pool,
		store:      st,
		oauth:      oauth,
		scheduler:  sched,
		dispatcher: disp,
		probe:      probe,
		startedAt:  time.Now(),
	}
	s.setupMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.POST("/login", s.handleLogin)

	admin := s.engine.Group("/")
	admin.Use(s.authMiddleware())
	{
		admin.GET("/metrics", s.handleMetrics)
		admin.POST("/oauth-init", s.handleOAuthInit)
		admin.POST("/oauth-poll", s.handleOAuthPoll)
		admin.POST("/oauth-cancel", s.handleOAuthCancel)
		admin.POST("/upload-token", s.handleUploadToken)
		admin.GET("/token-status", s.handleTokenStatus)
		admin.POST("/refresh-single-token", s.handleRefreshSingleToken)
		admin.POST("/delete-token", s.handleDeleteToken)
		admin.POST("/delete-all-tokens", s.handleDeleteAllTokens)
		admin.POST("/refresh-token", s.handleRefreshAll)
		admin.GET("/statistics/usage", s.handleUsage)
		admin.DELETE("/statistics/usage", s.handleDeleteUsage)
		admin.GET("/statistics/available-dates", s.handleAvailableDates)
		admin.POST("/chat", s.handleChat)
	}

	v1 := s.engine.Group("/v1")
	v1.Use(s.authMiddleware())
	{
		v1.GET("/models", s.handleListModels)
		v1.POST("/chat/completions", s.handleChatCompletions)
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
