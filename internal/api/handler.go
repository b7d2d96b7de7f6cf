package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"options-engine/internal/engine"
	"options-engine/internal/events"
)

// AuthConfig is the single operator account allowed to use the API.
type AuthConfig struct {
	JWTSecret            string
	OperatorUser         string
	OperatorPasswordHash string // bcrypt
	TokenTTL             time.Duration
}

// Server wires HTTP endpoints around the engine and event bus.
type Server struct {
	Router *gin.Engine
	Engine engine.Service
	Bus    *events.Bus
	Auth   AuthConfig
}

func NewServer(eng engine.Service, bus *events.Bus, auth AuthConfig) *Server {
	if auth.TokenTTL <= 0 {
		auth.TokenTTL = 24 * time.Hour
	}
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(RecoveryMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(newIPRateLimiter(20, 50).Middleware())
	r.Use(CORSMiddleware())

	s := &Server{
		Router: r,
		Engine: eng,
		Bus:    bus,
		Auth:   auth,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.Auth.JWTSecret))
		{
			protected.GET("/system/status", s.getSystemStatus)
			protected.GET("/metrics", s.getMetrics)

			protected.POST("/executions", s.executeNow)
			protected.POST("/executions/preview", s.previewNow)

			protected.GET("/monitors", s.listMonitors)
			protected.GET("/monitors/details", s.monitorDetails)
			protected.GET("/monitors/:id", s.monitorStatus)
			protected.POST("/monitors/:id/stop", s.stopMonitor)

			protected.GET("/presets", s.listPresets)
			protected.GET("/schedules", s.listSchedules)
			protected.GET("/trades", s.listTrades)
		}
	}

	ws := s.Router.Group("/ws")
	ws.Use(AuthMiddleware(s.Auth.JWTSecret))
	ws.GET("", s.streamEvents)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Run serves on addr until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "api").Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
