package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"risk-engine/internal/engine"
	"risk-engine/internal/events"
	"risk-engine/pkg/logger"
)

// EventSource is the part of the bus the websocket feed needs.
type EventSource interface {
	SubscribeAll(buffer int) (<-chan events.Notification, func())
}

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Bus       EventSource
	JWTSecret string
	APIKey    string
	TokenTTL  time.Duration

	limiters *ipLimiters
	http     *http.Server
}

// Config holds the dependencies of a Server.
type Config struct {
	Engine       engine.Service
	Bus          EventSource
	JWTSecret    string
	APIKey       string // exchanged for a JWT at /api/auth/token
	TokenTTL     time.Duration
	RatePerSec   float64
	RateBurst    int
	RequestLimit time.Duration
}

func NewServer(cfg Config) *Server {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 50
	}
	if cfg.RequestLimit <= 0 {
		cfg.RequestLimit = 30 * time.Second
	}

	r := gin.New()
	s := &Server{
		Router:    r,
		Engine:    cfg.Engine,
		Bus:       cfg.Bus,
		JWTSecret: cfg.JWTSecret,
		APIKey:    cfg.APIKey,
		TokenTTL:  cfg.TokenTTL,
		limiters:  newIPLimiters(cfg.RatePerSec, cfg.RateBurst),
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware(s.limiters))
	r.Use(TimeoutMiddleware(cfg.RequestLimit))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", AuthMiddleware(s.JWTSecret), s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/status", s.getStatus)
			protected.POST("/pause", s.pause)
			protected.POST("/resume", s.resume)

			protected.GET("/positions", s.getPositions)
			protected.GET("/positions/history", s.getPositionHistory)
			protected.GET("/positions/:id/transitions", s.getTransitions)
			protected.GET("/positions/:id/fills", s.getFills)

			protected.GET("/weights", s.getWeights)
			protected.PUT("/weights", s.putWeights)

			protected.GET("/reports", s.getReports)
			protected.POST("/reconcile", s.reconcile)
			protected.GET("/balance", s.getBalance)
			protected.GET("/system/status", s.getSystemStatus)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	logger.Info("http api listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
