package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/danmuck/dronecomms/internal/auth"
	"github.com/danmuck/dronecomms/internal/logging"
	"github.com/danmuck/dronecomms/internal/observability"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 5 * time.Second
)

// Server is the read-only HTTP admin surface: /health, /status, /metrics.
type Server struct {
	service  string
	router   *gin.Engine
	registry *Registry
	started  time.Time
	logger   zerolog.Logger

	validator auth.Validator
}

func NewServer(service string) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	logger := logging.Component("admin")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(RequestMetricsMiddleware(service))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		service:  service,
		router:   r,
		registry: NewRegistry(),
		started:  time.Now(),
		logger:   logger,
	}
	s.routes()
	return s
}

func (s *Server) Register(c Component) {
	s.registry.Register(c)
}

// RequireToken guards the /status routes. Health and metrics stay open for
// probes and scrapers. Call before serving.
func (s *Server) RequireToken(v auth.Validator) {
	s.validator = v
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.service,
			"version": version,
		})
	})

	status := s.router.Group("/status", s.authorize)
	status.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":    s.service,
			"components": s.registry.Snapshot(),
		})
	})

	status.GET("/:component", func(c *gin.Context) {
		comp, ok := s.registry.Get(c.Param("component"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "component not found"})
			return
		}
		c.JSON(http.StatusOK, comp.Status())
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) authorize(c *gin.Context) {
	if s.validator == nil {
		return
	}
	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok || s.validator.Validate(token) != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin listening")

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
