package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	ErrServerAlreadyRunning = errors.New("metrics server is already running")
	ErrServerNotRunning     = errors.New("metrics server is not running")
)

// Server exposes the Prometheus registry plus liveness and readiness
// endpoints over HTTP.
type Server struct {
	addr       string
	serving    bool
	mu         sync.Mutex
	engine     *gin.Engine
	httpServer *http.Server
	ready      func() bool
	logger     *zap.Logger
}

func NewServer(addr string, ready func() bool, logger *zap.Logger) *Server {
	return &Server{
		addr:   addr,
		ready:  ready,
		logger: logger.Named("metrics-server"),
	}
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.serving {
		return ErrServerAlreadyRunning
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())

	handler := promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
	s.engine.GET("/metrics", gin.WrapH(handler))
	s.engine.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	s.engine.GET("/ready", func(c *gin.Context) {
		if s.ready != nil && !s.ready() {
			c.String(http.StatusServiceUnavailable, "Not Ready")
			return
		}
		c.String(http.StatusOK, "Ready")
	})

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.engine,
	}

	go func() {
		s.logger.Info("metrics server started", zap.String("addr", s.addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped unexpectedly", zap.Error(err))
		}
	}()

	s.serving = true
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.serving {
		return ErrServerNotRunning
	}
	s.serving = false
	return s.httpServer.Shutdown(ctx)
}
