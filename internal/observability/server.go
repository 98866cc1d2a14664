package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Detail returns informational state shown by /healthz. It never affects
// the status code.
type Detail func() any

// Server exposes /healthz and /metrics for operators.
type Server struct {
	addr   string
	engine *gin.Engine
	logger zerolog.Logger
	start  time.Time

	mu      sync.Mutex
	checks  map[string]HealthCheck
	details map[string]Detail
}

// NewServer builds the ops server. Nothing listens until Run.
func NewServer(addr string, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:   addr,
		engine: gin.New(),
		logger: logger.With().Str("component", "ops").Logger(),
		start:  time.Now(),
		checks:  make(map[string]HealthCheck),
		details: make(map[string]Detail),
	}

	s.engine.Use(gin.Recovery(), s.accessLog())
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(MetricsHandler()))

	return s
}

// AddCheck registers a named health check.
func (s *Server) AddCheck(name string, check HealthCheck) {
	s.mu.Lock()
	s.checks[name] = check
	s.mu.Unlock()
}

// AddDetail registers named informational state for /healthz.
func (s *Server) AddDetail(name string, detail Detail) {
	s.mu.Lock()
	s.details[name] = detail
	s.mu.Unlock()
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Ops server listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	s.mu.Lock()
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	details := make(map[string]any, len(s.details))
	for name, detail := range s.details {
		details[name] = detail()
	}
	s.mu.Unlock()

	results := make(map[string]string, len(checks))
	healthy := true
	for name, check := range checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}

	code := http.StatusOK
	state := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		state = "degraded"
	}

	c.JSON(code, gin.H{
		"status":  state,
		"uptime":  time.Since(s.start).Round(time.Second).String(),
		"checks":  results,
		"details": details,
	})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(started)).
			Msg("Ops request")
	}
}
