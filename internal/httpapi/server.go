// Package httpapi serves the review and threshold operations over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hyperengineering/sentio"
)

// Server is the HTTP review API.
type Server struct {
	client *sentio.Client
	router *gin.Engine
	log    *zap.Logger
}

// New builds the router. A nil gatherer leaves /metrics unregistered.
func New(client *sentio.Client, log *zap.Logger, gatherer prometheus.Gatherer) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	s := &Server{client: client, router: router, log: log}
	s.setupRoutes(gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", s.health)
	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := s.router.Group("/api/v1")
	{
		api.GET("/records/pending", s.pending)
		api.POST("/records", s.ingest)
		api.GET("/records/:id", s.getRecord)
		api.POST("/records/:id/validate", s.validate)
		api.GET("/stats", s.stats)

		api.GET("/thresholds", s.thresholds)
		api.GET("/thresholds/:modality", s.thresholdStatus)
		api.POST("/thresholds/:modality/apply", s.apply)
		api.POST("/thresholds/:modality/reset", s.reset)
		api.GET("/thresholds/:modality/summary", s.summary)
		api.GET("/thresholds/:modality/visualization", s.visualization)

		api.GET("/references/stats", s.referenceStats)
		api.POST("/references/match", s.referenceMatch)
	}
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sentio.ErrInvalidModality),
		errors.Is(err, sentio.ErrInvalidScore),
		errors.Is(err, sentio.ErrInvalidLabel),
		errors.Is(err, sentio.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, sentio.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sentio.ErrValidationConflict),
		errors.Is(err, sentio.ErrApplyRejected),
		errors.Is(err, sentio.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, sentio.ErrStoreClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(op+" failed", zap.Error(err))
		c.JSON(status, gin.H{"error": op + " failed"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
