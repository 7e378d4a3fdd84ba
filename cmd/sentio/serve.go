package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/sentio/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the review API over HTTP",
	Long: `Serve the review and threshold API over HTTP until interrupted.

Metrics are served at /metrics on the API address, or on --metrics-addr
when given.

Example:
  sentio serve --addr :8080
  sentio serve --addr :8080 --metrics-addr :9090`,
	RunE: runServe,
}

var (
	serveAddr        string
	serveMetricsAddr string
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "API listen address (default: $SENTIO_HTTP_ADDR or :8080)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Separate listen address for /metrics")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openClientAt(ctx, "info")
	if err != nil {
		return err
	}
	defer s.Close()

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	addr := serveAddr
	if addr == "" {
		addr = s.client.Config().HTTPAddr
	}

	gin.SetMode(gin.ReleaseMode)
	var api *httpapi.Server
	if serveMetricsAddr == "" {
		api = httpapi.New(s.client, s.log, s.registry)
	} else {
		api = httpapi.New(s.client, s.log, nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Run(gctx, addr)
	})
	if serveMetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, serveMetricsAddr, s)
		})
	}

	printInfo(cmd.OutOrStdout(), "Serving site %s on %s", s.client.Config().Site, addr)
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, s *session) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("metrics server starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
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
		return srv.Shutdown(shutdownCtx)
	}
}
