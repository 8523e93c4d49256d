package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/handler"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/service"
)

const shutdownTimeout = 5 * time.Second

// serveCmd runs the interception proxy until SIGINT or SIGTERM
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the interception proxy",
	Long: `Run the interception proxy in front of the analysis service.

Submissions are forwarded as they arrive. If the analysis service cannot be
reached the document is written to the pending store and the caller gets a
pending answer. The control channel is served on /control/ws.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := service.NewStore(ctx, &cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open pending store: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	proxy := service.NewProxy(store, service.NewAnalyzerClient(&cfg.Upstream),
		service.WithRetention(cfg.Store.Retention),
		service.WithMetrics(service.NewMetrics(reg)),
	)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     handler.NewRouter(cfg, proxy, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadTimeout: 60 * time.Second,
		// A submission may wait for every upstream attempt before it is answered.
		WriteTimeout: time.Duration(cfg.Upstream.RetryMax+1)*cfg.Upstream.Timeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// The store loop outlives the HTTP server so in-flight submissions can still be stored.
	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLoop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proxy.Run(loopCtx)
	})
	g.Go(func() error {
		slog.Info("server starting", "port", cfg.Server.Port,
			"upstream", cfg.Upstream.BaseURL, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		defer stopLoop()

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server exited gracefully")
	return nil
}
