package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/n8n-usage-sync/internal/api"
	"github.com/vnmchuo/n8n-usage-sync/internal/openai"
	"github.com/vnmchuo/n8n-usage-sync/internal/pipeline"
	"github.com/vnmchuo/n8n-usage-sync/internal/worker"
	"github.com/vnmchuo/n8n-usage-sync/pkg/ratelimit"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the optional scheduled sync",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{ledger: true, redis: true})
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	if err := cfg.RequireN8N(); err != nil {
		// Sync endpoints answer 500 until this is fixed.
		logger.Warn("n8n is not configured", "error", err)
	}

	runner := worker.NewRunner(a.service, cfg.SyncInterval, pipeline.Options{ForceSync: false}, logger)

	var limiter *ratelimit.Limiter
	if a.rdb != nil {
		limiter = ratelimit.NewLimiter(a.rdb, cfg.SyncRateLimitPerMin)
	}

	var costs api.CostsReader
	if cfg.OpenAIAdminKey != "" {
		costs = openai.NewCostsClient(cfg.OpenAIAdminKey, cfg.OpenAIBaseURL)
	}

	handler := api.NewHandler(api.Deps{
		Syncer:  runner,
		Fetcher: a.fetcher,
		Store:   a.store,
		Costs:   costs,
		Limiter: limiter,
		Tracer:  otel.GetTracerProvider().Tracer(serviceName),
		Logger:  logger,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		CronSecret: cfg.CronSecret,
		Gatherer:   a.registry,
		Health: func() map[string]any {
			return map[string]any{"n8n_breaker": a.n8n.BreakerState()}
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go runner.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("usage sync starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
