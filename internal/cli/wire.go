package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/n8n-usage-sync/config"
	"github.com/vnmchuo/n8n-usage-sync/internal/catalog"
	"github.com/vnmchuo/n8n-usage-sync/internal/extract"
	"github.com/vnmchuo/n8n-usage-sync/internal/ledger"
	"github.com/vnmchuo/n8n-usage-sync/internal/metrics"
	"github.com/vnmchuo/n8n-usage-sync/internal/n8n"
	"github.com/vnmchuo/n8n-usage-sync/internal/pipeline"
	"github.com/vnmchuo/n8n-usage-sync/internal/pricing"
	"github.com/vnmchuo/n8n-usage-sync/internal/telemetry"
)

const serviceName = "n8n-usage-sync"

// app holds the wired dependencies shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	rdb      *redis.Client
	n8n      *n8n.Client
	fetcher  *n8n.Fetcher
	catalog  *catalog.Catalog
	store    ledger.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	service  *pipeline.Service
	closers  []func()
}

type appOptions struct {
	// ledger opens Postgres; dryRun swaps it for an in-memory ledger.
	ledger bool
	dryRun bool
	redis  bool
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	a := &app{cfg: cfg, logger: telemetry.NewLogger(cfg.LogLevel)}
	slog.SetDefault(a.logger)

	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracer: %w", err)
	}
	a.closers = append(a.closers, shutdownTracer)

	switch {
	case opts.dryRun:
		a.store = ledger.NewMemoryStore()
	case opts.ledger:
		if err := cfg.RequireLedger(); err != nil {
			a.Close()
			return nil, err
		}
		if err := a.openLedger(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	if opts.redis && cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		a.rdb = rdb
		a.logger.Info("redis connected", "addr", cfg.RedisAddr)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	a.n8n = n8n.NewClient(cfg.N8NAPIURL, cfg.N8NAPIKey)
	a.fetcher = n8n.NewFetcher(a.n8n, a.logger)
	a.fetcher.UnlimitedPageSize = cfg.N8NPageSize
	a.fetcher.LimitedPageSize = cfg.N8NLimitedPageSize
	a.fetcher.MaxPages = cfg.N8NMaxPages
	a.catalog = catalog.New(a.n8n, a.rdb, cfg.WorkflowCacheTTL, a.logger)

	if a.store != nil {
		a.service = pipeline.NewService(pipeline.Deps{
			Fetcher:    a.fetcher,
			Executions: a.n8n,
			Catalog:    a.catalog,
			Extractor: extract.New(extract.Options{
				CharsPerToken: cfg.CharsPerToken,
				DefaultModel:  cfg.DefaultModel,
				Logger:        a.logger,
			}),
			Normalizer: pricing.NewNormalizer(nil, pricing.Rate{
				PromptPer1K:     cfg.DefaultPromptPricePer1K,
				CompletionPer1K: cfg.DefaultCompletionPricePer1K,
			}),
			Store:        a.store,
			Tags:         cfg.WorkflowTags,
			LookbackDays: cfg.LookbackDays,
			Metrics:      a.metrics,
			Tracer:       otel.GetTracerProvider().Tracer(serviceName),
			Logger:       a.logger,
		})
	}
	return a, nil
}

func (a *app) openLedger(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, a.cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := ledger.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	a.pool = pool
	a.store = store
	a.logger.Info("postgres connected")
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
