package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/vnmchuo/n8n-usage-sync/internal/catalog"
	"github.com/vnmchuo/n8n-usage-sync/internal/extract"
	"github.com/vnmchuo/n8n-usage-sync/internal/ledger"
	"github.com/vnmchuo/n8n-usage-sync/internal/metrics"
	"github.com/vnmchuo/n8n-usage-sync/internal/n8n"
	"github.com/vnmchuo/n8n-usage-sync/internal/pricing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultLookbackDays mirrors the SYNC_LOOKBACK_DAYS default.
const DefaultLookbackDays = 7

type Fetcher interface {
	Fetch(ctx context.Context, opts n8n.FetchOptions) (*n8n.FetchResult, error)
}

type ExecutionGetter interface {
	GetExecution(ctx context.Context, id string) (*n8n.Execution, error)
}

type Catalog interface {
	Workflows(ctx context.Context, forceRefresh bool) ([]n8n.Workflow, error)
	Workflow(ctx context.Context, id string, forceRefresh bool) (*n8n.Workflow, error)
}

type Options struct {
	// WorkflowID restricts the run to one workflow; empty means every
	// workflow carrying one of the AI tags.
	WorkflowID string
	// ForceSync bypasses the cached workflow definitions.
	ForceSync bool
	Debug     bool
	// Verbose adds a per-workflow breakdown to the stats.
	Verbose bool
	// LookbackDays keeps executions started within the last N days. Zero
	// uses the service default, negative disables the window.
	// A service default of zero also disables it.
	LookbackDays int
	// Date keeps only executions started on this UTC day (YYYY-MM-DD).
	Date   string
	Source string
}

type WorkflowStats struct {
	WorkflowID   string `json:"workflowId"`
	WorkflowName string `json:"workflowName"`
	Executions   int    `json:"executions"`
	Records      int    `json:"records"`
	Truncated    bool   `json:"truncated,omitempty"`
	Incomplete   bool   `json:"incomplete,omitempty"`
}

type Stats struct {
	RunID               string                 `json:"runId"`
	WorkflowsProcessed  int                    `json:"workflowsProcessed"`
	AINodes             int                    `json:"aiNodes"`
	ExecutionsProcessed int                    `json:"executionsProcessed"`
	PagesProcessed      int                    `json:"pagesProcessed"`
	RecordsExtracted    int                    `json:"recordsExtracted"`
	RecordsEstimated    int                    `json:"recordsEstimated"`
	Inserted            int                    `json:"inserted"`
	Updated             int                    `json:"updated"`
	Failed              int                    `json:"failed"`
	Failures            []ledger.RecordFailure `json:"failures,omitempty"`
	TotalTokens         int64                  `json:"totalTokens"`
	TotalCost           float64                `json:"totalCost"`
	Errors              int                    `json:"errors"`
	Incomplete          bool                   `json:"incomplete"`
	Warnings            []string               `json:"warnings,omitempty"`
	Workflows           []WorkflowStats        `json:"workflows,omitempty"`
}

func (s *Stats) warn(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

type Service struct {
	fetcher      Fetcher
	executions   ExecutionGetter
	catalog      Catalog
	extractor    *extract.Extractor
	normalizer   *pricing.Normalizer
	store        ledger.Store
	tags         []string
	lookbackDays int
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	logger       *slog.Logger
	now          func() time.Time
}

type Deps struct {
	Fetcher      Fetcher
	Executions   ExecutionGetter
	Catalog      Catalog
	Extractor    *extract.Extractor
	Normalizer   *pricing.Normalizer
	Store        ledger.Store
	Tags         []string
	LookbackDays int
	Metrics      *metrics.Metrics
	Tracer       trace.Tracer
	Logger       *slog.Logger
}

func NewService(d Deps) *Service {
	s := &Service{
		fetcher:      d.Fetcher,
		executions:   d.Executions,
		catalog:      d.Catalog,
		extractor:    d.Extractor,
		normalizer:   d.Normalizer,
		store:        d.Store,
		tags:         d.Tags,
		lookbackDays: d.LookbackDays,
		metrics:      d.Metrics,
		tracer:       d.Tracer,
		logger:       d.Logger,
		now:          time.Now,
	}
	if s.extractor == nil {
		s.extractor = extract.New(extract.Options{Logger: d.Logger})
	}
	if s.normalizer == nil {
		s.normalizer = pricing.NewNormalizer(nil, pricing.Rate{})
	}
	if len(s.tags) == 0 {
		s.tags = catalog.DefaultAITags
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "pipeline")
	return s
}

// Run performs one fetch, extract, normalize and upsert cycle. Upstream
// and per-record problems are reported in Stats; the returned error is
// reserved for failures that prevent any work, such as n8n.ErrNotConfigured.
func (s *Service) Run(ctx context.Context, opts Options) (*Stats, error) {
	if opts.Source == "" {
		opts.Source = "api"
	}
	stats := &Stats{RunID: uuid.New().String()}
	started := s.now()

	ctx, span := s.startSpan(ctx, "sync.run",
		attribute.String("sync.run_id", stats.RunID),
		attribute.String("sync.source", opts.Source),
		attribute.String("sync.workflow_id", opts.WorkflowID),
	)
	defer span.End()

	logger := s.logger.With("run_id", stats.RunID, "source", opts.Source)
	logger.Info("sync started", "workflow_id", opts.WorkflowID, "force", opts.ForceSync, "date", opts.Date)

	err := s.run(ctx, opts, stats, logger)

	s.metrics.ObserveRun(opts.Source, err == nil && stats.Errors == 0, s.now().Sub(started))
	span.SetAttributes(
		attribute.Int("sync.workflows", stats.WorkflowsProcessed),
		attribute.Int("sync.executions", stats.ExecutionsProcessed),
		attribute.Int("sync.inserted", stats.Inserted),
		attribute.Int("sync.updated", stats.Updated),
		attribute.Int("sync.failed", stats.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("sync failed", "error", err)
		return stats, err
	}

	logger.Info("sync finished",
		"workflows", stats.WorkflowsProcessed,
		"executions", stats.ExecutionsProcessed,
		"records", stats.RecordsExtracted,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"failed", stats.Failed,
		"errors", stats.Errors,
		"duration", s.now().Sub(started).String())
	return stats, nil
}

func (s *Service) run(ctx context.Context, opts Options, stats *Stats, logger *slog.Logger) error {
	workflows, err := s.resolveWorkflows(ctx, opts)
	if err != nil {
		return err
	}
	logger.Info("workflows resolved", "count", len(workflows))

	var cutoff time.Time
	lookback := opts.LookbackDays
	if lookback == 0 {
		lookback = s.lookbackDays
	}
	if opts.Date == "" && lookback > 0 {
		cutoff = s.now().UTC().AddDate(0, 0, -lookback)
	}

	for i := range workflows {
		if err := ctx.Err(); err != nil {
			stats.Incomplete = true
			stats.warn("sync interrupted: %v", err)
			break
		}
		wfStats := s.syncWorkflow(ctx, &workflows[i], opts, cutoff, stats, logger)
		if opts.Verbose {
			stats.Workflows = append(stats.Workflows, wfStats)
		}
	}

	if stats.Inserted+stats.Updated > 0 {
		if err := s.store.Reaggregate(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("reaggregation failed", "error", err)
			stats.warn("daily aggregation failed: %v", err)
		}
	}
	stats.TotalCost = pricing.Round6(stats.TotalCost)
	return nil
}

func (s *Service) resolveWorkflows(ctx context.Context, opts Options) ([]n8n.Workflow, error) {
	if opts.WorkflowID != "" {
		wf, err := s.catalog.Workflow(ctx, opts.WorkflowID, opts.ForceSync)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow %s: %w", opts.WorkflowID, err)
		}
		return []n8n.Workflow{*wf}, nil
	}
	all, err := s.catalog.Workflows(ctx, opts.ForceSync)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return catalog.FilterAI(all, s.tags), nil
}

func (s *Service) syncWorkflow(ctx context.Context, summary *n8n.Workflow, opts Options, cutoff time.Time, stats *Stats, logger *slog.Logger) WorkflowStats {
	id := summary.ID.String()
	ws := WorkflowStats{WorkflowID: id, WorkflowName: summary.Name}
	stats.WorkflowsProcessed++

	ctx, span := s.startSpan(ctx, "sync.workflow",
		attribute.String("n8n.workflow_id", id),
		attribute.String("n8n.workflow_name", summary.Name),
	)
	defer span.End()
	logger = logger.With("workflow_id", id)

	wf := summary
	if len(wf.Nodes) == 0 {
		full, err := s.catalog.Workflow(ctx, id, opts.ForceSync)
		if err != nil {
			logger.Warn("workflow definition unavailable, extracting without it", "error", err)
			wf = nil
		} else {
			wf = full
		}
	}
	if wf != nil {
		aiNodes := lo.CountBy(wf.Nodes, extract.IsAINode)
		stats.AINodes += aiNodes
		if aiNodes == 0 {
			if opts.Debug {
				logger.Debug("workflow has no AI nodes, skipping", "name", summary.Name)
			}
			return ws
		}
	}

	res, err := s.fetcher.Fetch(ctx, n8n.FetchOptions{WorkflowID: id, Date: opts.Date, Unlimited: true})
	if err != nil {
		stats.Errors++
		stats.warn("workflow %s: %v", id, err)
		span.RecordError(err)
		return ws
	}
	stats.PagesProcessed += res.PagesProcessed
	s.metrics.AddPages(true, res.PagesProcessed, res.Incomplete)
	if res.Incomplete {
		stats.Incomplete, ws.Incomplete = true, true
		stats.Errors++
		stats.warn("workflow %s: executions incomplete after %d pages: %v", id, res.PagesProcessed, res.Err)
	}
	if res.Truncated {
		ws.Truncated = true
		stats.warn("workflow %s: execution listing truncated at %d pages", id, res.PagesProcessed)
	}

	executions := res.Executions
	if !cutoff.IsZero() {
		executions = lo.Filter(executions, func(e n8n.Execution, _ int) bool {
			ts := e.Timestamp()
			return !ts.IsZero() && !ts.Before(cutoff)
		})
	}

	var records []ledger.UsageRecord
	for _, summaryExec := range executions {
		if err := ctx.Err(); err != nil {
			stats.Incomplete, ws.Incomplete = true, true
			stats.Errors++
			stats.warn("workflow %s: sync interrupted after %d of %d executions: %v", id, ws.Executions, len(executions), err)
			break
		}
		exec, err := s.executions.GetExecution(ctx, summaryExec.ID.String())
		if err != nil {
			stats.Errors++
			logger.Warn("execution fetch failed", "execution_id", summaryExec.ID.String(), "error", err)
			if errors.Is(err, n8n.ErrNotConfigured) {
				break
			}
			continue
		}
		stats.ExecutionsProcessed++
		ws.Executions++
		if exec.WorkflowID == "" {
			exec.WorkflowID = summary.ID
		}

		for _, r := range s.extractor.Extract(exec, wf) {
			if r.WorkflowName == "" {
				r.WorkflowName = summary.Name
			}
			rec := s.normalizer.Apply(r)
			rec.Metadata["source"] = "n8n_sync_" + opts.Source
			rec.Metadata["sync_run_id"] = stats.RunID
			rec.Metadata["workflow_tags"] = summary.TagNames()
			records = append(records, rec)

			if r.IsEstimated {
				stats.RecordsEstimated++
			}
			if opts.Debug {
				logger.Debug("usage extracted",
					"execution_id", r.ExecutionID,
					"node", r.NodeName,
					"model", r.Model,
					"matcher", r.Matcher,
					"total_tokens", r.TotalTokens,
					"estimated", r.IsEstimated)
			}
		}
	}
	s.metrics.AddExecutions(ws.Executions)
	stats.RecordsExtracted += len(records)
	ws.Records = len(records)

	if len(records) == 0 {
		return ws
	}

	// Rows already extracted are written even if the run was interrupted.
	up := s.store.Upsert(context.WithoutCancel(ctx), records)
	stats.Inserted += up.Inserted
	stats.Updated += up.Updated
	stats.Failed += up.Failed
	stats.Failures = append(stats.Failures, up.Failures...)
	s.metrics.AddUpsert(up.Inserted, up.Updated, up.Failed)
	if up.Failed > 0 {
		logger.Warn("ledger upsert had failures", "failed", up.Failed)
	}

	failed := lo.SliceToMap(up.Failures, func(f ledger.RecordFailure) (string, bool) { return f.Key, true })
	for _, rec := range records {
		if failed[rec.Key()] {
			continue
		}
		stats.TotalTokens += int64(rec.TotalTokens)
		stats.TotalCost += rec.EstimatedCost
		s.metrics.AddUsage(rec.Model, rec.IsEstimated, rec.TotalTokens, rec.EstimatedCost)
	}

	span.SetAttributes(
		attribute.Int("sync.executions", ws.Executions),
		attribute.Int("sync.records", ws.Records),
	)
	return ws
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
