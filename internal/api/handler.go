package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/vnmchuo/n8n-usage-sync/internal/auth"
	"github.com/vnmchuo/n8n-usage-sync/internal/ledger"
	"github.com/vnmchuo/n8n-usage-sync/internal/n8n"
	"github.com/vnmchuo/n8n-usage-sync/internal/openai"
	"github.com/vnmchuo/n8n-usage-sync/internal/pipeline"
	"github.com/vnmchuo/n8n-usage-sync/internal/worker"
	"github.com/vnmchuo/n8n-usage-sync/pkg/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultSummaryDays   = 30
	defaultReconcileDays = 30
	maxReconcileDays     = 180
	// Retry-After seconds when the limiter cannot tell when its window resets.
	defaultRetryAfter = 60
)

type Syncer interface {
	Run(ctx context.Context, opts pipeline.Options) (*pipeline.Stats, error)
	Jobs() []worker.Job
}

type Fetcher interface {
	Fetch(ctx context.Context, opts n8n.FetchOptions) (*n8n.FetchResult, error)
}

type CostsReader interface {
	DailyCosts(ctx context.Context, start, end time.Time) ([]openai.DailyCost, error)
}

type Handler struct {
	syncer  Syncer
	fetcher Fetcher
	store   ledger.Store
	costs   CostsReader
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

type Deps struct {
	Syncer  Syncer
	Fetcher Fetcher
	// Store may be nil when no database is configured; ledger endpoints then
	// answer 500.
	Store   ledger.Store
	Costs   CostsReader
	Limiter *ratelimit.Limiter
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		syncer:  d.Syncer,
		fetcher: d.Fetcher,
		store:   d.Store,
		costs:   d.Costs,
		limiter: d.Limiter,
		tracer:  d.Tracer,
		logger:  logger.With("component", "api"),
		now:     time.Now,
	}
}

type syncRequest struct {
	WorkflowID   string `json:"workflowId"`
	ForceSync    *bool  `json:"forceSync"`
	Debug        bool   `json:"debug"`
	Verbose      bool   `json:"verbose"`
	Source       string `json:"source"`
	LookbackDays *int   `json:"lookbackDays"`
	Dias         *int   `json:"dias"`
}

func (req syncRequest) options(source string) pipeline.Options {
	opts := pipeline.Options{
		WorkflowID: req.WorkflowID,
		ForceSync:  true,
		Debug:      req.Debug,
		Verbose:    req.Verbose,
		Source:     source,
	}
	if req.ForceSync != nil {
		opts.ForceSync = *req.ForceSync
	}
	if req.Source != "" {
		opts.Source = req.Source
	}
	if req.LookbackDays != nil {
		opts.LookbackDays = *req.LookbackDays
	} else if req.Dias != nil {
		opts.LookbackDays = *req.Dias
	}
	return opts
}

// decodeSyncRequest reads the optional JSON body. A missing or malformed
// body means defaults.
func decodeSyncRequest(r *http.Request) syncRequest {
	var req syncRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	return req
}

func (h *Handler) HandleSyncUsage(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.sync_usage")
	defer span.End()

	caller := auth.ClientKey(r)
	allowed, err := h.limiter.Allow(ctx, caller)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", "error", err)
	}
	if err == nil && !allowed {
		retryAfter := defaultRetryAfter
		if d, err := h.limiter.RetryAfter(ctx, caller); err != nil {
			h.logger.Warn("rate limit status unavailable", "error", err)
		} else if d > 0 {
			retryAfter = int(math.Ceil(d.Seconds()))
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"success":     false,
			"error":       "rate limit exceeded",
			"retry_after": fmt.Sprintf("%ds", retryAfter),
		})
		return
	}

	req := decodeSyncRequest(r)
	span.SetAttributes(
		attribute.String("request_id", auth.GetRequestID(ctx)),
		attribute.String("workflow_id", req.WorkflowID),
	)

	opts := req.options("api")
	if req.LookbackDays == nil && req.Dias == nil {
		opts.LookbackDays = -1
	}

	// The sync outlives a dropped client connection.
	started := h.now()
	stats, err := h.syncer.Run(context.WithoutCancel(ctx), opts)
	if h.configError(w, err) {
		return
	}

	resp := syncResponse(stats, err)
	resp["executionTime"] = h.now().Sub(started).Milliseconds()
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleCronSync(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.cron_sync")
	defer span.End()

	req := decodeSyncRequest(r)
	q := r.URL.Query()
	for _, key := range []string{"lookbackDays", "dias"} {
		if v := q.Get(key); v != "" && req.LookbackDays == nil && req.Dias == nil {
			if n, err := strconv.Atoi(v); err == nil {
				req.LookbackDays = &n
			}
		}
	}
	if v := q.Get("workflowId"); v != "" && req.WorkflowID == "" {
		req.WorkflowID = v
	}

	started := h.now().UTC()
	stats, err := h.syncer.Run(context.WithoutCancel(ctx), req.options("cron"))
	if h.configError(w, err) {
		return
	}
	ended := h.now().UTC()

	resp := syncResponse(stats, err)
	resp["startTime"] = started.Format(time.RFC3339)
	resp["endTime"] = ended.Format(time.RFC3339)
	resp["duration"] = ended.Sub(started).String()
	writeJSON(w, http.StatusOK, resp)
}

func syncResponse(stats *pipeline.Stats, err error) map[string]any {
	resp := map[string]any{"stats": stats}
	switch {
	case errors.Is(err, worker.ErrBusy):
		resp["success"] = false
		resp["message"] = "A sync is already running, try again later"
	case err != nil:
		resp["success"] = false
		resp["message"] = fmt.Sprintf("Sync failed: %v", err)
	default:
		resp["success"] = true
		resp["message"] = fmt.Sprintf("Synced %d workflows, %d executions: %d inserted, %d updated, %d failed",
			stats.WorkflowsProcessed, stats.ExecutionsProcessed, stats.Inserted, stats.Updated, stats.Failed)
		resp["warnings"] = stats.Warnings
	}
	return resp
}

func (h *Handler) HandleCountExecutions(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.count_executions")
	defer span.End()

	q := r.URL.Query()
	workflowID := q.Get("workflowId")
	if workflowID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "workflowId is required"})
		return
	}
	date := q.Get("date")
	if date != "" {
		if _, err := time.Parse(time.DateOnly, date); err != nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":    false,
				"message":    "invalid 'date' format (use YYYY-MM-DD)",
				"workflowId": workflowID,
				"date":       date,
			})
			return
		}
	}
	noLimit := q.Get("noLimit") == "true"
	span.SetAttributes(attribute.String("workflow_id", workflowID), attribute.Bool("no_limit", noLimit))

	res, err := h.fetcher.Fetch(ctx, n8n.FetchOptions{WorkflowID: workflowID, Date: date, Unlimited: noLimit})
	if h.configError(w, err) {
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error(), "workflowId": workflowID})
		return
	}

	resp := map[string]any{
		"success":         !res.Incomplete,
		"workflowId":      workflowID,
		"date":            date,
		"count":           len(res.Executions),
		"totalExecutions": res.TotalFetched,
		"pagesProcessed":  res.PagesProcessed,
		"noLimit":         noLimit,
		"truncated":       res.Truncated,
		"incomplete":      res.Incomplete,
	}
	switch {
	case res.Incomplete:
		resp["message"] = fmt.Sprintf("Counted %d executions before n8n failed on page %d: %v",
			len(res.Executions), res.PagesProcessed+1, res.Err)
	case res.Truncated:
		resp["message"] = fmt.Sprintf("Counted %d executions; stopped at the %d page limit", len(res.Executions), res.PagesProcessed)
	default:
		resp["message"] = fmt.Sprintf("Counted %d executions", len(res.Executions))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleUsageSummary(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.usage_summary")
	defer span.End()

	if h.store == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "usage ledger is not configured"})
		return
	}

	now := h.now().UTC()
	from, to := now.AddDate(0, 0, -defaultSummaryDays), now

	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = parseTime(v); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid 'from' date format (use RFC3339 or YYYY-MM-DD)"})
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = parseTime(v); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid 'to' date format (use RFC3339 or YYYY-MM-DD)"})
			return
		}
	}

	daily, err := h.store.DailySummary(ctx, from, to)
	if err != nil {
		h.logger.Error("daily summary failed", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}
	total, err := h.store.TotalCost(ctx, from, to)
	if err != nil {
		h.logger.Error("total cost failed", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"from":           from,
		"to":             to,
		"total_cost_usd": total,
		"days":           daily,
	})
}

func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.reconcile")
	defer span.End()

	if h.store == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "usage ledger is not configured"})
		return
	}
	if h.costs == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": openai.ErrNoAdminKey.Error()})
		return
	}

	days := defaultReconcileDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxReconcileDays {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"error":   fmt.Sprintf("days must be between 1 and %d", maxReconcileDays),
			})
			return
		}
		days = n
	}

	now := h.now().UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	start := end.AddDate(0, 0, -days)
	span.SetAttributes(attribute.Int("days", days))

	billed, err := h.costs.DailyCosts(ctx, start, end)
	if errors.Is(err, openai.ErrNoAdminKey) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Warn("openai costs unavailable", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}

	daily, err := h.store.DailySummary(ctx, start, end.Add(-time.Nanosecond))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"from":    start.Format(time.DateOnly),
		"to":      end.AddDate(0, 0, -1).Format(time.DateOnly),
		"days":    openai.Reconcile(daily, billed),
	})
}

func (h *Handler) HandleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": h.syncer.Jobs()})
}

// configError answers 500 for missing configuration and reports whether it
// did.
func (h *Handler) configError(w http.ResponseWriter, err error) bool {
	if !errors.Is(err, n8n.ErrNotConfigured) {
		return false
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"success": false,
		"error":   "N8N_API_URL and N8N_API_KEY must be configured",
	})
	return true
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
