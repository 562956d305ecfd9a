package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vnmchuo/n8n-usage-sync/internal/auth"
)

type RouterConfig struct {
	CronSecret string
	// Gatherer backs /metrics; nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
	// Health adds fields to the /healthz payload.
	Health func() map[string]any
	Logger *slog.Logger
}

func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok", "service": "n8n-usage-sync"}
		if cfg.Health != nil {
			for k, v := range cfg.Health() {
				body[k] = v
			}
		}
		writeJSON(w, http.StatusOK, body)
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/n8n/sync-usage", h.HandleSyncUsage)
		r.Get("/n8n/executions/count", h.HandleCountExecutions)
		r.Get("/usage/summary", h.HandleUsageSummary)
		r.Get("/openai/reconcile", h.HandleReconcile)
		r.Get("/sync/jobs", h.HandleJobs)

		r.Group(func(r chi.Router) {
			r.Use(auth.NewCronMiddleware(cfg.CronSecret, cfg.Logger))
			r.Post("/cron/sync-n8n", h.HandleCronSync)
			r.Get("/cron/sync-n8n", h.HandleCronSync)
		})
	})
	return r
}
