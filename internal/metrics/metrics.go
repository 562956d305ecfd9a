package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the sync service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	syncRuns        *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	executions      prometheus.Counter
	records         *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	cost            *prometheus.CounterVec
	fetchPages      *prometheus.CounterVec
	incompleteFetch prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_sync_runs_total",
				Help: "Total number of sync runs by trigger source and outcome",
			},
			[]string{"source", "status"},
		),
		syncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "usage_sync_run_duration_seconds",
				Help:    "Sync run duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"source"},
		),
		executions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "usage_sync_executions_processed_total",
				Help: "Total number of n8n executions scanned for usage",
			},
		),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_sync_records_total",
				Help: "Ledger upsert outcomes",
			},
			[]string{"result"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_sync_tokens_total",
				Help: "Tokens recorded in the ledger by model",
			},
			[]string{"model", "estimated"},
		),
		cost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_sync_estimated_cost_usd_total",
				Help: "Estimated USD cost recorded in the ledger by model",
			},
			[]string{"model"},
		),
		fetchPages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_sync_n8n_pages_total",
				Help: "n8n execution pages fetched",
			},
			[]string{"mode"},
		),
		incompleteFetch: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "usage_sync_incomplete_fetches_total",
				Help: "Fetches that stopped early on an upstream error",
			},
		),
	}

	reg.MustRegister(
		m.syncRuns,
		m.syncDuration,
		m.executions,
		m.records,
		m.tokens,
		m.cost,
		m.fetchPages,
		m.incompleteFetch,
	)
	return m
}

func (m *Metrics) ObserveRun(source string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.syncRuns.WithLabelValues(source, status).Inc()
	m.syncDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) AddExecutions(n int) {
	if m == nil {
		return
	}
	m.executions.Add(float64(n))
}

func (m *Metrics) AddUpsert(inserted, updated, failed int) {
	if m == nil {
		return
	}
	m.records.WithLabelValues("inserted").Add(float64(inserted))
	m.records.WithLabelValues("updated").Add(float64(updated))
	m.records.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) AddUsage(model string, estimated bool, tokens int, cost float64) {
	if m == nil {
		return
	}
	est := "false"
	if estimated {
		est = "true"
	}
	m.tokens.WithLabelValues(model, est).Add(float64(tokens))
	m.cost.WithLabelValues(model).Add(cost)
}

func (m *Metrics) AddPages(unlimited bool, pages int, incomplete bool) {
	if m == nil {
		return
	}
	mode := "limited"
	if unlimited {
		mode = "unlimited"
	}
	m.fetchPages.WithLabelValues(mode).Add(float64(pages))
	if incomplete {
		m.incompleteFetch.Inc()
	}
}
