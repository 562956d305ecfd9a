package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vnmchuo/n8n-usage-sync/internal/pipeline"
)

type JobStatus string

const (
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

const historySize = 20

// ErrBusy is returned when a sync is requested while another one runs.
var ErrBusy = errors.New("a sync is already running")

type Job struct {
	ID         uuid.UUID       `json:"id"`
	Source     string          `json:"source"`
	Status     JobStatus       `json:"status"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt,omitzero"`
	Stats      *pipeline.Stats `json:"stats,omitempty"`
	Err        string          `json:"error,omitempty"`
}

type Syncer interface {
	Run(ctx context.Context, opts pipeline.Options) (*pipeline.Stats, error)
}

// Runner serializes sync runs, whether triggered over HTTP or by its own
// ticker, and keeps a short history of them.
type Runner struct {
	syncer   Syncer
	interval time.Duration
	defaults pipeline.Options
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	history []Job
}

func NewRunner(syncer Syncer, interval time.Duration, defaults pipeline.Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.Source == "" {
		defaults.Source = "scheduler"
	}
	return &Runner{
		syncer:   syncer,
		interval: interval,
		defaults: defaults,
		logger:   logger.With("component", "sync_runner"),
	}
}

// Run executes one sync unless another is in flight, in which case it
// returns ErrBusy without waiting. A panicking sync is reported as a
// failed job.
func (r *Runner) Run(ctx context.Context, opts pipeline.Options) (stats *pipeline.Stats, err error) {
	job, err := r.begin(opts.Source)
	if err != nil {
		return nil, err
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("sync panicked", "job_id", job.ID.String(), "panic", p)
			stats, err = nil, fmt.Errorf("sync panicked: %v", p)
		}
		r.finish(job, stats, err)
	}()

	return r.syncer.Run(ctx, opts)
}

func (r *Runner) begin(source string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil, ErrBusy
	}
	r.running = true
	job := Job{ID: uuid.New(), Source: source, Status: JobStatusRunning, StartedAt: time.Now().UTC()}
	r.history = append(r.history, job)
	if len(r.history) > historySize {
		r.history = r.history[len(r.history)-historySize:]
	}
	return &job, nil
}

func (r *Runner) finish(job *Job, stats *pipeline.Stats, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.running = false
	job.FinishedAt = time.Now().UTC()
	job.Stats = stats
	job.Status = JobStatusDone
	if err != nil {
		job.Status = JobStatusFailed
		job.Err = err.Error()
	}
	for i := range r.history {
		if r.history[i].ID == job.ID {
			r.history[i] = *job
		}
	}
}

// Jobs returns the recent runs, newest first.
func (r *Runner) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := slices.Clone(r.history)
	slices.Reverse(jobs)
	return jobs
}

// Start runs the sync every interval until ctx is done. A non-positive
// interval disables the schedule and Start returns immediately.
func (r *Runner) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	r.logger.Info("scheduled sync enabled", "interval", r.interval.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("scheduled sync stopped")
			return
		case <-ticker.C:
			_, err := r.Run(ctx, r.defaults)
			switch {
			case errors.Is(err, ErrBusy):
				r.logger.Info("skipping scheduled sync, previous run still active")
			case err != nil:
				r.logger.Error("scheduled sync failed", "error", err)
			}
		}
	}
}
