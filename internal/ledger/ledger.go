package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidRecord = errors.New("invalid usage record")

// UsageRecord is one row of the usage ledger. The natural key is
// (WorkflowID, ExecutionID, NodeID, Model).
type UsageRecord struct {
	WorkflowID       string         `json:"workflow_id"`
	WorkflowName     string         `json:"workflow_name"`
	ExecutionID      string         `json:"execution_id"`
	NodeID           string         `json:"node_id"`
	NodeName         string         `json:"node_name"`
	Model            string         `json:"model"`
	Endpoint         string         `json:"endpoint"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	EstimatedCost    float64        `json:"estimated_cost"`
	IsEstimated      bool           `json:"is_estimated"`
	Timestamp        time.Time      `json:"timestamp"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func (r *UsageRecord) Key() string {
	return strings.Join([]string{r.WorkflowID, r.ExecutionID, r.NodeID, r.Model}, "/")
}

func (r *UsageRecord) Validate() error {
	switch {
	case r.WorkflowID == "", r.ExecutionID == "", r.NodeID == "":
		return fmt.Errorf("%w: missing key part in %q", ErrInvalidRecord, r.Key())
	case strings.TrimSpace(r.Model) == "":
		return fmt.Errorf("%w: empty model", ErrInvalidRecord)
	case r.PromptTokens < 0, r.CompletionTokens < 0, r.TotalTokens < 0:
		return fmt.Errorf("%w: negative token count", ErrInvalidRecord)
	case r.EstimatedCost < 0:
		return fmt.Errorf("%w: negative cost", ErrInvalidRecord)
	}
	return nil
}

type RecordFailure struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

type UpsertResult struct {
	Inserted int             `json:"inserted"`
	Updated  int             `json:"updated"`
	Failed   int             `json:"failed"`
	Failures []RecordFailure `json:"failures,omitempty"`
}

func (r *UpsertResult) fail(rec *UsageRecord, err error) {
	r.Failed++
	r.Failures = append(r.Failures, RecordFailure{Key: rec.Key(), Error: err.Error()})
}

// Add folds another batch result into r.
func (r *UpsertResult) Add(other UpsertResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Failed += other.Failed
	r.Failures = append(r.Failures, other.Failures...)
}

// DailyUsage is one row of the derived openai_usage_daily table.
type DailyUsage struct {
	Day              time.Time `json:"day"`
	WorkflowID       string    `json:"workflow_id"`
	WorkflowName     string    `json:"workflow_name"`
	Model            string    `json:"model"`
	Requests         int64     `json:"requests"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	Cost             float64   `json:"cost"`
}

// Store is the usage ledger. Upsert never returns an error: per record
// failures are reported in the result and do not stop the batch.
type Store interface {
	Upsert(ctx context.Context, records []UsageRecord) UpsertResult
	// Reaggregate rebuilds the daily roll-ups from the full ledger.
	Reaggregate(ctx context.Context) error
	DailySummary(ctx context.Context, from, to time.Time) ([]DailyUsage, error)
	TotalCost(ctx context.Context, from, to time.Time) (float64, error)
	Count(ctx context.Context) (int64, error)
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
