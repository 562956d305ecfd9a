package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// MemoryStore keeps the ledger in process. It backs dry runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]UsageRecord
	daily   []DailyUsage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]UsageRecord)}
}

func (s *MemoryStore) Upsert(ctx context.Context, records []UsageRecord) UpsertResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res UpsertResult
	for i := range records {
		rec := records[i]
		if err := rec.Validate(); err != nil {
			res.fail(&rec, err)
			continue
		}
		rec.Timestamp = rec.Timestamp.UTC()
		if _, ok := s.records[rec.Key()]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
		s.records[rec.Key()] = rec
	}
	return res
}

func (s *MemoryStore) Reaggregate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		day             time.Time
		workflow, model string
	}
	acc := map[key]*DailyUsage{}
	for _, r := range s.records {
		k := key{dayOf(r.Timestamp), r.WorkflowID, r.Model}
		d, ok := acc[k]
		if !ok {
			d = &DailyUsage{Day: k.day, WorkflowID: r.WorkflowID, Model: r.Model}
			acc[k] = d
		}
		if r.WorkflowName > d.WorkflowName {
			d.WorkflowName = r.WorkflowName
		}
		d.Requests++
		d.PromptTokens += int64(r.PromptTokens)
		d.CompletionTokens += int64(r.CompletionTokens)
		d.TotalTokens += int64(r.TotalTokens)
		d.Cost += r.EstimatedCost
	}

	s.daily = lo.Map(lo.Values(acc), func(d *DailyUsage, _ int) DailyUsage { return *d })
	sort.Slice(s.daily, func(i, j int) bool {
		if !s.daily[i].Day.Equal(s.daily[j].Day) {
			return s.daily[i].Day.After(s.daily[j].Day)
		}
		return s.daily[i].Cost > s.daily[j].Cost
	})
	return nil
}

func (s *MemoryStore) DailySummary(ctx context.Context, from, to time.Time) ([]DailyUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start, end := dayOf(from), dayOf(to)
	var out []DailyUsage
	for _, d := range s.daily {
		if d.Day.Before(start) || d.Day.After(end) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *MemoryStore) TotalCost(ctx context.Context, from, to time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total float64
	for _, r := range s.records {
		if r.Timestamp.Before(from) || r.Timestamp.After(to) {
			continue
		}
		total += r.EstimatedCost
	}
	return total, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.records)), nil
}

// Records returns a snapshot of the stored rows, for dry-run reporting.
func (s *MemoryStore) Records() []UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Values(s.records)
}
