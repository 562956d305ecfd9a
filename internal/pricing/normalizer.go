package pricing

import (
	"strings"
	"time"

	"github.com/vnmchuo/n8n-usage-sync/internal/extract"
	"github.com/vnmchuo/n8n-usage-sync/internal/ledger"
)

type Normalizer struct {
	rates    map[string]Rate
	fallback Rate
	now      func() time.Time
}

// NewNormalizer uses DefaultRates when rates is nil.
func NewNormalizer(rates map[string]Rate, fallback Rate) *Normalizer {
	if rates == nil {
		rates = DefaultRates
	}
	if fallback == (Rate{}) {
		fallback = DefaultRate
	}
	return &Normalizer{rates: rates, fallback: fallback, now: time.Now}
}

// RateFor returns the rate of the longest table key contained in the model
// name, or the fallback rate.
func (n *Normalizer) RateFor(model string) (Rate, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	best, found := "", false
	for key := range n.rates {
		if strings.Contains(m, key) && len(key) > len(best) {
			best, found = key, true
		}
	}
	if !found {
		return n.fallback, false
	}
	return n.rates[best], true
}

// Cost never fails: unknown models are priced at the fallback rate.
func (n *Normalizer) Cost(model string, prompt, completion int) float64 {
	rate, _ := n.RateFor(model)
	cost := float64(prompt)/1000*rate.PromptPer1K + float64(completion)/1000*rate.CompletionPer1K
	return Round6(cost)
}

// Apply prices an extraction result and turns it into a ledger row.
func (n *Normalizer) Apply(r extract.Result) ledger.UsageRecord {
	_, known := n.RateFor(r.Model)
	return ledger.UsageRecord{
		WorkflowID:       r.WorkflowID,
		WorkflowName:     r.WorkflowName,
		ExecutionID:      r.ExecutionID,
		NodeID:           r.NodeID,
		NodeName:         r.NodeName,
		Model:            r.Model,
		Endpoint:         Endpoint(r.Model),
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		TotalTokens:      r.TotalTokens,
		EstimatedCost:    n.Cost(r.Model, r.PromptTokens, r.CompletionTokens),
		IsEstimated:      r.IsEstimated,
		Timestamp:        r.Timestamp,
		Metadata: map[string]any{
			"matcher":      r.Matcher,
			"path":         r.Path,
			"output":       r.Output,
			"run_index":    r.RunIndex,
			"item_index":   r.ItemIndex,
			"node_type":    r.NodeType,
			"known_price":  known,
			"extracted_at": n.now().UTC().Format(time.RFC3339),
		},
	}
}
