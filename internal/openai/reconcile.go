package openai

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/vnmchuo/n8n-usage-sync/internal/ledger"
	"github.com/vnmchuo/n8n-usage-sync/internal/pricing"
)

// DayReconciliation compares the ledger's estimate with the billed amount.
type DayReconciliation struct {
	Date      string  `json:"date"`
	Estimated float64 `json:"estimated"`
	Billed    float64 `json:"billed"`
	Delta     float64 `json:"delta"`
}

// Reconcile joins ledger roll-ups and billed costs by date. Days present on
// only one side are reported with zero on the other. Delta is billed minus
// estimated.
func Reconcile(daily []ledger.DailyUsage, billed []DailyCost) []DayReconciliation {
	estimated := lo.GroupBy(daily, func(d ledger.DailyUsage) string {
		return d.Day.UTC().Format(time.DateOnly)
	})

	rows := map[string]*DayReconciliation{}
	get := func(date string) *DayReconciliation {
		r, ok := rows[date]
		if !ok {
			r = &DayReconciliation{Date: date}
			rows[date] = r
		}
		return r
	}

	for date, ds := range estimated {
		get(date).Estimated = lo.SumBy(ds, func(d ledger.DailyUsage) float64 { return d.Cost })
	}
	for _, b := range billed {
		get(b.Date).Billed += b.Amount
	}

	out := make([]DayReconciliation, 0, len(rows))
	for _, r := range rows {
		r.Estimated = pricing.Round6(r.Estimated)
		r.Billed = pricing.Round6(r.Billed)
		r.Delta = pricing.Round6(r.Billed - r.Estimated)
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
