package n8n

import (
	"context"
	"errors"
	"log/slog"
)

const (
	DefaultUnlimitedPageSize = 1000
	DefaultLimitedPageSize   = 250
	// DefaultMaxPages caps unlimited pagination at ~20,000 executions; anything
	// older is not seen and FetchResult.Truncated is set.
	DefaultMaxPages = 20
)

// ExecutionLister is the part of the n8n API the fetcher needs.
type ExecutionLister interface {
	ListExecutions(ctx context.Context, p ListParams) (*ExecutionPage, error)
}

type FetchOptions struct {
	WorkflowID string
	// Date keeps only executions started on this UTC day (YYYY-MM-DD).
	Date      string
	Unlimited bool
}

type FetchResult struct {
	Executions []Execution
	// TotalFetched counts executions returned by the API before date filtering.
	TotalFetched   int
	PagesProcessed int
	Truncated      bool
	Incomplete     bool
	Err            error
}

type Fetcher struct {
	client            ExecutionLister
	UnlimitedPageSize int
	LimitedPageSize   int
	MaxPages          int
	logger            *slog.Logger
}

func NewFetcher(client ExecutionLister, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:            client,
		UnlimitedPageSize: DefaultUnlimitedPageSize,
		LimitedPageSize:   DefaultLimitedPageSize,
		MaxPages:          DefaultMaxPages,
		logger:            logger.With("component", "n8n_fetcher"),
	}
}

// Fetch lists executions of a workflow. Upstream failures do not fail the
// call: whatever was accumulated is returned with Err and Incomplete set.
// Only ErrNotConfigured is returned as an error.
func (f *Fetcher) Fetch(ctx context.Context, opts FetchOptions) (*FetchResult, error) {
	res := &FetchResult{}

	size, maxPages := f.LimitedPageSize, 1
	if opts.Unlimited {
		size, maxPages = f.UnlimitedPageSize, f.MaxPages
	}

	var (
		cursor string
		full   bool
	)
	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			res.Err, res.Incomplete = err, true
			break
		}

		resp, err := f.client.ListExecutions(ctx, ListParams{
			WorkflowID: opts.WorkflowID,
			Limit:      size,
			Page:       page,
			Cursor:     cursor,
		})
		if err != nil {
			if errors.Is(err, ErrNotConfigured) {
				return nil, err
			}
			f.logger.Warn("execution page fetch failed",
				"workflow_id", opts.WorkflowID, "page", page, "error", err)
			res.Err, res.Incomplete = err, true
			break
		}

		res.PagesProcessed++
		res.TotalFetched += len(resp.Data)
		res.Executions = append(res.Executions, filterByDate(resp.Data, opts.Date)...)

		full = len(resp.Data) >= size
		if !full {
			break
		}
		cursor = resp.NextCursor
	}

	if opts.Unlimited && !res.Incomplete && full && res.PagesProcessed >= maxPages {
		res.Truncated = true
		f.logger.Warn("execution pagination hit the page ceiling",
			"workflow_id", opts.WorkflowID, "max_pages", maxPages, "page_size", size)
	}

	f.logger.Debug("executions fetched",
		"workflow_id", opts.WorkflowID,
		"pages", res.PagesProcessed,
		"fetched", res.TotalFetched,
		"matched", len(res.Executions),
		"truncated", res.Truncated,
		"incomplete", res.Incomplete)

	return res, nil
}

func filterByDate(execs []Execution, date string) []Execution {
	if date == "" {
		return execs
	}
	out := make([]Execution, 0, len(execs))
	for _, e := range execs {
		if e.StartDate() == date {
			out = append(out, e)
		}
	}
	return out
}
