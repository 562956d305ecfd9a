package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vnmchuo/n8n-usage-sync/internal/ledger"
	"github.com/vnmchuo/n8n-usage-sync/internal/n8n"
	"go.opentelemetry.io/otel/trace/noop"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type fakeCatalog struct {
	workflows []n8n.Workflow
	full      map[string]*n8n.Workflow
	err       error
	forced    []bool
}

func (c *fakeCatalog) Workflows(ctx context.Context, force bool) ([]n8n.Workflow, error) {
	c.forced = append(c.forced, force)
	return c.workflows, c.err
}

func (c *fakeCatalog) Workflow(ctx context.Context, id string, force bool) (*n8n.Workflow, error) {
	c.forced = append(c.forced, force)
	if c.err != nil {
		return nil, c.err
	}
	wf, ok := c.full[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s not found", id)
	}
	return wf, nil
}

type fakeFetcher struct {
	byWorkflow map[string]*n8n.FetchResult
	err        error
	calls      []n8n.FetchOptions
}

func (f *fakeFetcher) Fetch(ctx context.Context, opts n8n.FetchOptions) (*n8n.FetchResult, error) {
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return nil, f.err
	}
	if res, ok := f.byWorkflow[opts.WorkflowID]; ok {
		return res, nil
	}
	return &n8n.FetchResult{}, nil
}

type fakeExecutions struct {
	byID map[string]*n8n.Execution
}

func (f *fakeExecutions) GetExecution(ctx context.Context, id string) (*n8n.Execution, error) {
	exec, ok := f.byID[id]
	if !ok {
		return nil, &n8n.APIError{StatusCode: 404, Body: "not found"}
	}
	return exec, nil
}

type failingAggregateStore struct {
	*ledger.MemoryStore
}

func (s failingAggregateStore) Reaggregate(ctx context.Context) error {
	return errors.New("daily table locked")
}

func at(d time.Duration) *time.Time {
	t := testNow.Add(-d)
	return &t
}

func aiWorkflow(id string) n8n.Workflow {
	return n8n.Workflow{
		ID:   n8n.ID(id),
		Name: "Support " + id,
		Tags: []n8n.Tag{{Name: "OpenAI"}},
		Nodes: []n8n.Node{
			{ID: "node-chat", Name: "Chat", Type: "n8n-nodes-base.openAi"},
			{ID: "node-set", Name: "Set", Type: "n8n-nodes-base.set"},
		},
	}
}

func executionWithUsage(t *testing.T, id, workflowID string, started *time.Time, prompt, completion int) *n8n.Execution {
	t.Helper()
	runData := fmt.Sprintf(`{
		"Chat": [{"startTime": %d, "data": {"main": [[{"json": {"model": "gpt-4", "usage": {"prompt_tokens": %d, "completion_tokens": %d}}}]]}}],
		"Set": [{"startTime": %d, "data": {"main": [[{"json": {"ok": true}}]]}}]
	}`, started.UnixMilli(), prompt, completion, started.UnixMilli())
	exec := &n8n.Execution{ID: n8n.ID(id), WorkflowID: n8n.ID(workflowID), StartedAt: started, Finished: true}
	exec.Data = &n8n.ExecutionData{}
	require.NoError(t, json.Unmarshal([]byte(runData), &exec.Data.ResultData.RunData))
	return exec
}

type fixture struct {
	catalog    *fakeCatalog
	fetcher    *fakeFetcher
	executions *fakeExecutions
	store      *ledger.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	wf := aiWorkflow("wf1")
	recent, old := at(2*time.Hour), at(30*24*time.Hour)
	return &fixture{
		catalog: &fakeCatalog{
			workflows: []n8n.Workflow{
				{ID: "wf1", Name: wf.Name, Tags: wf.Tags},
				{ID: "wf2", Name: "Untagged"},
			},
			full: map[string]*n8n.Workflow{"wf1": &wf},
		},
		fetcher: &fakeFetcher{byWorkflow: map[string]*n8n.FetchResult{
			"wf1": {
				Executions: []n8n.Execution{
					{ID: "e1", WorkflowID: "wf1", StartedAt: recent},
					{ID: "e2", WorkflowID: "wf1", StartedAt: recent},
					{ID: "e-old", WorkflowID: "wf1", StartedAt: old},
				},
				TotalFetched:   3,
				PagesProcessed: 1,
			},
		}},
		executions: &fakeExecutions{byID: map[string]*n8n.Execution{
			"e1":    executionWithUsage(t, "e1", "wf1", recent, 100, 50),
			"e2":    executionWithUsage(t, "e2", "wf1", recent, 10, 5),
			"e-old": executionWithUsage(t, "e-old", "wf1", old, 1, 1),
		}},
		store: ledger.NewMemoryStore(),
	}
}

func (f *fixture) service(store ledger.Store) *Service {
	if store == nil {
		store = f.store
	}
	s := NewService(Deps{
		Fetcher:      f.fetcher,
		Executions:   f.executions,
		Catalog:      f.catalog,
		Store:        store,
		LookbackDays: DefaultLookbackDays,
		Tracer:       noop.NewTracerProvider().Tracer("test"),
	})
	s.now = func() time.Time { return testNow }
	return s
}

func TestRun_SyncsTaggedWorkflows(t *testing.T) {
	f := newFixture(t)
	stats, err := f.service(nil).Run(context.Background(), Options{Source: "cron", ForceSync: true})
	require.NoError(t, err)

	assert.NotEmpty(t, stats.RunID)
	assert.Equal(t, 1, stats.WorkflowsProcessed)
	assert.Equal(t, 1, stats.AINodes)
	// e-old is outside the default seven day window.
	assert.Equal(t, 2, stats.ExecutionsProcessed)
	assert.Equal(t, 2, stats.RecordsExtracted)
	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 0, stats.Updated)
	assert.Equal(t, 0, stats.Errors)
	assert.Equal(t, int64(165), stats.TotalTokens)
	// gpt-4: 110 prompt at 0.03/1K + 55 completion at 0.06/1K
	assert.InDelta(t, 0.0066, stats.TotalCost, 1e-9)

	require.Len(t, f.fetcher.calls, 1)
	assert.Equal(t, "wf1", f.fetcher.calls[0].WorkflowID)
	assert.True(t, f.fetcher.calls[0].Unlimited)
	assert.Contains(t, f.catalog.forced, true)

	records := f.store.Records()
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, "node-chat", r.NodeID)
		assert.Equal(t, "Support wf1", r.WorkflowName)
		assert.Equal(t, "n8n_sync_cron", r.Metadata["source"])
		assert.Equal(t, stats.RunID, r.Metadata["sync_run_id"])
		assert.Equal(t, []string{"openai"}, r.Metadata["workflow_tags"])
	}

	daily, err := f.store.DailySummary(context.Background(), testNow.AddDate(0, 0, -1), testNow)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, int64(2), daily[0].Requests)
}

func TestRun_Idempotent(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil)

	_, err := svc.Run(context.Background(), Options{})
	require.NoError(t, err)
	stats, err := svc.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Inserted)
	assert.Equal(t, 2, stats.Updated)
	assert.Len(t, f.store.Records(), 2)
}

func TestRun_LookbackDisabled(t *testing.T) {
	f := newFixture(t)
	stats, err := f.service(nil).Run(context.Background(), Options{LookbackDays: -1})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ExecutionsProcessed)
	assert.Equal(t, 3, stats.Inserted)
}

func TestRun_ZeroServiceLookbackDisablesWindow(t *testing.T) {
	f := newFixture(t)
	s := NewService(Deps{
		Fetcher:    f.fetcher,
		Executions: f.executions,
		Catalog:    f.catalog,
		Store:      f.store,
	})
	s.now = func() time.Time { return testNow }

	stats, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ExecutionsProcessed)
}

type cancellingExecutions struct {
	inner  ExecutionGetter
	cancel context.CancelFunc
}

func (c *cancellingExecutions) GetExecution(ctx context.Context, id string) (*n8n.Execution, error) {
	c.cancel()
	return c.inner.GetExecution(ctx, id)
}

func TestRun_InterruptedRunIsIncomplete(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := f.service(nil)
	s.executions = &cancellingExecutions{inner: f.executions, cancel: cancel}

	stats, err := s.Run(ctx, Options{WorkflowID: "wf1", LookbackDays: -1})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ExecutionsProcessed)
	assert.True(t, stats.Incomplete)
	assert.Equal(t, 1, stats.Errors)
	require.NotEmpty(t, stats.Warnings)
	assert.Contains(t, stats.Warnings[0], "interrupted after 1 of 3 executions")
	// The execution read before the interruption is still written.
	assert.Equal(t, 1, stats.Inserted)
	assert.Len(t, f.store.Records(), 1)
}

func TestRun_DateBypassesLookback(t *testing.T) {
	f := newFixture(t)
	_, err := f.service(nil).Run(context.Background(), Options{Date: "2024-04-10"})
	require.NoError(t, err)
	require.Len(t, f.fetcher.calls, 1)
	assert.Equal(t, "2024-04-10", f.fetcher.calls[0].Date)
}

func TestRun_SingleWorkflow(t *testing.T) {
	f := newFixture(t)
	stats, err := f.service(nil).Run(context.Background(), Options{WorkflowID: "wf1", Verbose: true})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.WorkflowsProcessed)
	require.Len(t, stats.Workflows, 1)
	assert.Equal(t, "wf1", stats.Workflows[0].WorkflowID)
	assert.Equal(t, 2, stats.Workflows[0].Executions)
	assert.Equal(t, 2, stats.Workflows[0].Records)
}

func TestRun_SkipsWorkflowWithoutAINodes(t *testing.T) {
	f := newFixture(t)
	plain := n8n.Workflow{ID: "wf1", Name: "Plain", Tags: []n8n.Tag{{Name: "ai"}},
		Nodes: []n8n.Node{{ID: "n", Name: "HTTP", Type: "n8n-nodes-base.httpRequest"}}}
	f.catalog.full["wf1"] = &plain

	stats, err := f.service(nil).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.AINodes)
	assert.Empty(t, f.fetcher.calls)
	assert.Equal(t, 0, stats.RecordsExtracted)
}

func TestRun_ExecutionErrorsAreCounted(t *testing.T) {
	f := newFixture(t)
	delete(f.executions.byID, "e2")

	stats, err := f.service(nil).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.ExecutionsProcessed)
	assert.Equal(t, 1, stats.Inserted)
}

func TestRun_IncompleteFetchKeepsPartialData(t *testing.T) {
	f := newFixture(t)
	res := f.fetcher.byWorkflow["wf1"]
	res.Incomplete = true
	res.Err = &n8n.APIError{StatusCode: 502, Body: "bad gateway"}

	stats, err := f.service(nil).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, stats.Incomplete)
	assert.Equal(t, 2, stats.Inserted)
	assert.NotEmpty(t, stats.Warnings)
}

func TestRun_AggregationFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	stats, err := f.service(failingAggregateStore{f.store}).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Inserted)
	require.NotEmpty(t, stats.Warnings)
	assert.Contains(t, stats.Warnings[len(stats.Warnings)-1], "daily aggregation failed")
}

func TestRun_NotConfigured(t *testing.T) {
	f := newFixture(t)
	f.catalog.err = n8n.ErrNotConfigured

	_, err := f.service(nil).Run(context.Background(), Options{})
	assert.ErrorIs(t, err, n8n.ErrNotConfigured)
}

func TestRun_NothingWrittenSkipsAggregation(t *testing.T) {
	f := newFixture(t)
	f.catalog.workflows = nil

	stats, err := f.service(failingAggregateStore{f.store}).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Empty(t, stats.Warnings)
	assert.Equal(t, 0, stats.WorkflowsProcessed)
}
