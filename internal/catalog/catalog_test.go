package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vnmchuo/n8n-usage-sync/internal/n8n"
)

type fakeSource struct {
	listCalls int
	getCalls  int
	err       error
	workflows []n8n.Workflow
}

func (f *fakeSource) ListWorkflows(ctx context.Context) ([]n8n.Workflow, error) {
	f.listCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.workflows, nil
}

func (f *fakeSource) GetWorkflow(ctx context.Context, id string) (*n8n.Workflow, error) {
	f.getCalls++
	if f.err != nil {
		return nil, f.err
	}
	for _, wf := range f.workflows {
		if wf.ID.String() == id {
			return &wf, nil
		}
	}
	return nil, errors.New("not found")
}

func setup(t *testing.T) (*Catalog, *fakeSource, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	src := &fakeSource{workflows: []n8n.Workflow{
		{ID: "1", Name: "Support bot", Tags: []n8n.Tag{{Name: "AI"}}},
		{ID: "2", Name: "Nightly export", Tags: []n8n.Tag{{Name: "etl"}}},
	}}
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := New(src, rdb, time.Minute, nil)
	c.now = func() time.Time { return clock }
	return c, src, &clock
}

func TestWorkflows_CachesWithinTTL(t *testing.T) {
	c, src, clock := setup(t)
	ctx := context.Background()

	wfs, err := c.Workflows(ctx, false)
	require.NoError(t, err)
	assert.Len(t, wfs, 2)

	*clock = clock.Add(30 * time.Second)
	wfs, err = c.Workflows(ctx, false)
	require.NoError(t, err)
	assert.Len(t, wfs, 2)
	assert.Equal(t, 1, src.listCalls)
	assert.Equal(t, "Support bot", wfs[0].Name)
	assert.Equal(t, []string{"ai"}, wfs[0].TagNames())

	*clock = clock.Add(time.Minute)
	_, err = c.Workflows(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, src.listCalls)
}

func TestWorkflows_ForceRefresh(t *testing.T) {
	c, src, _ := setup(t)
	ctx := context.Background()

	_, _ = c.Workflows(ctx, false)
	_, err := c.Workflows(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, src.listCalls)
}

func TestWorkflows_ServesStaleOnError(t *testing.T) {
	c, src, clock := setup(t)
	ctx := context.Background()

	_, err := c.Workflows(ctx, false)
	require.NoError(t, err)

	*clock = clock.Add(time.Hour)
	src.err = errors.New("n8n api error (status 502)")
	wfs, err := c.Workflows(ctx, false)
	require.NoError(t, err)
	assert.Len(t, wfs, 2)
	assert.Equal(t, 2, src.listCalls)
}

func TestWorkflows_ErrorWithoutCache(t *testing.T) {
	c, src, _ := setup(t)
	src.err = errors.New("boom")

	_, err := c.Workflows(context.Background(), false)
	assert.Error(t, err)
}

func TestWorkflow_PerIDCacheAndForceRefresh(t *testing.T) {
	c, src, _ := setup(t)
	ctx := context.Background()

	wf, err := c.Workflow(ctx, "1", false)
	require.NoError(t, err)
	assert.Equal(t, "Support bot", wf.Name)

	_, _ = c.Workflow(ctx, "1", false)
	assert.Equal(t, 1, src.getCalls)

	_, _ = c.Workflow(ctx, "1", true)
	assert.Equal(t, 2, src.getCalls)
}

func TestNilRedisDisablesCaching(t *testing.T) {
	src := &fakeSource{workflows: []n8n.Workflow{{ID: "1"}}}
	c := New(src, nil, time.Minute, nil)

	_, _ = c.Workflows(context.Background(), false)
	_, _ = c.Workflows(context.Background(), false)
	assert.Equal(t, 2, src.listCalls)
}

func TestFilterAI(t *testing.T) {
	wfs := []n8n.Workflow{
		{ID: "1", Tags: []n8n.Tag{{Name: "Agent"}}},
		{ID: "2", Tags: []n8n.Tag{{Name: "billing"}}},
		{ID: "3", Tags: []n8n.Tag{{Name: "misc"}, {Name: "GPT"}}},
		{ID: "4"},
	}

	got := FilterAI(wfs, nil)
	require.Len(t, got, 2)
	assert.Equal(t, n8n.ID("1"), got[0].ID)
	assert.Equal(t, n8n.ID("3"), got[1].ID)

	got = FilterAI(wfs, []string{"Billing"})
	require.Len(t, got, 1)
	assert.Equal(t, n8n.ID("2"), got[0].ID)
}
