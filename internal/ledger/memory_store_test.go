package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_UpsertUpdatesInPlace(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := record("a")
	res := store.Upsert(ctx, []UsageRecord{rec})
	assert.Equal(t, 1, res.Inserted)

	rec.TotalTokens = 200
	res = store.Upsert(ctx, []UsageRecord{rec})
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Updated)

	n, _ := store.Count(ctx)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 200, store.Records()[0].TotalTokens)
}

func TestMemoryStore_ReaggregateIsRepeatable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a, b, c := record("a"), record("b"), record("c")
	c.Timestamp = c.Timestamp.Add(24 * time.Hour)
	store.Upsert(ctx, []UsageRecord{a, b, c})

	require.NoError(t, store.Reaggregate(ctx))
	require.NoError(t, store.Reaggregate(ctx))

	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rows, err := store.DailySummary(ctx, from, from.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "2024-05-02", rows[0].Day.Format(time.DateOnly))
	assert.Equal(t, int64(1), rows[0].Requests)
	assert.Equal(t, "2024-05-01", rows[1].Day.Format(time.DateOnly))
	assert.Equal(t, int64(2), rows[1].Requests)
	assert.Equal(t, int64(300), rows[1].TotalTokens)
	assert.InDelta(t, 0.0025, rows[1].Cost, 1e-9)

	only, err := store.DailySummary(ctx, from, from)
	require.NoError(t, err)
	assert.Len(t, only, 1)
}

func TestMemoryStore_TotalCost(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Upsert(ctx, []UsageRecord{record("a"), record("b")})

	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	total, err := store.TotalCost(ctx, from, from.Add(24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.0025, total, 1e-9)

	total, err = store.TotalCost(ctx, from.Add(48*time.Hour), from.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestUsageRecord_Validate(t *testing.T) {
	rec := record("a")
	assert.NoError(t, rec.Validate())

	rec.ExecutionID = ""
	assert.ErrorIs(t, rec.Validate(), ErrInvalidRecord)

	rec = record("a")
	rec.CompletionTokens = -3
	assert.ErrorIs(t, rec.Validate(), ErrInvalidRecord)
}
