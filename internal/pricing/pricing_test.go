package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vnmchuo/n8n-usage-sync/internal/extract"
)

func TestRateFor_LongestMatchWins(t *testing.T) {
	n := NewNormalizer(nil, Rate{})

	cases := map[string]Rate{
		"gpt-4":                  DefaultRates["gpt-4"],
		"gpt-4-0613":             DefaultRates["gpt-4"],
		"gpt-4o":                 DefaultRates["gpt-4o"],
		"gpt-4o-mini-2024-07-18": DefaultRates["gpt-4o-mini"],
		"GPT-4-32K":              DefaultRates["gpt-4-32k"],
		"gpt-3.5-turbo-16k-0613": DefaultRates["gpt-3.5-turbo-16k"],
		"text-embedding-3-small": DefaultRates["text-embedding-3-small"],
	}
	for model, want := range cases {
		got, ok := n.RateFor(model)
		assert.True(t, ok, model)
		assert.Equal(t, want, got, model)
	}
}

func TestCost_UnknownModelUsesFallback(t *testing.T) {
	n := NewNormalizer(nil, Rate{PromptPer1K: 0.002, CompletionPer1K: 0.004})

	_, ok := n.RateFor("llama-3-70b")
	assert.False(t, ok)
	assert.Equal(t, 0.004, n.Cost("llama-3-70b", 1000, 500))
	assert.Equal(t, 0.0, n.Cost("", 0, 0))
}

func TestCost_RoundsToSixDecimals(t *testing.T) {
	n := NewNormalizer(nil, Rate{})

	// 7 * 0.00002 / 1000 = 1.4e-7, below the stored precision.
	assert.Equal(t, 0.0, n.Cost("text-embedding-3-small", 7, 0))
	// 1234 * 0.03/1000 + 567 * 0.06/1000 = 0.03702 + 0.03402
	assert.Equal(t, 0.07104, n.Cost("gpt-4", 1234, 567))
	assert.Equal(t, 0.000023, Round6(0.0000234))
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, EndpointChat, Endpoint("gpt-4o"))
	assert.Equal(t, EndpointEmbeddings, Endpoint("text-embedding-ada-002"))
	assert.Equal(t, EndpointImages, Endpoint("dall-e-3"))
	assert.Equal(t, EndpointImages, Endpoint("gpt-image-1"))
}

func TestApply(t *testing.T) {
	n := NewNormalizer(nil, Rate{})
	fixed := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	rec := n.Apply(extract.Result{
		WorkflowID:  "wf",
		ExecutionID: "1",
		NodeID:      "n",
		Usage: extract.Usage{
			Model:            "gpt-4o-mini",
			PromptTokens:     1000,
			CompletionTokens: 1000,
			TotalTokens:      2000,
		},
		IsEstimated: true,
		Matcher:     "estimate",
		Timestamp:   fixed,
	})

	assert.Equal(t, "chat", rec.Endpoint)
	assert.Equal(t, 0.00075, rec.EstimatedCost)
	assert.True(t, rec.IsEstimated)
	assert.Equal(t, 2000, rec.TotalTokens)
	assert.Equal(t, "estimate", rec.Metadata["matcher"])
	assert.Equal(t, "2024-05-02T00:00:00Z", rec.Metadata["extracted_at"])
	assert.NoError(t, rec.Validate())
}
