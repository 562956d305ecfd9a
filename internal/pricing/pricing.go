package pricing

import (
	"math"
	"strings"
)

// Rate is a price in USD per 1K tokens.
type Rate struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// DefaultRates maps model name substrings to rates. Lookups pick the longest
// substring contained in the model name, so "gpt-4o-mini" wins over "gpt-4o"
// and "gpt-4".
var DefaultRates = map[string]Rate{
	"gpt-4":                  {PromptPer1K: 0.03, CompletionPer1K: 0.06},
	"gpt-4-32k":              {PromptPer1K: 0.06, CompletionPer1K: 0.12},
	"gpt-4-turbo":            {PromptPer1K: 0.01, CompletionPer1K: 0.03},
	"gpt-4-vision":           {PromptPer1K: 0.01, CompletionPer1K: 0.03},
	"gpt-4o":                 {PromptPer1K: 0.005, CompletionPer1K: 0.015},
	"gpt-4o-mini":            {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
	"gpt-3.5-turbo":          {PromptPer1K: 0.0015, CompletionPer1K: 0.002},
	"gpt-3.5-turbo-16k":      {PromptPer1K: 0.003, CompletionPer1K: 0.004},
	"gpt-3.5-turbo-instruct": {PromptPer1K: 0.0015, CompletionPer1K: 0.002},
	"o1-mini":                {PromptPer1K: 0.003, CompletionPer1K: 0.012},
	"o1-preview":             {PromptPer1K: 0.015, CompletionPer1K: 0.06},
	"text-embedding-ada-002": {PromptPer1K: 0.0001, CompletionPer1K: 0.0001},
	"text-embedding-3-small": {PromptPer1K: 0.00002, CompletionPer1K: 0.00002},
	"text-embedding-3-large": {PromptPer1K: 0.00013, CompletionPer1K: 0.00013},
}

// DefaultRate prices models missing from the table.
var DefaultRate = Rate{PromptPer1K: 0.01, CompletionPer1K: 0.03}

const (
	EndpointChat       = "chat"
	EndpointEmbeddings = "embeddings"
	EndpointImages     = "images"
)

// Endpoint classifies the OpenAI API surface a model is served from.
func Endpoint(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "embedding"):
		return EndpointEmbeddings
	case strings.Contains(m, "dall-e"), strings.Contains(m, "image"):
		return EndpointImages
	default:
		return EndpointChat
	}
}

// Round6 rounds to the ledger's cost precision, numeric(12,6).
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
