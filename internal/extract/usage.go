package extract

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Usage is the token accounting found in one node output item.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// tokenCounts is a usage object read from either the OpenAI snake case form
// or the camel case form n8n's LangChain nodes emit.
type tokenCounts struct {
	prompt, completion, total          int
	hasPrompt, hasCompletion, hasTotal bool
}

func (c tokenCounts) any() bool {
	return c.hasPrompt || c.hasCompletion || c.hasTotal
}

func (c tokenCounts) usage(model string) Usage {
	u := Usage{
		Model:            model,
		PromptTokens:     c.prompt,
		CompletionTokens: c.completion,
		TotalTokens:      c.total,
	}
	if !c.hasTotal {
		u.TotalTokens = c.prompt + c.completion
	}
	return u
}

func readTokenCounts(v any) (tokenCounts, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return tokenCounts{}, false
	}
	var c tokenCounts
	c.prompt, c.hasPrompt = firstInt(m, "prompt_tokens", "promptTokens", "input_tokens", "inputTokens")
	c.completion, c.hasCompletion = firstInt(m, "completion_tokens", "completionTokens", "output_tokens", "outputTokens")
	c.total, c.hasTotal = firstInt(m, "total_tokens", "totalTokens")
	return c, c.any()
}

func firstInt(m map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if n, ok := toInt(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil {
			return int(f), true
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}
