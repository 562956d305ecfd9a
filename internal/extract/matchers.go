package extract

import "strconv"

// Matcher recognizes one response shape. Match must be pure.
type Matcher struct {
	Name  string
	Match func(obj map[string]any) (Usage, bool)
}

// DefaultMatchers is the ordered list tried against every object; the first
// match wins.
var DefaultMatchers = []Matcher{
	{Name: "direct", Match: matchDirect},
	{Name: "chat_completion", Match: matchChatCompletion},
	{Name: "embedding", Match: matchEmbedding},
	{Name: "token_usage", Match: matchTokenUsage},
}

// wrapperKeys are searched, in order, when no matcher accepts an object.
var wrapperKeys = []string{"request", "response", "data", "result", "output"}

// Match is a successful structured extraction.
type Match struct {
	Usage   Usage
	Matcher string
	// Path is the JSON path of the matched object relative to the item,
	// "$" for the item itself.
	Path string
}

// Find tries the matchers against obj and then recursively against the
// objects and arrays under the wrapper keys.
func Find(obj map[string]any, matchers []Matcher) (Match, bool) {
	return find(obj, matchers, "$")
}

func find(obj map[string]any, matchers []Matcher, path string) (Match, bool) {
	for _, m := range matchers {
		if u, ok := m.Match(obj); ok {
			return Match{Usage: u, Matcher: m.Name, Path: path}, true
		}
	}
	for _, key := range wrapperKeys {
		switch v := obj[key].(type) {
		case map[string]any:
			if found, ok := find(v, matchers, path+"."+key); ok {
				return found, true
			}
		case []any:
			for i, el := range v {
				child, ok := el.(map[string]any)
				if !ok {
					continue
				}
				if found, ok := find(child, matchers, path+"."+key+"["+strconv.Itoa(i)+"]"); ok {
					return found, true
				}
			}
		}
	}
	return Match{}, false
}

// {model, usage} at the top level that is neither a chat completion nor an
// embedding response.
func matchDirect(obj map[string]any) (Usage, bool) {
	model := stringField(obj, "model")
	if model == "" {
		return Usage{}, false
	}
	if _, ok := obj["choices"]; ok {
		return Usage{}, false
	}
	c, ok := readTokenCounts(obj["usage"])
	if !ok || isEmbeddingShape(obj, c) {
		return Usage{}, false
	}
	return c.usage(model), true
}

func matchChatCompletion(obj map[string]any) (Usage, bool) {
	model := stringField(obj, "model")
	if model == "" {
		return Usage{}, false
	}
	if _, ok := obj["choices"]; !ok {
		return Usage{}, false
	}
	c, ok := readTokenCounts(obj["usage"])
	if !ok {
		return Usage{}, false
	}
	return c.usage(model), true
}

func matchEmbedding(obj map[string]any) (Usage, bool) {
	model := stringField(obj, "model")
	if model == "" {
		return Usage{}, false
	}
	c, ok := readTokenCounts(obj["usage"])
	if !ok || !isEmbeddingShape(obj, c) {
		return Usage{}, false
	}
	u := Usage{
		Model:        model,
		PromptTokens: c.prompt,
		TotalTokens:  c.total,
	}
	if !c.hasTotal {
		u.TotalTokens = c.prompt
	}
	return u, true
}

// n8n LangChain model nodes report {tokenUsage: {promptTokens, ...}} and
// usually no model; the extractor resolves it from the node definition.
func matchTokenUsage(obj map[string]any) (Usage, bool) {
	c, ok := readTokenCounts(obj["tokenUsage"])
	if !ok {
		return Usage{}, false
	}
	return c.usage(stringField(obj, "model")), true
}

func isEmbeddingShape(obj map[string]any, c tokenCounts) bool {
	if _, ok := obj["data"].([]any); !ok {
		return false
	}
	return !c.hasCompletion || c.completion == 0
}

// hasUsageField reports whether any usage-like key exists anywhere in v.
// Estimation is skipped for such items even when no matcher accepted them.
func hasUsageField(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, ok := child.(map[string]any); ok && (k == "usage" || k == "tokenUsage") {
				return true
			}
			if hasUsageField(child) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if hasUsageField(child) {
				return true
			}
		}
	}
	return false
}
