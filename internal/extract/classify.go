package extract

import (
	"regexp"
	"strings"

	"github.com/samber/lo"
	"github.com/vnmchuo/n8n-usage-sync/internal/n8n"
)

var aiNodeTypeHints = []string{"openai", "lmchat", "langchain.embeddings", "langchain.agent", "langchain.chainllm"}

var aiNodeNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)openai`),
	regexp.MustCompile(`(?i)gpt`),
	regexp.MustCompile(`(?i)chatgpt`),
	regexp.MustCompile(`(?i)assistant`),
	regexp.MustCompile(`(?i)embedding`),
	regexp.MustCompile(`(?i)completion`),
	regexp.MustCompile(`(?i)chat\s*model`),
	regexp.MustCompile(`(?i)davinci`),
	regexp.MustCompile(`(?i)dall-?e`),
	regexp.MustCompile(`(?i)ai\s*model`),
	regexp.MustCompile(`(?i)llm`),
}

// IsAINode reports whether a workflow node probably calls an OpenAI model,
// judged by its type, its display name or its configured model.
func IsAINode(node n8n.Node) bool {
	typ := strings.ToLower(node.Type)
	if lo.SomeBy(aiNodeTypeHints, func(h string) bool { return strings.Contains(typ, h) }) {
		return true
	}
	if lo.SomeBy(aiNodeNamePatterns, func(re *regexp.Regexp) bool { return re.MatchString(node.Name) }) {
		return true
	}
	model := strings.ToLower(NodeModel(node))
	return strings.HasPrefix(model, "gpt-") ||
		strings.Contains(model, "davinci") ||
		strings.Contains(model, "embedding")
}

// NodeModel returns the model configured on a node. n8n stores it either as
// a plain string or as a resource locator {"value": "..."}.
func NodeModel(node n8n.Node) string {
	for _, key := range []string{"model", "modelId", "modelName"} {
		switch v := node.Parameters[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" && !strings.HasPrefix(s, "=") {
				return s
			}
		case map[string]any:
			if s := stringField(v, "value"); s != "" && !strings.HasPrefix(s, "=") {
				return s
			}
		}
	}
	if opts, ok := node.Parameters["options"].(map[string]any); ok {
		if s := stringField(opts, "model"); s != "" {
			return s
		}
	}
	return ""
}
