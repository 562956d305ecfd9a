package extract

import (
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"
)

// DefaultCharsPerToken is the characters-per-token ratio used to estimate
// tokens from text when a node reports no usage.
const DefaultCharsPerToken = 4

var (
	promptKeys   = []string{"prompt", "messages", "input", "text"}
	responseKeys = []string{"content", "answer"}
)

// EstimateTokens returns ceil(chars/charsPerToken), counting runes.
func EstimateTokens(text string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}

// estimate builds an estimated Usage from the prompt and response text of an
// item. When only one side is present it is used for both.
func estimate(obj map[string]any, charsPerToken int) (Usage, string, bool) {
	prompt, promptPath := findText(obj, promptKeys, "$")
	response, responsePath := findResponseText(obj, "$")

	switch {
	case prompt == "" && response == "":
		return Usage{}, "", false
	case prompt == "":
		prompt, promptPath = response, responsePath
	case response == "":
		response = prompt
	}

	u := Usage{
		Model:            stringField(obj, "model"),
		PromptTokens:     EstimateTokens(prompt, charsPerToken),
		CompletionTokens: EstimateTokens(response, charsPerToken),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u, promptPath, true
}

func findText(obj map[string]any, keys []string, path string) (string, string) {
	for _, k := range keys {
		if s := textOf(obj[k]); s != "" {
			return s, path + "." + k
		}
	}
	for _, wk := range wrapperKeys {
		if child, ok := obj[wk].(map[string]any); ok {
			if s, p := findText(child, keys, path+"."+wk); s != "" {
				return s, p
			}
		}
	}
	return "", ""
}

func findResponseText(obj map[string]any, path string) (string, string) {
	if s, p := findText(obj, responseKeys, path); s != "" {
		return s, p
	}
	if s := firstChoiceContent(obj); s != "" {
		return s, path + ".choices[0].message.content"
	}
	for _, wk := range wrapperKeys {
		if child, ok := obj[wk].(map[string]any); ok {
			if s := firstChoiceContent(child); s != "" {
				return s, path + "." + wk + ".choices[0].message.content"
			}
		}
	}
	return "", ""
}

func firstChoiceContent(obj map[string]any) string {
	choices, ok := obj["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	msg, ok := first["message"].(map[string]any)
	if !ok {
		return textOf(first["text"])
	}
	return textOf(msg["content"])
}

// textOf flattens strings, chat message arrays and {content} objects.
// Strings are kept verbatim so whitespace counts toward the estimate.
func textOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		return textOf(t["content"])
	case []any:
		parts := lo.Compact(lo.Map(t, func(el any, _ int) string {
			return textOf(el)
		}))
		return strings.Join(parts, "\n")
	}
	return ""
}
