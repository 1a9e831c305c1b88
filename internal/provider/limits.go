package provider

import "strings"

// inputLimits maps model id prefixes to context-window sizes. Matching is
// by longest prefix so dated releases inherit their family's limit.
var inputLimits = map[string]int{
	"claude-":           200_000,
	"anthropic.claude":  200_000,
	"gpt-4o":            128_000,
	"gpt-4-turbo":       128_000,
	"gpt-4":             8_192,
	"gpt-3.5-turbo":     16_385,
	"o1":                200_000,
	"o3":                200_000,
	"meta.llama3":       8_192,
	"mistral.":          32_768,
	"amazon.titan-text": 8_192,
	"cohere.command-r":  128_000,
}

const defaultInputLimit = 128_000

// InputLimit returns the context-window size for a model id.
func InputLimit(model string) int {
	best := 0
	limit := defaultInputLimit
	for prefix, n := range inputLimits {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			best = len(prefix)
			limit = n
		}
	}
	return limit
}

// CountTokens estimates the token count of text. Chars/4 tracks real
// tokenizers closely enough for compaction decisions.
func CountTokens(text string) int {
	return (len(text) + 3) / 4
}

// CountRequestTokens estimates the full context-window size of a request.
func CountRequestTokens(req Request) int {
	total := CountTokens(req.System)
	for _, msg := range req.Messages {
		total += CountTokens(msg.Text)
		for _, call := range msg.ToolCalls {
			total += CountTokens(call.Name) + CountTokens(string(call.Input))
		}
		for _, result := range msg.ToolResults {
			total += CountTokens(result.Content)
		}
	}
	for _, tool := range req.Tools {
		total += CountTokens(tool.Description) + CountTokens(string(tool.Schema))
	}
	return total
}
