package provider

import "strings"

// Pricing is USD per million tokens. Reasoning tokens bill at the output
// rate; models without a cache-read rate bill cache reads as input.
type Pricing struct {
	Input     float64
	Output    float64
	CacheRead float64
}

// pricings maps model id prefixes to rates. Matching is by longest prefix,
// like inputLimits, so dated releases inherit their family's pricing.
var pricings = map[string]Pricing{
	"claude-opus-4":     {Input: 15, Output: 75, CacheRead: 1.5},
	"claude-sonnet-4":   {Input: 3, Output: 15, CacheRead: 0.3},
	"claude-haiku-4":    {Input: 1, Output: 5, CacheRead: 0.1},
	"claude-3-7-sonnet": {Input: 3, Output: 15, CacheRead: 0.3},
	"claude-3-5-sonnet": {Input: 3, Output: 15, CacheRead: 0.3},
	"claude-3-5-haiku":  {Input: 0.8, Output: 4, CacheRead: 0.08},
	"anthropic.claude":  {Input: 3, Output: 15, CacheRead: 0.3},
	"gpt-4o-mini":       {Input: 0.15, Output: 0.6, CacheRead: 0.075},
	"gpt-4o":            {Input: 2.5, Output: 10, CacheRead: 1.25},
	"gpt-4-turbo":       {Input: 10, Output: 30},
	"gpt-4":             {Input: 30, Output: 60},
	"gpt-3.5-turbo":     {Input: 0.5, Output: 1.5},
	"o1":                {Input: 15, Output: 60, CacheRead: 7.5},
	"o3":                {Input: 2, Output: 8, CacheRead: 0.5},
}

// ModelPricing returns the rates for a model id. ok is false for models
// with no known pricing; callers should then report no cost rather than a
// guessed one.
func ModelPricing(model string) (Pricing, bool) {
	best := -1
	var found Pricing
	for prefix, p := range pricings {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			best = len(prefix)
			found = p
		}
	}
	return found, best >= 0
}

// Cost returns the USD cost of a usage slice for a model, 0 when the model
// has no known pricing.
func Cost(model string, usage Usage) float64 {
	p, ok := ModelPricing(model)
	if !ok {
		return 0
	}
	cacheRate := p.CacheRead
	if cacheRate == 0 {
		cacheRate = p.Input
	}
	const million = 1_000_000
	return float64(usage.InputTokens)*p.Input/million +
		float64(usage.OutputTokens+usage.ReasoningTokens)*p.Output/million +
		float64(usage.CacheReadTokens)*cacheRate/million
}
