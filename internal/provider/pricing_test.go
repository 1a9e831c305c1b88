package provider

import (
	"math"
	"testing"
)

func TestCost(t *testing.T) {
	tests := []struct {
		name  string
		model string
		usage Usage
		want  float64
	}{
		{
			name:  "sonnet input and output",
			model: "claude-sonnet-4-5",
			usage: Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
			want:  18,
		},
		{
			name:  "cache reads at the discounted rate",
			model: "claude-sonnet-4-5",
			usage: Usage{CacheReadTokens: 1_000_000},
			want:  0.3,
		},
		{
			name:  "reasoning bills as output",
			model: "o1-2024-12-17",
			usage: Usage{ReasoningTokens: 1_000_000},
			want:  60,
		},
		{
			name:  "cache reads fall back to input rate",
			model: "gpt-4-turbo",
			usage: Usage{CacheReadTokens: 1_000_000},
			want:  10,
		},
		{
			name:  "unknown model costs nothing",
			model: "test-model",
			usage: Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cost(tt.model, tt.usage)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cost(%s) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestModelPricingLongestPrefixWins(t *testing.T) {
	mini, ok := ModelPricing("gpt-4o-mini-2024-07-18")
	if !ok {
		t.Fatal("no pricing for gpt-4o-mini")
	}
	full, ok := ModelPricing("gpt-4o-2024-08-06")
	if !ok {
		t.Fatal("no pricing for gpt-4o")
	}
	if mini.Input >= full.Input {
		t.Fatalf("mini rate %v must undercut %v", mini.Input, full.Input)
	}
	if _, ok := ModelPricing("unknown-model"); ok {
		t.Fatal("unknown model must have no pricing")
	}
}
