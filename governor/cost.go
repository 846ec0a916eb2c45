package governor

import "strings"

// ModelPricing is the USD price per one million tokens.
type ModelPricing struct {
	Input  float64
	Output float64
}

// defaultPricing is charged for models missing from the table.
var defaultPricing = ModelPricing{Input: 1.0, Output: 2.0}

// pricing per 1M tokens, matched by model name prefix so dated snapshots
// such as claude-sonnet-4-20250514 share one row.
var pricing = map[string]ModelPricing{
	"gpt-4o-mini":      {Input: 0.15, Output: 0.6},
	"gpt-4o":           {Input: 2.5, Output: 10.0},
	"gpt-4-turbo":      {Input: 10.0, Output: 30.0},
	"gpt-4":            {Input: 30.0, Output: 60.0},
	"gpt-3.5-turbo":    {Input: 0.5, Output: 1.5},
	"claude-opus-4":    {Input: 15.0, Output: 75.0},
	"claude-sonnet-4":  {Input: 3.0, Output: 15.0},
	"claude-3-5-haiku": {Input: 0.8, Output: 4.0},
	"claude-3-haiku":   {Input: 0.25, Output: 1.25},
}

// PricingFor returns the pricing row for a model, falling back to the
// default rate for unknown models. Longest prefix wins.
func PricingFor(model string) ModelPricing {
	var (
		best    ModelPricing
		bestLen = -1
	)
	for prefix, p := range pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = p
			bestLen = len(prefix)
		}
	}
	if bestLen < 0 {
		return defaultPricing
	}
	return best
}

// EstimateCost returns the USD cost of a model call's token usage.
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	p := PricingFor(model)
	return float64(inputTokens)/1_000_000*p.Input +
		float64(outputTokens)/1_000_000*p.Output
}
