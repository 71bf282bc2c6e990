package providers

import "strings"

// modelPrice is USD per million tokens.
type modelPrice struct {
	input      float64
	output     float64
	cacheRead  float64
	cacheWrite float64
}

// Prices for the models the workspace runs. Unknown models fall back to
// the sonnet tier so cost metering never silently reports zero.
var modelPrices = map[string]modelPrice{
	"claude-sonnet-4-5": {input: 3, output: 15, cacheRead: 0.30, cacheWrite: 3.75},
	"claude-haiku-4-5":  {input: 1, output: 5, cacheRead: 0.10, cacheWrite: 1.25},
	"claude-opus-4-5":   {input: 5, output: 25, cacheRead: 0.50, cacheWrite: 6.25},
}

var fallbackPrice = modelPrice{input: 3, output: 15, cacheRead: 0.30, cacheWrite: 3.75}

func priceFor(model string) modelPrice {
	for prefix, p := range modelPrices {
		if strings.HasPrefix(model, prefix) {
			return p
		}
	}
	return fallbackPrice
}

// CostUSD computes the monetary cost of one response's token counts.
func CostUSD(model string, u Usage) float64 {
	p := priceFor(model)
	const m = 1e6
	return float64(u.InputTokens)*p.input/m +
		float64(u.OutputTokens)*p.output/m +
		float64(u.CacheReadTokens)*p.cacheRead/m +
		float64(u.CacheWriteTokens)*p.cacheWrite/m
}
