package cost

import (
	"sort"

	"github.com/manash/agrivqa/pkg/models"
)

const (
	CurrencyUSD = "USD"
)

type Calculator struct {
	overrides map[string]TokenPrice
}

func NewCalculator() *Calculator {
	return &Calculator{}
}

// NewCalculatorWithOverrides prefers prices from the local pricing file over
// the built-in table.
func NewCalculatorWithOverrides(pricing *LocalPricing) *Calculator {
	c := &Calculator{}
	if pricing != nil && len(pricing.Tokens) > 0 {
		c.overrides = make(map[string]TokenPrice, len(pricing.Tokens))
		for model, p := range pricing.Tokens {
			c.overrides[model] = p
		}
	}
	return c
}

func (c *Calculator) Price(model string) (TokenPrice, bool) {
	if c != nil {
		if p, ok := c.overrides[model]; ok {
			return p, true
		}
	}
	return GetBuiltinPrice(model)
}

// Calculate prices token usage for model. Unknown models cost nothing and
// are reported with Known false.
func (c *Calculator) Calculate(model string, usage models.Usage) *models.CostInfo {
	price, ok := c.Price(model)
	if !ok {
		return &models.CostInfo{Currency: CurrencyUSD}
	}

	input := float64(usage.InputTokens) / 1_000_000 * price.Input
	output := float64(usage.OutputTokens) / 1_000_000 * price.Output
	return &models.CostInfo{
		Input:    input,
		Output:   output,
		Total:    input + output,
		Currency: CurrencyUSD,
		Known:    true,
	}
}

// Models lists every model with a known price, overrides included.
func (c *Calculator) Models() []string {
	seen := make(map[string]bool)
	for _, m := range BuiltinModels() {
		seen[m] = true
	}
	if c != nil {
		for m := range c.overrides {
			seen[m] = true
		}
	}
	names := make([]string, 0, len(seen))
	for m := range seen {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}
