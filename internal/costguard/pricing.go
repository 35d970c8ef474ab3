package costguard

import (
	"strings"
)

// DefaultRatePerMillion prices providers missing from the table, in USD per million tokens.
const DefaultRatePerMillion = 1.00

// Blended USD per million tokens. Updated: September 2026.
var defaultRates = map[string]float64{
	"openai":     0.60,
	"anthropic":  3.00,
	"gemini":     0.35,
	"groq":       0.27,
	"deepseek":   0.28,
	"mistral":    0.70,
	"openrouter": 1.00,
}

// Self-hosted engines never bill, whatever the configuration says.
var zeroCostProviders = map[string]struct{}{
	"ollama":   {},
	"local":    {},
	"lmstudio": {},
	"llamacpp": {},
	"vllm":     {},
}

// Pricing converts token counts to USD.
type Pricing struct {
	rates    map[string]float64
	fallback float64
}

// NewPricing returns the static table with overrides merged on top. Negative overrides are ignored;
// a "default" key replaces DefaultRatePerMillion.
func NewPricing(overrides map[string]float64) Pricing {
	p := Pricing{
		rates:    make(map[string]float64, len(defaultRates)+len(overrides)),
		fallback: DefaultRatePerMillion,
	}
	for name, rate := range defaultRates {
		p.rates[name] = rate
	}
	for name, rate := range overrides {
		if rate < 0 {
			continue
		}
		key := normalizeProvider(name)
		if key == "default" {
			p.fallback = rate
			continue
		}
		p.rates[key] = rate
	}
	return p
}

// IsZeroCost reports whether provider is a self-hosted engine.
func IsZeroCost(provider string) bool {
	_, ok := zeroCostProviders[normalizeProvider(provider)]
	return ok
}

// RatePerMillion returns the USD price of one million tokens for provider.
func (p Pricing) RatePerMillion(provider string) float64 {
	key := normalizeProvider(provider)
	if IsZeroCost(key) {
		return 0
	}
	if rate, ok := p.rates[key]; ok {
		return rate
	}
	if p.rates == nil {
		return DefaultRatePerMillion
	}
	return p.fallback
}

// Cost prices tokens for provider.
func (p Pricing) Cost(provider string, tokens int64) float64 {
	if tokens <= 0 {
		return 0
	}
	return float64(tokens) * p.RatePerMillion(provider) / 1_000_000
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
