package adapter

import "strings"

// modelPrice is USD per million tokens.
type modelPrice struct {
	input  float64
	output float64
}

// priceTable holds rough list prices by model prefix. Providers that report
// no usage contribute zero either way, so precision matters less than order
// of magnitude.
var priceTable = []struct {
	prefix string
	price  modelPrice
}{
	{"gpt-4o-mini", modelPrice{0.15, 0.60}},
	{"gpt-4o", modelPrice{2.50, 10.00}},
	{"gpt-4-turbo", modelPrice{10.00, 30.00}},
	{"gpt-3.5-turbo", modelPrice{0.50, 1.50}},
	{"claude-3-5-haiku", modelPrice{0.80, 4.00}},
	{"claude-3-5-sonnet", modelPrice{3.00, 15.00}},
	{"claude", modelPrice{3.00, 15.00}},
	{"gemini-1.5-flash", modelPrice{0.075, 0.30}},
	{"gemini-1.5-pro", modelPrice{1.25, 5.00}},
	{"gemini", modelPrice{0.10, 0.40}},
	{"deepseek", modelPrice{0.14, 0.28}},
	{"mistral", modelPrice{0.25, 0.25}},
	{"llama", modelPrice{0.05, 0.08}},
}

// EstimateCost converts token usage into USD for the given model. Unknown
// models (local ollama, fine-tunes) cost zero.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	lower := strings.ToLower(model)
	for _, entry := range priceTable {
		if strings.HasPrefix(lower, entry.prefix) {
			return float64(inputTokens)*entry.price.input/1e6 +
				float64(outputTokens)*entry.price.output/1e6
		}
	}
	return 0
}
