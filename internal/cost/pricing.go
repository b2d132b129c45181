package cost

// Chat model pricing in USD per 1M tokens. Qwen-VL prices are the
// international DashScope list prices converted to USD.

type TokenPrice struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

var builtinPricing = map[string]TokenPrice{
	"gpt-4o":                  {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":             {Input: 0.15, Output: 0.60},
	"gpt-4":                   {Input: 30.00, Output: 60.00},
	"gpt-5-mini":              {Input: 0.25, Output: 2.00},
	"gemini-2.5-flash":        {Input: 0.30, Output: 2.50},
	"gemini-2.5-pro":          {Input: 1.25, Output: 10.00},
	"qwen-vl-max":             {Input: 0.80, Output: 3.20},
	"qwen2.5-vl-72b-instruct": {Input: 2.80, Output: 8.40},
}

// GetBuiltinPrice returns the compiled-in price for model.
func GetBuiltinPrice(model string) (TokenPrice, bool) {
	p, ok := builtinPricing[model]
	return p, ok
}

func BuiltinModels() []string {
	names := make([]string, 0, len(builtinPricing))
	for name := range builtinPricing {
		names = append(names, name)
	}
	return names
}
