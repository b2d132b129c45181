package cost

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	PricingFile   = "pricing.json"
	SourceManual  = "manual"
	SourceBuiltin = "builtin"
)

// LocalPricing represents locally stored pricing with metadata
type LocalPricing struct {
	UpdatedAt time.Time             `json:"updated_at"`
	Source    string                `json:"source"`
	Tokens    map[string]TokenPrice `json:"tokens"`
}

// SavePricing saves pricing data to the file at path
func SavePricing(path string, pricing *LocalPricing) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create pricing directory: %w", err)
	}

	data, err := json.MarshalIndent(pricing, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pricing: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write pricing file: %w", err)
	}

	return nil
}

// LoadPricing loads pricing data from path. A missing file yields nil, nil.
func LoadPricing(path string) (*LocalPricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var pricing LocalPricing
	if err := json.Unmarshal(data, &pricing); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}

	return &pricing, nil
}

func DeletePricing(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete pricing file: %w", err)
	}
	return nil
}

// DefaultPricingPath returns ~/.agrivqa/pricing.json
func DefaultPricingPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".agrivqa", PricingFile), nil
}

// SetPrice stores a per-1M-token price for model in the pricing file.
func SetPrice(path, model string, input, output float64) error {
	if model == "" {
		return fmt.Errorf("model is required")
	}
	if input < 0 || output < 0 {
		return fmt.Errorf("prices must not be negative")
	}

	pricing, err := LoadPricing(path)
	if err != nil {
		return err
	}

	if pricing == nil {
		pricing = &LocalPricing{}
	}
	if pricing.Tokens == nil {
		pricing.Tokens = make(map[string]TokenPrice)
	}

	pricing.Tokens[model] = TokenPrice{Input: input, Output: output}
	pricing.UpdatedAt = time.Now()
	pricing.Source = SourceManual

	return SavePricing(path, pricing)
}

// GetCachedPrice looks up a price from the pricing file
func GetCachedPrice(path, model string) (TokenPrice, bool) {
	pricing, err := LoadPricing(path)
	if err != nil || pricing == nil {
		return TokenPrice{}, false
	}

	price, ok := pricing.Tokens[model]
	return price, ok
}
