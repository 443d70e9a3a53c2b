package metrics

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// CostEstimator prices one completion. ok is false when the model has no
// known price, in which case the sample keeps an unknown cost.
type CostEstimator interface {
	Estimate(model string, promptTokens, completionTokens int) (usd float64, ok bool)
}

// ModelPricing is the per-1k token price of one model.
type ModelPricing struct {
	Model          string  `yaml:"model" json:"model"`
	PromptCost     float64 `yaml:"prompt_cost_per_1k" json:"prompt_cost_per_1k"`
	CompletionCost float64 `yaml:"completion_cost_per_1k" json:"completion_cost_per_1k"`
}

// PricingFile is the on-disk layout of metrics.pricing_file.
type PricingFile struct {
	Pricing []ModelPricing `yaml:"pricing"`
}

// PriceTable estimates cost from a static price list.
type PriceTable struct {
	prices map[string]ModelPricing
}

// NewPriceTable indexes pricing by model name. Later entries win.
func NewPriceTable(pricing []ModelPricing) *PriceTable {
	m := make(map[string]ModelPricing, len(pricing))
	for _, p := range pricing {
		m[p.Model] = p
	}
	return &PriceTable{prices: m}
}

func (t *PriceTable) Estimate(model string, promptTokens, completionTokens int) (float64, bool) {
	p, ok := t.prices[model]
	if !ok {
		return 0, false
	}
	return (float64(promptTokens)/1000)*p.PromptCost +
		(float64(completionTokens)/1000)*p.CompletionCost, true
}

// LoadPricing reads a YAML price list and expands environment variables.
func LoadPricing(path string) (*PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing: %w", err)
	}

	var f PricingFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse pricing: %w", err)
	}
	for i, p := range f.Pricing {
		if p.Model == "" {
			return nil, fmt.Errorf("parse pricing: entry %d has no model", i)
		}
		if p.PromptCost < 0 || p.CompletionCost < 0 {
			return nil, fmt.Errorf("parse pricing: negative cost for %q", p.Model)
		}
	}
	return NewPriceTable(f.Pricing), nil
}

// ResolveEstimator returns the price table at path, or an estimator that
// always reports unknown when path is empty or cannot be loaded.
func ResolveEstimator(path string, logger *slog.Logger) CostEstimator {
	if path == "" {
		return UnknownCost{}
	}
	t, err := LoadPricing(path)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("cost estimation disabled", "path", path, "error", err)
		return UnknownCost{}
	}
	return t
}

// UnknownCost never knows the price.
type UnknownCost struct{}

func (UnknownCost) Estimate(string, int, int) (float64, bool) { return 0, false }
