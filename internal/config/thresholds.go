package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RoutingConfig holds the persona router's decision thresholds. Values
// unmarshal over the defaults, so a partial YAML file overrides only the
// keys it names.
type RoutingConfig struct {
	MarketCriticalMagnitude float64 `yaml:"market_critical_magnitude"`
	MarketHighMagnitude     float64 `yaml:"market_high_magnitude"`
	MarketHighExposure      float64 `yaml:"market_high_exposure"`
	MarketNormalExposure    float64 `yaml:"market_normal_exposure"`
	ConcentrationHigh       float64 `yaml:"concentration_high"`
	ConcentrationNormal     float64 `yaml:"concentration_normal"`
	DriftAttention          float64 `yaml:"drift_attention"`
	DriftHigh               float64 `yaml:"drift_high"`
	HarvestLossThreshold    float64 `yaml:"harvest_loss_threshold"`
}

// DefaultRoutingConfig returns the compiled-in router thresholds
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		MarketCriticalMagnitude: 0.10,
		MarketHighMagnitude:     0.05,
		MarketHighExposure:      0.20,
		MarketNormalExposure:    0.10,
		ConcentrationHigh:       0.10,
		ConcentrationNormal:     0.05,
		DriftAttention:          0.05,
		DriftHigh:               0.10,
		HarvestLossThreshold:    50000,
	}
}

// LoadRoutingConfig reads router thresholds from a YAML file. An empty path
// returns the defaults.
func LoadRoutingConfig(path string) (RoutingConfig, error) {
	cfg := DefaultRoutingConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read routing config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal routing config: %w", err)
	}
	return cfg, nil
}

// ScoringConfig holds the scoring and conflict-detection constants shared by
// the utility scorers and the conflict detector.
type ScoringConfig struct {
	WashSalePenalty        float64 `yaml:"wash_sale_penalty"`
	HarvestBonus           float64 `yaml:"harvest_bonus"`
	CommissionRate         float64 `yaml:"commission_rate"`
	SpreadRate             float64 `yaml:"spread_rate"`
	SmallCostThreshold     float64 `yaml:"small_cost_threshold"`
	TaxConflictThreshold   float64 `yaml:"tax_conflict_threshold"`
	ConflictUrgencyCeiling int     `yaml:"conflict_urgency_ceiling"`
}

// DefaultScoringConfig returns the compiled-in scoring constants
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		WashSalePenalty:        2.0,
		HarvestBonus:           1.5,
		CommissionRate:         0.001,
		SpreadRate:             0.0005,
		SmallCostThreshold:     100,
		TaxConflictThreshold:   50000,
		ConflictUrgencyCeiling: 7,
	}
}

// LoadScoringConfig reads scoring constants from a YAML file. An empty path
// returns the defaults.
func LoadScoringConfig(path string) (ScoringConfig, error) {
	cfg := DefaultScoringConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read scoring config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal scoring config: %w", err)
	}
	return cfg, nil
}
