package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWashSaleViolation_DaysUntilClear(t *testing.T) {
	tests := []struct {
		name          string
		daysSinceSale int
		expected      int
	}{
		{name: "same day sale", daysSinceSale: 0, expected: 31},
		{name: "mid window", daysSinceSale: 15, expected: 16},
		{name: "one day left", daysSinceSale: 30, expected: 1},
		{name: "window closed", daysSinceSale: 31, expected: 0},
		{name: "well past window", daysSinceSale: 45, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := WashSaleViolation{Ticker: "NVDA", DaysSinceSale: tt.daysSinceSale}
			assert.Equal(t, tt.expected, v.DaysUntilClear())
			if tt.daysSinceSale >= WashSaleWindowDays {
				assert.Zero(t, v.DaysUntilClear())
			} else {
				assert.Positive(t, v.DaysUntilClear())
			}
		})
	}
}

func TestSeverity_Rank(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityMedium.Rank(), SeverityHigh.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	assert.Zero(t, Severity("unknown").Rank())
	assert.True(t, SeverityCritical.IsValid())
	assert.False(t, Severity("fatal").IsValid())
}

func TestDriftReport_MaxDriftPct(t *testing.T) {
	report := DriftReport{
		DriftMetrics: []DriftMetric{
			{AssetClass: AssetClassUSEquities, DriftPct: 0.03, Direction: DriftDirectionOver},
			{AssetClass: AssetClassFixedIncome, DriftPct: -0.07, Direction: DriftDirectionUnder},
			{AssetClass: AssetClassCash, DriftPct: 0.01, Direction: DriftDirectionOver},
		},
	}
	assert.InDelta(t, 0.07, report.MaxDriftPct(), 1e-9)

	empty := DriftReport{}
	assert.Zero(t, empty.MaxDriftPct())
}

func TestTaxReport_ViolatedTickers(t *testing.T) {
	report := TaxReport{
		WashSaleViolations: []WashSaleViolation{
			{Ticker: "NVDA", DaysSinceSale: 15},
			{Ticker: "NVDA", DaysSinceSale: 3},
			{Ticker: "TSLA", DaysSinceSale: 20},
		},
	}
	tickers := report.ViolatedTickers()
	assert.Len(t, tickers, 2)
	assert.True(t, tickers["NVDA"])
	assert.True(t, tickers["TSLA"])
	assert.False(t, tickers["MSFT"])
}

func TestUtilityWeights_Validate(t *testing.T) {
	tests := []struct {
		name    string
		weights UtilityWeights
		wantErr bool
	}{
		{
			name:    "conservative table",
			weights: UtilityWeights{RiskReduction: 0.40, TaxSavings: 0.20, GoalAlignment: 0.20, TransactionCost: 0.15, Urgency: 0.05},
		},
		{
			name:    "moderate growth table",
			weights: UtilityWeights{RiskReduction: 0.25, TaxSavings: 0.30, GoalAlignment: 0.25, TransactionCost: 0.10, Urgency: 0.10},
		},
		{
			name:    "aggressive table",
			weights: UtilityWeights{RiskReduction: 0.15, TaxSavings: 0.20, GoalAlignment: 0.30, TransactionCost: 0.10, Urgency: 0.25},
		},
		{
			name:    "sum out of tolerance",
			weights: UtilityWeights{RiskReduction: 0.40, TaxSavings: 0.40, GoalAlignment: 0.20, TransactionCost: 0.15, Urgency: 0.05},
			wantErr: true,
		},
		{
			name:    "negative weight",
			weights: UtilityWeights{RiskReduction: 1.20, TaxSavings: -0.20, GoalAlignment: 0, TransactionCost: 0, Urgency: 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.weights.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.InDelta(t, 1.0, tt.weights.Sum(), AllocationSumTolerance)
			}
		})
	}
}

func TestScenario_Outcome(t *testing.T) {
	scenario := Scenario{
		ScenarioID: "scenario_optimal_1",
		ExpectedOutcomes: map[string]any{
			"total_tax_impact":        125000.5,
			"urgency_level":           7,
			"addresses_urgent_issues": true,
			"description":             "not numeric",
		},
	}

	assert.Equal(t, 125000.5, scenario.Outcome("total_tax_impact"))
	assert.Equal(t, 7.0, scenario.Outcome("urgency_level"))
	assert.Equal(t, 1.0, scenario.Outcome("addresses_urgent_issues"))
	assert.Equal(t, 0.0, scenario.Outcome("description"))
	assert.Equal(t, 0.0, scenario.Outcome("missing"))

	assert.True(t, scenario.OutcomeSet("urgency_level"))
	assert.False(t, scenario.OutcomeSet("missing"))

	var empty Scenario
	assert.Equal(t, 0.0, empty.Outcome("anything"))
	assert.False(t, empty.OutcomeSet("anything"))
}

func TestCoordinatorOutput_RecommendedScenario(t *testing.T) {
	output := CoordinatorOutput{
		Timestamp:   time.Now().UTC(),
		PortfolioID: "port-001",
		Scenarios: []Scenario{
			{ScenarioID: "scenario_a", Title: "Optimal Balance"},
			{ScenarioID: "scenario_b", Title: "Tax Efficient"},
		},
		RecommendedScenarioID: "scenario_b",
	}

	scenario, ok := output.RecommendedScenario()
	require.True(t, ok)
	assert.Equal(t, "Tax Efficient", scenario.Title)

	output.RecommendedScenarioID = "scenario_x"
	_, ok = output.RecommendedScenario()
	assert.False(t, ok)
}
