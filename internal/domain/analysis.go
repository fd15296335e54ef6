package domain

import (
	"fmt"
	"math"
	"time"
)

// Severity classifies how far a holding sits above its concentration limit
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the severity as an ordinal, low=1 through critical=4
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// IsValid checks if the severity is a known level
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// DriftDirection indicates which side of target an asset class sits on
type DriftDirection string

const (
	DriftDirectionOver  DriftDirection = "over"
	DriftDirectionUnder DriftDirection = "under"
)

// ConcentrationRisk flags a holding whose weight exceeds the client limit
type ConcentrationRisk struct {
	Ticker        string   `json:"ticker"`
	Severity      Severity `json:"severity"`
	CurrentWeight float64  `json:"current_weight"`
	Limit         float64  `json:"limit"`
	Excess        float64  `json:"excess"`
}

// DriftMetric compares current and target weight for one asset class
type DriftMetric struct {
	AssetClass    AssetClass     `json:"asset_class"`
	Direction     DriftDirection `json:"drift_direction"`
	TargetWeight  float64        `json:"target_weight"`
	CurrentWeight float64        `json:"current_weight"`
	DriftPct      float64        `json:"drift_pct"`
}

// RecommendedTrade is a trade proposed by the drift analyzer
type RecommendedTrade struct {
	Ticker             string      `json:"ticker"`
	Action             TradeAction `json:"action"`
	Rationale          string      `json:"rationale"`
	Quantity           float64     `json:"quantity"`
	Urgency            int         `json:"urgency"`
	EstimatedTaxImpact float64     `json:"estimated_tax_impact"`
}

// DriftReport is the drift analyzer's full finding set for one portfolio
type DriftReport struct {
	Timestamp          time.Time           `json:"timestamp"`
	PortfolioID        string              `json:"portfolio_id"`
	Reasoning          string              `json:"reasoning"`
	ConcentrationRisks []ConcentrationRisk `json:"concentration_risks"`
	DriftMetrics       []DriftMetric       `json:"drift_metrics"`
	RecommendedTrades  []RecommendedTrade  `json:"recommended_trades"`
	UrgencyScore       int                 `json:"urgency_score"`
	DriftDetected      bool                `json:"drift_detected"`
}

// MaxDriftPct returns the largest absolute drift across all metrics
func (r *DriftReport) MaxDriftPct() float64 {
	var maxDrift float64
	for i := range r.DriftMetrics {
		if d := math.Abs(r.DriftMetrics[i].DriftPct); d > maxDrift {
			maxDrift = d
		}
	}
	return maxDrift
}

// WashSaleWindowDays is the IRS repurchase window that disallows a realized loss.
const WashSaleWindowDays = 31

// WashSaleViolation flags a proposed buy that would disallow a realized loss
type WashSaleViolation struct {
	PriorSaleDate  time.Time `json:"prior_sale_date"`
	Ticker         string    `json:"ticker"`
	Recommendation string    `json:"recommendation"`
	DaysSinceSale  int       `json:"days_since_sale"`
	DisallowedLoss float64   `json:"disallowed_loss"`
}

// DaysUntilClear returns the days remaining before the wash-sale window closes
func (v WashSaleViolation) DaysUntilClear() int {
	remaining := WashSaleWindowDays - v.DaysSinceSale
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TaxOpportunityType classifies a tax optimization opportunity
type TaxOpportunityType string

const (
	TaxOpportunityHarvestLoss  TaxOpportunityType = "harvest_loss"
	TaxOpportunityHarvestGain  TaxOpportunityType = "harvest_gain"
	TaxOpportunityLotSelection TaxOpportunityType = "lot_selection"
)

// TaxOpportunity is an actionable tax optimization found by the tax analyzer
type TaxOpportunity struct {
	Ticker           string             `json:"ticker"`
	Type             TaxOpportunityType `json:"type"`
	ActionRequired   string             `json:"action_required"`
	EstimatedBenefit float64            `json:"estimated_benefit"`
}

// TaxReport is the tax analyzer's full finding set for one portfolio
type TaxReport struct {
	Timestamp              time.Time           `json:"timestamp"`
	PortfolioID            string              `json:"portfolio_id"`
	Reasoning              string              `json:"reasoning"`
	WashSaleViolations     []WashSaleViolation `json:"wash_sale_violations"`
	TaxOpportunities       []TaxOpportunity    `json:"tax_opportunities"`
	ProposedTradesAnalysis []map[string]any    `json:"proposed_trades_analysis"`
	Recommendations        []string            `json:"recommendations"`
	TotalTaxImpact         float64             `json:"total_tax_impact"`
}

// ViolatedTickers returns the set of tickers named in wash-sale violations
func (r *TaxReport) ViolatedTickers() map[string]bool {
	tickers := make(map[string]bool, len(r.WashSaleViolations))
	for i := range r.WashSaleViolations {
		tickers[r.WashSaleViolations[i].Ticker] = true
	}
	return tickers
}

// ConflictType classifies a disagreement between agent findings
type ConflictType string

const (
	ConflictWashSale             ConflictType = "wash_sale_conflict"
	ConflictTaxInefficient       ConflictType = "tax_inefficient"
	ConflictContradictoryActions ConflictType = "contradictory_actions"
)

// Conflict records a disagreement between agent findings with resolution options
type Conflict struct {
	ConflictID        string       `json:"conflict_id"`
	Type              ConflictType `json:"conflict_type"`
	Description       string       `json:"description"`
	AgentsInvolved    []string     `json:"agents_involved"`
	ResolutionOptions []string     `json:"resolution_options"`
}

// Expected-outcome keys shared by the scenario builders and utility scorers.
// Values are numeric except the boolean flags noted below.
const (
	OutcomeConcentrationBefore    = "concentration_before"
	OutcomeConcentrationAfter     = "concentration_after"
	OutcomeTaxImpact              = "tax_impact"
	OutcomeWashSaleViolations     = "wash_sale_violations"
	OutcomeDriftBefore            = "drift_before"
	OutcomeDriftAfter             = "drift_after"
	OutcomeUrgencyLevel           = "urgency_level"
	OutcomeHarvestedOpportunities = "harvested_opportunities"
	OutcomeDiversificationDelta   = "diversification_delta"
	OutcomeSectorImprovement      = "sector_improvement"
	OutcomeAddressesUrgentIssues  = "addresses_urgent_issues" // bool
	OutcomeIssueUrgency           = "issue_urgency"
	OutcomeLongTermGains          = "long_term_gains"
	OutcomeShortTermGains         = "short_term_gains"
	OutcomeTransactionCosts       = "transaction_costs"
	OutcomeTargetAlignment        = "target_alignment"
	OutcomeRiskProfileAlignment   = "risk_profile_alignment"
	OutcomeIncomeGeneration       = "income_generation" // bool
	OutcomeGrowthOriented         = "growth_oriented"   // bool
)

// ActionStep is one ordered step within a scenario
type ActionStep struct {
	Action     TradeAction `json:"action"`
	Ticker     string      `json:"ticker"`
	Timing     string      `json:"timing"`
	Rationale  string      `json:"rationale"`
	StepNumber int         `json:"step_number"`
	Quantity   float64     `json:"quantity"`
}

// Scenario is a candidate action plan produced by the scenario generator
type Scenario struct {
	ScenarioID       string         `json:"scenario_id"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Steps            []ActionStep   `json:"steps"`
	ExpectedOutcomes map[string]any `json:"expected_outcomes"`
	Risks            []string       `json:"risks"`
	UtilityScore     *UtilityScore  `json:"utility_score,omitempty"`
}

// Outcome returns a named expected outcome as float64, or 0 when absent.
// Numeric outcomes may arrive as float64, int, or bool depending on the builder.
func (s *Scenario) Outcome(key string) float64 {
	if s.ExpectedOutcomes == nil {
		return 0
	}
	switch v := s.ExpectedOutcomes[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	}
	return 0
}

// OutcomeSet reports whether a named expected outcome is present
func (s *Scenario) OutcomeSet(key string) bool {
	if s.ExpectedOutcomes == nil {
		return false
	}
	_, ok := s.ExpectedOutcomes[key]
	return ok
}

// UtilityWeights holds the five dimension weights applied during scoring
type UtilityWeights struct {
	RiskReduction   float64 `json:"risk_reduction"`
	TaxSavings      float64 `json:"tax_savings"`
	GoalAlignment   float64 `json:"goal_alignment"`
	TransactionCost float64 `json:"transaction_cost"`
	Urgency         float64 `json:"urgency"`
}

// Sum returns the total of all five weights
func (w UtilityWeights) Sum() float64 {
	return w.RiskReduction + w.TaxSavings + w.GoalAlignment + w.TransactionCost + w.Urgency
}

// Validate checks each weight is in [0,1] and the set sums to 1.0 within tolerance
func (w UtilityWeights) Validate() error {
	for _, v := range []float64{w.RiskReduction, w.TaxSavings, w.GoalAlignment, w.TransactionCost, w.Urgency} {
		if v < 0 || v > 1 {
			return fmt.Errorf("utility weight must be between 0 and 1")
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > AllocationSumTolerance {
		return fmt.Errorf("utility weights sum to %.4f, expected 1.0 within %.2f", sum, AllocationSumTolerance)
	}
	return nil
}

// DimensionScore is one scored dimension of a scenario
type DimensionScore struct {
	Dimension     string  `json:"dimension"`
	RawScore      float64 `json:"raw_score"`
	Weight        float64 `json:"weight"`
	WeightedScore float64 `json:"weighted_score"`
}

// UtilityScore is the combined five-dimension score for a scenario
type UtilityScore struct {
	ScenarioID string           `json:"scenario_id"`
	Dimensions []DimensionScore `json:"dimension_scores"`
	TotalScore float64          `json:"total_score"`
	Rank       int              `json:"rank"`
}

// CoordinatorOutput is the complete result of one analysis pipeline run
type CoordinatorOutput struct {
	Timestamp             time.Time    `json:"timestamp"`
	PortfolioID           string       `json:"portfolio_id"`
	TriggerEvent          string       `json:"trigger_event"`
	DriftFindings         *DriftReport `json:"drift_findings"`
	TaxFindings           *TaxReport   `json:"tax_findings"`
	ConflictsDetected     []Conflict   `json:"conflicts_detected"`
	Scenarios             []Scenario   `json:"scenarios"`
	RecommendedScenarioID string       `json:"recommended_scenario_id"`
	MerkleHash            string       `json:"merkle_hash"`
}

// RecommendedScenario returns the scenario matching the recommended id
func (o *CoordinatorOutput) RecommendedScenario() (*Scenario, bool) {
	for i := range o.Scenarios {
		if o.Scenarios[i].ScenarioID == o.RecommendedScenarioID {
			return &o.Scenarios[i], true
		}
	}
	return nil, false
}
