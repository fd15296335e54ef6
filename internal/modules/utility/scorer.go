// Package utility scores and ranks scenarios against a client's objectives.
package utility

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/config"
	"github.com/meridianfo/vigil/internal/domain"
)

// Dimension names attached to every score breakdown.
const (
	DimensionRiskReduction   = "risk_reduction"
	DimensionTaxSavings      = "tax_savings"
	DimensionGoalAlignment   = "goal_alignment"
	DimensionTransactionCost = "transaction_cost"
	DimensionUrgency         = "urgency"
)

// baselineScore is the starting point for the additive dimension scorers.
const baselineScore = 5.0

// neutralAlignment is assumed when a scenario does not state how well it
// tracks the client's targets.
const neutralAlignment = 0.5

var weightsByProfile = map[domain.RiskTolerance]domain.UtilityWeights{
	domain.RiskToleranceConservative: {
		RiskReduction: 0.40, TaxSavings: 0.20, GoalAlignment: 0.20, TransactionCost: 0.15, Urgency: 0.05,
	},
	domain.RiskToleranceModerateGrowth: {
		RiskReduction: 0.25, TaxSavings: 0.30, GoalAlignment: 0.25, TransactionCost: 0.10, Urgency: 0.10,
	},
	domain.RiskToleranceAggressive: {
		RiskReduction: 0.15, TaxSavings: 0.20, GoalAlignment: 0.30, TransactionCost: 0.10, Urgency: 0.25,
	},
}

// WeightsForProfile returns the dimension weights for a risk tolerance,
// falling back to the moderate-growth profile for unknown values.
func WeightsForProfile(rt domain.RiskTolerance) domain.UtilityWeights {
	if w, ok := weightsByProfile[rt]; ok {
		return w
	}
	return weightsByProfile[domain.RiskToleranceModerateGrowth]
}

// Scorer evaluates scenarios on five dimensions and combines them with
// profile weights. All scoring is pure; identical inputs give identical
// output.
type Scorer struct {
	cfg config.ScoringConfig
	log zerolog.Logger
}

// New creates a utility scorer.
func New(cfg config.ScoringConfig, log zerolog.Logger) *Scorer {
	return &Scorer{
		cfg: cfg,
		log: log.With().Str("component", "utility").Logger(),
	}
}

// Score evaluates a single scenario. Raw dimension scores are clamped to
// [0,10], weighted as raw × weight × 10, and summed into a total in [0,100].
func (s *Scorer) Score(sc domain.Scenario, p *domain.Portfolio, weights domain.UtilityWeights) domain.UtilityScore {
	dims := []domain.DimensionScore{
		dimension(DimensionRiskReduction, s.scoreRiskReduction(sc, p), weights.RiskReduction),
		dimension(DimensionTaxSavings, s.scoreTaxSavings(sc), weights.TaxSavings),
		dimension(DimensionGoalAlignment, s.scoreGoalAlignment(sc, p), weights.GoalAlignment),
		dimension(DimensionTransactionCost, s.scoreTransactionCost(sc, p), weights.TransactionCost),
		dimension(DimensionUrgency, s.scoreUrgency(sc), weights.Urgency),
	}

	var total float64
	for i := range dims {
		total += dims[i].WeightedScore
	}

	return domain.UtilityScore{
		ScenarioID: sc.ScenarioID,
		Dimensions: dims,
		TotalScore: clamp(total, 0, 100),
	}
}

// Rank scores every scenario and returns the scores ordered best-first with
// Rank set 1..N. Ties keep the input order of the scenarios slice.
func (s *Scorer) Rank(scenarios []domain.Scenario, p *domain.Portfolio, weights domain.UtilityWeights) []domain.UtilityScore {
	scores := make([]domain.UtilityScore, len(scenarios))
	for i, sc := range scenarios {
		scores[i] = s.Score(sc, p, weights)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].TotalScore > scores[j].TotalScore
	})
	for i := range scores {
		scores[i].Rank = i + 1
	}

	if len(scores) > 0 {
		s.log.Debug().
			Str("portfolio_id", p.PortfolioID).
			Str("best_scenario", scores[0].ScenarioID).
			Float64("best_score", scores[0].TotalScore).
			Int("scenarios", len(scores)).
			Msg("Scenarios ranked")
	}

	return scores
}

// scoreRiskReduction rewards plans that bring concentration back under the
// client limit and improve diversification, and penalizes execution risk.
func (s *Scorer) scoreRiskReduction(sc domain.Scenario, p *domain.Portfolio) float64 {
	score := baselineScore

	limit := p.ClientProfile.ConcentrationLimit
	if limit <= 0 {
		limit = domain.DefaultConcentrationLimit
	}

	before := sc.Outcome(domain.OutcomeConcentrationBefore)
	after := sc.Outcome(domain.OutcomeConcentrationAfter)
	switch {
	case before > limit && after <= limit:
		score += 3.0
	case before > after:
		score += math.Min(2.0, 20*(before-after))
	}

	if delta := sc.Outcome(domain.OutcomeDiversificationDelta); delta > 0 {
		score += math.Min(1.0, delta*10)
	}

	score -= math.Min(2.0, 0.5*float64(len(sc.Risks)))

	if improvement := sc.Outcome(domain.OutcomeSectorImprovement); improvement > 0 {
		score += math.Min(1.0, improvement*5)
	}

	return clamp(score, 0, 10)
}

// scoreTaxSavings rewards negative tax impact (savings) and harvested
// opportunities, and penalizes taxes due and wash-sale violations.
func (s *Scorer) scoreTaxSavings(sc domain.Scenario) float64 {
	score := baselineScore

	impact := sc.Outcome(domain.OutcomeTaxImpact)
	adjustment := math.Min(3.0, math.Abs(impact)/5000)
	if impact < 0 {
		score += adjustment
	} else {
		score -= adjustment
	}

	score -= s.cfg.WashSalePenalty * sc.Outcome(domain.OutcomeWashSaleViolations)
	score += s.cfg.HarvestBonus * sc.Outcome(domain.OutcomeHarvestedOpportunities)

	// When the plan realizes both long- and short-term gains, shift up to
	// ±2.0 toward the long-term side.
	if sc.OutcomeSet(domain.OutcomeLongTermGains) && sc.OutcomeSet(domain.OutcomeShortTermGains) {
		lt := sc.Outcome(domain.OutcomeLongTermGains)
		st := sc.Outcome(domain.OutcomeShortTermGains)
		if total := lt + st; total > 0 {
			score += 4.0 * (lt/total - 0.5)
		}
	}

	return clamp(score, 0, 10)
}

// scoreGoalAlignment rewards drift reduction and stated alignment with the
// client's targets and risk profile.
func (s *Scorer) scoreGoalAlignment(sc domain.Scenario, p *domain.Portfolio) float64 {
	score := baselineScore

	if before := sc.Outcome(domain.OutcomeDriftBefore); before > 0 {
		ratio := (before - sc.Outcome(domain.OutcomeDriftAfter)) / before
		if ratio > 0 {
			score += math.Min(2.5, 2.5*ratio)
		}
	}

	score += 4.0 * (outcomeOrNeutral(sc, domain.OutcomeTargetAlignment) - 0.5)

	profileFactor := 2.0
	if p.ClientProfile.RiskTolerance == domain.RiskToleranceConservative {
		profileFactor = 3.0
	}
	score += profileFactor * (outcomeOrNeutral(sc, domain.OutcomeRiskProfileAlignment) - 0.5)

	income := sc.ExpectedOutcomes[domain.OutcomeIncomeGeneration] == true
	growth := sc.ExpectedOutcomes[domain.OutcomeGrowthOriented] == true
	switch p.ClientProfile.RiskTolerance {
	case domain.RiskToleranceConservative:
		if income {
			score += 0.5
		}
		if growth {
			score -= 0.5
		}
	case domain.RiskToleranceAggressive:
		if growth {
			score += 0.5
		}
		if income {
			score -= 0.5
		}
	}

	return clamp(score, 0, 10)
}

// scoreTransactionCost estimates commissions and spread from step notionals
// at current prices, plus any explicit expected transaction costs.
func (s *Scorer) scoreTransactionCost(sc domain.Scenario, p *domain.Portfolio) float64 {
	var notional float64
	for i := range sc.Steps {
		holding, ok := p.HoldingByTicker(sc.Steps[i].Ticker)
		if !ok || holding.CurrentPrice <= 0 {
			continue
		}
		notional += sc.Steps[i].Quantity * holding.CurrentPrice
	}

	cost := s.cfg.CommissionRate*notional + s.cfg.SpreadRate*notional + sc.Outcome(domain.OutcomeTransactionCosts)
	if cost <= s.cfg.SmallCostThreshold {
		return 10
	}
	return clamp(10-2.5*math.Log10(cost/100), 0, 10)
}

// scoreUrgency rewards plans that confront urgent issues head-on.
func (s *Scorer) scoreUrgency(sc domain.Scenario) float64 {
	addresses := sc.ExpectedOutcomes[domain.OutcomeAddressesUrgentIssues] == true
	issueUrgency := sc.Outcome(domain.OutcomeIssueUrgency)
	scenarioUrgency := sc.Outcome(domain.OutcomeUrgencyLevel)

	var score float64
	switch {
	case addresses && issueUrgency >= 8:
		score = math.Min(10, 6+issueUrgency*0.4)
	case addresses && issueUrgency >= 6:
		score = math.Min(10, 5+issueUrgency*0.3)
	case scenarioUrgency >= 6:
		score = 7 + 0.5*(scenarioUrgency-6)
	default:
		score = 5 + 0.2*(scenarioUrgency-5)
	}

	return clamp(score, 0, 10)
}

func dimension(name string, raw, weight float64) domain.DimensionScore {
	return domain.DimensionScore{
		Dimension:     name,
		RawScore:      raw,
		Weight:        weight,
		WeightedScore: raw * weight * 10,
	}
}

func outcomeOrNeutral(sc domain.Scenario, key string) float64 {
	if !sc.OutcomeSet(key) {
		return neutralAlignment
	}
	return sc.Outcome(key)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
