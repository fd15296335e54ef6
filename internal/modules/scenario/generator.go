// Package scenario builds candidate action plans from drift and tax findings.
package scenario

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/domain"
)

// Residual drift after each plan style, as a fraction of the starting drift.
// These are design constants, not derived quantities.
const (
	OptimalDriftFactor      = 0.5
	TaxEfficientDriftFactor = 0.8
	GradualDriftFactor      = 0.3
)

// RiskFirstResidualDrift is the absolute drift left after a risk-first
// liquidation.
const RiskFirstResidualDrift = 0.02

// GradualTaxFactor scales the projected tax bill when trades phase in across
// a month.
const GradualTaxFactor = 0.7

// Step timing labels.
const (
	TimingImmediate      = "immediate"
	TimingWithinWeek     = "within 1 week"
	TimingWithinTwoWeeks = "within 2 weeks"
	TimingWithinMonth    = "within 1 month"
)

// UrgentTimingThreshold is the trade urgency at which a step executes
// immediately instead of within a week.
const UrgentTimingThreshold = 7

// RiskFirstUrgencyFloor is the minimum urgency for a trade outside the
// concentration set to join the risk-first plan.
const RiskFirstUrgencyFloor = 6

// baselineUrgency mirrors the drift analyzer's default urgency score.
const baselineUrgency = 3

// Generator produces candidate scenarios for one analysis pass. Output is
// deterministic apart from the freshly generated scenario ids, and every
// scenario leaves UtilityScore unset for the scorer to fill in.
type Generator struct {
	log zerolog.Logger
}

// New creates a scenario generator.
func New(log zerolog.Logger) *Generator {
	return &Generator{log: log.With().Str("component", "scenario").Logger()}
}

// Generate returns two to four scenarios. Optimal Balance and Tax Efficient
// are always present; Risk First requires at least one concentration risk and
// Gradual Rebalance requires more than two recommended trades.
func (g *Generator) Generate(drift *domain.DriftReport, tax *domain.TaxReport, conflicts []domain.Conflict, p *domain.Portfolio) []domain.Scenario {
	scenarios := []domain.Scenario{
		g.optimalBalance(drift, tax, conflicts),
		g.taxEfficient(drift, tax, p),
	}
	if len(drift.ConcentrationRisks) > 0 {
		scenarios = append(scenarios, g.riskFirst(drift, tax))
	}
	if len(drift.RecommendedTrades) > 2 {
		scenarios = append(scenarios, g.gradualRebalance(drift, tax))
	}

	g.log.Debug().
		Str("portfolio_id", drift.PortfolioID).
		Int("scenarios", len(scenarios)).
		Int("conflicts", len(conflicts)).
		Msg("Scenarios generated")

	return scenarios
}

// optimalBalance executes the drift recommendations in order, skipping any
// buy that would re-trigger a wash-sale violation.
func (g *Generator) optimalBalance(drift *domain.DriftReport, tax *domain.TaxReport, conflicts []domain.Conflict) domain.Scenario {
	violated := tax.ViolatedTickers()
	var steps []domain.ActionStep
	for _, trade := range drift.RecommendedTrades {
		if trade.Action.IsBuy() && violated[trade.Ticker] {
			continue
		}
		steps = append(steps, stepFromTrade(trade, len(steps)+1, timingFor(trade.Urgency)))
	}

	before := concentrationBefore(drift)
	after := before
	if len(drift.ConcentrationRisks) > 0 {
		after = drift.ConcentrationRisks[0].Limit
	}
	driftBefore := drift.MaxDriftPct()

	outcomes := map[string]any{
		domain.OutcomeConcentrationBefore:  before,
		domain.OutcomeConcentrationAfter:   after,
		domain.OutcomeTaxImpact:            tax.TotalTaxImpact,
		domain.OutcomeWashSaleViolations:   0,
		domain.OutcomeDriftBefore:          driftBefore,
		domain.OutcomeDriftAfter:           driftBefore * OptimalDriftFactor,
		domain.OutcomeUrgencyLevel:         drift.UrgencyScore,
		domain.OutcomeDiversificationDelta: before - after,
	}
	if lt, st := realizedGainSplit(tax); lt > 0 && st > 0 {
		outcomes[domain.OutcomeLongTermGains] = lt
		outcomes[domain.OutcomeShortTermGains] = st
	}

	risks := []string{"Execution prices may move before all steps fill"}
	if tax.TotalTaxImpact > 0 {
		risks = append(risks, fmt.Sprintf("Realizes an estimated $%.0f in taxes this year", tax.TotalTaxImpact))
	}
	if len(conflicts) > 0 {
		risks = append(risks, fmt.Sprintf("%d unresolved conflict(s) require review before execution", len(conflicts)))
	}

	return domain.Scenario{
		ScenarioID:       newScenarioID(),
		Title:            "Optimal Balance",
		Description:      "Execute the drift recommendations in order while avoiding buys that would trigger wash-sale violations",
		Steps:            steps,
		ExpectedOutcomes: outcomes,
		Risks:            risks,
	}
}

// taxEfficient harvests every loss opportunity first, selling the entire
// holding, then keeps only the urgent drift trades.
func (g *Generator) taxEfficient(drift *domain.DriftReport, tax *domain.TaxReport, p *domain.Portfolio) domain.Scenario {
	var steps []domain.ActionStep
	for _, opp := range tax.TaxOpportunities {
		if opp.Type != domain.TaxOpportunityHarvestLoss {
			continue
		}
		var quantity float64
		if holding, ok := p.HoldingByTicker(opp.Ticker); ok {
			quantity = holding.Quantity
		}
		steps = append(steps, domain.ActionStep{
			Action:     domain.TradeActionSell,
			Ticker:     opp.Ticker,
			Timing:     TimingImmediate,
			Rationale:  opp.ActionRequired,
			StepNumber: len(steps) + 1,
			Quantity:   quantity,
		})
	}

	urgencyLevel := baselineUrgency
	urgentIncluded := false
	for _, trade := range drift.RecommendedTrades {
		if trade.Urgency < UrgentTimingThreshold {
			continue
		}
		urgentIncluded = true
		steps = append(steps, stepFromTrade(trade, len(steps)+1, TimingImmediate))
		if trade.Urgency > urgencyLevel {
			urgencyLevel = trade.Urgency
		}
	}

	var benefit float64
	for i := range tax.TaxOpportunities {
		benefit += tax.TaxOpportunities[i].EstimatedBenefit
	}

	before := concentrationBefore(drift)
	after := before
	if urgentIncluded && len(drift.ConcentrationRisks) > 0 {
		after = drift.ConcentrationRisks[0].Limit
	}
	driftBefore := drift.MaxDriftPct()

	outcomes := map[string]any{
		domain.OutcomeConcentrationBefore:    before,
		domain.OutcomeConcentrationAfter:     after,
		domain.OutcomeTaxImpact:              -benefit,
		domain.OutcomeHarvestedOpportunities: len(tax.TaxOpportunities),
		domain.OutcomeWashSaleViolations:     washSaleBuyCount(steps, tax),
		domain.OutcomeDriftBefore:            driftBefore,
		domain.OutcomeDriftAfter:             driftBefore * TaxEfficientDriftFactor,
		domain.OutcomeUrgencyLevel:           urgencyLevel,
	}

	risks := []string{"Harvested positions cannot be repurchased for 31 days"}
	if len(drift.ConcentrationRisks) > 0 && !urgentIncluded {
		risks = append(risks, "Concentration stays above the limit until later trades execute")
	}

	return domain.Scenario{
		ScenarioID:       newScenarioID(),
		Title:            "Tax Efficient",
		Description:      "Harvest available losses first, then execute only the urgent drift trades",
		Steps:            steps,
		ExpectedOutcomes: outcomes,
		Risks:            risks,
	}
}

// riskFirst liquidates concentration risk immediately, tax consequences
// second.
func (g *Generator) riskFirst(drift *domain.DriftReport, tax *domain.TaxReport) domain.Scenario {
	riskTickers := make(map[string]bool, len(drift.ConcentrationRisks))
	for i := range drift.ConcentrationRisks {
		riskTickers[drift.ConcentrationRisks[i].Ticker] = true
	}

	var steps []domain.ActionStep
	for _, trade := range drift.RecommendedTrades {
		if !riskTickers[trade.Ticker] && trade.Urgency < RiskFirstUrgencyFloor {
			continue
		}
		steps = append(steps, stepFromTrade(trade, len(steps)+1, TimingImmediate))
	}

	before := concentrationBefore(drift)
	limit := drift.ConcentrationRisks[0].Limit

	outcomes := map[string]any{
		domain.OutcomeConcentrationBefore:   before,
		domain.OutcomeConcentrationAfter:    limit,
		domain.OutcomeTaxImpact:             tax.TotalTaxImpact,
		domain.OutcomeWashSaleViolations:    washSaleBuyCount(steps, tax),
		domain.OutcomeDriftBefore:           drift.MaxDriftPct(),
		domain.OutcomeDriftAfter:            RiskFirstResidualDrift,
		domain.OutcomeUrgencyLevel:          drift.UrgencyScore,
		domain.OutcomeAddressesUrgentIssues: true,
		domain.OutcomeIssueUrgency:          drift.UrgencyScore,
		domain.OutcomeDiversificationDelta:  before - limit,
	}

	return domain.Scenario{
		ScenarioID:       newScenarioID(),
		Title:            "Risk First",
		Description:      "Remove concentration risk immediately and accept the tax consequences",
		Steps:            steps,
		ExpectedOutcomes: outcomes,
		Risks: []string{
			"Immediate sales may realize significant taxable gains",
			"Tax optimization is secondary to risk removal",
		},
	}
}

// gradualRebalance phases the drift trades across a month, most urgent first,
// halving every tranche after the first.
func (g *Generator) gradualRebalance(drift *domain.DriftReport, tax *domain.TaxReport) domain.Scenario {
	ordered := make([]domain.RecommendedTrade, len(drift.RecommendedTrades))
	copy(ordered, drift.RecommendedTrades)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Urgency > ordered[j].Urgency
	})

	timings := []string{TimingImmediate, TimingWithinWeek, TimingWithinTwoWeeks, TimingWithinMonth}
	var steps []domain.ActionStep
	for i, trade := range ordered {
		timing := timings[len(timings)-1]
		if i < len(timings) {
			timing = timings[i]
		}
		step := stepFromTrade(trade, i+1, timing)
		if i > 0 {
			step.Quantity = trade.Quantity / 2
		}
		steps = append(steps, step)
	}

	before := concentrationBefore(drift)
	after := before
	if len(drift.ConcentrationRisks) > 0 {
		after = drift.ConcentrationRisks[0].Limit
	}
	driftBefore := drift.MaxDriftPct()

	outcomes := map[string]any{
		domain.OutcomeConcentrationBefore: before,
		domain.OutcomeConcentrationAfter:  after,
		domain.OutcomeTaxImpact:           tax.TotalTaxImpact * GradualTaxFactor,
		domain.OutcomeWashSaleViolations:  washSaleBuyCount(steps, tax),
		domain.OutcomeDriftBefore:         driftBefore,
		domain.OutcomeDriftAfter:          driftBefore * GradualDriftFactor,
		domain.OutcomeUrgencyLevel:        drift.UrgencyScore,
	}

	return domain.Scenario{
		ScenarioID:       newScenarioID(),
		Title:            "Gradual Rebalance",
		Description:      "Phase the rebalance across a month to spread market impact and tax recognition",
		Steps:            steps,
		ExpectedOutcomes: outcomes,
		Risks: []string{
			"Concentration stays elevated during the phase-in",
			"Later tranches may execute at worse prices",
		},
	}
}

func stepFromTrade(trade domain.RecommendedTrade, number int, timing string) domain.ActionStep {
	return domain.ActionStep{
		Action:     trade.Action,
		Ticker:     trade.Ticker,
		Timing:     timing,
		Rationale:  trade.Rationale,
		StepNumber: number,
		Quantity:   trade.Quantity,
	}
}

func timingFor(urgency int) string {
	if urgency >= UrgentTimingThreshold {
		return TimingImmediate
	}
	return TimingWithinWeek
}

// concentrationBefore returns the largest over-limit holding weight, or 0
// when no risk exists.
func concentrationBefore(drift *domain.DriftReport) float64 {
	var before float64
	for i := range drift.ConcentrationRisks {
		if w := drift.ConcentrationRisks[i].CurrentWeight; w > before {
			before = w
		}
	}
	return before
}

// washSaleBuyCount counts buy steps on tickers in the violation set.
func washSaleBuyCount(steps []domain.ActionStep, tax *domain.TaxReport) int {
	violated := tax.ViolatedTickers()
	count := 0
	for i := range steps {
		if steps[i].Action.IsBuy() && violated[steps[i].Ticker] {
			count++
		}
	}
	return count
}

// realizedGainSplit sums positive realized gains from the per-trade analysis,
// split by holding-period treatment.
func realizedGainSplit(tax *domain.TaxReport) (longTerm, shortTerm float64) {
	for _, entry := range tax.ProposedTradesAnalysis {
		realized, _ := entry["realized_gain_loss"].(float64)
		if realized <= 0 {
			continue
		}
		switch entry["treatment"] {
		case "long_term":
			longTerm += realized
		case "short_term":
			shortTerm += realized
		}
	}
	return longTerm, shortTerm
}

func newScenarioID() string {
	return "scen_" + uuid.New().String()
}
