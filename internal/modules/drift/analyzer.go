// Package drift implements the concentration and allocation drift analyzer.
package drift

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/meridianfo/vigil/internal/domain"
)

// DriftDetectionThreshold is the absolute allocation drift above which an
// asset class counts as drifted.
const DriftDetectionThreshold = 0.02

// DefaultUrgency is the report urgency when no trade raises it.
const DefaultUrgency = 3

// severityFor buckets a concentration excess into a severity level.
func severityFor(excess float64) domain.Severity {
	switch {
	case excess <= 0.02:
		return domain.SeverityLow
	case excess <= 0.05:
		return domain.SeverityMedium
	case excess <= 0.10:
		return domain.SeverityHigh
	default:
		return domain.SeverityCritical
	}
}

// urgencyBySeverity maps a risk severity to trade urgency on the 0-10 scale.
var urgencyBySeverity = map[domain.Severity]int{
	domain.SeverityLow:      3,
	domain.SeverityMedium:   5,
	domain.SeverityHigh:     7,
	domain.SeverityCritical: 9,
}

// Analyzer detects concentration breaches and allocation drift on portfolio
// snapshots. It is pure: identical inputs produce identical findings.
type Analyzer struct {
	log zerolog.Logger
}

// New creates a drift analyzer.
func New(log zerolog.Logger) *Analyzer {
	return &Analyzer{log: log.With().Str("component", "drift").Logger()}
}

// Analyze inspects a portfolio snapshot and reports concentration risks,
// per-class drift metrics, and the sells required to restore the limits.
// The context map is carried through for diagnostics only and never alters
// the findings.
func (a *Analyzer) Analyze(p *domain.Portfolio, context map[string]any) *domain.DriftReport {
	report := &domain.DriftReport{
		Timestamp:   time.Now().UTC(),
		PortfolioID: p.PortfolioID,
	}

	limit := p.ClientProfile.ConcentrationLimit
	for i := range p.Holdings {
		h := &p.Holdings[i]
		if h.PortfolioWeight <= limit {
			continue
		}
		excess := h.PortfolioWeight - limit
		report.ConcentrationRisks = append(report.ConcentrationRisks, domain.ConcentrationRisk{
			Ticker:        h.Ticker,
			Severity:      severityFor(excess),
			CurrentWeight: h.PortfolioWeight,
			Limit:         limit,
			Excess:        excess,
		})
	}

	for _, target := range p.TargetAllocation.Weights() {
		current := p.AssetClassWeight(target.Class)
		direction := domain.DriftDirectionUnder
		if current > target.Weight {
			direction = domain.DriftDirectionOver
		}
		report.DriftMetrics = append(report.DriftMetrics, domain.DriftMetric{
			AssetClass:    target.Class,
			Direction:     direction,
			TargetWeight:  target.Weight,
			CurrentWeight: current,
			DriftPct:      math.Abs(current - target.Weight),
		})
	}

	for _, risk := range report.ConcentrationRisks {
		holding, ok := p.HoldingByTicker(risk.Ticker)
		if !ok || holding.CurrentPrice <= 0 {
			continue
		}
		excessValue := risk.Excess * p.AUMUSD
		shares := math.Floor(excessValue / holding.CurrentPrice)
		if shares <= 0 {
			continue
		}
		report.RecommendedTrades = append(report.RecommendedTrades, domain.RecommendedTrade{
			Ticker: risk.Ticker,
			Action: domain.TradeActionSell,
			Rationale: fmt.Sprintf("Reduce %s from %.1f%% to %.1f%% limit",
				risk.Ticker, risk.CurrentWeight*100, risk.Limit*100),
			Quantity:           shares,
			Urgency:            urgencyBySeverity[risk.Severity],
			EstimatedTaxImpact: 0,
		})
	}

	report.UrgencyScore = DefaultUrgency
	for i := range report.RecommendedTrades {
		if u := report.RecommendedTrades[i].Urgency; u > report.UrgencyScore {
			report.UrgencyScore = u
		}
	}

	report.DriftDetected = len(report.ConcentrationRisks) > 0 ||
		report.MaxDriftPct() > DriftDetectionThreshold
	report.Reasoning = buildReasoning(report, p)

	a.log.Debug().
		Str("portfolio_id", p.PortfolioID).
		Int("concentration_risks", len(report.ConcentrationRisks)).
		Int("recommended_trades", len(report.RecommendedTrades)).
		Bool("drift_detected", report.DriftDetected).
		Interface("trigger", context["trigger"]).
		Msg("Drift analysis complete")

	return report
}

// buildReasoning joins one flag per finding, or states explicitly that the
// portfolio is within limits.
func buildReasoning(r *domain.DriftReport, p *domain.Portfolio) string {
	var flags []string
	for _, risk := range r.ConcentrationRisks {
		flags = append(flags, fmt.Sprintf("%s at %.1f%% exceeds %.1f%% concentration limit (%s)",
			risk.Ticker, risk.CurrentWeight*100, risk.Limit*100, risk.Severity))
	}
	for i := range r.DriftMetrics {
		m := &r.DriftMetrics[i]
		if m.DriftPct <= DriftDetectionThreshold {
			continue
		}
		flags = append(flags, fmt.Sprintf("%s %s target by %.1f%% (%.1f%% vs %.1f%%)",
			m.AssetClass, m.Direction, m.DriftPct*100, m.CurrentWeight*100, m.TargetWeight*100))
	}
	if len(flags) == 0 {
		return "All holdings and asset-class allocations are within acceptable limits"
	}
	if len(r.ConcentrationRisks) > 0 {
		flags = append(flags, fmt.Sprintf("holdings Herfindahl index %.3f", HerfindahlIndex(p)))
	}
	return strings.Join(flags, "; ")
}

// HerfindahlIndex returns the sum of squared holding weights, the standard
// single-name concentration measure. An equal-weight portfolio of N holdings
// scores 1/N.
func HerfindahlIndex(p *domain.Portfolio) float64 {
	weights := make([]float64, len(p.Holdings))
	for i := range p.Holdings {
		weights[i] = p.Holdings[i].PortfolioWeight
	}
	return floats.Dot(weights, weights)
}
