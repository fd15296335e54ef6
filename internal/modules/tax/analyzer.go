// Package tax implements the wash-sale, loss-harvesting, and realized-gain
// analyzer.
package tax

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/domain"
)

// Combined federal rates: 37% bracket + 3.8% NIIT short-term, 20% + 3.8%
// long-term.
const (
	ShortTermRate = 0.408
	LongTermRate  = 0.238
)

// AnnualLossOffsetLimit caps the ordinary-income offset when the client has
// no realized gains to absorb a harvested loss.
const AnnualLossOffsetLimit = 3000.0

// ContextYTDGains is the context key carrying realized year-to-date gains.
const ContextYTDGains = "year_to_date_gains"

// Analyzer evaluates the tax consequences of holdings and proposed trades.
// It is pure: identical inputs at the same instant produce identical findings.
type Analyzer struct {
	log zerolog.Logger
}

// New creates a tax analyzer.
func New(log zerolog.Logger) *Analyzer {
	return &Analyzer{log: log.With().Str("component", "tax").Logger()}
}

// Analyze reports wash-sale violations, harvesting opportunities, and the
// projected tax impact of the proposed trades. Recent transactions are
// expected to cover the trailing sixty days; older entries are ignored by the
// wash-sale window check.
func (a *Analyzer) Analyze(p *domain.Portfolio, transactions []domain.Transaction, proposedTrades []domain.RecommendedTrade, context map[string]any) *domain.TaxReport {
	now := time.Now().UTC()
	report := &domain.TaxReport{
		Timestamp:   now,
		PortfolioID: p.PortfolioID,
	}

	report.WashSaleViolations = detectWashSales(p, transactions, proposedTrades, now)
	report.TaxOpportunities = harvestOpportunities(p, ytdGains(context))
	report.ProposedTradesAnalysis, report.TotalTaxImpact = analyzeProposedTrades(p, proposedTrades, now)
	report.Recommendations = buildRecommendations(report, proposedTrades)
	report.Reasoning = buildReasoning(report)

	a.log.Debug().
		Str("portfolio_id", p.PortfolioID).
		Int("wash_sale_violations", len(report.WashSaleViolations)).
		Int("tax_opportunities", len(report.TaxOpportunities)).
		Float64("total_tax_impact", report.TotalTaxImpact).
		Msg("Tax analysis complete")

	return report
}

// detectWashSales flags proposed trades on tickers sold inside the wash-sale
// window. Any re-trade of a recently-sold name is surfaced for review, one
// violation per matching prior sale. A ticker appearing as both sell and buy
// within the proposed set while carrying an unrealized loss is flagged as a
// same-day violation.
func detectWashSales(p *domain.Portfolio, transactions []domain.Transaction, proposedTrades []domain.RecommendedTrade, now time.Time) []domain.WashSaleViolation {
	recentSells := make(map[string][]domain.Transaction)
	for i := range transactions {
		tx := transactions[i]
		if !tx.Action.IsSell() {
			continue
		}
		if daysBetween(tx.Timestamp, now) >= domain.WashSaleWindowDays {
			continue
		}
		recentSells[tx.Ticker] = append(recentSells[tx.Ticker], tx)
	}

	var violations []domain.WashSaleViolation
	for _, trade := range proposedTrades {
		for _, sale := range recentSells[trade.Ticker] {
			v := domain.WashSaleViolation{
				PriorSaleDate:  sale.Timestamp,
				Ticker:         trade.Ticker,
				DaysSinceSale:  daysBetween(sale.Timestamp, now),
				DisallowedLoss: disallowedLoss(p, trade.Ticker),
			}
			v.Recommendation = fmt.Sprintf("Wait %d more days before trading %s again",
				v.DaysUntilClear(), v.Ticker)
			violations = append(violations, v)
		}
	}

	proposedSells := make(map[string]bool)
	for _, trade := range proposedTrades {
		if trade.Action.IsSell() {
			proposedSells[trade.Ticker] = true
		}
	}
	flagged := make(map[string]bool)
	for _, trade := range proposedTrades {
		if !trade.Action.IsBuy() || !proposedSells[trade.Ticker] || flagged[trade.Ticker] {
			continue
		}
		flagged[trade.Ticker] = true
		loss := disallowedLoss(p, trade.Ticker)
		if loss == 0 {
			continue
		}
		violations = append(violations, domain.WashSaleViolation{
			PriorSaleDate: now,
			Ticker:        trade.Ticker,
			Recommendation: fmt.Sprintf("Do not repurchase %s in the same batch as its harvest sale",
				trade.Ticker),
			DaysSinceSale:  0,
			DisallowedLoss: loss,
		})
	}

	return violations
}

// disallowedLoss returns the loss a wash sale would disallow for the ticker:
// the absolute unrealized loss of the current holding when negative, else 0.
func disallowedLoss(p *domain.Portfolio, ticker string) float64 {
	h, ok := p.HoldingByTicker(ticker)
	if !ok || h.UnrealizedGainLoss >= 0 {
		return 0
	}
	return math.Abs(h.UnrealizedGainLoss)
}

// harvestOpportunities lists loss positions worth selling, largest estimated
// benefit first. The benefit is quoted at the short-term rate regardless of
// lot age.
func harvestOpportunities(p *domain.Portfolio, ytdGains float64) []domain.TaxOpportunity {
	var opportunities []domain.TaxOpportunity
	for i := range p.Holdings {
		h := &p.Holdings[i]
		if h.UnrealizedGainLoss >= 0 {
			continue
		}
		loss := math.Abs(h.UnrealizedGainLoss)
		offset := AnnualLossOffsetLimit
		if ytdGains > 0 {
			offset = ytdGains
		}
		benefit := math.Min(loss, offset) * ShortTermRate
		opportunities = append(opportunities, domain.TaxOpportunity{
			Ticker:           h.Ticker,
			Type:             domain.TaxOpportunityHarvestLoss,
			ActionRequired:   fmt.Sprintf("Sell %s to harvest a $%.0f loss", h.Ticker, loss),
			EstimatedBenefit: benefit,
		})
	}
	sort.SliceStable(opportunities, func(i, j int) bool {
		return opportunities[i].EstimatedBenefit > opportunities[j].EstimatedBenefit
	})
	return opportunities
}

// analyzeProposedTrades builds one analysis entry per proposed trade and the
// accumulated tax impact across sells. Buys and unmatched tickers carry zero
// impact.
func analyzeProposedTrades(p *domain.Portfolio, proposedTrades []domain.RecommendedTrade, now time.Time) ([]map[string]any, float64) {
	entries := make([]map[string]any, 0, len(proposedTrades))
	var total float64

	for _, trade := range proposedTrades {
		entry := map[string]any{
			"ticker":   trade.Ticker,
			"action":   string(trade.Action),
			"quantity": trade.Quantity,
		}

		holding, ok := p.HoldingByTicker(trade.Ticker)
		if !ok {
			entry["treatment"] = "new_position"
			entry["tax_impact"] = 0.0
			entries = append(entries, entry)
			continue
		}
		if !trade.Action.IsSell() {
			entry["treatment"] = "acquisition"
			entry["tax_impact"] = 0.0
			entries = append(entries, entry)
			continue
		}

		ratio := 1.0
		if holding.Quantity > 0 {
			ratio = math.Min(trade.Quantity/holding.Quantity, 1)
		}
		realized := holding.UnrealizedGainLoss * ratio

		treatment := "short_term"
		rate := ShortTermRate
		if lotsMajorityLongTerm(holding, now) {
			treatment = "long_term"
			rate = LongTermRate
		}

		var impact float64
		if realized > 0 {
			impact = realized * rate
		}
		total += impact

		entry["sell_ratio"] = ratio
		entry["realized_gain_loss"] = realized
		entry["applicable_rate"] = rate
		entry["treatment"] = treatment
		entry["tax_impact"] = impact
		entries = append(entries, entry)
	}

	return entries, total
}

// lotsMajorityLongTerm reports whether long-term lots make up more than half
// of the holding's lot quantity. Holdings without lot detail are treated as
// long-term.
func lotsMajorityLongTerm(h *domain.Holding, asOf time.Time) bool {
	if len(h.TaxLots) == 0 {
		return true
	}
	var longTermQty, totalQty float64
	for i := range h.TaxLots {
		totalQty += h.TaxLots[i].Quantity
		if h.TaxLots[i].IsLongTerm(asOf) {
			longTermQty += h.TaxLots[i].Quantity
		}
	}
	return longTermQty > totalQty/2
}

func buildRecommendations(r *domain.TaxReport, proposedTrades []domain.RecommendedTrade) []string {
	var recs []string
	if n := len(r.WashSaleViolations); n > 0 {
		recs = append(recs, fmt.Sprintf("Warning: %d wash-sale violation(s) would disallow realized losses", n))
	}
	if len(r.TaxOpportunities) > 0 {
		top := r.TaxOpportunities[0]
		recs = append(recs, fmt.Sprintf("Harvest %s first for an estimated $%.0f benefit",
			top.Ticker, top.EstimatedBenefit))
	}
	for _, trade := range proposedTrades {
		if trade.Action.IsSell() {
			recs = append(recs, "Apply HIFO lot selection on sells to minimize realized gains")
			break
		}
	}
	if len(recs) == 0 {
		recs = append(recs, "Portfolio is tax-efficient, no action required")
	}
	return recs
}

func buildReasoning(r *domain.TaxReport) string {
	var parts []string
	if n := len(r.WashSaleViolations); n > 0 {
		parts = append(parts, fmt.Sprintf("%d wash-sale violation(s) within the %d-day window",
			n, domain.WashSaleWindowDays))
	}
	if n := len(r.TaxOpportunities); n > 0 {
		var benefit float64
		for i := range r.TaxOpportunities {
			benefit += r.TaxOpportunities[i].EstimatedBenefit
		}
		parts = append(parts, fmt.Sprintf("%d harvesting opportunity(ies) worth an estimated $%.0f",
			n, benefit))
	}
	if r.TotalTaxImpact > 0 {
		parts = append(parts, fmt.Sprintf("proposed trades realize an estimated $%.0f in taxes",
			r.TotalTaxImpact))
	}
	if len(parts) == 0 {
		return "No material tax exposure in current holdings or proposed trades"
	}
	return strings.Join(parts, "; ")
}

// ytdGains pulls realized year-to-date gains from the context map, tolerating
// the numeric types a JSON or msgpack boundary may deliver.
func ytdGains(context map[string]any) float64 {
	switch v := context[ContextYTDGains].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// daysBetween returns whole days from one instant to another, floored at 0.
func daysBetween(from, to time.Time) int {
	days := int(to.Sub(from).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
