// Package conflict cross-checks drift and tax findings for contradictions
// that need human or coordinator resolution.
package conflict

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/config"
	"github.com/meridianfo/vigil/internal/domain"
)

// Agent labels used in conflict records.
const (
	AgentDrift = "drift_agent"
	AgentTax   = "tax_agent"
)

// Detector finds typed conflicts between agent findings. Detection is pure
// apart from the freshly generated conflict ids.
type Detector struct {
	cfg config.ScoringConfig
	log zerolog.Logger
}

// New creates a conflict detector with the given scoring thresholds.
func New(cfg config.ScoringConfig, log zerolog.Logger) *Detector {
	return &Detector{cfg: cfg, log: log.With().Str("component", "conflict").Logger()}
}

// Detect returns zero or more conflicts between the drift and tax findings
// for one portfolio snapshot.
func (d *Detector) Detect(drift *domain.DriftReport, tax *domain.TaxReport, p *domain.Portfolio) []domain.Conflict {
	var conflicts []domain.Conflict
	conflicts = append(conflicts, d.washSaleConflicts(drift, tax)...)
	conflicts = append(conflicts, d.taxInefficiencies(drift, tax)...)
	conflicts = append(conflicts, d.contradictoryActions(drift)...)

	if len(conflicts) > 0 {
		d.log.Debug().
			Str("portfolio_id", p.PortfolioID).
			Int("conflicts", len(conflicts)).
			Msg("Conflicts detected between agent findings")
	}
	return conflicts
}

// washSaleConflicts pairs each tax violation with a drift trade on the same
// ticker.
func (d *Detector) washSaleConflicts(drift *domain.DriftReport, tax *domain.TaxReport) []domain.Conflict {
	proposed := make(map[string]bool, len(drift.RecommendedTrades))
	for i := range drift.RecommendedTrades {
		proposed[drift.RecommendedTrades[i].Ticker] = true
	}

	var conflicts []domain.Conflict
	for i := range tax.WashSaleViolations {
		v := &tax.WashSaleViolations[i]
		if !proposed[v.Ticker] {
			continue
		}
		conflicts = append(conflicts, domain.Conflict{
			ConflictID: newConflictID(),
			Type:       domain.ConflictWashSale,
			Description: fmt.Sprintf("%s is proposed for trade but was sold %d days ago; repurchasing inside the %d-day window disallows the loss",
				v.Ticker, v.DaysSinceSale, domain.WashSaleWindowDays),
			AgentsInvolved: []string{AgentDrift, AgentTax},
			ResolutionOptions: []string{
				fmt.Sprintf("Wait %d more days before repurchasing %s", v.DaysUntilClear(), v.Ticker),
				"Substitute a comparable security to keep the exposure",
				"Proceed anyway (realized loss will be disallowed)",
			},
		})
	}
	return conflicts
}

// taxInefficiencies flags non-urgent sells whose projected tax bill exceeds
// the configured threshold.
func (d *Detector) taxInefficiencies(drift *domain.DriftReport, tax *domain.TaxReport) []domain.Conflict {
	urgencyByTicker := make(map[string]int, len(drift.RecommendedTrades))
	for i := range drift.RecommendedTrades {
		trade := &drift.RecommendedTrades[i]
		if trade.Action.IsSell() {
			urgencyByTicker[trade.Ticker] = trade.Urgency
		}
	}

	var conflicts []domain.Conflict
	for _, entry := range tax.ProposedTradesAnalysis {
		ticker, _ := entry["ticker"].(string)
		action, _ := entry["action"].(string)
		impact := entryFloat(entry, "tax_impact")
		if domain.TradeAction(action) != domain.TradeActionSell || impact <= d.cfg.TaxConflictThreshold {
			continue
		}
		urgency, ok := urgencyByTicker[ticker]
		if !ok || urgency >= d.cfg.ConflictUrgencyCeiling {
			continue
		}
		conflicts = append(conflicts, domain.Conflict{
			ConflictID: newConflictID(),
			Type:       domain.ConflictTaxInefficient,
			Description: fmt.Sprintf("Selling %s realizes an estimated $%.0f in taxes for a non-urgent rebalance (urgency %d)",
				ticker, impact, urgency),
			AgentsInvolved: []string{AgentDrift, AgentTax},
			ResolutionOptions: []string{
				"Proceed with the sale as recommended",
				"Delay until losses can be harvested against the gain",
				"Sell a partial position to stay under the tax threshold",
			},
		})
	}
	return conflicts
}

// contradictoryActions flags tickers the drift output wants to both buy and
// sell, one conflict per ticker.
func (d *Detector) contradictoryActions(drift *domain.DriftReport) []domain.Conflict {
	buys := make(map[string]bool)
	sells := make(map[string]bool)
	for i := range drift.RecommendedTrades {
		trade := &drift.RecommendedTrades[i]
		switch {
		case trade.Action.IsBuy():
			buys[trade.Ticker] = true
		case trade.Action.IsSell():
			sells[trade.Ticker] = true
		}
	}

	var conflicts []domain.Conflict
	flagged := make(map[string]bool)
	for i := range drift.RecommendedTrades {
		ticker := drift.RecommendedTrades[i].Ticker
		if !buys[ticker] || !sells[ticker] || flagged[ticker] {
			continue
		}
		flagged[ticker] = true
		conflicts = append(conflicts, domain.Conflict{
			ConflictID: newConflictID(),
			Type:       domain.ConflictContradictoryActions,
			Description: fmt.Sprintf("%s appears as both buy and sell in the drift recommendations",
				ticker),
			AgentsInvolved: []string{AgentDrift},
			ResolutionOptions: []string{
				"Review allocation targets for consistency",
				"Net out the buy and sell quantities",
				"Skip both trades this cycle",
			},
		})
	}
	return conflicts
}

func newConflictID() string {
	return "conf_" + uuid.New().String()
}

func entryFloat(entry map[string]any, key string) float64 {
	switch v := entry[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
