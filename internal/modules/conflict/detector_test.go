package conflict

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfo/vigil/internal/config"
	"github.com/meridianfo/vigil/internal/domain"
)

func newTestDetector() *Detector {
	return New(config.DefaultScoringConfig(), zerolog.Nop())
}

func driftWithTrades(trades ...domain.RecommendedTrade) *domain.DriftReport {
	return &domain.DriftReport{
		PortfolioID:       "port_ultra_001",
		RecommendedTrades: trades,
		DriftDetected:     len(trades) > 0,
	}
}

func taxWithViolations(violations ...domain.WashSaleViolation) *domain.TaxReport {
	return &domain.TaxReport{
		PortfolioID:        "port_ultra_001",
		WashSaleViolations: violations,
	}
}

func nvdaViolation(daysSince int) domain.WashSaleViolation {
	return domain.WashSaleViolation{
		Ticker:        "NVDA",
		DaysSinceSale: daysSince,
		PriorSaleDate: time.Now().UTC().Add(-time.Duration(daysSince) * 24 * time.Hour),
	}
}

func TestDetect_WashSaleConflict(t *testing.T) {
	drift := driftWithTrades(domain.RecommendedTrade{
		Ticker: "NVDA", Action: domain.TradeActionSell, Quantity: 1_176, Urgency: 5,
	})
	tax := taxWithViolations(nvdaViolation(15))

	conflicts := newTestDetector().Detect(drift, tax, &domain.Portfolio{PortfolioID: "port_ultra_001"})

	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, domain.ConflictWashSale, c.Type)
	assert.True(t, strings.HasPrefix(c.ConflictID, "conf_"))
	assert.ElementsMatch(t, []string{AgentDrift, AgentTax}, c.AgentsInvolved)
	assert.Contains(t, c.Description, "NVDA")
	assert.Contains(t, c.Description, "15 days ago")
	require.Len(t, c.ResolutionOptions, 3)
	assert.Contains(t, c.ResolutionOptions[0], "Wait 16 more days")
	assert.Contains(t, c.ResolutionOptions[2], "loss will be disallowed")
}

func TestDetect_WashSaleRequiresMatchingTrade(t *testing.T) {
	drift := driftWithTrades(domain.RecommendedTrade{
		Ticker: "MSFT", Action: domain.TradeActionSell, Quantity: 100, Urgency: 5,
	})
	tax := taxWithViolations(nvdaViolation(10))

	conflicts := newTestDetector().Detect(drift, tax, &domain.Portfolio{})

	assert.Empty(t, conflicts)
}

func TestDetect_TaxInefficientSell(t *testing.T) {
	tests := []struct {
		name         string
		impact       float64
		urgency      int
		wantConflict bool
	}{
		{"large impact low urgency", 97_000, 5, true},
		{"large impact urgent", 97_000, 7, false},
		{"impact at threshold", 50_000, 5, false},
		{"impact just above threshold", 50_001, 6, true},
		{"small impact", 8_000, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drift := driftWithTrades(domain.RecommendedTrade{
				Ticker: "NVDA", Action: domain.TradeActionSell, Quantity: 1_176, Urgency: tt.urgency,
			})
			tax := &domain.TaxReport{
				PortfolioID: "port_ultra_001",
				ProposedTradesAnalysis: []map[string]any{
					{"ticker": "NVDA", "action": "sell", "tax_impact": tt.impact},
				},
			}

			conflicts := newTestDetector().Detect(drift, tax, &domain.Portfolio{})

			if !tt.wantConflict {
				assert.Empty(t, conflicts)
				return
			}
			require.Len(t, conflicts, 1)
			assert.Equal(t, domain.ConflictTaxInefficient, conflicts[0].Type)
			assert.Contains(t, conflicts[0].Description, "Selling NVDA")
			require.Len(t, conflicts[0].ResolutionOptions, 3)
		})
	}
}

func TestDetect_TaxInefficientIgnoresBuysAndUnmatchedTickers(t *testing.T) {
	drift := driftWithTrades(domain.RecommendedTrade{
		Ticker: "MSFT", Action: domain.TradeActionSell, Quantity: 100, Urgency: 3,
	})
	tax := &domain.TaxReport{
		ProposedTradesAnalysis: []map[string]any{
			{"ticker": "NVDA", "action": "buy", "tax_impact": 120_000.0},
			{"ticker": "NVDA", "action": "sell", "tax_impact": 120_000.0},
		},
	}

	conflicts := newTestDetector().Detect(drift, tax, &domain.Portfolio{})

	assert.Empty(t, conflicts, "no drift sell matches the flagged ticker")
}

func TestDetect_ContradictoryActions(t *testing.T) {
	drift := driftWithTrades(
		domain.RecommendedTrade{Ticker: "NVDA", Action: domain.TradeActionSell, Quantity: 500, Urgency: 5},
		domain.RecommendedTrade{Ticker: "NVDA", Action: domain.TradeActionBuy, Quantity: 200, Urgency: 3},
		domain.RecommendedTrade{Ticker: "NVDA", Action: domain.TradeActionBuy, Quantity: 100, Urgency: 3},
		domain.RecommendedTrade{Ticker: "TLT", Action: domain.TradeActionSell, Quantity: 1_000, Urgency: 3},
	)

	conflicts := newTestDetector().Detect(drift, &domain.TaxReport{}, &domain.Portfolio{})

	require.Len(t, conflicts, 1, "one conflict per ticker even with repeated trades")
	c := conflicts[0]
	assert.Equal(t, domain.ConflictContradictoryActions, c.Type)
	assert.Equal(t, []string{AgentDrift}, c.AgentsInvolved)
	assert.Contains(t, c.Description, "NVDA")
	require.Len(t, c.ResolutionOptions, 3)
}

func TestDetect_CleanFindings(t *testing.T) {
	conflicts := newTestDetector().Detect(&domain.DriftReport{}, &domain.TaxReport{}, &domain.Portfolio{})
	assert.Empty(t, conflicts)
}

func TestDetect_FreshConflictIDs(t *testing.T) {
	drift := driftWithTrades(
		domain.RecommendedTrade{Ticker: "NVDA", Action: domain.TradeActionSell, Quantity: 500, Urgency: 5},
		domain.RecommendedTrade{Ticker: "NVDA", Action: domain.TradeActionBuy, Quantity: 200, Urgency: 3},
	)
	tax := taxWithViolations(nvdaViolation(15))

	conflicts := newTestDetector().Detect(drift, tax, &domain.Portfolio{})

	require.Len(t, conflicts, 2)
	assert.NotEqual(t, conflicts[0].ConflictID, conflicts[1].ConflictID)
	for _, c := range conflicts {
		assert.True(t, strings.HasPrefix(c.ConflictID, "conf_"))
	}
}

func TestDetect_CustomThresholds(t *testing.T) {
	cfg := config.DefaultScoringConfig()
	cfg.TaxConflictThreshold = 10_000
	cfg.ConflictUrgencyCeiling = 9
	detector := New(cfg, zerolog.Nop())

	drift := driftWithTrades(domain.RecommendedTrade{
		Ticker: "NVDA", Action: domain.TradeActionSell, Quantity: 100, Urgency: 7,
	})
	tax := &domain.TaxReport{
		ProposedTradesAnalysis: []map[string]any{
			{"ticker": "NVDA", "action": "sell", "tax_impact": 15_000.0},
		},
	}

	conflicts := detector.Detect(drift, tax, &domain.Portfolio{})

	require.Len(t, conflicts, 1, "lowered threshold and raised ceiling catch the trade")
	assert.Equal(t, domain.ConflictTaxInefficient, conflicts[0].Type)
}
