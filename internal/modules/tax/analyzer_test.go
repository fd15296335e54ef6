package tax

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfo/vigil/internal/domain"
)

func newTestAnalyzer() *Analyzer {
	return New(zerolog.Nop())
}

func daysAgo(n int) time.Time {
	return time.Now().UTC().Add(-time.Duration(n) * 24 * time.Hour)
}

// taxPortfolio carries NVDA with a large long-term gain, MSFT with a
// short-term-majority gain, and TLT with an unrealized loss.
func taxPortfolio() *domain.Portfolio {
	return &domain.Portfolio{
		PortfolioID: "port_ultra_001",
		ClientID:    "client_001",
		AUMUSD:      50_000_000,
		Holdings: []domain.Holding{
			{
				Ticker:             "NVDA",
				Sector:             "Technology",
				AssetClass:         domain.AssetClassUSEquities,
				Quantity:           10_000,
				CurrentPrice:       850,
				MarketValue:        8_500_000,
				PortfolioWeight:    0.17,
				CostBasis:          5_000_000,
				UnrealizedGainLoss: 3_500_000,
				TaxLots: []domain.TaxLot{
					{LotID: "nvda_1", PurchaseDate: daysAgo(730), PurchasePrice: 450, Quantity: 8_000, CostBasis: 3_600_000},
					{LotID: "nvda_2", PurchaseDate: daysAgo(180), PurchasePrice: 700, Quantity: 2_000, CostBasis: 1_400_000},
				},
			},
			{
				Ticker:             "MSFT",
				Sector:             "Technology",
				AssetClass:         domain.AssetClassUSEquities,
				Quantity:           1_000,
				CurrentPrice:       400,
				MarketValue:        400_000,
				PortfolioWeight:    0.008,
				CostBasis:          300_000,
				UnrealizedGainLoss: 100_000,
				TaxLots: []domain.TaxLot{
					{LotID: "msft_1", PurchaseDate: daysAgo(400), PurchasePrice: 250, Quantity: 300, CostBasis: 75_000},
					{LotID: "msft_2", PurchaseDate: daysAgo(90), PurchasePrice: 320, Quantity: 700, CostBasis: 224_000},
				},
			},
			{
				Ticker:             "TLT",
				Sector:             "Fixed Income",
				AssetClass:         domain.AssetClassFixedIncome,
				Quantity:           50_000,
				CurrentPrice:       95,
				MarketValue:        4_750_000,
				PortfolioWeight:    0.095,
				CostBasis:          5_200_000,
				UnrealizedGainLoss: -450_000,
			},
		},
		ClientProfile: domain.ClientProfile{
			ClientID:           "client_001",
			RiskTolerance:      domain.RiskToleranceModerateGrowth,
			TaxSensitivity:     0.8,
			ConcentrationLimit: 0.15,
		},
	}
}

func sellTrade(ticker string, qty float64) domain.RecommendedTrade {
	return domain.RecommendedTrade{Ticker: ticker, Action: domain.TradeActionSell, Quantity: qty, Urgency: 5}
}

func buyTrade(ticker string, qty float64) domain.RecommendedTrade {
	return domain.RecommendedTrade{Ticker: ticker, Action: domain.TradeActionBuy, Quantity: qty, Urgency: 5}
}

func TestAnalyze_RecentSellFlagsProposedTrade(t *testing.T) {
	transactions := []domain.Transaction{
		{ID: "tx_1", PortfolioID: "port_ultra_001", Ticker: "NVDA",
			Action: domain.TradeActionSell, Quantity: 500, Price: 880, Timestamp: daysAgo(15)},
	}
	trades := []domain.RecommendedTrade{sellTrade("NVDA", 1_176)}

	report := newTestAnalyzer().Analyze(taxPortfolio(), transactions, trades, nil)

	require.Len(t, report.WashSaleViolations, 1)
	v := report.WashSaleViolations[0]
	assert.Equal(t, "NVDA", v.Ticker)
	assert.Equal(t, 15, v.DaysSinceSale)
	assert.Equal(t, 16, v.DaysUntilClear())
	assert.Zero(t, v.DisallowedLoss, "NVDA carries a gain, nothing to disallow")
	assert.Contains(t, v.Recommendation, "16 more days")
	assert.Contains(t, report.Reasoning, "wash-sale")
}

func TestAnalyze_WashSaleWindowBoundaries(t *testing.T) {
	tests := []struct {
		name           string
		daysSince      int
		wantViolation  bool
		wantUntilClear int
	}{
		{"sold today", 0, true, 31},
		{"mid window", 15, true, 16},
		{"last day inside window", 30, true, 1},
		{"window just closed", 31, false, 0},
		{"well past window", 45, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transactions := []domain.Transaction{
				{ID: "tx_1", Ticker: "NVDA", Action: domain.TradeActionSell,
					Quantity: 500, Price: 880, Timestamp: daysAgo(tt.daysSince)},
			}
			report := newTestAnalyzer().Analyze(taxPortfolio(), transactions,
				[]domain.RecommendedTrade{sellTrade("NVDA", 1_000)}, nil)

			if !tt.wantViolation {
				assert.Empty(t, report.WashSaleViolations)
				return
			}
			require.Len(t, report.WashSaleViolations, 1)
			assert.Equal(t, tt.daysSince, report.WashSaleViolations[0].DaysSinceSale)
			assert.Equal(t, tt.wantUntilClear, report.WashSaleViolations[0].DaysUntilClear())
		})
	}
}

func TestAnalyze_DisallowedLossFromLosingHolding(t *testing.T) {
	transactions := []domain.Transaction{
		{ID: "tx_1", Ticker: "TLT", Action: domain.TradeActionSell,
			Quantity: 1_000, Price: 96, Timestamp: daysAgo(10)},
	}
	trades := []domain.RecommendedTrade{buyTrade("TLT", 2_000)}

	report := newTestAnalyzer().Analyze(taxPortfolio(), transactions, trades, nil)

	require.Len(t, report.WashSaleViolations, 1)
	assert.Equal(t, 450_000.0, report.WashSaleViolations[0].DisallowedLoss)
	assert.Equal(t, 10, report.WashSaleViolations[0].DaysSinceSale)
}

func TestAnalyze_OneViolationPerPriorSale(t *testing.T) {
	transactions := []domain.Transaction{
		{ID: "tx_1", Ticker: "NVDA", Action: domain.TradeActionSell,
			Quantity: 200, Price: 860, Timestamp: daysAgo(5)},
		{ID: "tx_2", Ticker: "NVDA", Action: domain.TradeActionSell,
			Quantity: 300, Price: 870, Timestamp: daysAgo(20)},
		{ID: "tx_3", Ticker: "NVDA", Action: domain.TradeActionBuy,
			Quantity: 100, Price: 840, Timestamp: daysAgo(8)},
	}
	report := newTestAnalyzer().Analyze(taxPortfolio(), transactions,
		[]domain.RecommendedTrade{sellTrade("NVDA", 1_000)}, nil)

	require.Len(t, report.WashSaleViolations, 2, "one violation per recent sell, buys ignored")
	days := []int{report.WashSaleViolations[0].DaysSinceSale, report.WashSaleViolations[1].DaysSinceSale}
	assert.ElementsMatch(t, []int{5, 20}, days)
}

func TestAnalyze_SameDayViolation(t *testing.T) {
	trades := []domain.RecommendedTrade{
		sellTrade("TLT", 50_000),
		buyTrade("TLT", 10_000),
		sellTrade("NVDA", 1_000),
		buyTrade("NVDA", 500),
	}

	report := newTestAnalyzer().Analyze(taxPortfolio(), nil, trades, nil)

	require.Len(t, report.WashSaleViolations, 1, "gain positions are not same-day flagged")
	v := report.WashSaleViolations[0]
	assert.Equal(t, "TLT", v.Ticker)
	assert.Zero(t, v.DaysSinceSale)
	assert.Equal(t, 450_000.0, v.DisallowedLoss)
	assert.WithinDuration(t, time.Now().UTC(), v.PriorSaleDate, time.Minute)
}

func TestAnalyze_HarvestWithoutYTDGains(t *testing.T) {
	report := newTestAnalyzer().Analyze(taxPortfolio(), nil, nil, nil)

	require.Len(t, report.TaxOpportunities, 1)
	opp := report.TaxOpportunities[0]
	assert.Equal(t, "TLT", opp.Ticker)
	assert.Equal(t, domain.TaxOpportunityHarvestLoss, opp.Type)
	assert.Contains(t, opp.ActionRequired, "Sell TLT")
	// min(450000, 3000) * 0.408
	assert.InDelta(t, 1_224.0, opp.EstimatedBenefit, 1e-9)
}

func TestAnalyze_HarvestAgainstYTDGains(t *testing.T) {
	ctx := map[string]any{ContextYTDGains: 2_000_000.0}

	report := newTestAnalyzer().Analyze(taxPortfolio(), nil, nil, ctx)

	require.Len(t, report.TaxOpportunities, 1)
	// min(450000, 2000000) * 0.408
	assert.InDelta(t, 183_600.0, report.TaxOpportunities[0].EstimatedBenefit, 1e-6)
}

func TestAnalyze_HarvestCappedByYTDGains(t *testing.T) {
	ctx := map[string]any{ContextYTDGains: 100_000}

	report := newTestAnalyzer().Analyze(taxPortfolio(), nil, nil, ctx)

	require.Len(t, report.TaxOpportunities, 1)
	// min(450000, 100000) * 0.408, integer context value accepted
	assert.InDelta(t, 40_800.0, report.TaxOpportunities[0].EstimatedBenefit, 1e-6)
}

func TestAnalyze_HarvestSortedByBenefit(t *testing.T) {
	p := taxPortfolio()
	p.Holdings = append(p.Holdings, domain.Holding{
		Ticker: "VNQ", Sector: "Real Estate", AssetClass: domain.AssetClassAlternatives,
		Quantity: 5_000, CurrentPrice: 80, MarketValue: 400_000, PortfolioWeight: 0.008,
		CostBasis: 410_000, UnrealizedGainLoss: -10_000,
	})
	ctx := map[string]any{ContextYTDGains: 5_000_000.0}

	report := newTestAnalyzer().Analyze(p, nil, nil, ctx)

	require.Len(t, report.TaxOpportunities, 2)
	assert.Equal(t, "TLT", report.TaxOpportunities[0].Ticker)
	assert.Equal(t, "VNQ", report.TaxOpportunities[1].Ticker)
	assert.Greater(t, report.TaxOpportunities[0].EstimatedBenefit, report.TaxOpportunities[1].EstimatedBenefit)
}

func TestAnalyze_LongTermSellImpact(t *testing.T) {
	trades := []domain.RecommendedTrade{sellTrade("NVDA", 10_000)}

	report := newTestAnalyzer().Analyze(taxPortfolio(), nil, trades, nil)

	require.Len(t, report.ProposedTradesAnalysis, 1)
	entry := report.ProposedTradesAnalysis[0]
	assert.Equal(t, "NVDA", entry["ticker"])
	assert.Equal(t, "sell", entry["action"])
	assert.Equal(t, "long_term", entry["treatment"])
	assert.Equal(t, 1.0, entry["sell_ratio"])
	assert.InDelta(t, 3_500_000.0, entry["realized_gain_loss"].(float64), 1e-6)
	assert.Equal(t, LongTermRate, entry["applicable_rate"])
	assert.InDelta(t, 833_000.0, entry["tax_impact"].(float64), 1e-3)
	assert.InDelta(t, 833_000.0, report.TotalTaxImpact, 1e-3)
}

func TestAnalyze_ShortTermMajorityUsesShortRate(t *testing.T) {
	trades := []domain.RecommendedTrade{sellTrade("MSFT", 1_000)}

	report := newTestAnalyzer().Analyze(taxPortfolio(), nil, trades, nil)

	require.Len(t, report.ProposedTradesAnalysis, 1)
	entry := report.ProposedTradesAnalysis[0]
	assert.Equal(t, "short_term", entry["treatment"])
	assert.Equal(t, ShortTermRate, entry["applicable_rate"])
	assert.InDelta(t, 40_800.0, entry["tax_impact"].(float64), 1e-6)
}

func TestAnalyze_PartialSellRatio(t *testing.T) {
	trades := []domain.RecommendedTrade{sellTrade("NVDA", 5_000)}

	report := newTestAnalyzer().Analyze(taxPortfolio(), nil, trades, nil)

	entry := report.ProposedTradesAnalysis[0]
	assert.Equal(t, 0.5, entry["sell_ratio"])
	assert.InDelta(t, 1_750_000.0, entry["realized_gain_loss"].(float64), 1e-6)
}

func TestAnalyze_SellRatioCappedAtOne(t *testing.T) {
	trades := []domain.RecommendedTrade{sellTrade("MSFT", 5_000)}

	report := newTestAnalyzer().Analyze(taxPortfolio(), nil, trades, nil)

	entry := report.ProposedTradesAnalysis[0]
	assert.Equal(t, 1.0, entry["sell_ratio"])
}

func TestAnalyze_LossSellHasZeroImpact(t *testing.T) {
	trades := []domain.RecommendedTrade{sellTrade("TLT", 50_000)}

	report := newTestAnalyzer().Analyze(taxPortfolio(), nil, trades, nil)

	entry := report.ProposedTradesAnalysis[0]
	assert.InDelta(t, -450_000.0, entry["realized_gain_loss"].(float64), 1e-6)
	assert.Equal(t, 0.0, entry["tax_impact"])
	assert.Zero(t, report.TotalTaxImpact)
}

func TestAnalyze_NewPositionEntry(t *testing.T) {
	trades := []domain.RecommendedTrade{buyTrade("GLD", 1_000)}

	report := newTestAnalyzer().Analyze(taxPortfolio(), nil, trades, nil)

	require.Len(t, report.ProposedTradesAnalysis, 1)
	entry := report.ProposedTradesAnalysis[0]
	assert.Equal(t, "new_position", entry["treatment"])
	assert.Equal(t, 0.0, entry["tax_impact"])
}

func TestAnalyze_BuyOnHeldTickerHasZeroImpact(t *testing.T) {
	trades := []domain.RecommendedTrade{buyTrade("MSFT", 100)}

	report := newTestAnalyzer().Analyze(taxPortfolio(), nil, trades, nil)

	entry := report.ProposedTradesAnalysis[0]
	assert.Equal(t, "acquisition", entry["treatment"])
	assert.Equal(t, 0.0, entry["tax_impact"])
}

func TestAnalyze_AbsentLotsTreatedLongTerm(t *testing.T) {
	p := taxPortfolio()
	p.Holdings[1].TaxLots = nil
	p.Holdings[1].UnrealizedGainLoss = 100_000
	trades := []domain.RecommendedTrade{sellTrade("MSFT", 1_000)}

	report := newTestAnalyzer().Analyze(p, nil, trades, nil)

	entry := report.ProposedTradesAnalysis[0]
	assert.Equal(t, "long_term", entry["treatment"])
	assert.Equal(t, LongTermRate, entry["applicable_rate"])
}

func TestAnalyze_Recommendations(t *testing.T) {
	t.Run("clean portfolio", func(t *testing.T) {
		p := taxPortfolio()
		p.Holdings = p.Holdings[:2] // drop the loss position

		report := newTestAnalyzer().Analyze(p, nil, nil, nil)

		require.Len(t, report.Recommendations, 1)
		assert.Contains(t, report.Recommendations[0], "tax-efficient, no action required")
		assert.Contains(t, report.Reasoning, "No material tax exposure")
	})

	t.Run("violations and sells", func(t *testing.T) {
		transactions := []domain.Transaction{
			{ID: "tx_1", Ticker: "NVDA", Action: domain.TradeActionSell,
				Quantity: 500, Price: 880, Timestamp: daysAgo(15)},
		}
		trades := []domain.RecommendedTrade{sellTrade("NVDA", 1_176)}

		report := newTestAnalyzer().Analyze(taxPortfolio(), transactions, trades, nil)

		joined := ""
		for _, rec := range report.Recommendations {
			joined += rec + "\n"
		}
		assert.Contains(t, joined, "Warning: 1 wash-sale violation(s)")
		assert.Contains(t, joined, "Harvest TLT first")
		assert.Contains(t, joined, "HIFO lot selection")
	})
}

func TestAnalyze_Deterministic(t *testing.T) {
	a := newTestAnalyzer()
	transactions := []domain.Transaction{
		{ID: "tx_1", Ticker: "NVDA", Action: domain.TradeActionSell,
			Quantity: 500, Price: 880, Timestamp: daysAgo(15)},
	}
	trades := []domain.RecommendedTrade{sellTrade("NVDA", 1_176), sellTrade("TLT", 10_000)}
	ctx := map[string]any{ContextYTDGains: 750_000.0}

	first := a.Analyze(taxPortfolio(), transactions, trades, ctx)
	second := a.Analyze(taxPortfolio(), transactions, trades, ctx)

	first.Timestamp = time.Time{}
	second.Timestamp = time.Time{}
	require.Equal(t, first, second)
}
