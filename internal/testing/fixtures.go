package testing

import (
	"time"

	"github.com/meridianfo/vigil/internal/domain"
)

// ConcentratedPortfolio returns a growth mandate with seventy percent of its
// weight in Technology and NVDA alone well past the client's concentration
// limit. Heartbeat reviews and Technology market events both flag it.
func ConcentratedPortfolio(id string) *domain.Portfolio {
	return &domain.Portfolio{
		PortfolioID: id,
		ClientID:    "client_tech",
		Name:        "Growth Mandate",
		AUMUSD:      20_000_000,
		Holdings: []domain.Holding{
			{
				Ticker:             "NVDA",
				Sector:             "Technology",
				AssetClass:         domain.AssetClassUSEquities,
				Quantity:           10000,
				CurrentPrice:       900,
				MarketValue:        9_000_000,
				PortfolioWeight:    0.45,
				CostBasis:          5_000_000,
				UnrealizedGainLoss: 4_000_000,
				TaxLots: []domain.TaxLot{
					{
						LotID:         "nvda_lot_1",
						PurchaseDate:  time.Now().UTC().AddDate(-2, 0, 0),
						PurchasePrice: 500,
						Quantity:      10000,
						CostBasis:     5_000_000,
					},
				},
			},
			{
				Ticker:             "AAPL",
				Sector:             "Technology",
				AssetClass:         domain.AssetClassUSEquities,
				Quantity:           25000,
				CurrentPrice:       200,
				MarketValue:        5_000_000,
				PortfolioWeight:    0.25,
				CostBasis:          4_000_000,
				UnrealizedGainLoss: 1_000_000,
			},
		},
		TargetAllocation: domain.TargetAllocation{
			USEquities:  0.50,
			FixedIncome: 0.30,
			Cash:        0.20,
		},
		ClientProfile: domain.ClientProfile{
			ClientID:           "client_tech",
			RiskTolerance:      domain.RiskToleranceModerateGrowth,
			TaxSensitivity:     0.6,
			ConcentrationLimit: 0.15,
		},
	}
}

// CashPortfolio returns a portfolio holding nothing but cash. Heartbeat
// reviews find nothing to flag on it.
func CashPortfolio(id string) *domain.Portfolio {
	return &domain.Portfolio{
		PortfolioID:   id,
		ClientID:      "client_cash",
		Name:          "Liquidity Reserve",
		AUMUSD:        2_000_000,
		CashAvailable: 2_000_000,
		ClientProfile: domain.ClientProfile{
			ClientID:           "client_cash",
			RiskTolerance:      domain.RiskToleranceConservative,
			TaxSensitivity:     0.3,
			ConcentrationLimit: 0.20,
		},
	}
}

// RecentSellTransactions returns a NVDA sale executed inside the wash-sale
// lookback window, for tests exercising the tax agent's violation path.
func RecentSellTransactions(portfolioID string) []domain.Transaction {
	return []domain.Transaction{
		{
			Timestamp:   time.Now().UTC().AddDate(0, 0, -15),
			ID:          "txn_" + portfolioID + "_001",
			PortfolioID: portfolioID,
			Ticker:      "NVDA",
			Action:      domain.TradeActionSell,
			Quantity:    500,
			Price:       820,
		},
	}
}
