package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxLot_IsLongTerm(t *testing.T) {
	asOf := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		daysHeld int
		expected bool
	}{
		{name: "same day", daysHeld: 0, expected: false},
		{name: "short term", daysHeld: 120, expected: false},
		{name: "exactly one year", daysHeld: 365, expected: false},
		{name: "one day past a year", daysHeld: 366, expected: true},
		{name: "multi year", daysHeld: 900, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lot := TaxLot{
				LotID:         "lot-1",
				PurchaseDate:  asOf.AddDate(0, 0, -tt.daysHeld),
				PurchasePrice: 100.0,
				Quantity:      10.0,
				CostBasis:     1000.0,
			}
			assert.Equal(t, tt.daysHeld, lot.HoldingPeriodDays(asOf))
			assert.Equal(t, tt.expected, lot.IsLongTerm(asOf))
		})
	}
}

func TestTaxLot_Validate(t *testing.T) {
	tests := []struct {
		name    string
		lot     TaxLot
		wantErr string
	}{
		{
			name: "valid lot",
			lot:  TaxLot{LotID: "lot-1", PurchaseDate: time.Now(), PurchasePrice: 50.0, Quantity: 5.0, CostBasis: 250.0},
		},
		{
			name:    "zero purchase price",
			lot:     TaxLot{LotID: "lot-1", PurchasePrice: 0, Quantity: 5.0},
			wantErr: "purchase price must be positive",
		},
		{
			name:    "negative quantity",
			lot:     TaxLot{LotID: "lot-1", PurchasePrice: 50.0, Quantity: -1},
			wantErr: "quantity must be positive",
		},
		{
			name:    "negative cost basis",
			lot:     TaxLot{LotID: "lot-1", PurchasePrice: 50.0, Quantity: 5.0, CostBasis: -10},
			wantErr: "cost basis cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.lot.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				assert.Equal(t, time.UTC, tt.lot.PurchaseDate.Location())
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestHolding_GainLossPct(t *testing.T) {
	tests := []struct {
		name     string
		basis    float64
		gainLoss float64
		expected float64
	}{
		{name: "gain", basis: 1000.0, gainLoss: 250.0, expected: 0.25},
		{name: "loss", basis: 1000.0, gainLoss: -400.0, expected: -0.4},
		{name: "zero basis", basis: 0, gainLoss: 500.0, expected: 0},
		{name: "flat", basis: 1000.0, gainLoss: 0, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Holding{CostBasis: tt.basis, UnrealizedGainLoss: tt.gainLoss}
			assert.InDelta(t, tt.expected, h.GainLossPct(), 1e-9)
		})
	}
}

func TestHolding_Validate(t *testing.T) {
	valid := func() Holding {
		return Holding{
			Ticker:          "nvda",
			Sector:          "Technology",
			AssetClass:      AssetClassUSEquities,
			Quantity:        100.0,
			CurrentPrice:    850.0,
			MarketValue:     85000.0,
			PortfolioWeight: 0.17,
			CostBasis:       50000.0,
		}
	}

	t.Run("valid holding normalizes ticker", func(t *testing.T) {
		h := valid()
		require.NoError(t, h.Validate())
		assert.Equal(t, "NVDA", h.Ticker)
	})

	t.Run("empty ticker", func(t *testing.T) {
		h := valid()
		h.Ticker = "  "
		assert.ErrorContains(t, h.Validate(), "ticker must be between 1 and 10 characters")
	})

	t.Run("ticker too long", func(t *testing.T) {
		h := valid()
		h.Ticker = "ABCDEFGHIJK"
		assert.ErrorContains(t, h.Validate(), "ticker must be between 1 and 10 characters")
	})

	t.Run("zero quantity", func(t *testing.T) {
		h := valid()
		h.Quantity = 0
		assert.ErrorContains(t, h.Validate(), "quantity must be positive")
	})

	t.Run("weight above one", func(t *testing.T) {
		h := valid()
		h.PortfolioWeight = 1.2
		assert.ErrorContains(t, h.Validate(), "portfolio weight must be between 0 and 1")
	})

	t.Run("invalid nested lot", func(t *testing.T) {
		h := valid()
		h.TaxLots = []TaxLot{{LotID: "bad", PurchasePrice: 0, Quantity: 1}}
		assert.ErrorContains(t, h.Validate(), "tax lot 0")
	})
}

func TestTargetAllocation_Validate(t *testing.T) {
	tests := []struct {
		name       string
		allocation TargetAllocation
		wantErr    bool
	}{
		{
			name: "exact sum",
			allocation: TargetAllocation{
				USEquities: 0.35, InternationalEquities: 0.20, FixedIncome: 0.25,
				Alternatives: 0.10, StructuredProducts: 0.05, Cash: 0.05,
			},
		},
		{
			name: "within tolerance",
			allocation: TargetAllocation{
				USEquities: 0.35, InternationalEquities: 0.20, FixedIncome: 0.25,
				Alternatives: 0.10, StructuredProducts: 0.05, Cash: 0.058,
			},
		},
		{
			name: "sum too high",
			allocation: TargetAllocation{
				USEquities: 0.40, InternationalEquities: 0.25, FixedIncome: 0.25,
				Alternatives: 0.10, StructuredProducts: 0.05, Cash: 0.05,
			},
			wantErr: true,
		},
		{
			name: "sum too low",
			allocation: TargetAllocation{
				USEquities: 0.30, InternationalEquities: 0.20, FixedIncome: 0.25,
				Alternatives: 0.10, StructuredProducts: 0.05, Cash: 0.05,
			},
			wantErr: true,
		},
		{
			name: "negative weight",
			allocation: TargetAllocation{
				USEquities: 1.05, InternationalEquities: -0.05, FixedIncome: 0.0,
				Alternatives: 0.0, StructuredProducts: 0.0, Cash: 0.0,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.allocation.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTargetAllocation_WeightFor(t *testing.T) {
	allocation := TargetAllocation{
		USEquities:            0.35,
		InternationalEquities: 0.20,
		FixedIncome:           0.25,
		Alternatives:          0.10,
		StructuredProducts:    0.05,
		Cash:                  0.05,
	}

	assert.Equal(t, 0.35, allocation.WeightFor(AssetClassUSEquities))
	assert.Equal(t, 0.20, allocation.WeightFor(AssetClassInternationalEquities))
	assert.Equal(t, 0.25, allocation.WeightFor(AssetClassFixedIncome))
	assert.Equal(t, 0.10, allocation.WeightFor(AssetClassAlternatives))
	assert.Equal(t, 0.05, allocation.WeightFor(AssetClassStructuredProducts))
	assert.Equal(t, 0.05, allocation.WeightFor(AssetClassCash))
	assert.Equal(t, 0.0, allocation.WeightFor(AssetClass("unknown")))

	weights := allocation.Weights()
	require.Len(t, weights, 6)
	assert.Equal(t, AssetClassUSEquities, weights[0].Class)
	assert.Equal(t, AssetClassCash, weights[5].Class)
	assert.InDelta(t, 1.0, allocation.Sum(), 1e-9)
}

func TestAssetClassFromLabel(t *testing.T) {
	assert.Equal(t, AssetClassUSEquities, AssetClassFromLabel("US Equities"))
	assert.Equal(t, AssetClassInternationalEquities, AssetClassFromLabel("International Equities"))
	assert.Equal(t, AssetClassFixedIncome, AssetClassFromLabel("fixed_income"))
	assert.Equal(t, AssetClassCash, AssetClassFromLabel("  Cash "))
}

func TestClientProfile_Validate(t *testing.T) {
	t.Run("default concentration limit applied", func(t *testing.T) {
		profile := ClientProfile{
			ClientID:      "client-001",
			RiskTolerance: RiskToleranceModerateGrowth,
		}
		require.NoError(t, profile.Validate())
		assert.Equal(t, DefaultConcentrationLimit, profile.ConcentrationLimit)
	})

	t.Run("explicit limit preserved", func(t *testing.T) {
		profile := ClientProfile{
			ClientID:           "client-001",
			RiskTolerance:      RiskToleranceAggressive,
			ConcentrationLimit: 0.25,
		}
		require.NoError(t, profile.Validate())
		assert.Equal(t, 0.25, profile.ConcentrationLimit)
	})

	t.Run("unknown risk tolerance", func(t *testing.T) {
		profile := ClientProfile{ClientID: "client-001", RiskTolerance: "yolo"}
		assert.ErrorContains(t, profile.Validate(), "invalid risk tolerance")
	})

	t.Run("tax sensitivity out of range", func(t *testing.T) {
		profile := ClientProfile{
			ClientID:       "client-001",
			RiskTolerance:  RiskToleranceConservative,
			TaxSensitivity: 1.5,
		}
		assert.ErrorContains(t, profile.Validate(), "tax sensitivity must be between 0 and 1")
	})
}

func TestPortfolio_DerivedValues(t *testing.T) {
	portfolio := Portfolio{
		PortfolioID: "port-001",
		ClientID:    "client-001",
		Name:        "Family Trust",
		AUMUSD:      50_000_000,
		Holdings: []Holding{
			{Ticker: "NVDA", Sector: "Technology", AssetClass: AssetClassUSEquities, Quantity: 10000, CurrentPrice: 850, MarketValue: 8_500_000, PortfolioWeight: 0.17, CostBasis: 5_000_000, UnrealizedGainLoss: 3_500_000},
			{Ticker: "MSFT", Sector: "Technology", AssetClass: AssetClassUSEquities, Quantity: 8000, CurrentPrice: 400, MarketValue: 3_200_000, PortfolioWeight: 0.064, CostBasis: 2_500_000, UnrealizedGainLoss: 700_000},
			{Ticker: "TLT", Sector: "Fixed Income", AssetClass: AssetClassFixedIncome, Quantity: 50000, CurrentPrice: 95, MarketValue: 4_750_000, PortfolioWeight: 0.095, CostBasis: 5_000_000, UnrealizedGainLoss: -250_000},
		},
	}

	assert.InDelta(t, 16_450_000, portfolio.TotalMarketValue(), 1e-6)

	holding, ok := portfolio.HoldingByTicker("nvda")
	require.True(t, ok)
	assert.Equal(t, "NVDA", holding.Ticker)

	_, ok = portfolio.HoldingByTicker("AAPL")
	assert.False(t, ok)

	assert.InDelta(t, 0.234, portfolio.SectorWeight("Technology"), 1e-9)
	assert.InDelta(t, 0.095, portfolio.SectorWeight("Fixed Income"), 1e-9)
	assert.Equal(t, 0.0, portfolio.SectorWeight("Energy"))

	assert.InDelta(t, 0.234, portfolio.AssetClassWeight(AssetClassUSEquities), 1e-9)
	assert.InDelta(t, 0.095, portfolio.AssetClassWeight(AssetClassFixedIncome), 1e-9)
}

func TestPortfolio_Validate(t *testing.T) {
	portfolio := Portfolio{
		PortfolioID: "port-001",
		ClientID:    "client-001",
		AUMUSD:      1_000_000,
		TargetAllocation: TargetAllocation{
			USEquities: 0.60, FixedIncome: 0.30, Cash: 0.10,
		},
		ClientProfile: ClientProfile{ClientID: "client-001", RiskTolerance: RiskToleranceConservative},
	}
	require.NoError(t, portfolio.Validate())

	portfolio.AUMUSD = 0
	assert.ErrorContains(t, portfolio.Validate(), "aum must be positive")
}

func TestTransaction_Validate(t *testing.T) {
	tests := []struct {
		name    string
		txn     Transaction
		wantErr string
	}{
		{
			name: "valid sell",
			txn:  Transaction{ID: "txn-1", PortfolioID: "port-001", Ticker: "nvda", Action: TradeActionSell, Quantity: 100, Price: 850, Timestamp: time.Now()},
		},
		{
			name:    "empty ticker",
			txn:     Transaction{ID: "txn-1", Action: TradeActionBuy, Quantity: 1, Price: 1},
			wantErr: "ticker cannot be empty",
		},
		{
			name:    "bad action",
			txn:     Transaction{ID: "txn-1", Ticker: "NVDA", Action: "short", Quantity: 1, Price: 1},
			wantErr: "invalid trade action",
		},
		{
			name:    "zero price",
			txn:     Transaction{ID: "txn-1", Ticker: "NVDA", Action: TradeActionBuy, Quantity: 1, Price: 0},
			wantErr: "price must be positive",
		},
		{
			name:    "negative wash sale amount",
			txn:     Transaction{ID: "txn-1", Ticker: "NVDA", Action: TradeActionSell, Quantity: 1, Price: 1, WashSaleDisallowed: -5},
			wantErr: "wash sale disallowed amount cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.txn.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				assert.Equal(t, "NVDA", tt.txn.Ticker)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestTradeAction_Helpers(t *testing.T) {
	assert.True(t, TradeActionBuy.IsBuy())
	assert.False(t, TradeActionBuy.IsSell())
	assert.True(t, TradeActionSell.IsSell())
	assert.True(t, TradeActionHold.IsValid())
	assert.False(t, TradeAction("short").IsValid())
}
