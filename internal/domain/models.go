// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RiskTolerance represents a client's risk appetite
type RiskTolerance string

const (
	RiskToleranceConservative   RiskTolerance = "conservative"
	RiskToleranceModerateGrowth RiskTolerance = "moderate_growth"
	RiskToleranceAggressive     RiskTolerance = "aggressive"
)

// IsValid checks if the risk tolerance is a known profile
func (rt RiskTolerance) IsValid() bool {
	switch rt {
	case RiskToleranceConservative, RiskToleranceModerateGrowth, RiskToleranceAggressive:
		return true
	}
	return false
}

// AssetClass represents a target allocation bucket
type AssetClass string

const (
	AssetClassUSEquities            AssetClass = "us_equities"
	AssetClassInternationalEquities AssetClass = "international_equities"
	AssetClassFixedIncome           AssetClass = "fixed_income"
	AssetClassAlternatives          AssetClass = "alternatives"
	AssetClassStructuredProducts    AssetClass = "structured_products"
	AssetClassCash                  AssetClass = "cash"
)

// AssetClasses lists every allocation bucket in canonical order.
var AssetClasses = []AssetClass{
	AssetClassUSEquities,
	AssetClassInternationalEquities,
	AssetClassFixedIncome,
	AssetClassAlternatives,
	AssetClassStructuredProducts,
	AssetClassCash,
}

// IsValid checks if the asset class is a known bucket
func (ac AssetClass) IsValid() bool {
	for _, known := range AssetClasses {
		if ac == known {
			return true
		}
	}
	return false
}

// AssetClassFromLabel normalizes a human-readable label ("US Equities")
// to its canonical asset class key (us_equities).
func AssetClassFromLabel(label string) AssetClass {
	normalized := strings.ToLower(strings.TrimSpace(label))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	return AssetClass(normalized)
}

// TradeAction represents the direction of a trade instruction
type TradeAction string

const (
	TradeActionBuy  TradeAction = "buy"
	TradeActionSell TradeAction = "sell"
	TradeActionHold TradeAction = "hold"
)

// IsValid checks if the trade action is valid
func (a TradeAction) IsValid() bool {
	return a == TradeActionBuy || a == TradeActionSell || a == TradeActionHold
}

// IsBuy returns true if this is a buy instruction
func (a TradeAction) IsBuy() bool {
	return a == TradeActionBuy
}

// IsSell returns true if this is a sell instruction
func (a TradeAction) IsSell() bool {
	return a == TradeActionSell
}

// LongTermHoldingDays is the holding period beyond which a lot counts as long-term.
const LongTermHoldingDays = 365

// TaxLot represents an individually-identified parcel of a holding
type TaxLot struct {
	PurchaseDate  time.Time `json:"purchase_date"`
	LotID         string    `json:"lot_id"`
	PurchasePrice float64   `json:"purchase_price"`
	Quantity      float64   `json:"quantity"`
	CostBasis     float64   `json:"cost_basis"`
}

// Validate validates lot data and normalizes the purchase date to UTC
func (l *TaxLot) Validate() error {
	if l.PurchasePrice <= 0 {
		return fmt.Errorf("purchase price must be positive")
	}
	if l.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if l.CostBasis < 0 {
		return fmt.Errorf("cost basis cannot be negative")
	}
	l.PurchaseDate = l.PurchaseDate.UTC()
	return nil
}

// HoldingPeriodDays returns whole days held as of the given time
func (l TaxLot) HoldingPeriodDays(asOf time.Time) int {
	days := int(asOf.UTC().Sub(l.PurchaseDate.UTC()).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// IsLongTerm returns true when the lot has been held longer than one year
func (l TaxLot) IsLongTerm(asOf time.Time) bool {
	return l.HoldingPeriodDays(asOf) > LongTermHoldingDays
}

// Holding represents a position within a portfolio snapshot
type Holding struct {
	Ticker             string     `json:"ticker"`
	Sector             string     `json:"sector"`
	AssetClass         AssetClass `json:"asset_class"`
	TaxLots            []TaxLot   `json:"tax_lots,omitempty"`
	Quantity           float64    `json:"quantity"`
	CurrentPrice       float64    `json:"current_price"`
	MarketValue        float64    `json:"market_value"`
	PortfolioWeight    float64    `json:"portfolio_weight"`
	CostBasis          float64    `json:"cost_basis"`
	UnrealizedGainLoss float64    `json:"unrealized_gain_loss"`
}

// Validate validates holding data and normalizes the ticker
func (h *Holding) Validate() error {
	h.Ticker = strings.ToUpper(strings.TrimSpace(h.Ticker))
	if len(h.Ticker) < 1 || len(h.Ticker) > 10 {
		return fmt.Errorf("ticker must be between 1 and 10 characters")
	}
	if h.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if h.CurrentPrice <= 0 {
		return fmt.Errorf("current price must be positive")
	}
	if h.MarketValue < 0 {
		return fmt.Errorf("market value cannot be negative")
	}
	if h.PortfolioWeight < 0 || h.PortfolioWeight > 1 {
		return fmt.Errorf("portfolio weight must be between 0 and 1")
	}
	if h.CostBasis < 0 {
		return fmt.Errorf("cost basis cannot be negative")
	}
	for i := range h.TaxLots {
		if err := h.TaxLots[i].Validate(); err != nil {
			return fmt.Errorf("tax lot %d: %w", i, err)
		}
	}
	return nil
}

// GainLossPct returns the unrealized gain/loss as a fraction of cost basis.
// Returns 0 when the basis is 0.
func (h Holding) GainLossPct() float64 {
	if h.CostBasis == 0 {
		return 0
	}
	return h.UnrealizedGainLoss / h.CostBasis
}

// AllocationSumTolerance is the permitted deviation of a weight set from 1.0.
const AllocationSumTolerance = 0.01

// TargetAllocation holds the six target asset-class weights
type TargetAllocation struct {
	USEquities            float64 `json:"us_equities"`
	InternationalEquities float64 `json:"international_equities"`
	FixedIncome           float64 `json:"fixed_income"`
	Alternatives          float64 `json:"alternatives"`
	StructuredProducts    float64 `json:"structured_products"`
	Cash                  float64 `json:"cash"`
}

// Sum returns the total of all six weights
func (a TargetAllocation) Sum() float64 {
	return a.USEquities + a.InternationalEquities + a.FixedIncome +
		a.Alternatives + a.StructuredProducts + a.Cash
}

// Validate checks each weight is in [0,1] and the set sums to 1.0 within tolerance
func (a TargetAllocation) Validate() error {
	for _, w := range a.Weights() {
		if w.Weight < 0 || w.Weight > 1 {
			return fmt.Errorf("%s weight must be between 0 and 1", w.Class)
		}
	}
	if sum := a.Sum(); math.Abs(sum-1.0) > AllocationSumTolerance {
		return fmt.Errorf("allocation weights sum to %.4f, expected 1.0 within %.2f", sum, AllocationSumTolerance)
	}
	return nil
}

// WeightFor returns the target weight for an asset class
func (a TargetAllocation) WeightFor(class AssetClass) float64 {
	switch class {
	case AssetClassUSEquities:
		return a.USEquities
	case AssetClassInternationalEquities:
		return a.InternationalEquities
	case AssetClassFixedIncome:
		return a.FixedIncome
	case AssetClassAlternatives:
		return a.Alternatives
	case AssetClassStructuredProducts:
		return a.StructuredProducts
	case AssetClassCash:
		return a.Cash
	}
	return 0
}

// AllocationWeight pairs an asset class with its target weight
type AllocationWeight struct {
	Class  AssetClass `json:"class"`
	Weight float64    `json:"weight"`
}

// Weights returns all six weights in canonical order for deterministic iteration
func (a TargetAllocation) Weights() []AllocationWeight {
	weights := make([]AllocationWeight, 0, len(AssetClasses))
	for _, class := range AssetClasses {
		weights = append(weights, AllocationWeight{Class: class, Weight: a.WeightFor(class)})
	}
	return weights
}

// DefaultConcentrationLimit applies when a client profile does not set one.
const DefaultConcentrationLimit = 0.15

// ClientProfile represents the risk and tax preferences of a client
type ClientProfile struct {
	ClientID             string        `json:"client_id"`
	RiskTolerance        RiskTolerance `json:"risk_tolerance"`
	RebalancingFrequency string        `json:"rebalancing_frequency"`
	TaxSensitivity       float64       `json:"tax_sensitivity"`
	ConcentrationLimit   float64       `json:"concentration_limit"`
}

// Validate validates profile data and applies the default concentration limit
func (p *ClientProfile) Validate() error {
	if p.ClientID == "" {
		return fmt.Errorf("client id cannot be empty")
	}
	if !p.RiskTolerance.IsValid() {
		return fmt.Errorf("invalid risk tolerance: %s", p.RiskTolerance)
	}
	if p.TaxSensitivity < 0 || p.TaxSensitivity > 1 {
		return fmt.Errorf("tax sensitivity must be between 0 and 1")
	}
	if p.ConcentrationLimit == 0 {
		p.ConcentrationLimit = DefaultConcentrationLimit
	}
	if p.ConcentrationLimit < 0 || p.ConcentrationLimit > 1 {
		return fmt.Errorf("concentration limit must be between 0 and 1")
	}
	return nil
}

// Portfolio represents an immutable portfolio snapshot under analysis
type Portfolio struct {
	LastRebalance    time.Time        `json:"last_rebalance"`
	PortfolioID      string           `json:"portfolio_id"`
	ClientID         string           `json:"client_id"`
	Name             string           `json:"name"`
	Holdings         []Holding        `json:"holdings"`
	TargetAllocation TargetAllocation `json:"target_allocation"`
	ClientProfile    ClientProfile    `json:"client_profile"`
	AUMUSD           float64          `json:"aum_usd"`
	CashAvailable    float64          `json:"cash_available"`
}

// Validate validates the portfolio and all nested models
func (p *Portfolio) Validate() error {
	if p.PortfolioID == "" {
		return fmt.Errorf("portfolio id cannot be empty")
	}
	if p.AUMUSD <= 0 {
		return fmt.Errorf("aum must be positive")
	}
	if p.CashAvailable < 0 {
		return fmt.Errorf("cash available cannot be negative")
	}
	for i := range p.Holdings {
		if err := p.Holdings[i].Validate(); err != nil {
			return fmt.Errorf("holding %d: %w", i, err)
		}
	}
	if err := p.TargetAllocation.Validate(); err != nil {
		return fmt.Errorf("target allocation: %w", err)
	}
	if err := p.ClientProfile.Validate(); err != nil {
		return fmt.Errorf("client profile: %w", err)
	}
	return nil
}

// TotalMarketValue returns the sum of all holding market values
func (p *Portfolio) TotalMarketValue() float64 {
	var total float64
	for i := range p.Holdings {
		total += p.Holdings[i].MarketValue
	}
	return total
}

// HoldingByTicker returns the holding for a ticker, if present
func (p *Portfolio) HoldingByTicker(ticker string) (*Holding, bool) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	for i := range p.Holdings {
		if p.Holdings[i].Ticker == ticker {
			return &p.Holdings[i], true
		}
	}
	return nil, false
}

// SectorWeight returns the combined portfolio weight of a sector
func (p *Portfolio) SectorWeight(sector string) float64 {
	var weight float64
	for i := range p.Holdings {
		if strings.EqualFold(p.Holdings[i].Sector, sector) {
			weight += p.Holdings[i].PortfolioWeight
		}
	}
	return weight
}

// AssetClassWeight returns the combined portfolio weight of an asset class
func (p *Portfolio) AssetClassWeight(class AssetClass) float64 {
	var weight float64
	for i := range p.Holdings {
		if p.Holdings[i].AssetClass == class {
			weight += p.Holdings[i].PortfolioWeight
		}
	}
	return weight
}

// Transaction represents an executed portfolio transaction
type Transaction struct {
	Timestamp          time.Time   `json:"timestamp"`
	ID                 string      `json:"id"`
	PortfolioID        string      `json:"portfolio_id"`
	Ticker             string      `json:"ticker"`
	Action             TradeAction `json:"action"`
	Quantity           float64     `json:"quantity"`
	Price              float64     `json:"price"`
	WashSaleDisallowed float64     `json:"wash_sale_disallowed"`
}

// Validate validates transaction data and normalizes ticker and timestamp
func (t *Transaction) Validate() error {
	t.Ticker = strings.ToUpper(strings.TrimSpace(t.Ticker))
	if t.Ticker == "" {
		return fmt.Errorf("ticker cannot be empty")
	}
	if !t.Action.IsValid() {
		return fmt.Errorf("invalid trade action: %s", t.Action)
	}
	if t.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if t.Price <= 0 {
		return fmt.Errorf("price must be positive")
	}
	if t.WashSaleDisallowed < 0 {
		return fmt.Errorf("wash sale disallowed amount cannot be negative")
	}
	t.Timestamp = t.Timestamp.UTC()
	return nil
}
