package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AssetClass buckets holdings for per-class aggregation.
type AssetClass string

const (
	AssetClassStock  AssetClass = "stock"
	AssetClassOption AssetClass = "option"
	AssetClassCrypto AssetClass = "crypto"
)

// OptionGreeks carries the option-specific risk measures the brokerage
// reports. Zero values mean the broker did not supply them.
type OptionGreeks struct {
	Delta decimal.Decimal `json:"delta"`
	Gamma decimal.Decimal `json:"gamma"`
	Theta decimal.Decimal `json:"theta"`
	Vega  decimal.Decimal `json:"vega"`
	Rho   decimal.Decimal `json:"rho"`
}

// Holding is one open (or recently closed) position inside a linked
// account. At most one active row exists per (account, symbol, asset
// class); closed positions are kept with IsActive=false, never deleted.
type Holding struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	AccountID  uuid.UUID  `json:"account_id" db:"account_id"`
	Symbol     string     `json:"symbol" db:"symbol"`
	AssetClass AssetClass `json:"asset_class" db:"asset_class"`

	Quantity        decimal.Decimal  `json:"quantity" db:"quantity"`
	AverageCost     decimal.Decimal  `json:"average_cost" db:"average_cost"`
	CurrentPrice    decimal.Decimal  `json:"current_price" db:"current_price"`
	PreviousClose   *decimal.Decimal `json:"previous_close,omitempty" db:"previous_close"`
	MarketValue     decimal.Decimal  `json:"market_value" db:"market_value"`
	TotalPL         decimal.Decimal  `json:"total_pl" db:"total_pl"`
	TotalPLPercent  decimal.Decimal  `json:"total_pl_percent" db:"total_pl_percent"`
	DailyPL         decimal.Decimal  `json:"daily_pl" db:"daily_pl"`
	DailyPLPercent  decimal.Decimal  `json:"daily_pl_percent" db:"daily_pl_percent"`

	// Option-only fields.
	StrikePrice    *decimal.Decimal `json:"strike_price,omitempty" db:"strike_price"`
	ExpirationDate *time.Time       `json:"expiration_date,omitempty" db:"expiration_date"`
	ContractType   *string          `json:"contract_type,omitempty" db:"contract_type"`
	Greeks         *OptionGreeks    `json:"greeks,omitempty" db:"-"`

	IsActive  bool       `json:"is_active" db:"is_active"`
	ClosedAt  *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// CostBasis is quantity times average cost.
func (h *Holding) CostBasis() decimal.Decimal {
	return h.Quantity.Mul(h.AverageCost)
}

// HasDailyQuote reports whether the last sync captured a previous close
// for this symbol. Holdings without one sit out the movers ranking.
func (h *Holding) HasDailyQuote() bool {
	return h.PreviousClose != nil && !h.PreviousClose.IsZero()
}
