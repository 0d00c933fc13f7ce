package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MarketStatus is whether US equities are in regular trading hours.
type MarketStatus string

const (
	MarketStatusOpen   MarketStatus = "open"
	MarketStatusClosed MarketStatus = "closed"
)

// Portfolio is the single current-state aggregate for one linked account,
// recomputed after every successful sync. Per-class totals must equal the
// sums over the account's active holdings.
type Portfolio struct {
	ID        uuid.UUID `json:"id" db:"id"`
	AccountID uuid.UUID `json:"account_id" db:"account_id"`

	TotalValue          decimal.Decimal `json:"total_value" db:"total_value"`
	Equity              decimal.Decimal `json:"equity" db:"equity"`
	EquityPreviousClose decimal.Decimal `json:"equity_previous_close" db:"equity_previous_close"`
	Cash                decimal.Decimal `json:"cash" db:"cash"`
	BuyingPower         decimal.Decimal `json:"buying_power" db:"buying_power"`

	TotalPL        decimal.Decimal `json:"total_pl" db:"total_pl"`
	TotalPLPercent decimal.Decimal `json:"total_pl_percent" db:"total_pl_percent"`
	DailyPL        decimal.Decimal `json:"daily_pl" db:"daily_pl"`
	DailyPLPercent decimal.Decimal `json:"daily_pl_percent" db:"daily_pl_percent"`

	StocksValue  decimal.Decimal `json:"stocks_value" db:"stocks_value"`
	StocksCount  int             `json:"stocks_count" db:"stocks_count"`
	OptionsValue decimal.Decimal `json:"options_value" db:"options_value"`
	OptionsCount int             `json:"options_count" db:"options_count"`
	CryptoValue  decimal.Decimal `json:"crypto_value" db:"crypto_value"`
	CryptoCount  int             `json:"crypto_count" db:"crypto_count"`

	MarginLimit     decimal.Decimal `json:"margin_limit" db:"margin_limit"`
	MarginAvailable decimal.Decimal `json:"margin_available" db:"margin_available"`
	MarginInvested  decimal.Decimal `json:"margin_invested" db:"margin_invested"`
	CashInvested    decimal.Decimal `json:"cash_invested" db:"cash_invested"`
	LeveragePercent decimal.Decimal `json:"leverage_percent" db:"leverage_percent"`

	MarketStatus MarketStatus `json:"market_status" db:"market_status"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}
