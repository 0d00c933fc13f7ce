package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SuccessResponse is the envelope for successful API responses.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

// ErrorResponse is the envelope body for failed API responses.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorEnvelope wraps ErrorResponse with the success flag.
type ErrorEnvelope struct {
	Success bool          `json:"success"`
	Error   ErrorResponse `json:"error"`
}

// SyncResult reports what one successful sync did.
type SyncResult struct {
	AccountID       uuid.UUID       `json:"account_id"`
	HoldingsCreated int             `json:"holdings_created"`
	HoldingsUpdated int             `json:"holdings_updated"`
	HoldingsClosed  int             `json:"holdings_closed"`
	PositionsSeen   int             `json:"positions_seen"`
	TotalValue      decimal.Decimal `json:"total_value"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     time.Time       `json:"completed_at"`
}

// TopMover is one holding ranked by today's move.
type TopMover struct {
	Symbol         string          `json:"symbol"`
	MarketValue    decimal.Decimal `json:"market_value"`
	DailyPL        decimal.Decimal `json:"daily_pl"`
	DailyPLPercent decimal.Decimal `json:"daily_pl_percent"`
}

// TopHolding is the concentration view: the largest position as a share
// of total portfolio value.
type TopHolding struct {
	Symbol           string          `json:"symbol"`
	MarketValue      decimal.Decimal `json:"market_value"`
	PortfolioPercent decimal.Decimal `json:"portfolio_percent"`
}

// TopMovers groups today's best/worst by percent and by dollars. Entries
// are nil when no holding had a usable daily quote.
type TopMovers struct {
	BestByPercent  *TopMover `json:"best_by_percent,omitempty"`
	WorstByPercent *TopMover `json:"worst_by_percent,omitempty"`
	BestByDollar   *TopMover `json:"best_by_dollar,omitempty"`
	WorstByDollar  *TopMover `json:"worst_by_dollar,omitempty"`
}

// PortfolioSummary is the cache-backed summary view for one account.
type PortfolioSummary struct {
	AccountID     uuid.UUID   `json:"account_id"`
	AccountNumber string      `json:"account_number"`
	AccountType   AccountType `json:"account_type"`

	TotalValue  decimal.Decimal `json:"total_value"`
	Equity      decimal.Decimal `json:"equity"`
	Cash        decimal.Decimal `json:"cash"`
	BuyingPower decimal.Decimal `json:"buying_power"`

	TotalPL        decimal.Decimal `json:"total_pl"`
	TotalPLPercent decimal.Decimal `json:"total_pl_percent"`
	DailyPL        decimal.Decimal `json:"daily_pl"`
	DailyPLPercent decimal.Decimal `json:"daily_pl_percent"`

	YTDPL          decimal.Decimal `json:"ytd_pl"`
	YTDPLPercent   decimal.Decimal `json:"ytd_pl_percent"`
	HasYTDBaseline bool            `json:"has_ytd_baseline"`

	TodayPL        decimal.Decimal `json:"today_pl"`
	TodayPLPercent decimal.Decimal `json:"today_pl_percent"`

	StocksValue  decimal.Decimal `json:"stocks_value"`
	StocksCount  int             `json:"stocks_count"`
	OptionsValue decimal.Decimal `json:"options_value"`
	OptionsCount int             `json:"options_count"`
	CryptoValue  decimal.Decimal `json:"crypto_value"`
	CryptoCount  int             `json:"crypto_count"`

	MarginLimit     decimal.Decimal `json:"margin_limit"`
	MarginAvailable decimal.Decimal `json:"margin_available"`
	MarginInvested  decimal.Decimal `json:"margin_invested"`
	CashInvested    decimal.Decimal `json:"cash_invested"`
	LeveragePercent decimal.Decimal `json:"leverage_percent"`

	Movers     TopMovers   `json:"movers"`
	TopHolding *TopHolding `json:"top_holding,omitempty"`

	MarketStatus MarketStatus `json:"market_status"`
	SyncStatus   SyncStatus   `json:"sync_status"`
	LastSyncAt   *time.Time   `json:"last_sync_at,omitempty"`
	AsOf         time.Time    `json:"as_of"`
}

// SnapshotView is one point in a historical performance series.
type SnapshotView struct {
	Kind           SnapshotKind    `json:"kind"`
	TotalValue     decimal.Decimal `json:"total_value"`
	TotalPL        decimal.Decimal `json:"total_pl"`
	TotalPLPercent decimal.Decimal `json:"total_pl_percent"`
	SnapshotAt     time.Time       `json:"snapshot_at"`
}

// AllocationSlice is one asset class's share of the portfolio.
type AllocationSlice struct {
	AssetClass AssetClass      `json:"asset_class"`
	Value      decimal.Decimal `json:"value"`
	Percent    decimal.Decimal `json:"percent"`
	Count      int             `json:"count"`
}

// DeletedCounts reports what an unlink cascade removed.
type DeletedCounts struct {
	Holdings   int64 `json:"holdings"`
	Portfolios int64 `json:"portfolios"`
	Snapshots  int64 `json:"snapshots"`
}

// ConnectionStatus reports a connection test outcome.
type ConnectionStatus struct {
	Connected bool      `json:"connected"`
	Method    string    `json:"method"` // stored_token or credentials
	CheckedAt time.Time `json:"checked_at"`
}
