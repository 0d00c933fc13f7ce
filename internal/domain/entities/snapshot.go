package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SnapshotKind records what produced a snapshot. Manual snapshots age out
// after the retention window; daily and sync snapshots are kept.
type SnapshotKind string

const (
	SnapshotKindDaily  SnapshotKind = "daily"
	SnapshotKindManual SnapshotKind = "manual"
	SnapshotKindSync   SnapshotKind = "sync"
)

// PortfolioSnapshot is an immutable point-in-time copy of the portfolio
// value fields. YTD baselines and historical performance read from these.
type PortfolioSnapshot struct {
	ID        uuid.UUID    `json:"id" db:"id"`
	AccountID uuid.UUID    `json:"account_id" db:"account_id"`
	Kind      SnapshotKind `json:"kind" db:"kind"`

	TotalValue     decimal.Decimal `json:"total_value" db:"total_value"`
	Equity         decimal.Decimal `json:"equity" db:"equity"`
	Cash           decimal.Decimal `json:"cash" db:"cash"`
	BuyingPower    decimal.Decimal `json:"buying_power" db:"buying_power"`
	TotalPL        decimal.Decimal `json:"total_pl" db:"total_pl"`
	TotalPLPercent decimal.Decimal `json:"total_pl_percent" db:"total_pl_percent"`
	StocksValue    decimal.Decimal `json:"stocks_value" db:"stocks_value"`
	OptionsValue   decimal.Decimal `json:"options_value" db:"options_value"`
	CryptoValue    decimal.Decimal `json:"crypto_value" db:"crypto_value"`

	SnapshotAt time.Time `json:"snapshot_at" db:"snapshot_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// FromPortfolio copies the value fields of p into a new snapshot of the
// given kind, stamped at. The snapshot gets its own identity.
func FromPortfolio(p *Portfolio, kind SnapshotKind, at time.Time) *PortfolioSnapshot {
	return &PortfolioSnapshot{
		ID:             uuid.New(),
		AccountID:      p.AccountID,
		Kind:           kind,
		TotalValue:     p.TotalValue,
		Equity:         p.Equity,
		Cash:           p.Cash,
		BuyingPower:    p.BuyingPower,
		TotalPL:        p.TotalPL,
		TotalPLPercent: p.TotalPLPercent,
		StocksValue:    p.StocksValue,
		OptionsValue:   p.OptionsValue,
		CryptoValue:    p.CryptoValue,
		SnapshotAt:     at,
		CreatedAt:      at,
	}
}
