package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/broker"
	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"
	"github.com/jitension/portfolio-tracker/pkg/logger"
	"github.com/jitension/portfolio-tracker/pkg/metrics"
)

// HoldingStore is the holdings persistence used by the sync pipeline.
type HoldingStore interface {
	ListActiveByAccount(ctx context.Context, accountID uuid.UUID) ([]*entities.Holding, error)
	Create(ctx context.Context, holding *entities.Holding) error
	Update(ctx context.Context, holding *entities.Holding) error
	Close(ctx context.Context, id uuid.UUID, closedAt time.Time) error
}

// Stats counts what one reconciliation pass did.
type Stats struct {
	Created int
	Updated int
	Closed  int
	Skipped int
}

// Reconciler folds freshly fetched broker positions into the account's
// holdings: update or create one holding per observed symbol, close
// previously active holdings of the same asset class that were not
// observed. Closed holdings are kept for history, never deleted.
type Reconciler struct {
	holdings HoldingStore
	logger   *logger.Logger
}

func NewReconciler(holdings HoldingStore, log *logger.Logger) *Reconciler {
	return &Reconciler{
		holdings: holdings,
		logger:   log,
	}
}

// Reconcile applies one fetched position set to the account's active
// holdings of the given asset class. A nil positions slice means the
// broker payload was malformed; an empty slice is a legitimate empty
// account and closes everything in the class.
func (r *Reconciler) Reconcile(ctx context.Context, accountID uuid.UUID, class entities.AssetClass, positions []broker.Position, quotes map[string]broker.Quote, now time.Time) (*Stats, error) {
	if positions == nil {
		return nil, apperrors.Reconciliation(nil, "positions payload is missing")
	}

	existing, err := r.holdings.ListActiveByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load holdings for reconciliation: %w", err)
	}

	active := make(map[string]*entities.Holding, len(existing))
	for _, h := range existing {
		if h.AssetClass == class {
			active[h.Symbol] = h
		}
	}

	stats := &Stats{}
	observed := make(map[string]bool, len(positions))

	for _, position := range positions {
		symbol := strings.ToUpper(strings.TrimSpace(position.Symbol))
		if symbol == "" {
			stats.Skipped++
			metrics.HoldingsReconciled.WithLabelValues("skipped").Inc()
			r.logger.Warn("Skipping position without a symbol",
				"account_id", accountID,
				"quantity", position.Quantity.String(),
				"average_buy_price", position.AverageBuyPrice.String())
			continue
		}
		if position.Quantity.IsZero() {
			stats.Skipped++
			metrics.HoldingsReconciled.WithLabelValues("skipped").Inc()
			r.logger.Debug("Skipping zero-quantity position",
				"account_id", accountID,
				"symbol", symbol)
			continue
		}

		quote, hasQuote := quotes[symbol]
		if holding, ok := active[symbol]; ok {
			applyPosition(holding, position, quote, hasQuote, now)
			if err := r.holdings.Update(ctx, holding); err != nil {
				return stats, fmt.Errorf("failed to update holding %s: %w", symbol, err)
			}
			stats.Updated++
			metrics.HoldingsReconciled.WithLabelValues("updated").Inc()
		} else {
			holding := newHolding(accountID, symbol, class, position, quote, hasQuote, now)
			if err := r.holdings.Create(ctx, holding); err != nil {
				return stats, fmt.Errorf("failed to create holding %s: %w", symbol, err)
			}
			// A symbol repeated in the same payload updates the row
			// created for its first occurrence.
			active[symbol] = holding
			stats.Created++
			metrics.HoldingsReconciled.WithLabelValues("created").Inc()
		}
		observed[symbol] = true
	}

	for symbol, holding := range active {
		if observed[symbol] {
			continue
		}
		if err := r.holdings.Close(ctx, holding.ID, now); err != nil {
			return stats, fmt.Errorf("failed to close holding %s: %w", symbol, err)
		}
		stats.Closed++
		metrics.HoldingsReconciled.WithLabelValues("closed").Inc()
		r.logger.Info("Closed holding no longer reported by broker",
			"account_id", accountID,
			"symbol", symbol)
	}

	return stats, nil
}

// newHolding builds a holding for a symbol seen for the first time. With
// no quote available the position is priced at its average cost, so it
// starts at break-even rather than at a fictitious zero price.
func newHolding(accountID uuid.UUID, symbol string, class entities.AssetClass, position broker.Position, quote broker.Quote, hasQuote bool, now time.Time) *entities.Holding {
	holding := &entities.Holding{
		ID:           uuid.New(),
		AccountID:    accountID,
		Symbol:       symbol,
		AssetClass:   class,
		Quantity:     position.Quantity,
		AverageCost:  position.AverageBuyPrice,
		CurrentPrice: position.AverageBuyPrice,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if hasQuote {
		holding.CurrentPrice = quote.LastTradePrice
		previousClose := quote.PreviousClose
		holding.PreviousClose = &previousClose
	}
	recomputeDerived(holding)
	return holding
}

// applyPosition refreshes an existing holding from the fetched position.
// Without a quote the stored price carries over unchanged and the stale
// previous close is dropped, so the holding reads flat for the day
// instead of collapsing to zero or reporting a move against an old close.
func applyPosition(holding *entities.Holding, position broker.Position, quote broker.Quote, hasQuote bool, now time.Time) {
	holding.Quantity = position.Quantity
	holding.AverageCost = position.AverageBuyPrice
	if hasQuote {
		holding.CurrentPrice = quote.LastTradePrice
		previousClose := quote.PreviousClose
		holding.PreviousClose = &previousClose
	} else {
		holding.PreviousClose = nil
	}
	holding.UpdatedAt = now
	recomputeDerived(holding)
}

// recomputeDerived refreshes market value and P&L from quantity, prices,
// and cost. Daily figures require a nonzero previous close.
func recomputeDerived(holding *entities.Holding) {
	holding.MarketValue = holding.Quantity.Mul(holding.CurrentPrice)
	costBasis := holding.CostBasis()
	holding.TotalPL = holding.MarketValue.Sub(costBasis)
	holding.TotalPLPercent = percentOf(holding.TotalPL, costBasis)
	if holding.HasDailyQuote() {
		move := holding.CurrentPrice.Sub(*holding.PreviousClose)
		holding.DailyPL = holding.Quantity.Mul(move)
		holding.DailyPLPercent = percentOf(move, *holding.PreviousClose)
	} else {
		holding.DailyPL = decimal.Zero
		holding.DailyPLPercent = decimal.Zero
	}
}

// percentOf is numerator/denominator as a percentage rounded to two
// places, zero when the denominator is zero.
func percentOf(numerator, denominator decimal.Decimal) decimal.Decimal {
	if denominator.IsZero() {
		return decimal.Zero
	}
	return numerator.Div(denominator).Mul(decimal.NewFromInt(100)).Round(2)
}
