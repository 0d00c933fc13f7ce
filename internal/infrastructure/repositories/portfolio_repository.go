package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"
)

// PortfolioRepository persists the single current-state aggregate row per
// linked account.
type PortfolioRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPortfolioRepository creates a new portfolio repository.
func NewPortfolioRepository(db *sqlx.DB, logger *zap.Logger) *PortfolioRepository {
	return &PortfolioRepository{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("portfolio-repository"),
	}
}

// GetByAccount returns the account's portfolio aggregate.
func (r *PortfolioRepository) GetByAccount(ctx context.Context, accountID uuid.UUID) (*entities.Portfolio, error) {
	ctx, span := r.tracer.Start(ctx, "portfolio_repo.get_by_account", trace.WithAttributes(
		attribute.String("account_id", accountID.String()),
	))
	defer span.End()

	query := `
		SELECT id, account_id, total_value, equity, equity_previous_close,
		       cash, buying_power, total_pl, total_pl_percent, daily_pl,
		       daily_pl_percent, stocks_value, stocks_count, options_value,
		       options_count, crypto_value, crypto_count, margin_limit,
		       margin_available, margin_invested, cash_invested,
		       leverage_percent, market_status, updated_at, created_at
		FROM portfolios
		WHERE account_id = $1
	`

	var portfolio entities.Portfolio
	if err := r.db.GetContext(ctx, &portfolio, query, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("portfolio")
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}

	return &portfolio, nil
}

// Upsert writes the recomputed aggregate, inserting on first sync and
// replacing the value fields afterwards. The row keeps its original id and
// created_at across updates.
func (r *PortfolioRepository) Upsert(ctx context.Context, portfolio *entities.Portfolio) error {
	ctx, span := r.tracer.Start(ctx, "portfolio_repo.upsert", trace.WithAttributes(
		attribute.String("account_id", portfolio.AccountID.String()),
	))
	defer span.End()

	query := `
		INSERT INTO portfolios (
			id, account_id, total_value, equity, equity_previous_close,
			cash, buying_power, total_pl, total_pl_percent, daily_pl,
			daily_pl_percent, stocks_value, stocks_count, options_value,
			options_count, crypto_value, crypto_count, margin_limit,
			margin_available, margin_invested, cash_invested,
			leverage_percent, market_status, updated_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		          $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (account_id) DO UPDATE SET
			total_value = EXCLUDED.total_value,
			equity = EXCLUDED.equity,
			equity_previous_close = EXCLUDED.equity_previous_close,
			cash = EXCLUDED.cash,
			buying_power = EXCLUDED.buying_power,
			total_pl = EXCLUDED.total_pl,
			total_pl_percent = EXCLUDED.total_pl_percent,
			daily_pl = EXCLUDED.daily_pl,
			daily_pl_percent = EXCLUDED.daily_pl_percent,
			stocks_value = EXCLUDED.stocks_value,
			stocks_count = EXCLUDED.stocks_count,
			options_value = EXCLUDED.options_value,
			options_count = EXCLUDED.options_count,
			crypto_value = EXCLUDED.crypto_value,
			crypto_count = EXCLUDED.crypto_count,
			margin_limit = EXCLUDED.margin_limit,
			margin_available = EXCLUDED.margin_available,
			margin_invested = EXCLUDED.margin_invested,
			cash_invested = EXCLUDED.cash_invested,
			leverage_percent = EXCLUDED.leverage_percent,
			market_status = EXCLUDED.market_status,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		portfolio.ID,
		portfolio.AccountID,
		portfolio.TotalValue,
		portfolio.Equity,
		portfolio.EquityPreviousClose,
		portfolio.Cash,
		portfolio.BuyingPower,
		portfolio.TotalPL,
		portfolio.TotalPLPercent,
		portfolio.DailyPL,
		portfolio.DailyPLPercent,
		portfolio.StocksValue,
		portfolio.StocksCount,
		portfolio.OptionsValue,
		portfolio.OptionsCount,
		portfolio.CryptoValue,
		portfolio.CryptoCount,
		portfolio.MarginLimit,
		portfolio.MarginAvailable,
		portfolio.MarginInvested,
		portfolio.CashInvested,
		portfolio.LeveragePercent,
		portfolio.MarketStatus,
		portfolio.UpdatedAt,
		portfolio.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert portfolio: %w", err)
	}

	r.logger.Debug("Portfolio aggregate written",
		zap.String("account_id", portfolio.AccountID.String()),
		zap.String("total_value", portfolio.TotalValue.String()))

	return nil
}

// DeleteByAccount removes the account's portfolio row and returns the count
// (0 or 1). Used only when unlinking.
func (r *PortfolioRepository) DeleteByAccount(ctx context.Context, accountID uuid.UUID) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "portfolio_repo.delete_by_account", trace.WithAttributes(
		attribute.String("account_id", accountID.String()),
	))
	defer span.End()

	result, err := r.db.ExecContext(ctx, `DELETE FROM portfolios WHERE account_id = $1`, accountID)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to delete portfolio: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}
