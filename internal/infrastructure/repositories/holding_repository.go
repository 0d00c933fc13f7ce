package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"
)

// HoldingRepository persists positions for linked accounts. Closed holdings
// are kept as inactive rows; only unlinking an account removes them.
type HoldingRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
	tracer trace.Tracer
}

// NewHoldingRepository creates a new holding repository.
func NewHoldingRepository(db *sqlx.DB, logger *zap.Logger) *HoldingRepository {
	return &HoldingRepository{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("holding-repository"),
	}
}

// ListActiveByAccount returns the account's active holdings, largest market
// value first.
func (r *HoldingRepository) ListActiveByAccount(ctx context.Context, accountID uuid.UUID) ([]*entities.Holding, error) {
	ctx, span := r.tracer.Start(ctx, "holding_repo.list_active", trace.WithAttributes(
		attribute.String("account_id", accountID.String()),
	))
	defer span.End()

	query := `
		SELECT id, account_id, symbol, asset_class, quantity, average_cost,
		       current_price, previous_close, market_value, total_pl,
		       total_pl_percent, daily_pl, daily_pl_percent, strike_price,
		       expiration_date, contract_type, greeks, is_active, closed_at,
		       created_at, updated_at
		FROM holdings
		WHERE account_id = $1 AND is_active = true
		ORDER BY market_value DESC, symbol ASC
	`

	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	defer rows.Close()

	var holdings []*entities.Holding
	for rows.Next() {
		holding, err := scanHolding(rows)
		if err != nil {
			r.logger.Warn("Failed to scan holding row",
				zap.String("account_id", accountID.String()),
				zap.Error(err))
			continue
		}
		holdings = append(holdings, holding)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to iterate holdings: %w", err)
	}

	return holdings, nil
}

// Create inserts a new holding row.
func (r *HoldingRepository) Create(ctx context.Context, holding *entities.Holding) error {
	ctx, span := r.tracer.Start(ctx, "holding_repo.create", trace.WithAttributes(
		attribute.String("account_id", holding.AccountID.String()),
		attribute.String("symbol", holding.Symbol),
	))
	defer span.End()

	greeksJSON, err := marshalGreeks(holding.Greeks)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal greeks: %w", err)
	}

	query := `
		INSERT INTO holdings (
			id, account_id, symbol, asset_class, quantity, average_cost,
			current_price, previous_close, market_value, total_pl,
			total_pl_percent, daily_pl, daily_pl_percent, strike_price,
			expiration_date, contract_type, greeks, is_active, closed_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		          $14, $15, $16, $17, $18, $19, $20, $21)
	`

	_, err = r.db.ExecContext(ctx, query,
		holding.ID,
		holding.AccountID,
		holding.Symbol,
		holding.AssetClass,
		holding.Quantity,
		holding.AverageCost,
		holding.CurrentPrice,
		holding.PreviousClose,
		holding.MarketValue,
		holding.TotalPL,
		holding.TotalPLPercent,
		holding.DailyPL,
		holding.DailyPLPercent,
		holding.StrikePrice,
		holding.ExpirationDate,
		holding.ContractType,
		greeksJSON,
		holding.IsActive,
		holding.ClosedAt,
		holding.CreatedAt,
		holding.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create holding: %w", err)
	}

	r.logger.Debug("Holding created",
		zap.String("account_id", holding.AccountID.String()),
		zap.String("symbol", holding.Symbol),
		zap.String("asset_class", string(holding.AssetClass)))

	return nil
}

// Update rewrites the price and P&L fields the sync pipeline recomputes.
// Identity fields (symbol, asset class) never change on an existing row.
func (r *HoldingRepository) Update(ctx context.Context, holding *entities.Holding) error {
	ctx, span := r.tracer.Start(ctx, "holding_repo.update", trace.WithAttributes(
		attribute.String("holding_id", holding.ID.String()),
		attribute.String("symbol", holding.Symbol),
	))
	defer span.End()

	greeksJSON, err := marshalGreeks(holding.Greeks)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal greeks: %w", err)
	}

	query := `
		UPDATE holdings
		SET quantity = $2,
		    average_cost = $3,
		    current_price = $4,
		    previous_close = $5,
		    market_value = $6,
		    total_pl = $7,
		    total_pl_percent = $8,
		    daily_pl = $9,
		    daily_pl_percent = $10,
		    greeks = $11,
		    updated_at = $12
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		holding.ID,
		holding.Quantity,
		holding.AverageCost,
		holding.CurrentPrice,
		holding.PreviousClose,
		holding.MarketValue,
		holding.TotalPL,
		holding.TotalPLPercent,
		holding.DailyPL,
		holding.DailyPLPercent,
		greeksJSON,
		holding.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update holding: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFound("holding")
	}

	return nil
}

// Close marks a holding inactive. The row is retained with its last synced
// values and the closure timestamp.
func (r *HoldingRepository) Close(ctx context.Context, id uuid.UUID, closedAt time.Time) error {
	ctx, span := r.tracer.Start(ctx, "holding_repo.close", trace.WithAttributes(
		attribute.String("holding_id", id.String()),
	))
	defer span.End()

	query := `
		UPDATE holdings
		SET is_active = false,
		    closed_at = $2,
		    updated_at = $2
		WHERE id = $1 AND is_active = true
	`

	result, err := r.db.ExecContext(ctx, query, id, closedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to close holding: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFound("holding")
	}

	return nil
}

// DeleteByAccount removes every holding row for the account and returns the
// number deleted. Used only when unlinking.
func (r *HoldingRepository) DeleteByAccount(ctx context.Context, accountID uuid.UUID) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "holding_repo.delete_by_account", trace.WithAttributes(
		attribute.String("account_id", accountID.String()),
	))
	defer span.End()

	result, err := r.db.ExecContext(ctx, `DELETE FROM holdings WHERE account_id = $1`, accountID)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to delete holdings: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Info("Holdings deleted",
		zap.String("account_id", accountID.String()),
		zap.Int64("count", deleted))

	return deleted, nil
}

func scanHolding(rows *sql.Rows) (*entities.Holding, error) {
	var (
		holding    entities.Holding
		greeksJSON []byte
	)

	err := rows.Scan(
		&holding.ID,
		&holding.AccountID,
		&holding.Symbol,
		&holding.AssetClass,
		&holding.Quantity,
		&holding.AverageCost,
		&holding.CurrentPrice,
		&holding.PreviousClose,
		&holding.MarketValue,
		&holding.TotalPL,
		&holding.TotalPLPercent,
		&holding.DailyPL,
		&holding.DailyPLPercent,
		&holding.StrikePrice,
		&holding.ExpirationDate,
		&holding.ContractType,
		&greeksJSON,
		&holding.IsActive,
		&holding.ClosedAt,
		&holding.CreatedAt,
		&holding.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(greeksJSON) > 0 {
		var greeks entities.OptionGreeks
		if err := json.Unmarshal(greeksJSON, &greeks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal greeks: %w", err)
		}
		holding.Greeks = &greeks
	}

	return &holding, nil
}

// marshalGreeks returns a driver-level NULL for holdings without option
// greeks instead of serializing an empty object.
func marshalGreeks(greeks *entities.OptionGreeks) (interface{}, error) {
	if greeks == nil {
		return nil, nil
	}
	return json.Marshal(greeks)
}
