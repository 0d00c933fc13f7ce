package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
)

// SnapshotRepository persists immutable point-in-time portfolio snapshots.
// Snapshots are only ever inserted and pruned, never updated.
type SnapshotRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
	tracer trace.Tracer
}

// NewSnapshotRepository creates a new snapshot repository.
func NewSnapshotRepository(db *sqlx.DB, logger *zap.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("snapshot-repository"),
	}
}

// Create inserts a snapshot row.
func (r *SnapshotRepository) Create(ctx context.Context, snapshot *entities.PortfolioSnapshot) error {
	ctx, span := r.tracer.Start(ctx, "snapshot_repo.create", trace.WithAttributes(
		attribute.String("account_id", snapshot.AccountID.String()),
		attribute.String("kind", string(snapshot.Kind)),
	))
	defer span.End()

	query := `
		INSERT INTO portfolio_snapshots (
			id, account_id, kind, total_value, equity, cash, buying_power,
			total_pl, total_pl_percent, stocks_value, options_value,
			crypto_value, snapshot_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.db.ExecContext(ctx, query,
		snapshot.ID,
		snapshot.AccountID,
		snapshot.Kind,
		snapshot.TotalValue,
		snapshot.Equity,
		snapshot.Cash,
		snapshot.BuyingPower,
		snapshot.TotalPL,
		snapshot.TotalPLPercent,
		snapshot.StocksValue,
		snapshot.OptionsValue,
		snapshot.CryptoValue,
		snapshot.SnapshotAt,
		snapshot.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create snapshot: %w", err)
	}

	r.logger.Debug("Snapshot created",
		zap.String("account_id", snapshot.AccountID.String()),
		zap.String("kind", string(snapshot.Kind)),
		zap.Time("snapshot_at", snapshot.SnapshotAt))

	return nil
}

// ListSince returns the account's snapshots taken at or after the given
// instant, oldest first.
func (r *SnapshotRepository) ListSince(ctx context.Context, accountID uuid.UUID, since time.Time) ([]*entities.PortfolioSnapshot, error) {
	ctx, span := r.tracer.Start(ctx, "snapshot_repo.list_since", trace.WithAttributes(
		attribute.String("account_id", accountID.String()),
	))
	defer span.End()

	query := `
		SELECT id, account_id, kind, total_value, equity, cash, buying_power,
		       total_pl, total_pl_percent, stocks_value, options_value,
		       crypto_value, snapshot_at, created_at
		FROM portfolio_snapshots
		WHERE account_id = $1 AND snapshot_at >= $2
		ORDER BY snapshot_at ASC
	`

	var snapshots []*entities.PortfolioSnapshot
	if err := r.db.SelectContext(ctx, &snapshots, query, accountID, since); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	return snapshots, nil
}

// GetYTDBaseline returns the earliest snapshot of the given calendar year,
// which is the January 1 snapshot when one exists. Returns nil without error
// when the account has no snapshot that year.
func (r *SnapshotRepository) GetYTDBaseline(ctx context.Context, accountID uuid.UUID, year int) (*entities.PortfolioSnapshot, error) {
	ctx, span := r.tracer.Start(ctx, "snapshot_repo.ytd_baseline", trace.WithAttributes(
		attribute.String("account_id", accountID.String()),
		attribute.Int("year", year),
	))
	defer span.End()

	yearStart := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	yearEnd := yearStart.AddDate(1, 0, 0)

	query := `
		SELECT id, account_id, kind, total_value, equity, cash, buying_power,
		       total_pl, total_pl_percent, stocks_value, options_value,
		       crypto_value, snapshot_at, created_at
		FROM portfolio_snapshots
		WHERE account_id = $1 AND snapshot_at >= $2 AND snapshot_at < $3
		ORDER BY snapshot_at ASC
		LIMIT 1
	`

	var snapshot entities.PortfolioSnapshot
	if err := r.db.GetContext(ctx, &snapshot, query, accountID, yearStart, yearEnd); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get ytd baseline: %w", err)
	}

	return &snapshot, nil
}

// DeleteManualOlderThan prunes manual snapshots taken before the cutoff and
// returns the number removed. Daily and sync snapshots are never pruned.
func (r *SnapshotRepository) DeleteManualOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "snapshot_repo.delete_manual_older_than", trace.WithAttributes(
		attribute.String("cutoff", cutoff.Format(time.RFC3339)),
	))
	defer span.End()

	query := `DELETE FROM portfolio_snapshots WHERE kind = $1 AND snapshot_at < $2`

	result, err := r.db.ExecContext(ctx, query, entities.SnapshotKindManual, cutoff)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if deleted > 0 {
		r.logger.Info("Manual snapshots pruned",
			zap.Int64("count", deleted),
			zap.Time("cutoff", cutoff))
	}

	return deleted, nil
}

// DeleteByAccount removes every snapshot for the account and returns the
// count. Used only when unlinking.
func (r *SnapshotRepository) DeleteByAccount(ctx context.Context, accountID uuid.UUID) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "snapshot_repo.delete_by_account", trace.WithAttributes(
		attribute.String("account_id", accountID.String()),
	))
	defer span.End()

	result, err := r.db.ExecContext(ctx, `DELETE FROM portfolio_snapshots WHERE account_id = $1`, accountID)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}
