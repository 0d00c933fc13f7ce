package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"
)

// uniqueViolation is the Postgres error code raised when an insert hits a
// unique index, here the partial index on active account numbers.
const uniqueViolation = "23505"

// AccountRepository persists linked brokerage accounts.
type AccountRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
	tracer trace.Tracer
}

// NewAccountRepository creates a new account repository.
func NewAccountRepository(db *sqlx.DB, logger *zap.Logger) *AccountRepository {
	return &AccountRepository{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("account-repository"),
	}
}

// Create inserts a new linked account.
func (r *AccountRepository) Create(ctx context.Context, account *entities.LinkedAccount) error {
	ctx, span := r.tracer.Start(ctx, "account_repo.create", trace.WithAttributes(
		attribute.String("account_id", account.ID.String()),
		attribute.String("user_id", account.UserID.String()),
	))
	defer span.End()

	query := `
		INSERT INTO linked_accounts (
			id, user_id, account_number, account_type,
			credentials_encrypted, auth_token_encrypted, token_expires_at,
			mfa_enabled, mfa_type, sync_status, last_sync_at, last_sync_error,
			is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := r.db.ExecContext(ctx, query,
		account.ID,
		account.UserID,
		account.AccountNumber,
		account.AccountType,
		account.CredentialsEncrypted,
		account.AuthTokenEncrypted,
		account.TokenExpiresAt,
		account.MFAEnabled,
		account.MFAType,
		account.SyncStatus,
		account.LastSyncAt,
		account.LastSyncError,
		account.IsActive,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return apperrors.Duplicate("account number is already linked")
		}
		return fmt.Errorf("failed to create linked account: %w", err)
	}

	r.logger.Info("Linked account created",
		zap.String("account_id", account.ID.String()),
		zap.String("user_id", account.UserID.String()),
		zap.String("account_type", string(account.AccountType)))

	return nil
}

// GetByID returns an active linked account by its identifier.
func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.LinkedAccount, error) {
	ctx, span := r.tracer.Start(ctx, "account_repo.get_by_id", trace.WithAttributes(
		attribute.String("account_id", id.String()),
	))
	defer span.End()

	query := `
		SELECT id, user_id, account_number, account_type,
		       credentials_encrypted, auth_token_encrypted, token_expires_at,
		       mfa_enabled, mfa_type, sync_status, last_sync_at, last_sync_error,
		       is_active, created_at, updated_at
		FROM linked_accounts
		WHERE id = $1 AND is_active = true
	`

	var account entities.LinkedAccount
	if err := r.db.GetContext(ctx, &account, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("account")
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}

// ListByUser returns the user's active linked accounts, oldest first.
func (r *AccountRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*entities.LinkedAccount, error) {
	ctx, span := r.tracer.Start(ctx, "account_repo.list_by_user", trace.WithAttributes(
		attribute.String("user_id", userID.String()),
	))
	defer span.End()

	query := `
		SELECT id, user_id, account_number, account_type,
		       credentials_encrypted, auth_token_encrypted, token_expires_at,
		       mfa_enabled, mfa_type, sync_status, last_sync_at, last_sync_error,
		       is_active, created_at, updated_at
		FROM linked_accounts
		WHERE user_id = $1 AND is_active = true
		ORDER BY created_at ASC
	`

	var accounts []*entities.LinkedAccount
	if err := r.db.SelectContext(ctx, &accounts, query, userID); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	return accounts, nil
}

// ListActive returns every active linked account across all users. The
// scheduled bulk sync and snapshot jobs fan out over this set.
func (r *AccountRepository) ListActive(ctx context.Context) ([]*entities.LinkedAccount, error) {
	ctx, span := r.tracer.Start(ctx, "account_repo.list_active")
	defer span.End()

	query := `
		SELECT id, user_id, account_number, account_type,
		       credentials_encrypted, auth_token_encrypted, token_expires_at,
		       mfa_enabled, mfa_type, sync_status, last_sync_at, last_sync_error,
		       is_active, created_at, updated_at
		FROM linked_accounts
		WHERE is_active = true
		ORDER BY created_at ASC
	`

	var accounts []*entities.LinkedAccount
	if err := r.db.SelectContext(ctx, &accounts, query); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}

	return accounts, nil
}

// ExistsActive reports whether the user already has an active link for the
// given brokerage account number.
func (r *AccountRepository) ExistsActive(ctx context.Context, userID uuid.UUID, accountNumber string) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "account_repo.exists_active", trace.WithAttributes(
		attribute.String("user_id", userID.String()),
	))
	defer span.End()

	query := `
		SELECT EXISTS (
			SELECT 1 FROM linked_accounts
			WHERE user_id = $1 AND account_number = $2 AND is_active = true
		)
	`

	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, userID, accountNumber); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to check account number: %w", err)
	}

	return exists, nil
}

// UpdateToken stores a freshly encrypted session token and its expiry.
func (r *AccountRepository) UpdateToken(ctx context.Context, id uuid.UUID, encryptedToken string, expiresAt time.Time) error {
	ctx, span := r.tracer.Start(ctx, "account_repo.update_token", trace.WithAttributes(
		attribute.String("account_id", id.String()),
	))
	defer span.End()

	query := `
		UPDATE linked_accounts
		SET auth_token_encrypted = $2,
		    token_expires_at = $3,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, encryptedToken, expiresAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update session token: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFound("account")
	}

	r.logger.Debug("Session token stored",
		zap.String("account_id", id.String()),
		zap.Time("expires_at", expiresAt))

	return nil
}

// ClearToken drops the stored session token, forcing the next sync to
// authenticate from credentials.
func (r *AccountRepository) ClearToken(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer.Start(ctx, "account_repo.clear_token", trace.WithAttributes(
		attribute.String("account_id", id.String()),
	))
	defer span.End()

	query := `
		UPDATE linked_accounts
		SET auth_token_encrypted = NULL,
		    token_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to clear session token: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFound("account")
	}

	return nil
}

// UpdateSyncStatus records a sync lifecycle transition. A nil syncedAt keeps
// the previous last_sync_at; syncErr is stored as-is, so passing nil clears
// the error from an earlier failed run.
func (r *AccountRepository) UpdateSyncStatus(ctx context.Context, id uuid.UUID, status entities.SyncStatus, syncedAt *time.Time, syncErr *string) error {
	ctx, span := r.tracer.Start(ctx, "account_repo.update_sync_status", trace.WithAttributes(
		attribute.String("account_id", id.String()),
		attribute.String("sync_status", string(status)),
	))
	defer span.End()

	query := `
		UPDATE linked_accounts
		SET sync_status = $2,
		    last_sync_at = COALESCE($3, last_sync_at),
		    last_sync_error = $4,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, status, syncedAt, syncErr)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update sync status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFound("account")
	}

	r.logger.Debug("Sync status updated",
		zap.String("account_id", id.String()),
		zap.String("status", string(status)))

	return nil
}

// Deactivate soft-deletes the link and drops the stored session token. The
// account row is kept so the same number can be relinked later; dependent
// rows are removed separately so unlink can report per-collection counts.
func (r *AccountRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer.Start(ctx, "account_repo.deactivate", trace.WithAttributes(
		attribute.String("account_id", id.String()),
	))
	defer span.End()

	query := `
		UPDATE linked_accounts
		SET is_active = false,
		    auth_token_encrypted = NULL,
		    token_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND is_active = true
	`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to deactivate account: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFound("account")
	}

	r.logger.Info("Linked account deactivated", zap.String("account_id", id.String()))

	return nil
}
