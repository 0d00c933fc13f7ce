package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	"github.com/jitension/portfolio-tracker/internal/domain/services/session"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/broker"
	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"
	"github.com/jitension/portfolio-tracker/pkg/logger"
)

// AccountRepository is the linked-account persistence for the service.
type AccountRepository interface {
	Create(ctx context.Context, account *entities.LinkedAccount) error
	GetByID(ctx context.Context, id uuid.UUID) (*entities.LinkedAccount, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*entities.LinkedAccount, error)
	ExistsActive(ctx context.Context, userID uuid.UUID, accountNumber string) (bool, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// CascadeStore deletes one kind of dependent row when an account is
// unlinked, reporting how many rows went away.
type CascadeStore interface {
	DeleteByAccount(ctx context.Context, accountID uuid.UUID) (int64, error)
}

// SessionManager authenticates against the brokerage and caches session
// handles per account.
type SessionManager interface {
	Login(ctx context.Context, creds entities.Credentials, mfaCode string) (*session.Handle, error)
	EnsureSession(ctx context.Context, account *entities.LinkedAccount) (*session.Handle, error)
	Adopt(accountID uuid.UUID, handle *session.Handle)
	Forget(ctx context.Context, accountID uuid.UUID) error
}

// ProfileAPI is the account-discovery slice of the broker client.
type ProfileAPI interface {
	GetAccountProfile(ctx context.Context, token string) (*broker.AccountProfile, error)
}

// Vault encrypts secrets before they are stored.
type Vault interface {
	Encrypt(plaintext []byte) (string, error)
}

// CacheInvalidator drops an account's cached views.
type CacheInvalidator interface {
	InvalidateAccount(ctx context.Context, accountID uuid.UUID) error
}

// LinkParams carries the credentials supplied when linking an account.
// The MFA code is a one-time value and is never stored; the TOTP secret
// is stored inside the encrypted credential record.
type LinkParams struct {
	Username   string
	Password   string
	MFACode    string
	TOTPSecret string
}

// Service manages the lifecycle of linked brokerage accounts.
type Service struct {
	accounts   AccountRepository
	holdings   CascadeStore
	portfolios CascadeStore
	snapshots  CascadeStore
	sessions   SessionManager
	broker     ProfileAPI
	vault      Vault
	cache      CacheInvalidator
	clock      session.Clock
	logger     *logger.Logger
}

func NewService(
	accounts AccountRepository,
	holdings CascadeStore,
	portfolios CascadeStore,
	snapshots CascadeStore,
	sessions SessionManager,
	brokerAPI ProfileAPI,
	vault Vault,
	cache CacheInvalidator,
	clock session.Clock,
	log *logger.Logger,
) *Service {
	return &Service{
		accounts:   accounts,
		holdings:   holdings,
		portfolios: portfolios,
		snapshots:  snapshots,
		sessions:   sessions,
		broker:     brokerAPI,
		vault:      vault,
		cache:      cache,
		clock:      clock,
		logger:     log,
	}
}

// Link authenticates the supplied credentials, discovers the brokerage
// account number, and persists the encrypted link. Authentication
// happens before anything is stored, so bad credentials never leave a
// half-linked row behind.
func (s *Service) Link(ctx context.Context, userID uuid.UUID, params LinkParams) (*entities.LinkedAccount, error) {
	creds := entities.Credentials{
		Username:   params.Username,
		Password:   params.Password,
		TOTPSecret: params.TOTPSecret,
	}

	handle, err := s.sessions.Login(ctx, creds, params.MFACode)
	if err != nil {
		return nil, err
	}

	profile, err := s.broker.GetAccountProfile(ctx, handle.AccessToken)
	if err != nil {
		return nil, apperrors.BrokerAPI(err, "failed to discover brokerage account")
	}
	if profile.AccountNumber == "" {
		return nil, apperrors.BrokerAPI(nil, "brokerage returned no account number")
	}

	exists, err := s.accounts.ExistsActive(ctx, userID, profile.AccountNumber)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperrors.Duplicate("account is already linked")
	}

	credentialsJSON, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}
	credentialsEncrypted, err := s.vault.Encrypt(credentialsJSON)
	if err != nil {
		return nil, err
	}
	tokenEncrypted, err := s.vault.Encrypt([]byte(handle.AccessToken))
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	account := &entities.LinkedAccount{
		ID:                   uuid.New(),
		UserID:               userID,
		AccountNumber:        profile.AccountNumber,
		AccountType:          accountTypeFrom(profile.Type),
		CredentialsEncrypted: credentialsEncrypted,
		AuthTokenEncrypted:   &tokenEncrypted,
		TokenExpiresAt:       &handle.ExpiresAt,
		MFAEnabled:           params.MFACode != "" || params.TOTPSecret != "",
		SyncStatus:           entities.SyncStatusNeverSynced,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if params.TOTPSecret != "" {
		mfaType := entities.MFATypeApp
		account.MFAType = &mfaType
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, err
	}

	// The login already produced a live session; hand it to the manager
	// under the new account's identity so the first sync skips a login.
	s.sessions.Adopt(account.ID, handle)

	s.logger.Info("Linked brokerage account",
		"account_id", account.ID,
		"user_id", userID,
		"account_number", account.AccountNumber,
		"account_type", string(account.AccountType))
	return account, nil
}

// Unlink deactivates the account and removes its holdings, portfolio,
// and snapshots. The account row itself is kept inactive for audit and
// so the same brokerage account can be linked again later.
func (s *Service) Unlink(ctx context.Context, userID, accountID uuid.UUID) (*entities.DeletedCounts, error) {
	account, err := s.ownedAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	if err := s.accounts.Deactivate(ctx, account.ID); err != nil {
		return nil, err
	}

	counts := &entities.DeletedCounts{}
	if counts.Holdings, err = s.holdings.DeleteByAccount(ctx, account.ID); err != nil {
		return nil, fmt.Errorf("failed to delete holdings: %w", err)
	}
	if counts.Portfolios, err = s.portfolios.DeleteByAccount(ctx, account.ID); err != nil {
		return nil, fmt.Errorf("failed to delete portfolio: %w", err)
	}
	if counts.Snapshots, err = s.snapshots.DeleteByAccount(ctx, account.ID); err != nil {
		return nil, fmt.Errorf("failed to delete snapshots: %w", err)
	}

	if err := s.sessions.Forget(ctx, account.ID); err != nil {
		s.logger.Warn("Failed to drop session for unlinked account",
			"account_id", account.ID,
			"error", err)
	}
	if err := s.cache.InvalidateAccount(ctx, account.ID); err != nil {
		s.logger.Warn("Failed to invalidate cached views for unlinked account",
			"account_id", account.ID,
			"error", err)
	}

	s.logger.Info("Unlinked brokerage account",
		"account_id", account.ID,
		"user_id", userID,
		"holdings_deleted", counts.Holdings,
		"portfolios_deleted", counts.Portfolios,
		"snapshots_deleted", counts.Snapshots)
	return counts, nil
}

// List returns the caller's active linked accounts.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]*entities.LinkedAccount, error) {
	return s.accounts.ListByUser(ctx, userID)
}

// Get returns one of the caller's accounts.
func (s *Service) Get(ctx context.Context, userID, accountID uuid.UUID) (*entities.LinkedAccount, error) {
	return s.ownedAccount(ctx, userID, accountID)
}

// TestConnection verifies a session can be established for the account,
// via the stored token or a fresh credential login. The outcome is the
// answer: authentication problems read as a failed connection, not as a
// request error.
func (s *Service) TestConnection(ctx context.Context, userID, accountID uuid.UUID) (*entities.ConnectionStatus, error) {
	account, err := s.ownedAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	status := &entities.ConnectionStatus{CheckedAt: s.clock.Now()}
	handle, err := s.sessions.EnsureSession(ctx, account)
	if err != nil {
		s.logger.Warn("Connection test failed",
			"account_id", account.ID,
			"error", err)
		return status, nil
	}

	status.Connected = true
	status.Method = handle.Method
	return status, nil
}

// ownedAccount loads the account and verifies it belongs to the caller.
// A foreign account reads as not found so existence is not leaked across
// users.
func (s *Service) ownedAccount(ctx context.Context, userID, accountID uuid.UUID) (*entities.LinkedAccount, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.UserID != userID {
		return nil, apperrors.NotFound("account")
	}
	return account, nil
}

func accountTypeFrom(brokerType string) entities.AccountType {
	switch strings.ToLower(strings.TrimSpace(brokerType)) {
	case "margin":
		return entities.AccountTypeMargin
	case "gold":
		return entities.AccountTypeGold
	default:
		return entities.AccountTypeCash
	}
}
