package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	"github.com/jitension/portfolio-tracker/internal/domain/services/session"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/broker"
	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"
	"github.com/jitension/portfolio-tracker/pkg/logger"
	"github.com/jitension/portfolio-tracker/pkg/metrics"
)

// AccountStore is the linked-account persistence used by the sync
// pipeline.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entities.LinkedAccount, error)
	UpdateSyncStatus(ctx context.Context, id uuid.UUID, status entities.SyncStatus, syncedAt *time.Time, syncErr *string) error
}

// PortfolioStore persists the per-account aggregate.
type PortfolioStore interface {
	Upsert(ctx context.Context, portfolio *entities.Portfolio) error
}

// SnapshotStore records point-in-time portfolio snapshots.
type SnapshotStore interface {
	Create(ctx context.Context, snapshot *entities.PortfolioSnapshot) error
}

// SessionManager supplies authenticated broker sessions.
type SessionManager interface {
	EnsureSession(ctx context.Context, account *entities.LinkedAccount) (*session.Handle, error)
	Forget(ctx context.Context, accountID uuid.UUID) error
}

// MarketDataAPI is the broker surface the pipeline fetches from.
type MarketDataAPI interface {
	GetPositions(ctx context.Context, token string) ([]broker.Position, error)
	GetQuotes(ctx context.Context, token string, symbols []string) (map[string]broker.Quote, error)
	GetAccountProfile(ctx context.Context, token string) (*broker.AccountProfile, error)
	GetPortfolioProfile(ctx context.Context, token string) (*broker.PortfolioProfile, error)
}

// CacheInvalidator drops an account's cached views after a state change.
type CacheInvalidator interface {
	InvalidateAccount(ctx context.Context, accountID uuid.UUID) error
}

// Service runs the sync pipeline for linked accounts: ensure a session,
// fetch positions and profiles, reconcile holdings, recompute the
// aggregate, invalidate cached views, and record a snapshot. At most one
// sync per account runs at a time; a second caller fails fast instead of
// queueing.
type Service struct {
	accounts   AccountStore
	holdings   HoldingStore
	portfolios PortfolioStore
	snapshots  SnapshotStore
	sessions   SessionManager
	broker     MarketDataAPI
	cache      CacheInvalidator
	reconciler *Reconciler
	aggregator *Aggregator
	clock      session.Clock
	logger     *logger.Logger

	// inFlight holds the accounts with a sync currently running. Entries
	// live only for the duration of the run, so the set stays bounded by
	// concurrency, not by how many accounts the process has ever synced.
	mu       stdsync.Mutex
	inFlight map[uuid.UUID]struct{}
}

func NewService(
	accounts AccountStore,
	holdings HoldingStore,
	portfolios PortfolioStore,
	snapshots SnapshotStore,
	sessions SessionManager,
	brokerAPI MarketDataAPI,
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
		cache:      cache,
		reconciler: NewReconciler(holdings, log),
		aggregator: NewAggregator(log),
		clock:      clock,
		logger:     log,
		inFlight:   make(map[uuid.UUID]struct{}),
	}
}

// Aggregator exposes the aggregation engine for read paths that assemble
// views from persisted state.
func (s *Service) Aggregator() *Aggregator {
	return s.aggregator
}

// Sync runs the full pipeline for one account. Failures are recorded on
// the account's sync status and wrapped as a sync failure that preserves
// the cause; a concurrent sync for the same account is rejected with a
// conflict rather than queued.
func (s *Service) Sync(ctx context.Context, accountID uuid.UUID) (*entities.SyncResult, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if !s.tryAcquire(accountID) {
		metrics.RecordSync("in_progress_rejected", 0)
		s.logger.CtxWarn(ctx, "Rejected concurrent sync", "account_id", accountID)
		return nil, apperrors.SyncInProgress(accountID.String())
	}
	defer s.release(accountID)

	started := s.clock.Now()
	s.logger.CtxInfo(ctx, "Sync started",
		"account_id", accountID,
		"account_number", account.AccountNumber)

	if err := s.accounts.UpdateSyncStatus(ctx, accountID, entities.SyncStatusPending, nil, nil); err != nil {
		return nil, err
	}

	result, runErr := s.run(ctx, account, started)
	completed := s.clock.Now()
	elapsed := completed.Sub(started).Seconds()

	if runErr != nil {
		message := runErr.Error()
		if err := s.accounts.UpdateSyncStatus(ctx, accountID, entities.SyncStatusFailed, nil, &message); err != nil {
			s.logger.Error("Failed to record sync failure", "account_id", accountID, "error", err)
		}
		metrics.RecordSync("failed", elapsed)
		s.logger.CtxError(ctx, "Sync failed",
			"account_id", accountID,
			"duration_s", elapsed,
			"error", runErr)
		if apperrors.IsCode(runErr, apperrors.ErrCodeMFARequired) {
			// An MFA demand is resolved by resubmitting with a code,
			// not by retrying, so it goes back to the caller unwrapped.
			return nil, runErr
		}
		return nil, apperrors.SyncFailed(runErr)
	}

	if err := s.accounts.UpdateSyncStatus(ctx, accountID, entities.SyncStatusSuccess, &completed, nil); err != nil {
		s.logger.Error("Failed to record sync success", "account_id", accountID, "error", err)
	}

	result.CompletedAt = completed
	metrics.RecordSync("success", elapsed)
	s.logger.CtxInfo(ctx, "Sync completed",
		"account_id", accountID,
		"positions_seen", result.PositionsSeen,
		"holdings_created", result.HoldingsCreated,
		"holdings_updated", result.HoldingsUpdated,
		"holdings_closed", result.HoldingsClosed,
		"total_value", result.TotalValue.String(),
		"duration_s", elapsed)
	return result, nil
}

// run executes the pipeline stages in order. The caller owns the account
// lock and the sync status bookkeeping.
func (s *Service) run(ctx context.Context, account *entities.LinkedAccount, started time.Time) (*entities.SyncResult, error) {
	handle, err := s.sessions.EnsureSession(ctx, account)
	if err != nil {
		return nil, err
	}

	positions, err := s.broker.GetPositions(ctx, handle.AccessToken)
	if err != nil {
		return nil, s.brokerFailure(ctx, account.ID, err, "failed to fetch positions")
	}

	symbols := make([]string, 0, len(positions))
	for _, position := range positions {
		symbols = append(symbols, position.Symbol)
	}

	quotes, err := s.broker.GetQuotes(ctx, handle.AccessToken, symbols)
	if err != nil {
		// Quotes only enrich daily figures; without them holdings are
		// priced flat and the sync carries on.
		s.logger.Warn("Quote fetch failed, daily figures will be flat",
			"account_id", account.ID,
			"symbol_count", len(symbols),
			"error", err)
		quotes = map[string]broker.Quote{}
	}

	accountProfile, err := s.broker.GetAccountProfile(ctx, handle.AccessToken)
	if err != nil {
		return nil, s.brokerFailure(ctx, account.ID, err, "failed to fetch account profile")
	}

	portfolioProfile, err := s.broker.GetPortfolioProfile(ctx, handle.AccessToken)
	if err != nil {
		return nil, s.brokerFailure(ctx, account.ID, err, "failed to fetch portfolio profile")
	}

	now := s.clock.Now()
	stats, recErr := s.reconciler.Reconcile(ctx, account.ID, entities.AssetClassStock, positions, quotes, now)
	if recErr != nil {
		// Reconciliation may have stopped partway; recompute the
		// aggregate from whatever landed so Portfolio totals match the
		// holdings table before the error surfaces.
		s.finalizeAggregates(ctx, account, accountProfile, portfolioProfile, now)
		return nil, recErr
	}

	holdings, err := s.holdings.ListActiveByAccount(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload holdings for aggregation: %w", err)
	}

	portfolio := s.aggregator.ComputePortfolio(account, holdings, accountProfile, portfolioProfile, now)
	if err := s.portfolios.Upsert(ctx, portfolio); err != nil {
		return nil, fmt.Errorf("failed to persist portfolio aggregate: %w", err)
	}

	if err := s.cache.InvalidateAccount(ctx, account.ID); err != nil {
		// Stale entries age out on their TTL.
		s.logger.Warn("Cache invalidation failed",
			"account_id", account.ID,
			"error", err)
	}

	snapshot := entities.FromPortfolio(portfolio, entities.SnapshotKindSync, now)
	if err := s.snapshots.Create(ctx, snapshot); err != nil {
		// Holdings and the aggregate are already consistent; the next
		// sync records the next point in the series.
		s.logger.Error("Failed to record sync snapshot",
			"account_id", account.ID,
			"error", err)
	}

	return &entities.SyncResult{
		AccountID:       account.ID,
		HoldingsCreated: stats.Created,
		HoldingsUpdated: stats.Updated,
		HoldingsClosed:  stats.Closed,
		PositionsSeen:   len(positions),
		TotalValue:      portfolio.TotalValue,
		StartedAt:       started,
	}, nil
}

// finalizeAggregates recomputes and stores the portfolio aggregate from
// the current holdings state. Used on the failure path, where errors are
// logged rather than returned so the original failure stays primary.
func (s *Service) finalizeAggregates(ctx context.Context, account *entities.LinkedAccount, accountProfile *broker.AccountProfile, portfolioProfile *broker.PortfolioProfile, now time.Time) {
	holdings, err := s.holdings.ListActiveByAccount(ctx, account.ID)
	if err != nil {
		s.logger.Error("Failed to reload holdings while finalizing aggregates",
			"account_id", account.ID,
			"error", err)
		return
	}

	portfolio := s.aggregator.ComputePortfolio(account, holdings, accountProfile, portfolioProfile, now)
	if err := s.portfolios.Upsert(ctx, portfolio); err != nil {
		s.logger.Error("Failed to finalize portfolio aggregate",
			"account_id", account.ID,
			"error", err)
	}
}

// brokerFailure discards the cached session when the brokerage revoked
// the token, then wraps the error for the caller.
func (s *Service) brokerFailure(ctx context.Context, accountID uuid.UUID, err error, message string) error {
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		if forgetErr := s.sessions.Forget(ctx, accountID); forgetErr != nil {
			s.logger.Warn("Failed to discard revoked session",
				"account_id", accountID,
				"error", forgetErr)
		}
	}
	return apperrors.BrokerAPI(err, message)
}

// tryAcquire marks the account as having a sync in flight. It never
// blocks; a false return means another sync owns the account right now.
func (s *Service) tryAcquire(accountID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[accountID]; busy {
		return false
	}
	s.inFlight[accountID] = struct{}{}
	return true
}

func (s *Service) release(accountID uuid.UUID) {
	s.mu.Lock()
	delete(s.inFlight, accountID)
	s.mu.Unlock()
}
