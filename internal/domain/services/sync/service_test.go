package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	"github.com/jitension/portfolio-tracker/internal/domain/services/session"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/broker"
	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"
)

type statusChange struct {
	status   entities.SyncStatus
	syncedAt *time.Time
	syncErr  *string
}

type fakeAccounts struct {
	mu      stdsync.Mutex
	account *entities.LinkedAccount
	getErr  error
	changes []statusChange
}

func (f *fakeAccounts) GetByID(_ context.Context, id uuid.UUID) (*entities.LinkedAccount, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.account == nil || f.account.ID != id {
		return nil, apperrors.NotFound("account")
	}
	return f.account, nil
}

func (f *fakeAccounts) UpdateSyncStatus(_ context.Context, _ uuid.UUID, status entities.SyncStatus, syncedAt *time.Time, syncErr *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, statusChange{status: status, syncedAt: syncedAt, syncErr: syncErr})
	return nil
}

func (f *fakeAccounts) statuses() []entities.SyncStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]entities.SyncStatus, 0, len(f.changes))
	for _, c := range f.changes {
		out = append(out, c.status)
	}
	return out
}

type fakePortfolios struct {
	upserts   []*entities.Portfolio
	upsertErr error
}

func (f *fakePortfolios) Upsert(_ context.Context, p *entities.Portfolio) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, p)
	return nil
}

type fakeSnapshots struct {
	created   []*entities.PortfolioSnapshot
	createErr error
}

func (f *fakeSnapshots) Create(_ context.Context, s *entities.PortfolioSnapshot) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, s)
	return nil
}

type fakeSessions struct {
	mu      stdsync.Mutex
	ensure  func(ctx context.Context, account *entities.LinkedAccount) (*session.Handle, error)
	forgot  []uuid.UUID
}

func (f *fakeSessions) EnsureSession(ctx context.Context, account *entities.LinkedAccount) (*session.Handle, error) {
	return f.ensure(ctx, account)
}

func (f *fakeSessions) Forget(_ context.Context, accountID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgot = append(f.forgot, accountID)
	return nil
}

type fakeBroker struct {
	positions    []broker.Position
	positionsErr error

	quotes    map[string]broker.Quote
	quotesErr error

	accountProfile *broker.AccountProfile
	accountErr     error

	portfolioProfile *broker.PortfolioProfile
	portfolioErr     error
}

func (f *fakeBroker) GetPositions(_ context.Context, _ string) ([]broker.Position, error) {
	return f.positions, f.positionsErr
}

func (f *fakeBroker) GetQuotes(_ context.Context, _ string, _ []string) (map[string]broker.Quote, error) {
	return f.quotes, f.quotesErr
}

func (f *fakeBroker) GetAccountProfile(_ context.Context, _ string) (*broker.AccountProfile, error) {
	return f.accountProfile, f.accountErr
}

func (f *fakeBroker) GetPortfolioProfile(_ context.Context, _ string) (*broker.PortfolioProfile, error) {
	return f.portfolioProfile, f.portfolioErr
}

type fakeCache struct {
	invalidated []uuid.UUID
	err         error
}

func (f *fakeCache) InvalidateAccount(_ context.Context, accountID uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.invalidated = append(f.invalidated, accountID)
	return nil
}

type stubClock struct{ now time.Time }

func (c *stubClock) Now() time.Time { return c.now }

func (c *stubClock) Sleep(ctx context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return ctx.Err()
}

type syncFixture struct {
	service    *Service
	accounts   *fakeAccounts
	holdings   *memoryHoldings
	portfolios *fakePortfolios
	snapshots  *fakeSnapshots
	sessions   *fakeSessions
	broker     *fakeBroker
	cache      *fakeCache
	account    *entities.LinkedAccount
}

func newSyncFixture(t *testing.T) *syncFixture {
	account := marginAccount()
	handle := &session.Handle{
		AccountID:   account.ID,
		AccessToken: "token-1",
		ExpiresAt:   reconcileTime.Add(24 * time.Hour),
		Method:      session.MethodStoredToken,
	}

	f := &syncFixture{
		accounts:   &fakeAccounts{account: account},
		holdings:   newMemoryHoldings(),
		portfolios: &fakePortfolios{},
		snapshots:  &fakeSnapshots{},
		sessions: &fakeSessions{
			ensure: func(context.Context, *entities.LinkedAccount) (*session.Handle, error) {
				return handle, nil
			},
		},
		broker: &fakeBroker{
			positions: []broker.Position{stockPosition("AAPL", "10", "100")},
			quotes:    map[string]broker.Quote{"AAPL": stockQuote("AAPL", "150", "140")},
			accountProfile: &broker.AccountProfile{
				Cash:        dec("100"),
				BuyingPower: dec("200"),
				MarginBalances: &broker.MarginBalances{
					MarginLimit:           dec("1000"),
					UnallocatedMarginCash: dec("300"),
				},
			},
			portfolioProfile: &broker.PortfolioProfile{
				Equity:              dec("2000"),
				EquityPreviousClose: dec("1900"),
			},
		},
		cache:   &fakeCache{},
		account: account,
	}

	f.service = NewService(
		f.accounts,
		f.holdings,
		f.portfolios,
		f.snapshots,
		f.sessions,
		f.broker,
		f.cache,
		&stubClock{now: reconcileTime},
		testLogger(t),
	)
	return f
}

func TestSyncHappyPath(t *testing.T) {
	f := newSyncFixture(t)
	f.holdings.seed(activeStockHolding(f.account.ID, "GOOG", "2", "2000", "2100"))

	result, err := f.service.Sync(context.Background(), f.account.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, result.HoldingsCreated)
	assert.Equal(t, 0, result.HoldingsUpdated)
	assert.Equal(t, 1, result.HoldingsClosed)
	assert.Equal(t, 1, result.PositionsSeen)
	assert.Equal(t, "2000", result.TotalValue.String())
	assert.Equal(t, reconcileTime, result.StartedAt)

	assert.Equal(t, []entities.SyncStatus{entities.SyncStatusPending, entities.SyncStatusSuccess}, f.accounts.statuses())
	final := f.accounts.changes[len(f.accounts.changes)-1]
	require.NotNil(t, final.syncedAt)
	assert.Nil(t, final.syncErr)

	rows := f.holdings.bySymbol(f.account.ID)
	assert.True(t, rows["AAPL"].IsActive)
	assert.False(t, rows["GOOG"].IsActive)

	require.Len(t, f.portfolios.upserts, 1)
	portfolio := f.portfolios.upserts[0]
	assert.Equal(t, "1500", portfolio.StocksValue.String(), "closed GOOG must not count")
	assert.Equal(t, "2000", portfolio.TotalValue.String())

	assert.Equal(t, []uuid.UUID{f.account.ID}, f.cache.invalidated)

	require.Len(t, f.snapshots.created, 1)
	snapshot := f.snapshots.created[0]
	assert.Equal(t, entities.SnapshotKindSync, snapshot.Kind)
	assert.Equal(t, "2000", snapshot.TotalValue.String())
}

func TestSyncRejectsConcurrentRun(t *testing.T) {
	f := newSyncFixture(t)

	started := make(chan struct{})
	release := make(chan struct{})
	f.sessions.ensure = func(context.Context, *entities.LinkedAccount) (*session.Handle, error) {
		close(started)
		<-release
		return nil, apperrors.AuthenticationFailed("released")
	}

	winnerErr := make(chan error, 1)
	go func() {
		_, err := f.service.Sync(context.Background(), f.account.ID)
		winnerErr <- err
	}()

	<-started
	_, err := f.service.Sync(context.Background(), f.account.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSyncInProgress))

	close(release)
	require.Error(t, <-winnerErr)

	// The lock is released after the run; a fresh sync proceeds.
	f.sessions.ensure = func(context.Context, *entities.LinkedAccount) (*session.Handle, error) {
		return nil, apperrors.AuthenticationFailed("still failing")
	}
	_, err = f.service.Sync(context.Background(), f.account.ID)
	assert.False(t, apperrors.IsCode(err, apperrors.ErrCodeSyncInProgress))
}

func TestSyncInFlightSetDrainsAfterRuns(t *testing.T) {
	f := newSyncFixture(t)

	inFlightLen := func() int {
		f.service.mu.Lock()
		defer f.service.mu.Unlock()
		return len(f.service.inFlight)
	}

	_, err := f.service.Sync(context.Background(), f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, inFlightLen(), "successful run must clear its entry")

	f.broker.positionsErr = &broker.APIError{StatusCode: 503, Detail: "down"}
	_, err = f.service.Sync(context.Background(), f.account.ID)
	require.Error(t, err)
	assert.Equal(t, 0, inFlightLen(), "failed run must clear its entry")
}

func TestSyncBrokerFailureMarksAccountFailed(t *testing.T) {
	f := newSyncFixture(t)
	f.broker.positionsErr = &broker.APIError{StatusCode: 503, Detail: "down for maintenance"}

	_, err := f.service.Sync(context.Background(), f.account.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSyncFailed))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBrokerAPI), "cause must stay visible through the wrapper")

	assert.Equal(t, []entities.SyncStatus{entities.SyncStatusPending, entities.SyncStatusFailed}, f.accounts.statuses())
	final := f.accounts.changes[len(f.accounts.changes)-1]
	require.NotNil(t, final.syncErr)
	assert.Contains(t, *final.syncErr, "down for maintenance")

	assert.Empty(t, f.cache.invalidated, "failed syncs must not invalidate cached views")
	assert.Empty(t, f.snapshots.created)
}

func TestSyncUnauthorizedDropsSession(t *testing.T) {
	f := newSyncFixture(t)
	f.broker.positionsErr = &broker.APIError{StatusCode: 401, Detail: "token expired"}

	_, err := f.service.Sync(context.Background(), f.account.ID)
	require.Error(t, err)
	assert.Equal(t, []uuid.UUID{f.account.ID}, f.sessions.forgot)
}

func TestSyncMFARequiredSurfacesUnwrapped(t *testing.T) {
	f := newSyncFixture(t)
	f.sessions.ensure = func(context.Context, *entities.LinkedAccount) (*session.Handle, error) {
		return nil, apperrors.MFARequired("app")
	}

	_, err := f.service.Sync(context.Background(), f.account.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeMFARequired, apperrors.CodeOf(err))
	assert.Equal(t, []entities.SyncStatus{entities.SyncStatusPending, entities.SyncStatusFailed}, f.accounts.statuses())
}

func TestSyncAuthFailureWrappedWithCause(t *testing.T) {
	f := newSyncFixture(t)
	f.sessions.ensure = func(context.Context, *entities.LinkedAccount) (*session.Handle, error) {
		return nil, apperrors.AuthenticationFailed("bad password")
	}

	_, err := f.service.Sync(context.Background(), f.account.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSyncFailed, apperrors.CodeOf(err))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAuthenticationFailed))
}

func TestSyncQuoteFailureDegradesToFlat(t *testing.T) {
	f := newSyncFixture(t)
	f.broker.quotesErr = assert.AnError

	result, err := f.service.Sync(context.Background(), f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.HoldingsCreated)

	holding := f.holdings.bySymbol(f.account.ID)["AAPL"]
	assert.Equal(t, "100", holding.CurrentPrice.String(), "priced at cost without a quote")
	assert.Nil(t, holding.PreviousClose)
}

func TestSyncNilPositionsFinalizesAggregatesBeforeFailing(t *testing.T) {
	f := newSyncFixture(t)
	f.holdings.seed(activeStockHolding(f.account.ID, "GOOG", "2", "2000", "2100"))
	f.broker.positions = nil

	_, err := f.service.Sync(context.Background(), f.account.ID)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeReconciliation))

	// Aggregates were finalized from the untouched holdings even though
	// the sync failed.
	require.Len(t, f.portfolios.upserts, 1)
	assert.Equal(t, "4200", f.portfolios.upserts[0].StocksValue.String())

	assert.Empty(t, f.cache.invalidated)
	assert.Empty(t, f.snapshots.created)
	assert.Equal(t, []entities.SyncStatus{entities.SyncStatusPending, entities.SyncStatusFailed}, f.accounts.statuses())
}

func TestSyncSnapshotFailureDoesNotFailSync(t *testing.T) {
	f := newSyncFixture(t)
	f.snapshots.createErr = assert.AnError

	result, err := f.service.Sync(context.Background(), f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.HoldingsCreated)
	assert.Equal(t, []entities.SyncStatus{entities.SyncStatusPending, entities.SyncStatusSuccess}, f.accounts.statuses())
}

func TestSyncUnknownAccount(t *testing.T) {
	f := newSyncFixture(t)

	_, err := f.service.Sync(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	assert.Empty(t, f.accounts.statuses(), "no status transitions for unknown accounts")
}
