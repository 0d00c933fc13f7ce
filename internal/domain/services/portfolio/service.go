package portfolio

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	"github.com/jitension/portfolio-tracker/internal/domain/services/session"
	syncsvc "github.com/jitension/portfolio-tracker/internal/domain/services/sync"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/cache"
	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"
	"github.com/jitension/portfolio-tracker/pkg/logger"
)

const (
	defaultHistoryDays = 30
	maxHistoryDays     = 365
)

// AccountStore loads linked accounts for ownership checks.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entities.LinkedAccount, error)
}

// HoldingStore lists the active holdings behind the read views.
type HoldingStore interface {
	ListActiveByAccount(ctx context.Context, accountID uuid.UUID) ([]*entities.Holding, error)
}

// PortfolioStore reads the persisted portfolio aggregate.
type PortfolioStore interface {
	GetByAccount(ctx context.Context, accountID uuid.UUID) (*entities.Portfolio, error)
}

// SnapshotStore reads and extends the snapshot series.
type SnapshotStore interface {
	Create(ctx context.Context, snapshot *entities.PortfolioSnapshot) error
	ListSince(ctx context.Context, accountID uuid.UUID, since time.Time) ([]*entities.PortfolioSnapshot, error)
	GetYTDBaseline(ctx context.Context, accountID uuid.UUID, year int) (*entities.PortfolioSnapshot, error)
}

// ViewCache is the read-through cache in front of the view builders.
type ViewCache interface {
	GetJSON(ctx context.Context, key, view string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Service serves the portfolio read views. Summary and holdings reads go
// through the cache; syncs invalidate it, so a hit is never staler than
// the last completed sync.
type Service struct {
	accounts   AccountStore
	holdings   HoldingStore
	portfolios PortfolioStore
	snapshots  SnapshotStore
	cache      ViewCache
	aggregator *syncsvc.Aggregator
	clock      session.Clock
	logger     *logger.Logger
}

func NewService(
	accounts AccountStore,
	holdings HoldingStore,
	portfolios PortfolioStore,
	snapshots SnapshotStore,
	viewCache ViewCache,
	aggregator *syncsvc.Aggregator,
	clock session.Clock,
	log *logger.Logger,
) *Service {
	return &Service{
		accounts:   accounts,
		holdings:   holdings,
		portfolios: portfolios,
		snapshots:  snapshots,
		cache:      viewCache,
		aggregator: aggregator,
		clock:      clock,
		logger:     log,
	}
}

// GetSummary returns the account's summary view, from cache when present.
// A cache read error degrades to a miss; the summary is rebuilt from the
// database either way.
func (s *Service) GetSummary(ctx context.Context, userID, accountID uuid.UUID) (*entities.PortfolioSummary, error) {
	account, err := s.ownedAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	key := cache.SummaryKey(account.ID)
	var cached entities.PortfolioSummary
	hit, err := s.cache.GetJSON(ctx, key, cache.ViewSummary, &cached)
	if err != nil {
		s.logger.Warn("Summary cache read failed",
			"account_id", account.ID,
			"error", err)
	}
	if hit {
		return &cached, nil
	}

	summary, err := s.buildSummary(ctx, account)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetJSON(ctx, key, summary, 0); err != nil {
		s.logger.Warn("Failed to cache portfolio summary",
			"account_id", account.ID,
			"error", err)
	}
	return summary, nil
}

// GetHoldings returns the account's active holdings, from cache when
// present.
func (s *Service) GetHoldings(ctx context.Context, userID, accountID uuid.UUID) ([]*entities.Holding, error) {
	account, err := s.ownedAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	key := cache.HoldingsKey(account.ID)
	var cached []*entities.Holding
	hit, err := s.cache.GetJSON(ctx, key, cache.ViewHoldings, &cached)
	if err != nil {
		s.logger.Warn("Holdings cache read failed",
			"account_id", account.ID,
			"error", err)
	}
	if hit {
		return cached, nil
	}

	holdings, err := s.holdings.ListActiveByAccount(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetJSON(ctx, key, holdings, 0); err != nil {
		s.logger.Warn("Failed to cache holdings list",
			"account_id", account.ID,
			"error", err)
	}
	return holdings, nil
}

// GetHistoricalPerformance returns the snapshot series for the trailing
// window. Days out of range are clamped rather than rejected: zero or
// negative means the default window, anything past a year means a year.
func (s *Service) GetHistoricalPerformance(ctx context.Context, userID, accountID uuid.UUID, days int) ([]entities.SnapshotView, error) {
	account, err := s.ownedAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	if days <= 0 {
		days = defaultHistoryDays
	}
	if days > maxHistoryDays {
		days = maxHistoryDays
	}

	since := s.clock.Now().AddDate(0, 0, -days)
	snapshots, err := s.snapshots.ListSince(ctx, account.ID, since)
	if err != nil {
		return nil, err
	}

	views := make([]entities.SnapshotView, 0, len(snapshots))
	for _, snap := range snapshots {
		views = append(views, entities.SnapshotView{
			Kind:           snap.Kind,
			TotalValue:     snap.TotalValue,
			TotalPL:        snap.TotalPL,
			TotalPLPercent: snap.TotalPLPercent,
			SnapshotAt:     snap.SnapshotAt,
		})
	}
	return views, nil
}

// GetAllocation returns the portfolio's value split by asset class,
// largest first. Classes with nothing in them are omitted. Shares are
// computed against the holdings value, not total value, so cash never
// dilutes the split.
func (s *Service) GetAllocation(ctx context.Context, userID, accountID uuid.UUID) ([]entities.AllocationSlice, error) {
	account, err := s.ownedAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	p, err := s.portfolio(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	total := p.StocksValue.Add(p.OptionsValue).Add(p.CryptoValue)
	slices := make([]entities.AllocationSlice, 0, 3)
	add := func(class entities.AssetClass, value decimal.Decimal, count int) {
		if count == 0 && value.IsZero() {
			return
		}
		slices = append(slices, entities.AllocationSlice{
			AssetClass: class,
			Value:      value,
			Percent:    sharePercent(value, total),
			Count:      count,
		})
	}
	add(entities.AssetClassStock, p.StocksValue, p.StocksCount)
	add(entities.AssetClassOption, p.OptionsValue, p.OptionsCount)
	add(entities.AssetClassCrypto, p.CryptoValue, p.CryptoCount)

	sort.Slice(slices, func(i, j int) bool {
		return slices[i].Value.GreaterThan(slices[j].Value)
	})
	return slices, nil
}

// CreateSnapshot records a manual snapshot of the current aggregate.
// Manual snapshots are subject to retention pruning; the scheduled daily
// and sync snapshots are not.
func (s *Service) CreateSnapshot(ctx context.Context, userID, accountID uuid.UUID) (*entities.PortfolioSnapshot, error) {
	account, err := s.ownedAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	p, err := s.portfolio(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	snapshot := entities.FromPortfolio(p, entities.SnapshotKindManual, s.clock.Now())
	if err := s.snapshots.Create(ctx, snapshot); err != nil {
		return nil, err
	}

	s.logger.Info("Recorded manual snapshot",
		"account_id", account.ID,
		"snapshot_id", snapshot.ID,
		"total_value", snapshot.TotalValue.String())
	return snapshot, nil
}

func (s *Service) buildSummary(ctx context.Context, account *entities.LinkedAccount) (*entities.PortfolioSummary, error) {
	p, err := s.portfolio(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	holdings, err := s.holdings.ListActiveByAccount(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	baseline, err := s.snapshots.GetYTDBaseline(ctx, account.ID, now.Year())
	if err != nil {
		return nil, err
	}

	return s.aggregator.BuildSummary(account, p, holdings, baseline, now), nil
}

// portfolio loads the persisted aggregate, translating a missing row into
// the answer the caller can act on: the account exists but has never
// completed a sync.
func (s *Service) portfolio(ctx context.Context, accountID uuid.UUID) (*entities.Portfolio, error) {
	p, err := s.portfolios.GetByAccount(ctx, accountID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			return nil, apperrors.New(apperrors.ErrCodeNotFound, "portfolio has not been synced yet")
		}
		return nil, err
	}
	return p, nil
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

func sharePercent(value, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return value.Div(total).Mul(decimal.NewFromInt(100)).Round(2)
}
