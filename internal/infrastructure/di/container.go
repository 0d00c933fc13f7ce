package di

import (
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jitension/portfolio-tracker/internal/domain/services/accounts"
	"github.com/jitension/portfolio-tracker/internal/domain/services/portfolio"
	"github.com/jitension/portfolio-tracker/internal/domain/services/session"
	syncsvc "github.com/jitension/portfolio-tracker/internal/domain/services/sync"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/adapters"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/broker"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/cache"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/config"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/repositories"
	"github.com/jitension/portfolio-tracker/pkg/crypto"
	"github.com/jitension/portfolio-tracker/pkg/logger"
)

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	DB     *sqlx.DB
	Redis  *redis.Client
	Logger *logger.Logger
	ZapLog *zap.Logger
	Clock  session.Clock

	// Repositories
	AccountRepo   *repositories.AccountRepository
	HoldingRepo   *repositories.HoldingRepository
	PortfolioRepo *repositories.PortfolioRepository
	SnapshotRepo  *repositories.SnapshotRepository

	// Infrastructure
	Broker      *broker.Client
	Cache       *cache.Cache
	Vault       *crypto.Vault
	Sessions    *session.Manager
	AlertMailer *adapters.AlertMailer

	// Domain services
	AccountService   *accounts.Service
	SyncService      *syncsvc.Service
	PortfolioService *portfolio.Service
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *config.Config, db *sqlx.DB, redisClient *redis.Client, log *logger.Logger) (*Container, error) {
	zapLog := log.Zap()

	vault, err := crypto.NewVault(cfg.Security.EncryptionKey, cfg.Security.EncryptionSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential vault: %w", err)
	}

	brokerClient := broker.NewClient(broker.Config{
		BaseURL:      cfg.Broker.BaseURL,
		ClientID:     cfg.Broker.ClientID,
		UserAgent:    cfg.Broker.UserAgent,
		Timeout:      cfg.Broker.Timeout(),
		RateLimitRPM: cfg.Broker.RateLimitPerMinute,
	}, zapLog)

	accountRepo := repositories.NewAccountRepository(db, zapLog)
	clock := session.NewClock()

	container := &Container{
		Config: cfg,
		DB:     db,
		Redis:  redisClient,
		Logger: log,
		ZapLog: zapLog,
		Clock:  clock,

		AccountRepo:   accountRepo,
		HoldingRepo:   repositories.NewHoldingRepository(db, zapLog),
		PortfolioRepo: repositories.NewPortfolioRepository(db, zapLog),
		SnapshotRepo:  repositories.NewSnapshotRepository(db, zapLog),

		Broker: brokerClient,
		Cache:  cache.New(redisClient, zapLog, cfg.Cache.TTL()),
		Vault:  vault,
		Sessions: session.NewManager(brokerClient, accountRepo, vault, clock, session.Config{
			TokenTTL:            cfg.Broker.TokenTTL(),
			VerificationPoll:    cfg.Broker.VerificationPollInterval(),
			VerificationTimeout: cfg.Broker.VerificationTimeout(),
			ConfirmRetries:      cfg.Broker.ConfirmMaxRetries,
		}, log),
		AlertMailer: adapters.NewAlertMailer(cfg.Alerts, log),
	}

	container.initializeDomainServices()

	return container, nil
}

// initializeDomainServices wires the domain services onto the shared
// repositories and infrastructure.
func (c *Container) initializeDomainServices() {
	c.AccountService = accounts.NewService(
		c.AccountRepo,
		c.HoldingRepo,
		c.PortfolioRepo,
		c.SnapshotRepo,
		c.Sessions,
		c.Broker,
		c.Vault,
		c.Cache,
		c.Clock,
		c.Logger,
	)

	c.SyncService = syncsvc.NewService(
		c.AccountRepo,
		c.HoldingRepo,
		c.PortfolioRepo,
		c.SnapshotRepo,
		c.Sessions,
		c.Broker,
		c.Cache,
		c.Clock,
		c.Logger,
	)

	c.PortfolioService = portfolio.NewService(
		c.AccountRepo,
		c.HoldingRepo,
		c.PortfolioRepo,
		c.SnapshotRepo,
		c.Cache,
		c.SyncService.Aggregator(),
		c.Clock,
		c.Logger,
	)
}
