package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Redis       RedisConfig    `mapstructure:"redis"`
	JWT         JWTConfig      `mapstructure:"jwt"`
	Security    SecurityConfig `mapstructure:"security"`
	Broker      BrokerConfig   `mapstructure:"broker"`
	Cache       CacheConfig    `mapstructure:"cache"`
	Sync        SyncConfig     `mapstructure:"sync"`
	Jobs        JobsConfig     `mapstructure:"jobs"`
	Alerts      AlertsConfig   `mapstructure:"alerts"`
	Tracing     TracingConfig  `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            int      `mapstructure:"port"`
	Host            string   `mapstructure:"host"`
	ReadTimeout     int      `mapstructure:"read_timeout"`
	WriteTimeout    int      `mapstructure:"write_timeout"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min"`
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string `mapstructure:"migrations_path"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret    string `mapstructure:"secret"`
	AccessTTL int    `mapstructure:"access_token_ttl"`
	Issuer    string `mapstructure:"issuer"`
}

type SecurityConfig struct {
	EncryptionKey  string `mapstructure:"encryption_key"`
	EncryptionSalt string `mapstructure:"encryption_salt"`
}

// BrokerConfig controls the brokerage API client and the push
// verification flow.
type BrokerConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	ClientID           string `mapstructure:"client_id"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	RateLimitPerMinute int    `mapstructure:"rate_limit_per_minute"`
	TokenTTLHours      int    `mapstructure:"token_ttl_hours"`
	UserAgent          string `mapstructure:"user_agent"`

	VerificationPollSeconds    int `mapstructure:"verification_poll_seconds"`
	VerificationTimeoutSeconds int `mapstructure:"verification_timeout_seconds"`
	ConfirmMaxRetries          int `mapstructure:"confirm_max_retries"`
}

func (b BrokerConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

func (b BrokerConfig) TokenTTL() time.Duration {
	return time.Duration(b.TokenTTLHours) * time.Hour
}

func (b BrokerConfig) VerificationPollInterval() time.Duration {
	return time.Duration(b.VerificationPollSeconds) * time.Second
}

func (b BrokerConfig) VerificationTimeout() time.Duration {
	return time.Duration(b.VerificationTimeoutSeconds) * time.Second
}

type CacheConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SyncConfig controls scheduler-driven sync retries and fan-out.
type SyncConfig struct {
	RetryAttempts         int `mapstructure:"retry_attempts"`
	RetryBaseDelaySeconds int `mapstructure:"retry_base_delay_seconds"`
	BulkConcurrency       int `mapstructure:"bulk_concurrency"`
}

func (s SyncConfig) RetryBaseDelay() time.Duration {
	return time.Duration(s.RetryBaseDelaySeconds) * time.Second
}

type JobsConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	BulkSyncSchedule  string `mapstructure:"bulk_sync_schedule"`
	SnapshotSchedule  string `mapstructure:"snapshot_schedule"`
	RetentionSchedule string `mapstructure:"retention_schedule"`
	RetentionDays     int    `mapstructure:"retention_days"`
}

type AlertsConfig struct {
	SendgridAPIKey string `mapstructure:"sendgrid_api_key"`
	FromEmail      string `mapstructure:"from_email"`
	FromName       string `mapstructure:"from_name"`
	ToEmail        string `mapstructure:"to_email"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	// Set defaults
	setDefaults()

	// Read from config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Override with environment variables
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Override specific environment variables
	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Build database URL if not provided
	if config.Database.URL == "" {
		config.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.Database.User,
			config.Database.Password,
			config.Database.Host,
			config.Database.Port,
			config.Database.Name,
			config.Database.SSLMode,
		)
	}

	// Validate required fields
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.rate_limit_per_min", 100)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "portfolio_tracker")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", 300)
	viper.SetDefault("database.migrations_path", "migrations")

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	// JWT defaults
	viper.SetDefault("jwt.access_token_ttl", 3600) // 1 hour
	viper.SetDefault("jwt.issuer", "portfolio_tracker")

	// Broker defaults
	viper.SetDefault("broker.base_url", "https://api.robinhood.com")
	viper.SetDefault("broker.client_id", "c82SH0WZOsabOXGP2sxqcj34FxkvfnWRZBKlBjFS")
	viper.SetDefault("broker.timeout_seconds", 30)
	viper.SetDefault("broker.rate_limit_per_minute", 60)
	viper.SetDefault("broker.token_ttl_hours", 24)
	viper.SetDefault("broker.user_agent", "PortfolioTracker/1.0")
	viper.SetDefault("broker.verification_poll_seconds", 5)
	viper.SetDefault("broker.verification_timeout_seconds", 120)
	viper.SetDefault("broker.confirm_max_retries", 5)

	// Cache defaults
	viper.SetDefault("cache.ttl_seconds", 900) // 15 minutes

	// Sync defaults
	viper.SetDefault("sync.retry_attempts", 3)
	viper.SetDefault("sync.retry_base_delay_seconds", 60)
	viper.SetDefault("sync.bulk_concurrency", 4)

	// Job defaults, in six-field cron syntax. Bulk sync runs every four
	// hours on weekdays, snapshots shortly after the US market close,
	// retention overnight.
	viper.SetDefault("jobs.enabled", true)
	viper.SetDefault("jobs.bulk_sync_schedule", "0 0 */4 * * 1-5")
	viper.SetDefault("jobs.snapshot_schedule", "0 5 21 * * 1-5")
	viper.SetDefault("jobs.retention_schedule", "0 0 2 * * *")
	viper.SetDefault("jobs.retention_days", 90)

	// Alert defaults
	viper.SetDefault("alerts.from_email", "alerts@portfoliotracker.local")
	viper.SetDefault("alerts.from_name", "Portfolio Tracker")

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "")
	viper.SetDefault("tracing.sample_ratio", 1.0)
}

func overrideFromEnv() {
	// Server
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("server.port", p)
		}
	}

	// Database
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		viper.Set("database.url", dbURL)
	}

	// Redis
	if redisURL := os.Getenv("REDIS_PASSWORD"); redisURL != "" {
		viper.Set("redis.password", redisURL)
	}

	// JWT
	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		viper.Set("jwt.secret", jwtSecret)
	}

	// Credential encryption
	if encKey := os.Getenv("ENCRYPTION_KEY"); encKey != "" {
		viper.Set("security.encryption_key", encKey)
	}
	if encSalt := os.Getenv("ENCRYPTION_SALT"); encSalt != "" {
		viper.Set("security.encryption_salt", encSalt)
	}

	// Broker API
	if baseURL := os.Getenv("BROKER_BASE_URL"); baseURL != "" {
		viper.Set("broker.base_url", baseURL)
	}
	if clientID := os.Getenv("BROKER_CLIENT_ID"); clientID != "" {
		viper.Set("broker.client_id", clientID)
	}

	// Alerts
	if sendgridKey := os.Getenv("SENDGRID_API_KEY"); sendgridKey != "" {
		viper.Set("alerts.sendgrid_api_key", sendgridKey)
	}
	if alertTo := os.Getenv("ALERTS_TO_EMAIL"); alertTo != "" {
		viper.Set("alerts.to_email", alertTo)
	}

	// Tracing
	if otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); otlpEndpoint != "" {
		viper.Set("tracing.endpoint", otlpEndpoint)
		viper.Set("tracing.enabled", true)
	}
}

func validate(config *Config) error {
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT secret is required")
	}

	if config.Security.EncryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}

	if config.Security.EncryptionSalt == "" {
		return fmt.Errorf("encryption salt is required")
	}

	if config.Database.URL == "" && (config.Database.Host == "" || config.Database.Name == "") {
		return fmt.Errorf("database configuration is incomplete")
	}

	if config.Broker.BaseURL == "" {
		return fmt.Errorf("broker base URL is required")
	}

	if config.Broker.ClientID == "" {
		return fmt.Errorf("broker client ID is required")
	}

	if config.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}

	return nil
}
