package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/broker"
	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"
	"github.com/jitension/portfolio-tracker/pkg/logger"
	"github.com/jitension/portfolio-tracker/pkg/metrics"
)

// State names the position of one login attempt inside the authentication
// machine. States are logged, never persisted.
type State string

const (
	StateUnauthenticated      State = "unauthenticated"
	StateFreshLoginSubmitted  State = "fresh_login_submitted"
	StateAwaitingVerification State = "awaiting_verification"
	StateAuthenticated        State = "authenticated"
	StateFailed               State = "failed"
)

// How a live handle was obtained, reported by connection tests.
const (
	MethodStoredToken = "stored_token"
	MethodCredentials = "credentials"
)

// BrokerAuthAPI is the slice of the brokerage client the authentication
// machine drives.
type BrokerAuthAPI interface {
	Login(ctx context.Context, req broker.LoginRequest) (*broker.TokenResponse, error)
	RegisterVerificationDevice(ctx context.Context, deviceToken, workflowID string) (string, error)
	GetInquiryChallenge(ctx context.Context, inquiryID string) (*broker.SheriffChallenge, error)
	GetPromptStatus(ctx context.Context, challengeID string) (string, error)
	ConfirmInquiry(ctx context.Context, inquiryID string) (string, error)
}

// TokenStore persists session-token artifacts on linked accounts.
type TokenStore interface {
	UpdateToken(ctx context.Context, id uuid.UUID, encryptedToken string, expiresAt time.Time) error
	ClearToken(ctx context.Context, id uuid.UUID) error
}

// Vault seals and opens secrets at rest.
type Vault interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// Config carries the timing knobs of the authentication machine.
type Config struct {
	TokenTTL            time.Duration
	VerificationPoll    time.Duration
	VerificationTimeout time.Duration
	ConfirmRetries      int
}

func (c Config) withDefaults() Config {
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.VerificationPoll <= 0 {
		c.VerificationPoll = 5 * time.Second
	}
	if c.VerificationTimeout <= 0 {
		c.VerificationTimeout = 120 * time.Second
	}
	if c.ConfirmRetries <= 0 {
		c.ConfirmRetries = 5
	}
	return c
}

// Handle is an authenticated transport artifact: the bearer token fetch
// operations present to the brokerage, plus its expiry.
type Handle struct {
	AccountID   uuid.UUID
	AccessToken string
	ExpiresAt   time.Time
	Method      string
}

// Valid reports whether the handle can still authenticate requests.
func (h *Handle) Valid(now time.Time) bool {
	return h != nil && h.AccessToken != "" && now.Before(h.ExpiresAt)
}

// Manager owns broker authentication for linked accounts: restoring stored
// session tokens, running the fresh-login machine with MFA and push
// verification, and persisting the resulting token artifacts. Handles are
// cached per account for the life of the process.
type Manager struct {
	brokerAPI BrokerAuthAPI
	store     TokenStore
	vault     Vault
	clock     Clock
	config    Config
	logger    *logger.Logger

	mu      sync.Mutex
	handles map[uuid.UUID]*Handle
}

// NewManager creates a session manager.
func NewManager(
	brokerAPI BrokerAuthAPI,
	store TokenStore,
	vault Vault,
	clock Clock,
	config Config,
	logger *logger.Logger,
) *Manager {
	return &Manager{
		brokerAPI: brokerAPI,
		store:     store,
		vault:     vault,
		clock:     clock,
		config:    config.withDefaults(),
		logger:    logger,
		handles:   make(map[uuid.UUID]*Handle),
	}
}

// EnsureSession returns a live handle for the account, trying in order: the
// process-local handle, restoration from the stored token, and a fresh
// login from the stored credentials. A successful fresh login persists the
// new token ciphertext and expiry onto the account.
//
// Restoration is decided by the stored expiry instant alone; the brokerage
// is never probed with a throwaway call.
func (m *Manager) EnsureSession(ctx context.Context, account *entities.LinkedAccount) (*Handle, error) {
	now := m.clock.Now()

	m.mu.Lock()
	if handle, ok := m.handles[account.ID]; ok && handle.Valid(now) {
		m.mu.Unlock()
		return handle, nil
	}
	m.mu.Unlock()

	if account.HasValidToken(now) {
		token, err := m.vault.Decrypt(*account.AuthTokenEncrypted)
		if err == nil {
			handle := &Handle{
				AccountID:   account.ID,
				AccessToken: string(token),
				ExpiresAt:   *account.TokenExpiresAt,
				Method:      MethodStoredToken,
			}
			m.remember(handle)
			metrics.AuthAttemptsTotal.WithLabelValues("restored").Inc()
			m.logger.Debug("Session restored from stored token",
				"account_id", account.ID,
				"expires_at", handle.ExpiresAt)
			return handle, nil
		}
		// The token is re-derivable from credentials, so a corrupt token
		// blob downgrades to a fresh login instead of failing the account.
		m.logger.Warn("Stored token could not be decrypted, re-authenticating",
			"account_id", account.ID,
			"error", err)
	}

	creds, err := m.decryptCredentials(account)
	if err != nil {
		return nil, err
	}

	handle, err := m.Login(ctx, creds, "")
	if err != nil {
		return nil, err
	}
	handle.AccountID = account.ID

	encrypted, err := m.vault.Encrypt([]byte(handle.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt session token: %w", err)
	}
	if err := m.store.UpdateToken(ctx, account.ID, encrypted, handle.ExpiresAt); err != nil {
		return nil, err
	}
	account.AuthTokenEncrypted = &encrypted
	account.TokenExpiresAt = &handle.ExpiresAt

	m.remember(handle)
	return handle, nil
}

// Login runs the full authentication machine from plaintext credentials:
// fresh login, optional push verification with a re-submitted login after
// approval, TOTP generation for app-MFA accounts. It never touches
// persistence; EnsureSession and account linking own that.
func (m *Manager) Login(ctx context.Context, creds entities.Credentials, mfaCode string) (*Handle, error) {
	deviceToken := uuid.NewString()

	code := mfaCode
	if code == "" && creds.TOTPSecret != "" {
		generated, err := totp.GenerateCode(creds.TOTPSecret, m.clock.Now())
		if err != nil {
			metrics.AuthAttemptsTotal.WithLabelValues("failed").Inc()
			return nil, apperrors.AuthenticationFailed("stored TOTP secret is invalid")
		}
		code = generated
	}

	req := broker.LoginRequest{
		Username:    creds.Username,
		Password:    creds.Password,
		DeviceToken: deviceToken,
		MFACode:     code,
	}

	m.logger.Debug("Broker login submitted",
		"state", StateFreshLoginSubmitted,
		"mfa_code_provided", code != "")

	resp, err := m.brokerAPI.Login(ctx, req)
	if err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("failed").Inc()
		return nil, classifyLoginError(err)
	}

	if resp.MFARequired {
		metrics.AuthAttemptsTotal.WithLabelValues("mfa_required").Inc()
		return nil, apperrors.MFARequired(resp.MFAType)
	}

	if resp.VerificationWorkflow != nil {
		m.logger.Info("Broker login awaiting verification",
			"state", StateAwaitingVerification,
			"workflow_id", resp.VerificationWorkflow.ID)

		if err := m.newVerifier().approve(ctx, deviceToken, resp.VerificationWorkflow.ID); err != nil {
			m.recordLoginFailure(err)
			return nil, err
		}

		// Approval whitelists the device token; the same login resubmitted
		// now yields the access token.
		resp, err = m.brokerAPI.Login(ctx, req)
		if err != nil {
			metrics.AuthAttemptsTotal.WithLabelValues("failed").Inc()
			return nil, classifyLoginError(err)
		}
		if resp.MFARequired {
			metrics.AuthAttemptsTotal.WithLabelValues("mfa_required").Inc()
			return nil, apperrors.MFARequired(resp.MFAType)
		}
		if resp.VerificationWorkflow != nil {
			metrics.AuthAttemptsTotal.WithLabelValues("failed").Inc()
			return nil, apperrors.AuthenticationFailed("brokerage demanded verification again after approval")
		}
	}

	if resp.AccessToken == "" {
		metrics.AuthAttemptsTotal.WithLabelValues("failed").Inc()
		return nil, apperrors.AuthenticationFailed("brokerage returned no access token")
	}

	ttl := m.config.TokenTTL
	if resp.ExpiresIn > 0 {
		ttl = time.Duration(resp.ExpiresIn) * time.Second
	}

	handle := &Handle{
		AccessToken: resp.AccessToken,
		ExpiresAt:   m.clock.Now().Add(ttl),
		Method:      MethodCredentials,
	}

	metrics.AuthAttemptsTotal.WithLabelValues("authenticated").Inc()
	m.logger.Info("Broker session established",
		"state", StateAuthenticated,
		"expires_at", handle.ExpiresAt)

	return handle, nil
}

// Adopt caches a handle produced before its account row existed; account
// linking authenticates first and persists after.
func (m *Manager) Adopt(accountID uuid.UUID, handle *Handle) {
	if handle == nil {
		return
	}
	handle.AccountID = accountID
	m.remember(handle)
}

// Forget drops the process-local handle and clears the persisted token so
// the next session attempt re-authenticates from credentials.
func (m *Manager) Forget(ctx context.Context, accountID uuid.UUID) error {
	m.mu.Lock()
	delete(m.handles, accountID)
	m.mu.Unlock()

	m.logger.Info("Broker session forgotten", "account_id", accountID)
	return m.store.ClearToken(ctx, accountID)
}

func (m *Manager) remember(handle *Handle) {
	if handle.AccountID == uuid.Nil {
		return
	}
	m.mu.Lock()
	m.handles[handle.AccountID] = handle
	m.mu.Unlock()
}

func (m *Manager) newVerifier() *verifier {
	return &verifier{
		brokerAPI:      m.brokerAPI,
		clock:          m.clock,
		logger:         m.logger,
		pollInterval:   m.config.VerificationPoll,
		timeout:        m.config.VerificationTimeout,
		confirmRetries: m.config.ConfirmRetries,
	}
}

func (m *Manager) recordLoginFailure(err error) {
	result := "failed"
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeVerificationTimeout:
		result = "verification_timeout"
	case apperrors.ErrCodeMFARequired:
		result = "mfa_required"
	}
	metrics.AuthAttemptsTotal.WithLabelValues(result).Inc()
	m.logger.Warn("Broker login failed",
		"state", StateFailed,
		"reason", result,
		"error", err)
}

func (m *Manager) decryptCredentials(account *entities.LinkedAccount) (entities.Credentials, error) {
	var creds entities.Credentials

	plaintext, err := m.vault.Decrypt(account.CredentialsEncrypted)
	if err != nil {
		return creds, err
	}
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return creds, apperrors.DecryptionFailed(err)
	}
	return creds, nil
}

// classifyLoginError maps broker transport errors onto the auth taxonomy:
// token-endpoint rejections are credential failures, everything else is a
// transient broker error. MFA and verification demands never reach here;
// the client surfaces those as challenged responses, not errors.
func classifyLoginError(err error) error {
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		detail := apiErr.Detail
		if detail == "" {
			detail = "login rejected by brokerage"
		}
		return apperrors.AuthenticationFailed(detail)
	}
	return apperrors.BrokerAPI(err, "broker login failed")
}
