package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/broker"
	"github.com/jitension/portfolio-tracker/pkg/crypto"
	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"
	"github.com/jitension/portfolio-tracker/pkg/logger"
)

var baseTime = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

// Mock implementations for testing

type mockBrokerAPI struct {
	mock.Mock
}

func (m *mockBrokerAPI) Login(ctx context.Context, req broker.LoginRequest) (*broker.TokenResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.TokenResponse), args.Error(1)
}

func (m *mockBrokerAPI) RegisterVerificationDevice(ctx context.Context, deviceToken, workflowID string) (string, error) {
	args := m.Called(ctx, deviceToken, workflowID)
	return args.String(0), args.Error(1)
}

func (m *mockBrokerAPI) GetInquiryChallenge(ctx context.Context, inquiryID string) (*broker.SheriffChallenge, error) {
	args := m.Called(ctx, inquiryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.SheriffChallenge), args.Error(1)
}

func (m *mockBrokerAPI) GetPromptStatus(ctx context.Context, challengeID string) (string, error) {
	args := m.Called(ctx, challengeID)
	return args.String(0), args.Error(1)
}

func (m *mockBrokerAPI) ConfirmInquiry(ctx context.Context, inquiryID string) (string, error) {
	args := m.Called(ctx, inquiryID)
	return args.String(0), args.Error(1)
}

type mockTokenStore struct {
	mock.Mock
}

func (m *mockTokenStore) UpdateToken(ctx context.Context, id uuid.UUID, encryptedToken string, expiresAt time.Time) error {
	args := m.Called(ctx, id, encryptedToken, expiresAt)
	return args.Error(0)
}

func (m *mockTokenStore) ClearToken(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// fakeClock advances instantly on Sleep so poll loops run without waiting.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func testVault(t *testing.T) *crypto.Vault {
	t.Helper()
	vault, err := crypto.NewVault("unit-test-secret", "unit-test-salt")
	require.NoError(t, err)
	return vault
}

func newTestManager(t *testing.T, api BrokerAuthAPI, store TokenStore, vault Vault, clock Clock) *Manager {
	t.Helper()
	return NewManager(api, store, vault, clock, Config{}, logger.FromZap(zaptest.NewLogger(t)))
}

func encryptCredentials(t *testing.T, vault *crypto.Vault, creds entities.Credentials) string {
	t.Helper()
	payload, err := json.Marshal(creds)
	require.NoError(t, err)
	ciphertext, err := vault.Encrypt(payload)
	require.NoError(t, err)
	return ciphertext
}

func TestEnsureSessionRestoresStoredToken(t *testing.T) {
	api := new(mockBrokerAPI)
	store := new(mockTokenStore)
	vault := testVault(t)
	clock := newFakeClock(baseTime)
	manager := newTestManager(t, api, store, vault, clock)

	ciphertext, err := vault.Encrypt([]byte("live-token"))
	require.NoError(t, err)
	expires := baseTime.Add(6 * time.Hour)

	account := &entities.LinkedAccount{
		ID:                   uuid.New(),
		CredentialsEncrypted: encryptCredentials(t, vault, entities.Credentials{Username: "user", Password: "pass"}),
		AuthTokenEncrypted:   &ciphertext,
		TokenExpiresAt:       &expires,
	}

	handle, err := manager.EnsureSession(context.Background(), account)

	require.NoError(t, err)
	assert.Equal(t, "live-token", handle.AccessToken)
	assert.Equal(t, MethodStoredToken, handle.Method)
	assert.True(t, handle.ExpiresAt.Equal(expires))
	api.AssertNotCalled(t, "Login", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "UpdateToken", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEnsureSessionLoginsWhenTokenExpired(t *testing.T) {
	api := new(mockBrokerAPI)
	store := new(mockTokenStore)
	vault := testVault(t)
	clock := newFakeClock(baseTime)
	manager := newTestManager(t, api, store, vault, clock)

	stale, err := vault.Encrypt([]byte("stale-token"))
	require.NoError(t, err)
	expired := baseTime.Add(-time.Hour)

	account := &entities.LinkedAccount{
		ID:                   uuid.New(),
		CredentialsEncrypted: encryptCredentials(t, vault, entities.Credentials{Username: "user", Password: "pass"}),
		AuthTokenEncrypted:   &stale,
		TokenExpiresAt:       &expired,
	}

	api.On("Login", mock.Anything, mock.Anything).
		Return(&broker.TokenResponse{AccessToken: "fresh-token", ExpiresIn: 86400}, nil).Once()
	store.On("UpdateToken", mock.Anything, account.ID, mock.Anything, mock.Anything).Return(nil).Once()

	handle, err := manager.EnsureSession(context.Background(), account)

	require.NoError(t, err)
	assert.Equal(t, "fresh-token", handle.AccessToken)
	assert.Equal(t, MethodCredentials, handle.Method)
	assert.True(t, handle.ExpiresAt.Equal(baseTime.Add(24*time.Hour)))

	// The account carries the new ciphertext after a fresh login.
	require.NotNil(t, account.AuthTokenEncrypted)
	plaintext, err := vault.Decrypt(*account.AuthTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", string(plaintext))

	api.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestEnsureSessionReusesProcessLocalHandle(t *testing.T) {
	api := new(mockBrokerAPI)
	store := new(mockTokenStore)
	vault := testVault(t)
	clock := newFakeClock(baseTime)
	manager := newTestManager(t, api, store, vault, clock)

	account := &entities.LinkedAccount{
		ID:                   uuid.New(),
		CredentialsEncrypted: encryptCredentials(t, vault, entities.Credentials{Username: "user", Password: "pass"}),
	}

	api.On("Login", mock.Anything, mock.Anything).
		Return(&broker.TokenResponse{AccessToken: "fresh-token", ExpiresIn: 86400}, nil).Once()
	store.On("UpdateToken", mock.Anything, account.ID, mock.Anything, mock.Anything).Return(nil).Once()

	first, err := manager.EnsureSession(context.Background(), account)
	require.NoError(t, err)

	second, err := manager.EnsureSession(context.Background(), account)
	require.NoError(t, err)

	assert.Same(t, first, second)
	api.AssertNumberOfCalls(t, "Login", 1)
}

func TestEnsureSessionCorruptCredentialsFailDecryption(t *testing.T) {
	api := new(mockBrokerAPI)
	store := new(mockTokenStore)
	vault := testVault(t)
	clock := newFakeClock(baseTime)
	manager := newTestManager(t, api, store, vault, clock)

	account := &entities.LinkedAccount{
		ID:                   uuid.New(),
		CredentialsEncrypted: "deadbeef",
	}

	_, err := manager.EnsureSession(context.Background(), account)

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDecryptionFailed))
	api.AssertNotCalled(t, "Login", mock.Anything, mock.Anything)
}

func TestEnsureSessionCorruptTokenFallsBackToLogin(t *testing.T) {
	api := new(mockBrokerAPI)
	store := new(mockTokenStore)
	vault := testVault(t)
	clock := newFakeClock(baseTime)
	manager := newTestManager(t, api, store, vault, clock)

	corrupt := "ffffffffffffffff"
	expires := baseTime.Add(6 * time.Hour)

	account := &entities.LinkedAccount{
		ID:                   uuid.New(),
		CredentialsEncrypted: encryptCredentials(t, vault, entities.Credentials{Username: "user", Password: "pass"}),
		AuthTokenEncrypted:   &corrupt,
		TokenExpiresAt:       &expires,
	}

	api.On("Login", mock.Anything, mock.Anything).
		Return(&broker.TokenResponse{AccessToken: "fresh-token", ExpiresIn: 86400}, nil).Once()
	store.On("UpdateToken", mock.Anything, account.ID, mock.Anything, mock.Anything).Return(nil).Once()

	handle, err := manager.EnsureSession(context.Background(), account)

	require.NoError(t, err)
	assert.Equal(t, MethodCredentials, handle.Method)
	api.AssertExpectations(t)
}

func TestLoginGeneratesTOTPCodeFromSecret(t *testing.T) {
	api := new(mockBrokerAPI)
	store := new(mockTokenStore)
	vault := testVault(t)
	clock := newFakeClock(baseTime)
	manager := newTestManager(t, api, store, vault, clock)

	const totpSecret = "JBSWY3DPEHPK3PXP"
	expected, err := totp.GenerateCode(totpSecret, baseTime)
	require.NoError(t, err)

	var submitted broker.LoginRequest
	api.On("Login", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			submitted = args.Get(1).(broker.LoginRequest)
		}).
		Return(&broker.TokenResponse{AccessToken: "access", ExpiresIn: 86400}, nil).Once()

	_, err = manager.Login(context.Background(), entities.Credentials{
		Username:   "user",
		Password:   "pass",
		TOTPSecret: totpSecret,
	}, "")

	require.NoError(t, err)
	assert.Equal(t, expected, submitted.MFACode)
	assert.NotEmpty(t, submitted.DeviceToken)
}

func TestLoginExplicitCodeWinsOverTOTP(t *testing.T) {
	api := new(mockBrokerAPI)
	store := new(mockTokenStore)
	vault := testVault(t)
	clock := newFakeClock(baseTime)
	manager := newTestManager(t, api, store, vault, clock)

	var submitted broker.LoginRequest
	api.On("Login", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			submitted = args.Get(1).(broker.LoginRequest)
		}).
		Return(&broker.TokenResponse{AccessToken: "access", ExpiresIn: 86400}, nil).Once()

	_, err := manager.Login(context.Background(), entities.Credentials{
		Username:   "user",
		Password:   "pass",
		TOTPSecret: "JBSWY3DPEHPK3PXP",
	}, "123456")

	require.NoError(t, err)
	assert.Equal(t, "123456", submitted.MFACode)
}

func TestLoginSurfacesMFARequired(t *testing.T) {
	api := new(mockBrokerAPI)
	store := new(mockTokenStore)
	vault := testVault(t)
	clock := newFakeClock(baseTime)
	manager := newTestManager(t, api, store, vault, clock)

	api.On("Login", mock.Anything, mock.Anything).
		Return(&broker.TokenResponse{MFARequired: true, MFAType: "sms"}, nil).Once()

	_, err := manager.Login(context.Background(), entities.Credentials{Username: "user", Password: "pass"}, "")

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMFARequired))
}

func TestLoginInvalidCredentials(t *testing.T) {
	api := new(mockBrokerAPI)
	store := new(mockTokenStore)
	vault := testVault(t)
	clock := newFakeClock(baseTime)
	manager := newTestManager(t, api, store, vault, clock)

	api.On("Login", mock.Anything, mock.Anything).
		Return(nil, &broker.APIError{StatusCode: 400, Detail: "Unable to log in with provided credentials."}).Once()

	_, err := manager.Login(context.Background(), entities.Credentials{Username: "user", Password: "wrong"}, "")

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAuthenticationFailed))
}

func TestLoginServerErrorIsBrokerAPIError(t *testing.T) {
	api := new(mockBrokerAPI)
	store := new(mockTokenStore)
	vault := testVault(t)
	clock := newFakeClock(baseTime)
	manager := newTestManager(t, api, store, vault, clock)

	api.On("Login", mock.Anything, mock.Anything).
		Return(nil, &broker.APIError{StatusCode: 503, Detail: "service unavailable"}).Once()

	_, err := manager.Login(context.Background(), entities.Credentials{Username: "user", Password: "pass"}, "")

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeBrokerAPI))
}

func TestLoginRunsVerificationThenResubmitsSameDevice(t *testing.T) {
	api := new(mockBrokerAPI)
	store := new(mockTokenStore)
	vault := testVault(t)
	clock := newFakeClock(baseTime)
	manager := newTestManager(t, api, store, vault, clock)

	var submitted []broker.LoginRequest
	record := func(args mock.Arguments) {
		submitted = append(submitted, args.Get(1).(broker.LoginRequest))
	}

	api.On("Login", mock.Anything, mock.Anything).Run(record).
		Return(&broker.TokenResponse{VerificationWorkflow: &broker.VerificationWorkflow{ID: "wf-1"}}, nil).Once()
	api.On("RegisterVerificationDevice", mock.Anything, mock.Anything, "wf-1").
		Return("inq-1", nil).Once()
	api.On("GetInquiryChallenge", mock.Anything, "inq-1").
		Return(&broker.SheriffChallenge{}, nil).Once()
	api.On("GetInquiryChallenge", mock.Anything, "inq-1").
		Return(&broker.SheriffChallenge{ID: "ch-1", Type: broker.ChallengeTypePrompt, Status: "issued"}, nil).Once()
	api.On("GetPromptStatus", mock.Anything, "ch-1").
		Return("issued", nil).Once()
	api.On("GetPromptStatus", mock.Anything, "ch-1").
		Return(broker.PromptStatusValidated, nil).Once()
	api.On("ConfirmInquiry", mock.Anything, "inq-1").
		Return(broker.WorkflowStatusApproved, nil).Once()
	api.On("Login", mock.Anything, mock.Anything).Run(record).
		Return(&broker.TokenResponse{AccessToken: "access-1", ExpiresIn: 86400}, nil).Once()

	handle, err := manager.Login(context.Background(), entities.Credentials{Username: "user", Password: "pass"}, "")

	require.NoError(t, err)
	assert.Equal(t, "access-1", handle.AccessToken)

	// The approval whitelists the device token, so the re-submitted login
	// must carry the same one.
	require.Len(t, submitted, 2)
	assert.NotEmpty(t, submitted[0].DeviceToken)
	assert.Equal(t, submitted[0].DeviceToken, submitted[1].DeviceToken)
	api.AssertExpectations(t)
}

func TestLoginVerificationTimeoutFailsClosed(t *testing.T) {
	api := new(mockBrokerAPI)
	store := new(mockTokenStore)
	vault := testVault(t)
	clock := newFakeClock(baseTime)
	manager := newTestManager(t, api, store, vault, clock)

	api.On("Login", mock.Anything, mock.Anything).
		Return(&broker.TokenResponse{VerificationWorkflow: &broker.VerificationWorkflow{ID: "wf-1"}}, nil).Once()
	api.On("RegisterVerificationDevice", mock.Anything, mock.Anything, "wf-1").
		Return("inq-1", nil).Once()
	// The challenge never materializes; the budget must run out.
	api.On("GetInquiryChallenge", mock.Anything, "inq-1").
		Return(&broker.SheriffChallenge{}, nil)

	_, err := manager.Login(context.Background(), entities.Credentials{Username: "user", Password: "pass"}, "")

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeVerificationTimeout))
	// No assumed approval: the login is never re-submitted.
	api.AssertNumberOfCalls(t, "Login", 1)
	assert.True(t, clock.Now().Sub(baseTime) <= 125*time.Second)
}

func TestLoginVerificationSMSChallengeNeedsExplicitCode(t *testing.T) {
	api := new(mockBrokerAPI)
	store := new(mockTokenStore)
	vault := testVault(t)
	clock := newFakeClock(baseTime)
	manager := newTestManager(t, api, store, vault, clock)

	api.On("Login", mock.Anything, mock.Anything).
		Return(&broker.TokenResponse{VerificationWorkflow: &broker.VerificationWorkflow{ID: "wf-1"}}, nil).Once()
	api.On("RegisterVerificationDevice", mock.Anything, mock.Anything, "wf-1").
		Return("inq-1", nil).Once()
	api.On("GetInquiryChallenge", mock.Anything, "inq-1").
		Return(&broker.SheriffChallenge{ID: "ch-1", Type: broker.ChallengeTypeSMS, Status: "issued"}, nil).Once()

	_, err := manager.Login(context.Background(), entities.Credentials{Username: "user", Password: "pass"}, "")

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMFARequired))
	api.AssertNotCalled(t, "ConfirmInquiry", mock.Anything, mock.Anything)
}

func TestForgetClearsHandleAndStoredToken(t *testing.T) {
	api := new(mockBrokerAPI)
	store := new(mockTokenStore)
	vault := testVault(t)
	clock := newFakeClock(baseTime)
	manager := newTestManager(t, api, store, vault, clock)

	accountID := uuid.New()
	manager.Adopt(accountID, &Handle{AccessToken: "access", ExpiresAt: baseTime.Add(time.Hour)})

	store.On("ClearToken", mock.Anything, accountID).Return(nil).Once()

	require.NoError(t, manager.Forget(context.Background(), accountID))

	manager.mu.Lock()
	_, cached := manager.handles[accountID]
	manager.mu.Unlock()
	assert.False(t, cached)
	store.AssertExpectations(t)
}
