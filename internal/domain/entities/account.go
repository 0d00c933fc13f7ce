package entities

import (
	"time"

	"github.com/google/uuid"
)

// AccountType mirrors the brokerage's account tiers.
type AccountType string

const (
	AccountTypeCash   AccountType = "cash"
	AccountTypeMargin AccountType = "margin"
	AccountTypeGold   AccountType = "gold"
)

// HasMargin reports whether the account type carries margin balances.
func (t AccountType) HasMargin() bool {
	return t == AccountTypeMargin || t == AccountTypeGold
}

// MFAType is how the brokerage challenges this account.
type MFAType string

const (
	MFATypeSMS MFAType = "sms"
	MFATypeApp MFAType = "app"
)

// SyncStatus is the lifecycle of the most recent sync for an account.
type SyncStatus string

const (
	SyncStatusNeverSynced SyncStatus = "never_synced"
	SyncStatusPending     SyncStatus = "pending"
	SyncStatusSuccess     SyncStatus = "success"
	SyncStatusFailed      SyncStatus = "failed"
)

// LinkedAccount is one user's connection to one brokerage account.
// Credential and token blobs are vault ciphertexts; plaintext secrets
// never touch this struct.
type LinkedAccount struct {
	ID                   uuid.UUID   `json:"id" db:"id"`
	UserID               uuid.UUID   `json:"user_id" db:"user_id"`
	AccountNumber        string      `json:"account_number" db:"account_number"`
	AccountType          AccountType `json:"account_type" db:"account_type"`
	CredentialsEncrypted string      `json:"-" db:"credentials_encrypted"`
	AuthTokenEncrypted   *string     `json:"-" db:"auth_token_encrypted"`
	TokenExpiresAt       *time.Time  `json:"token_expires_at,omitempty" db:"token_expires_at"`
	MFAEnabled           bool        `json:"mfa_enabled" db:"mfa_enabled"`
	MFAType              *MFAType    `json:"mfa_type,omitempty" db:"mfa_type"`
	SyncStatus           SyncStatus  `json:"sync_status" db:"sync_status"`
	LastSyncAt           *time.Time  `json:"last_sync_at,omitempty" db:"last_sync_at"`
	LastSyncError        *string     `json:"last_sync_error,omitempty" db:"last_sync_error"`
	IsActive             bool        `json:"is_active" db:"is_active"`
	CreatedAt            time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at" db:"updated_at"`
}

// HasValidToken reports whether a stored session token exists and has not
// expired as of now. This is the explicit check used instead of probing
// the brokerage with a throwaway call.
func (a *LinkedAccount) HasValidToken(now time.Time) bool {
	return a.AuthTokenEncrypted != nil &&
		*a.AuthTokenEncrypted != "" &&
		a.TokenExpiresAt != nil &&
		a.TokenExpiresAt.After(now)
}

// Credentials is the plaintext credential record held inside the vault
// ciphertext. TOTPSecret is set for app-MFA accounts that want codes
// generated server-side.
type Credentials struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totp_secret,omitempty"`
}
