package broker

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Challenge types and statuses returned by the verification endpoints.
const (
	ChallengeTypePrompt = "prompt"
	ChallengeTypeSMS    = "sms"

	PromptStatusValidated = "validated"
	PromptStatusIssued    = "issued"

	WorkflowStatusApproved = "workflow_status_approved"
)

// LoginRequest carries the decrypted credentials for a token request.
type LoginRequest struct {
	Username    string
	Password    string
	DeviceToken string
	MFACode     string
}

// tokenRequest is the wire payload for the OAuth token endpoint.
type tokenRequest struct {
	ClientID                     string `json:"client_id"`
	ExpiresIn                    int    `json:"expires_in"`
	GrantType                    string `json:"grant_type"`
	Scope                        string `json:"scope"`
	Username                     string `json:"username"`
	Password                     string `json:"password"`
	DeviceToken                  string `json:"device_token"`
	TryPasskeys                  bool   `json:"try_passkeys"`
	TokenRequestPath             string `json:"token_request_path"`
	CreateReadOnlySecondaryToken bool   `json:"create_read_only_secondary_token"`
	MFACode                      string `json:"mfa_code,omitempty"`
}

// VerificationWorkflow identifies a pending device-approval workflow.
type VerificationWorkflow struct {
	ID             string `json:"id"`
	WorkflowStatus string `json:"workflow_status"`
}

// TokenResponse is the token endpoint response. Exactly one of
// AccessToken and VerificationWorkflow is meaningful on success.
type TokenResponse struct {
	AccessToken          string                `json:"access_token"`
	RefreshToken         string                `json:"refresh_token"`
	ExpiresIn            int                   `json:"expires_in"`
	TokenType            string                `json:"token_type"`
	MFARequired          bool                  `json:"mfa_required"`
	MFAType              string                `json:"mfa_type"`
	VerificationWorkflow *VerificationWorkflow `json:"verification_workflow"`
}

type userMachineRequest struct {
	DeviceID string              `json:"device_id"`
	Flow     string              `json:"flow"`
	Input    userMachineWorkflow `json:"input"`
}

type userMachineWorkflow struct {
	WorkflowID string `json:"workflow_id"`
}

type userMachineResponse struct {
	ID string `json:"id"`
}

// SheriffChallenge describes the verification challenge attached to an
// inquiry: its delivery type (push prompt or SMS) and current status.
type SheriffChallenge struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

type inquiryView struct {
	Context struct {
		SheriffChallenge SheriffChallenge `json:"sheriff_challenge"`
	} `json:"context"`
}

type promptStatusResponse struct {
	ChallengeStatus string `json:"challenge_status"`
}

type inquiryDecisionRequest struct {
	Sequence  int `json:"sequence"`
	UserInput struct {
		Status string `json:"status"`
	} `json:"user_input"`
}

type inquiryDecisionResponse struct {
	TypeContext struct {
		Result string `json:"result"`
	} `json:"type_context"`
}

// positionRecord is the wire shape of one open position. Numeric fields
// arrive as JSON strings and parse to exact decimals.
type positionRecord struct {
	URL             string          `json:"url"`
	Instrument      string          `json:"instrument"`
	InstrumentID    string          `json:"instrument_id"`
	AccountNumber   string          `json:"account_number"`
	Quantity        decimal.Decimal `json:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price"`
}

type positionsPage struct {
	Next    *string          `json:"next"`
	Results []positionRecord `json:"results"`
}

// Position is one resolved open position: the instrument URL has been
// exchanged for its ticker symbol.
type Position struct {
	Symbol          string          `json:"symbol"`
	Quantity        decimal.Decimal `json:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price"`
}

type instrumentRecord struct {
	ID         string `json:"id"`
	Symbol     string `json:"symbol"`
	SimpleName string `json:"simple_name"`
}

// Quote is one symbol's latest trade and previous close. The broker
// returns null entries for unknown symbols; those are dropped.
type Quote struct {
	Symbol                      string           `json:"symbol"`
	LastTradePrice              decimal.Decimal  `json:"last_trade_price"`
	LastExtendedHoursTradePrice *decimal.Decimal `json:"last_extended_hours_trade_price"`
	PreviousClose               decimal.Decimal  `json:"previous_close"`
	AdjustedPreviousClose       decimal.Decimal  `json:"adjusted_previous_close"`
}

type quotesResponse struct {
	Results []*Quote `json:"results"`
}

// MarginBalances is the margin sub-profile of a brokerage account.
type MarginBalances struct {
	MarginLimit           decimal.Decimal `json:"margin_limit"`
	UnallocatedMarginCash decimal.Decimal `json:"unallocated_margin_cash"`
	Cash                  decimal.Decimal `json:"cash"`
}

// AccountProfile is the brokerage account profile: number, kind, cash
// and buying power, plus margin balances when the account carries them.
type AccountProfile struct {
	AccountNumber  string          `json:"account_number"`
	Type           string          `json:"type"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	Cash           decimal.Decimal `json:"cash"`
	MarginBalances *MarginBalances `json:"margin_balances"`
}

type accountsPage struct {
	Results []AccountProfile `json:"results"`
}

// PortfolioProfile is the brokerage portfolio valuation profile.
type PortfolioProfile struct {
	Equity                      decimal.Decimal  `json:"equity"`
	EquityPreviousClose         decimal.Decimal  `json:"equity_previous_close"`
	AdjustedEquityPreviousClose decimal.Decimal  `json:"adjusted_equity_previous_close"`
	ExtendedHoursEquity         *decimal.Decimal `json:"extended_hours_equity"`
	MarketValue                 decimal.Decimal  `json:"market_value"`
}

type portfoliosPage struct {
	Results []PortfolioProfile `json:"results"`
}

// APIError is a non-2xx brokerage response.
type APIError struct {
	StatusCode int    `json:"-"`
	Detail     string `json:"detail"`
	Body       string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("broker API error: status %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("broker API error: status %d", e.StatusCode)
}
