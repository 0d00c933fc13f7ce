package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client := NewClient(Config{
		BaseURL:  baseURL,
		ClientID: "test-client-id",
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { client.Close() })
	return client
}

func TestLoginReturnsAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/oauth2/token/", r.URL.Path)

		var req tokenRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		require.NoError(t, err)
		assert.Equal(t, "test-client-id", req.ClientID)
		assert.Equal(t, "password", req.GrantType)
		assert.Equal(t, "internal", req.Scope)
		assert.Equal(t, 86400, req.ExpiresIn)
		assert.Equal(t, "user@example.com", req.Username)
		assert.Equal(t, "device-token-1", req.DeviceToken)
		assert.True(t, req.CreateReadOnlySecondaryToken)
		assert.Empty(t, req.MFACode)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: "access-token-xyz",
			TokenType:   "Bearer",
			ExpiresIn:   86400,
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	response, err := client.Login(context.Background(), LoginRequest{
		Username:    "user@example.com",
		Password:    "secret",
		DeviceToken: "device-token-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "access-token-xyz", response.AccessToken)
	assert.False(t, response.MFARequired)
	assert.Nil(t, response.VerificationWorkflow)
}

func TestLoginSurfacesVerificationWorkflow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"verification_workflow": {"id": "wf-123", "workflow_status": "workflow_status_internal_pending"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	response, err := client.Login(context.Background(), LoginRequest{
		Username:    "user@example.com",
		Password:    "secret",
		DeviceToken: "device-token-1",
	})
	require.NoError(t, err)
	assert.Empty(t, response.AccessToken)
	require.NotNil(t, response.VerificationWorkflow)
	assert.Equal(t, "wf-123", response.VerificationWorkflow.ID)
}

func TestLoginSurfacesMFADemand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"mfa_required": true, "mfa_type": "sms"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	response, err := client.Login(context.Background(), LoginRequest{
		Username:    "user@example.com",
		Password:    "secret",
		DeviceToken: "device-token-1",
	})
	require.NoError(t, err)
	assert.True(t, response.MFARequired)
	assert.Equal(t, "sms", response.MFAType)
}

func TestLoginInvalidCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail": "Unable to log in with provided credentials."}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.Login(context.Background(), LoginRequest{
		Username:    "user@example.com",
		Password:    "wrong",
		DeviceToken: "device-token-1",
	})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Detail, "Unable to log in")
}

func TestGetPositionsFollowsPaginationAndResolvesSymbols(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.URL.Path == "/positions/" && r.URL.Query().Get("cursor") == "":
			assert.Equal(t, "true", r.URL.Query().Get("nonzero"))
			assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
			next := server.URL + "/positions/?cursor=page2"
			json.NewEncoder(w).Encode(map[string]interface{}{
				"next": next,
				"results": []map[string]string{
					{
						"instrument":        server.URL + "/instruments/aapl-id/",
						"quantity":          "10.0000",
						"average_buy_price": "100.5000",
					},
				},
			})
		case r.URL.Path == "/positions/" && r.URL.Query().Get("cursor") == "page2":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"next": nil,
				"results": []map[string]string{
					{
						"instrument":        server.URL + "/instruments/goog-id/",
						"quantity":          "2",
						"average_buy_price": "2500",
					},
					{
						// unresolvable instrument, skipped
						"instrument":        server.URL + "/instruments/broken/",
						"quantity":          "1",
						"average_buy_price": "5",
					},
				},
			})
		case r.URL.Path == "/instruments/aapl-id/":
			json.NewEncoder(w).Encode(map[string]string{"symbol": "aapl"})
		case r.URL.Path == "/instruments/goog-id/":
			json.NewEncoder(w).Encode(map[string]string{"symbol": "GOOG"})
		case r.URL.Path == "/instruments/broken/":
			json.NewEncoder(w).Encode(map[string]string{"symbol": ""})
		default:
			t.Fatalf("unexpected request: %s", r.URL.String())
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	positions, err := client.GetPositions(context.Background(), "token-1")
	require.NoError(t, err)
	require.Len(t, positions, 2)

	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, "10", positions[0].Quantity.String())
	assert.Equal(t, "100.5", positions[0].AverageBuyPrice.String())
	assert.Equal(t, "GOOG", positions[1].Symbol)
	assert.Equal(t, "2", positions[1].Quantity.String())
}

func TestGetPositionsCachesInstrumentLookups(t *testing.T) {
	var instrumentCalls int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/positions/":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"results": []map[string]string{
					{"instrument": server.URL + "/instruments/msft-id/", "quantity": "1", "average_buy_price": "300"},
				},
			})
		case "/instruments/msft-id/":
			atomic.AddInt32(&instrumentCalls, 1)
			json.NewEncoder(w).Encode(map[string]string{"symbol": "MSFT"})
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.GetPositions(context.Background(), "token-1")
	require.NoError(t, err)
	_, err = client.GetPositions(context.Background(), "token-1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&instrumentCalls))
}

func TestGetQuotesDropsNullEntries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quotes/", r.URL.Path)
		assert.Equal(t, "AAPL,BOGUS", r.URL.Query().Get("symbols"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results": [
			{"symbol": "AAPL", "last_trade_price": "150.25", "previous_close": "148.00", "adjusted_previous_close": "148.00"},
			null
		]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	quotes, err := client.GetQuotes(context.Background(), "token-1", []string{"aapl", "bogus"})
	require.NoError(t, err)
	require.Len(t, quotes, 1)

	quote, ok := quotes["AAPL"]
	require.True(t, ok)
	assert.Equal(t, "150.25", quote.LastTradePrice.String())
	assert.Equal(t, "148", quote.PreviousClose.String())
}

func TestGetQuotesEmptySymbolsSkipsCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for empty symbol list")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	quotes, err := client.GetQuotes(context.Background(), "token-1", nil)
	require.NoError(t, err)
	assert.Empty(t, quotes)
}

func TestGetAccountProfileParsesMarginBalances(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results": [{
			"account_number": "5XY00001",
			"type": "margin",
			"buying_power": "2500.00",
			"cash": "1200.50",
			"margin_balances": {
				"margin_limit": "1000.00",
				"unallocated_margin_cash": "300.00",
				"cash": "1200.50"
			}
		}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	profile, err := client.GetAccountProfile(context.Background(), "token-1")
	require.NoError(t, err)
	assert.Equal(t, "5XY00001", profile.AccountNumber)
	assert.Equal(t, "margin", profile.Type)
	require.NotNil(t, profile.MarginBalances)
	assert.Equal(t, "1000", profile.MarginBalances.MarginLimit.String())
	assert.Equal(t, "300", profile.MarginBalances.UnallocatedMarginCash.String())
}

func TestGetPortfolioProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/portfolios/", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results": [{
			"equity": "15000.00",
			"equity_previous_close": "14800.00",
			"adjusted_equity_previous_close": "14800.00",
			"extended_hours_equity": null,
			"market_value": "13800.00"
		}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	profile, err := client.GetPortfolioProfile(context.Background(), "token-1")
	require.NoError(t, err)
	assert.Equal(t, "15000", profile.Equity.String())
	assert.Equal(t, "14800", profile.EquityPreviousClose.String())
	assert.Nil(t, profile.ExtendedHoursEquity)
}

func TestConfirmInquiryReturnsWorkflowResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/pathfinder/inquiries/machine-1/user_view/", r.URL.Path)

		var req inquiryDecisionRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		require.NoError(t, err)
		assert.Equal(t, 0, req.Sequence)
		assert.Equal(t, "continue", req.UserInput.Status)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"type_context": {"result": "workflow_status_approved"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	result, err := client.ConfirmInquiry(context.Background(), "machine-1")
	require.NoError(t, err)
	assert.Equal(t, WorkflowStatusApproved, result)
}

func TestDoRequestRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results": [{"equity": "1.00", "equity_previous_close": "1.00", "adjusted_equity_previous_close": "1.00", "market_value": "1.00"}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.GetPortfolioProfile(context.Background(), "token-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestMetricEndpointBoundsCardinality(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"/oauth2/token/", "oauth2/token"},
		{"/positions/?nonzero=true", "positions"},
		{"/pathfinder/inquiries/abc-123/user_view/", "pathfinder/inquiries"},
		{"https://api.example.com/instruments/50810c35-d215-4866/", "instruments"},
		{"/push/50810c35-d215/get_prompts_status/", "push"},
		{"/quotes/?symbols=AAPL,GOOG", "quotes"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, metricEndpoint(tt.endpoint), "endpoint %s", tt.endpoint)
	}
}
