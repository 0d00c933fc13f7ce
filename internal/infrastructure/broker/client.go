package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jitension/portfolio-tracker/pkg/metrics"
	"github.com/jitension/portfolio-tracker/pkg/tracing"
)

const (
	// Default timeouts and limits
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	baseBackoff    = 1 * time.Second
	maxBackoff     = 16 * time.Second
	jitterRange    = 0.1 // 10% jitter

	// Brokerage API rate limits (requests per minute) - conservative defaults
	brokerRateLimitRPM = 60
	rateLimitBurst     = 10
)

// Config represents brokerage API configuration
type Config struct {
	BaseURL        string
	ClientID       string // OAuth client id for the token endpoint
	UserAgent      string
	Timeout        time.Duration
	RateLimitRPM   int // Requests per minute (0 = use default)
	RateLimitBurst int // Burst capacity (0 = use default)
}

// Client represents a brokerage API client
type Client struct {
	config         Config
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	rateLimiter    *time.Ticker
	requestTokens  chan struct{}
	logger         *zap.Logger

	// instrument URL -> ticker symbol, never invalidated within a process
	instrumentsMu     sync.RWMutex
	instrumentSymbols map[string]string
}

// NewClient creates a new brokerage API client
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	// Set default rate limits if not provided
	if config.RateLimitRPM == 0 {
		config.RateLimitRPM = brokerRateLimitRPM
	}
	if config.RateLimitBurst == 0 {
		config.RateLimitBurst = rateLimitBurst
	}

	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	// Initialize rate limiter
	rateLimiter := time.NewTicker(time.Minute / time.Duration(config.RateLimitRPM))
	requestTokens := make(chan struct{}, config.RateLimitBurst)

	// Fill initial burst capacity
	for i := 0; i < config.RateLimitBurst; i++ {
		requestTokens <- struct{}{}
	}

	// Token replenishment goroutine
	go func() {
		for range rateLimiter.C {
			select {
			case requestTokens <- struct{}{}:
			default:
				// Channel is full, skip this token
			}
		}
	}()

	st := gobreaker.Settings{
		Name:        "BrokerAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.Set(breakerStateValue(to))
		},
	}

	circuitBreaker := gobreaker.NewCircuitBreaker(st)

	return &Client{
		config:            config,
		httpClient:        httpClient,
		circuitBreaker:    circuitBreaker,
		rateLimiter:       rateLimiter,
		requestTokens:     requestTokens,
		logger:            logger,
		instrumentSymbols: make(map[string]string),
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Login submits credentials to the OAuth token endpoint. Three outcomes
// are normal: an access token, an MFA demand, or a verification
// workflow id. The latter two ride on non-2xx statuses, so they are
// recovered from the error body and returned as a regular response.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*TokenResponse, error) {
	c.logger.Info("Submitting broker login",
		zap.String("username", req.Username),
		zap.Bool("mfa_code_provided", req.MFACode != ""))

	payload := tokenRequest{
		ClientID:                     c.config.ClientID,
		ExpiresIn:                    86400,
		GrantType:                    "password",
		Scope:                        "internal",
		Username:                     req.Username,
		Password:                     req.Password,
		DeviceToken:                  req.DeviceToken,
		TryPasskeys:                  false,
		TokenRequestPath:             "/login",
		CreateReadOnlySecondaryToken: true,
		MFACode:                      req.MFACode,
	}

	var response TokenResponse
	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return &response, c.doRequestWithRetry(ctx, http.MethodPost, "/oauth2/token/", "", payload, &response)
	})

	if err != nil {
		if challenged := challengeFromError(err); challenged != nil {
			c.logger.Info("Broker login requires additional verification",
				zap.Bool("mfa_required", challenged.MFARequired),
				zap.Bool("workflow", challenged.VerificationWorkflow != nil))
			return challenged, nil
		}
		c.logger.Error("Broker login failed",
			zap.String("username", req.Username),
			zap.Error(err))
		return nil, fmt.Errorf("login failed: %w", err)
	}

	return &response, nil
}

// challengeFromError recovers an MFA or verification-workflow demand
// from an error response body. Returns nil for plain failures.
func challengeFromError(err error) *TokenResponse {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Body == "" {
		return nil
	}

	var challenged TokenResponse
	if jsonErr := json.Unmarshal([]byte(apiErr.Body), &challenged); jsonErr != nil {
		return nil
	}
	if challenged.MFARequired {
		return &challenged
	}
	if challenged.VerificationWorkflow != nil && challenged.VerificationWorkflow.ID != "" {
		return &challenged
	}
	return nil
}

// RegisterVerificationDevice registers the device/workflow pair and
// returns the inquiry (machine) id used to track the challenge.
func (c *Client) RegisterVerificationDevice(ctx context.Context, deviceToken, workflowID string) (string, error) {
	c.logger.Info("Registering verification workflow",
		zap.String("workflow_id", workflowID))

	payload := userMachineRequest{
		DeviceID: deviceToken,
		Flow:     "suv",
		Input:    userMachineWorkflow{WorkflowID: workflowID},
	}

	var response userMachineResponse
	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return &response, c.doRequestWithRetry(ctx, http.MethodPost, "/pathfinder/user_machine/", "", payload, &response)
	})

	if err != nil {
		c.logger.Error("Failed to register verification workflow",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
		return "", fmt.Errorf("register verification device failed: %w", err)
	}

	if response.ID == "" {
		return "", fmt.Errorf("no verification machine id returned")
	}

	return response.ID, nil
}

// GetInquiryChallenge fetches the current challenge attached to an
// inquiry. The challenge may be empty while the brokerage is still
// materializing it.
func (c *Client) GetInquiryChallenge(ctx context.Context, inquiryID string) (*SheriffChallenge, error) {
	var response inquiryView
	endpoint := fmt.Sprintf("/pathfinder/inquiries/%s/user_view/", inquiryID)
	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return &response, c.doRequestWithRetry(ctx, http.MethodGet, endpoint, "", nil, &response)
	})

	if err != nil {
		return nil, fmt.Errorf("get inquiry challenge failed: %w", err)
	}

	challenge := response.Context.SheriffChallenge
	return &challenge, nil
}

// GetPromptStatus returns the push prompt's current status.
func (c *Client) GetPromptStatus(ctx context.Context, challengeID string) (string, error) {
	var response promptStatusResponse
	endpoint := fmt.Sprintf("/push/%s/get_prompts_status/", challengeID)
	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return &response, c.doRequestWithRetry(ctx, http.MethodGet, endpoint, "", nil, &response)
	})

	if err != nil {
		return "", fmt.Errorf("get prompt status failed: %w", err)
	}

	return response.ChallengeStatus, nil
}

// ConfirmInquiry posts the continue decision for an inquiry and returns
// the workflow result string.
func (c *Client) ConfirmInquiry(ctx context.Context, inquiryID string) (string, error) {
	payload := inquiryDecisionRequest{Sequence: 0}
	payload.UserInput.Status = "continue"

	var response inquiryDecisionResponse
	endpoint := fmt.Sprintf("/pathfinder/inquiries/%s/user_view/", inquiryID)
	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return &response, c.doRequestWithRetry(ctx, http.MethodPost, endpoint, "", payload, &response)
	})

	if err != nil {
		return "", fmt.Errorf("confirm inquiry failed: %w", err)
	}

	return response.TypeContext.Result, nil
}

// GetPositions fetches all nonzero open stock positions, following
// pagination and resolving each instrument URL to its ticker symbol.
// Positions whose instrument cannot be resolved are skipped and logged.
func (c *Client) GetPositions(ctx context.Context, token string) ([]Position, error) {
	c.logger.Info("Fetching open positions")

	positions := make([]Position, 0, 16)
	endpoint := "/positions/?nonzero=true"

	for endpoint != "" {
		var page positionsPage
		_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
			return &page, c.doRequestWithRetry(ctx, http.MethodGet, endpoint, token, nil, &page)
		})

		if err != nil {
			c.logger.Error("Failed to fetch positions", zap.Error(err))
			return nil, fmt.Errorf("fetch positions failed: %w", err)
		}

		for _, record := range page.Results {
			symbol, err := c.instrumentSymbol(ctx, token, record.Instrument)
			if err != nil {
				c.logger.Warn("Skipping position with unresolvable instrument",
					zap.String("instrument", record.Instrument),
					zap.String("instrument_id", record.InstrumentID),
					zap.String("quantity", record.Quantity.String()),
					zap.Error(err))
				continue
			}
			positions = append(positions, Position{
				Symbol:          strings.ToUpper(symbol),
				Quantity:        record.Quantity,
				AverageBuyPrice: record.AverageBuyPrice,
			})
		}

		if page.Next != nil && *page.Next != "" {
			endpoint = *page.Next
		} else {
			endpoint = ""
		}
	}

	c.logger.Info("Fetched open positions", zap.Int("count", len(positions)))
	return positions, nil
}

// GetQuotes fetches latest trade and previous close for the given
// symbols, keyed by uppercase symbol. Unknown symbols come back as null
// entries from the brokerage and are dropped.
func (c *Client) GetQuotes(ctx context.Context, token string, symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}

	upper := make([]string, 0, len(symbols))
	for _, s := range symbols {
		upper = append(upper, strings.ToUpper(s))
	}

	var response quotesResponse
	endpoint := "/quotes/?symbols=" + url.QueryEscape(strings.Join(upper, ","))
	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return &response, c.doRequestWithRetry(ctx, http.MethodGet, endpoint, token, nil, &response)
	})

	if err != nil {
		c.logger.Error("Failed to fetch quotes",
			zap.Int("symbol_count", len(symbols)),
			zap.Error(err))
		return nil, fmt.Errorf("fetch quotes failed: %w", err)
	}

	quotes := make(map[string]Quote, len(response.Results))
	for _, q := range response.Results {
		if q == nil || q.Symbol == "" {
			continue
		}
		quotes[strings.ToUpper(q.Symbol)] = *q
	}

	return quotes, nil
}

// GetAccountProfile fetches the primary brokerage account profile.
func (c *Client) GetAccountProfile(ctx context.Context, token string) (*AccountProfile, error) {
	var response accountsPage
	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return &response, c.doRequestWithRetry(ctx, http.MethodGet, "/accounts/", token, nil, &response)
	})

	if err != nil {
		c.logger.Error("Failed to fetch account profile", zap.Error(err))
		return nil, fmt.Errorf("fetch account profile failed: %w", err)
	}

	if len(response.Results) == 0 {
		return nil, fmt.Errorf("no brokerage account attached to session")
	}

	return &response.Results[0], nil
}

// GetPortfolioProfile fetches the portfolio valuation profile.
func (c *Client) GetPortfolioProfile(ctx context.Context, token string) (*PortfolioProfile, error) {
	var response portfoliosPage
	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return &response, c.doRequestWithRetry(ctx, http.MethodGet, "/portfolios/", token, nil, &response)
	})

	if err != nil {
		c.logger.Error("Failed to fetch portfolio profile", zap.Error(err))
		return nil, fmt.Errorf("fetch portfolio profile failed: %w", err)
	}

	if len(response.Results) == 0 {
		return nil, fmt.Errorf("no portfolio attached to session")
	}

	return &response.Results[0], nil
}

// instrumentSymbol resolves an instrument URL to its ticker symbol,
// consulting the process-local cache first.
func (c *Client) instrumentSymbol(ctx context.Context, token, instrumentURL string) (string, error) {
	if instrumentURL == "" {
		return "", fmt.Errorf("position carries no instrument URL")
	}

	c.instrumentsMu.RLock()
	symbol, ok := c.instrumentSymbols[instrumentURL]
	c.instrumentsMu.RUnlock()
	if ok {
		return symbol, nil
	}

	var record instrumentRecord
	if err := c.doRequestWithRetry(ctx, http.MethodGet, instrumentURL, token, nil, &record); err != nil {
		return "", fmt.Errorf("resolve instrument failed: %w", err)
	}
	if record.Symbol == "" {
		return "", fmt.Errorf("instrument record carries no symbol")
	}

	c.instrumentsMu.Lock()
	c.instrumentSymbols[instrumentURL] = record.Symbol
	c.instrumentsMu.Unlock()

	return record.Symbol, nil
}

// doRequestWithRetry performs an HTTP request with exponential backoff retry
func (c *Client) doRequestWithRetry(ctx context.Context, method, endpoint, token string, body, response interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt)
			c.logger.Info("Retrying broker API request",
				zap.String("endpoint", metricEndpoint(endpoint)),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// Acquire rate limit token
		select {
		case <-c.requestTokens:
			// Token acquired, proceed
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.Timeout):
			return fmt.Errorf("rate limit token acquisition timeout")
		}

		err := c.doRequest(ctx, method, endpoint, token, body, response)
		if err == nil {
			return nil
		}

		lastErr = err

		// Check if error is retryable
		if !isRetryableError(err) {
			return err
		}

		c.logger.Warn("Retryable error encountered",
			zap.String("endpoint", metricEndpoint(endpoint)),
			zap.Error(err),
			zap.Int("attempt", attempt))
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// doRequest performs a single HTTP request
func (c *Client) doRequest(ctx context.Context, method, endpoint, token string, body, response interface{}) error {
	fullURL := endpoint
	if !strings.HasPrefix(endpoint, "http") {
		fullURL = c.config.BaseURL + endpoint
	}

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	tracing.InjectTraceContext(ctx, req.Header)

	c.logger.Debug("Sending broker API request",
		zap.String("method", method),
		zap.String("endpoint", metricEndpoint(endpoint)))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordBrokerCall(metricEndpoint(endpoint), "transport_error", time.Since(start).Seconds())
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	metrics.RecordBrokerCall(metricEndpoint(endpoint), strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	c.logger.Debug("Received broker API response",
		zap.Int("status_code", resp.StatusCode),
		zap.Int("body_size", len(respBody)))

	// Check for error responses
	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
		// The brokerage reports errors as {"detail": "..."}
		_ = json.Unmarshal(respBody, apiErr)

		if resp.StatusCode == http.StatusTooManyRequests {
			if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
				if seconds, err := strconv.Atoi(retryAfter); err == nil {
					c.logger.Warn("Rate limited by brokerage API",
						zap.Int("retry_after_seconds", seconds),
						zap.String("endpoint", metricEndpoint(endpoint)))
				}
			}
		}

		return apiErr
	}

	// Parse response if a response object is provided
	if response != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, response); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// Close gracefully shuts down the client and cleans up resources
func (c *Client) Close() error {
	if c.rateLimiter != nil {
		c.rateLimiter.Stop()
	}
	c.logger.Info("Broker client closed")
	return nil
}

// GetMetrics returns circuit breaker and client metrics for monitoring
func (c *Client) GetMetrics() map[string]interface{} {
	counts := c.circuitBreaker.Counts()

	c.instrumentsMu.RLock()
	cachedInstruments := len(c.instrumentSymbols)
	c.instrumentsMu.RUnlock()

	return map[string]interface{}{
		"circuit_breaker_state":         c.circuitBreaker.State().String(),
		"requests_total":                counts.Requests,
		"consecutive_successes":         counts.ConsecutiveSuccesses,
		"consecutive_failures":          counts.ConsecutiveFailures,
		"total_successes":               counts.TotalSuccesses,
		"total_failures":                counts.TotalFailures,
		"rate_limiter_tokens_available": len(c.requestTokens),
		"rate_limiter_burst_capacity":   cap(c.requestTokens),
		"client_timeout_seconds":        c.config.Timeout.Seconds(),
		"cached_instruments":            cachedInstruments,
	}
}

// metricEndpoint reduces an endpoint to at most its first two path
// segments, dropping identifier-like segments, so metric label
// cardinality stays bounded.
func metricEndpoint(endpoint string) string {
	path := endpoint
	if strings.HasPrefix(endpoint, "http") {
		if u, err := url.Parse(endpoint); err == nil {
			path = u.Path
		}
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	segments := make([]string, 0, 2)
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		if len(segments) == 1 && !isWordSegment(seg) {
			break
		}
		segments = append(segments, seg)
		if len(segments) == 2 {
			break
		}
	}
	return strings.Join(segments, "/")
}

func isWordSegment(seg string) bool {
	for _, r := range seg {
		if (r < 'a' || r > 'z') && r != '_' {
			return false
		}
	}
	return len(seg) > 0
}

// calculateBackoff calculates exponential backoff with jitter
func calculateBackoff(attempt int) time.Duration {
	// Calculate exponential backoff: baseBackoff * 2^(attempt-1)
	backoff := float64(baseBackoff) * math.Pow(2, float64(attempt-1))

	// Apply max backoff limit
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	// Add jitter (±10%)
	jitter := backoff * jitterRange * (2*getRandomFloat() - 1)
	backoff += jitter

	return time.Duration(backoff)
}

// getRandomFloat returns a random float between 0 and 1
func getRandomFloat() float64 {
	return float64(time.Now().UnixNano()%1000) / 1000.0
}

// isRetryableError determines if an error should trigger a retry
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return true // Rate limited, worth retrying after backoff
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true // Server errors, worth retrying
		case http.StatusRequestTimeout:
			return true // Request timeout, worth retrying
		default:
			return false // Client errors (4xx except 429) should not be retried
		}
	}

	// Retry on network errors and timeouts
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection closed") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "no such host")
}
