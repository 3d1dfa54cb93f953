package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/metrics"
	"github.com/ternarybob/mercator/internal/models"
	"golang.org/x/time/rate"
)

const (
	// DefaultAuthTimeout bounds the login round trip.
	DefaultAuthTimeout = 10 * time.Second

	// DefaultRequestTimeout bounds every other gateway call.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 5

	// tokenRefreshWindow renews the session this long before it expires.
	tokenRefreshWindow = 5 * time.Minute
)

// Client is the production gateway client.
type Client struct {
	apiURL         string
	marketURL      string
	userName       string
	apiKey         string
	httpClient     *http.Client
	authTimeout    time.Duration
	requestTimeout time.Duration
	limiter        *rate.Limiter
	logger         arbor.ILogger

	tokenMu sync.Mutex
	token   *models.AuthToken

	hub *subscriptionHub
}

// APIError describes a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway returned %d", e.StatusCode)
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets a custom rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeouts overrides the auth and request timeouts.
func WithTimeouts(auth, request time.Duration) ClientOption {
	return func(c *Client) {
		if auth > 0 {
			c.authTimeout = auth
		}
		if request > 0 {
			c.requestTimeout = request
		}
	}
}

// NewClient creates a gateway client from a stored connection document.
func NewClient(conn *models.BrokerConnection, opts ...ClientOption) *Client {
	c := &Client{
		apiURL:         strings.TrimRight(conn.APIURL, "/"),
		marketURL:      strings.TrimRight(conn.MarketURL, "/"),
		userName:       conn.UserName,
		apiKey:         conn.APIKey,
		httpClient:     &http.Client{},
		authTimeout:    DefaultAuthTimeout,
		requestTimeout: DefaultRequestTimeout,
		limiter:        rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.hub = newSubscriptionHub(c.openStream, c.logger)

	return c
}

// wire DTOs for the gateway's JSON dialect.

type loginRequest struct {
	UserName string `json:"userName"`
	APIKey   string `json:"apiKey"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Error     string    `json:"error,omitempty"`
}

type accountSearchRequest struct {
	OnlyActiveAccounts bool `json:"onlyActiveAccounts"`
}

type accountSearchResponse struct {
	Accounts []models.Account `json:"accounts"`
}

type contractSearchRequest struct {
	SearchText string `json:"searchText"`
	Live       bool   `json:"live"`
}

type contractSearchResponse struct {
	Contracts []models.Contract `json:"contracts"`
}

type historyRequest struct {
	ContractID string    `json:"contractId"`
	Unit       string    `json:"unit"`
	UnitNumber int       `json:"unitNumber"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
}

type wireBar struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
	V int64     `json:"v"`
}

type historyResponse struct {
	Bars []wireBar `json:"bars"`
}

type orderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Authenticate returns a valid session token, logging in when the cached one
// is absent or inside the refresh window.
func (c *Client) Authenticate(ctx context.Context) (*models.AuthToken, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.ensureTokenLocked(ctx)
}

func (c *Client) ensureTokenLocked(ctx context.Context) (*models.AuthToken, error) {
	if c.token != nil && !c.token.ExpiresWithin(tokenRefreshWindow) {
		token := *c.token
		return &token, nil
	}

	token, err := c.login(ctx)
	if err != nil {
		c.token = nil
		return nil, err
	}
	c.token = token

	if c.logger != nil {
		c.logger.Info().
			Str("expiry", token.Expiry.Format(time.RFC3339)).
			Msg("Gateway session established")
	}

	copied := *token
	return &copied, nil
}

func (c *Client) login(ctx context.Context) (*models.AuthToken, error) {
	var resp loginResponse
	err := c.post(ctx, c.apiURL+"/auth/login", c.authTimeout, "", loginRequest{
		UserName: c.userName,
		APIKey:   c.apiKey,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Token == "" {
		message := resp.Error
		if message == "" {
			message = "gateway returned no token"
		}
		return nil, common.PermanentError("authentication rejected: "+message, nil)
	}
	expiry := resp.ExpiresAt
	if expiry.IsZero() {
		expiry = time.Now().Add(24 * time.Hour)
	}
	return &models.AuthToken{Token: resp.Token, Expiry: expiry}, nil
}

// bearer returns a usable token string, refreshing as needed.
func (c *Client) bearer(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	token, err := c.ensureTokenLocked(ctx)
	if err != nil {
		return "", err
	}
	return token.Token, nil
}

// invalidateToken drops the cached session after a 401.
func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = nil
	c.tokenMu.Unlock()
}

// GetAccounts lists gateway accounts.
func (c *Client) GetAccounts(ctx context.Context, onlyActive bool) ([]models.Account, error) {
	var resp accountSearchResponse
	if err := c.authedPost(ctx, "/accounts/search", accountSearchRequest{OnlyActiveAccounts: onlyActive}, &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// SearchContracts finds tradable contracts matching the query.
func (c *Client) SearchContracts(ctx context.Context, query string, live bool) ([]models.Contract, error) {
	var resp contractSearchResponse
	if err := c.authedPost(ctx, "/contracts/search", contractSearchRequest{SearchText: query, Live: live}, &resp); err != nil {
		return nil, err
	}
	return resp.Contracts, nil
}

// GetHistoricalBars fetches 1-minute bars for [start, end), oldest first.
func (c *Client) GetHistoricalBars(ctx context.Context, contractID string, timeframe models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	if timeframe != models.TimeframeMinute {
		return nil, common.ValidationError("unsupported timeframe %q", timeframe)
	}
	if !end.After(start) {
		return nil, common.ValidationError("historical range end must be after start")
	}

	var resp historyResponse
	err := c.authedPost(ctx, "/history/bars", historyRequest{
		ContractID: contractID,
		Unit:       "minute",
		UnitNumber: 1,
		StartTime:  start.UTC(),
		EndTime:    end.UTC(),
	}, &resp)
	if err != nil {
		return nil, err
	}

	bars := make([]models.Bar, 0, len(resp.Bars))
	for _, wb := range resp.Bars {
		bar := models.Bar{
			Timestamp: wb.T.UTC().Truncate(time.Minute),
			Open:      wb.O,
			High:      wb.H,
			Low:       wb.L,
			Close:     wb.C,
			Volume:    wb.V,
		}
		if err := bar.Validate(); err != nil {
			if c.logger != nil {
				c.logger.Warn().Err(err).Str("contract_id", contractID).Msg("Skipping malformed gateway bar")
			}
			continue
		}
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// SubscribeTrades attaches a consumer to the ref-counted stream for a
// contract.
func (c *Client) SubscribeTrades(ctx context.Context, contractID string, consumer interfaces.TradeConsumer) (interfaces.StreamHandle, error) {
	if contractID == "" {
		return nil, common.ValidationError("contractId is required")
	}
	if consumer == nil {
		return nil, common.ValidationError("consumer is required")
	}
	return c.hub.subscribe(contractID, consumer)
}

// PlaceOrder submits an order to the gateway.
func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, common.ValidationError("invalid order: %v", err)
	}

	var resp orderResponse
	if err := c.authedPost(ctx, "/orders/place", req, &resp); err != nil {
		return nil, err
	}
	return &models.OrderResult{Success: resp.Success, OrderID: resp.OrderID, Error: resp.Error}, nil
}

// ActiveStreams reports how many contracts have an open trade stream.
func (c *Client) ActiveStreams() int {
	return c.hub.activeStreams()
}

// IsConnected reports whether a non-expired session token is held.
func (c *Client) IsConnected() bool {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.token != nil && !c.token.ExpiresWithin(0)
}

// Close releases all trade streams and the cached session.
func (c *Client) Close() error {
	c.hub.closeAll()
	c.invalidateToken()
	return nil
}

// authedPost performs an authenticated gateway call, retrying once with a
// fresh token when the session is rejected.
func (c *Client) authedPost(ctx context.Context, path string, body, result interface{}) error {
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}

	err = c.post(ctx, c.apiURL+path, c.requestTimeout, token, body, result)
	if !isAuthFailure(err) {
		return err
	}

	// The gateway rejected a token it previously issued. Log in again and
	// retry the call once.
	c.invalidateToken()
	token, authErr := c.bearer(ctx)
	if authErr != nil {
		return authErr
	}
	return c.post(ctx, c.apiURL+path, c.requestTimeout, token, body, result)
}

// post performs one JSON round trip against the gateway.
func (c *Client) post(ctx context.Context, fullURL string, timeout time.Duration, token string, body, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return common.TransientError("rate limit wait aborted", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, fullURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	endpoint := endpointLabel(fullURL)
	if c.logger != nil {
		c.logger.Debug().Str("url", fullURL).Msg("Gateway request")
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.BrokerRequestDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.BrokerRequests.WithLabelValues(endpoint, "network_error").Inc()
		return common.TransientError("gateway request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.BrokerRequests.WithLabelValues(endpoint, fmt.Sprintf("http_%d", resp.StatusCode)).Inc()
		return classifyStatus(resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	metrics.BrokerRequests.WithLabelValues(endpoint, "ok").Inc()

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return common.TransientError("failed to decode gateway response", err)
	}
	return nil
}

// classifyStatus maps a gateway HTTP status onto the error taxonomy. Timeouts,
// throttling and server faults are retried by callers; everything else is
// treated as final.
func classifyStatus(status int, body string) error {
	apiErr := &APIError{StatusCode: status, Message: body}
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return common.TransientError("gateway request failed", apiErr)
	default:
		return common.PermanentError("gateway request rejected", apiErr)
	}
}

// isAuthFailure reports whether err came from a 401 response, meaning the
// session token was rejected and a fresh login may succeed.
func isAuthFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized
	}
	return false
}

// endpointLabel trims the host so metric labels stay low-cardinality.
func endpointLabel(fullURL string) string {
	if i := strings.Index(fullURL, "//"); i >= 0 {
		rest := fullURL[i+2:]
		if j := strings.Index(rest, "/"); j >= 0 {
			return rest[j:]
		}
	}
	return fullURL
}
