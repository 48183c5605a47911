package tokenserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bihubihu/tokenserver-client/internal/audience"
	"github.com/bihubihu/tokenserver-client/internal/metrics"
)

const (
	// DefaultEndpoint is the production sync 1.5 token server endpoint.
	DefaultEndpoint = "https://token.services.mozilla.com/1.0/sync/1.5"

	// ClientStateHeader carries the hex-encoded hash of the sync key.
	ClientStateHeader = "X-Client-State"

	defaultMaxResponseBytes = 64 * 1024
)

// ErrResponseTooLarge is the cause of a LocalError when the response body
// exceeds the configured limit.
var ErrResponseTooLarge = errors.New("tokenserver: response body too large")

// Client exchanges BrowserID assertions for tokens at a single endpoint.
// It holds no per-request state and is safe for concurrent use.
type Client struct {
	endpoint         *url.URL
	audience         string
	httpClient       *http.Client
	logger           *slog.Logger
	maxResponseBytes int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the logger used for exchange diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMaxResponseBytes caps how much of a response body is read.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResponseBytes = n
		}
	}
}

// NewClient creates a client for the token server at endpoint. An empty
// endpoint selects DefaultEndpoint.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("tokenserver: invalid endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("tokenserver: endpoint must be an absolute http(s) URL: %q", endpoint)
	}

	c := &Client{
		endpoint:         u,
		audience:         audience.For(u),
		httpClient:       http.DefaultClient,
		logger:           slog.New(slog.DiscardHandler),
		maxResponseBytes: defaultMaxResponseBytes,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Endpoint returns the token server URL.
func (c *Client) Endpoint() string {
	return c.endpoint.String()
}

// Audience returns the audience assertions for this endpoint must carry.
func (c *Client) Audience() string {
	return c.audience
}

// Result is the outcome of an asynchronous exchange. Exactly one of Token
// and Err is set.
type Result struct {
	Token *Token
	Err   TokenServerError
}

// Token exchanges assertion for a token. clientState is sent as
// X-Client-State when non-empty. Any returned error is a TokenServerError.
func (c *Client) Token(ctx context.Context, assertion, clientState string) (*Token, error) {
	token, err := c.exchange(ctx, assertion, clientState)
	if err != nil {
		return nil, err
	}
	return token, nil
}

// Go starts an exchange on a new goroutine. The returned channel receives
// exactly one Result and is then closed. Nothing is guaranteed about the
// goroutine that produces the result.
func (c *Client) Go(ctx context.Context, assertion, clientState string) <-chan Result {
	results := make(chan Result, 1)
	go func() {
		defer close(results)
		token, err := c.exchange(ctx, assertion, clientState)
		results <- Result{Token: token, Err: err}
	}()
	return results
}

func (c *Client) exchange(ctx context.Context, assertion, clientState string) (*Token, TokenServerError) {
	start := time.Now()
	token, statusCode, err := c.do(ctx, assertion, clientState)

	outcome := metrics.OutcomeSuccess
	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		outcome = metrics.OutcomeRemote
	case err != nil:
		outcome = metrics.OutcomeLocal
	}
	code := ""
	if statusCode != 0 {
		code = strconv.Itoa(statusCode)
	}
	metrics.RecordExchange(outcome, code)
	metrics.RecordExchangeDuration(outcome, time.Since(start).Seconds())

	if err != nil {
		c.logger.Info("token exchange failed",
			"endpoint", c.endpoint.String(),
			"outcome", outcome,
			"error", err.Error(),
		)
		return nil, err
	}
	c.logger.Debug("token exchange succeeded",
		"endpoint", c.endpoint.String(),
		"uid", token.UID,
		"api_endpoint", token.APIEndpoint,
	)
	return token, nil
}

// do performs the request. statusCode is 0 when no response was received.
func (c *Client) do(ctx context.Context, assertion, clientState string) (*Token, int, TokenServerError) {
	c.logger.Debug("exchanging assertion",
		"endpoint", c.endpoint.String(),
		"audience", c.audience,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), nil)
	if err != nil {
		return nil, 0, localError(err)
	}
	req.Header.Set("Authorization", "BrowserID "+assertion)
	req.Header.Set("Accept", "application/json")
	if clientState != "" {
		req.Header.Set(ClientStateHeader, clientState)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, localError(err)
	}
	defer func() {
		//nolint:errcheck
		resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, resp.StatusCode, localError(err)
	}
	if int64(len(body)) > c.maxResponseBytes {
		return nil, resp.StatusCode, localError(ErrResponseTooLarge)
	}

	timestamp := parseTimestampHeader(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, c.parseError(resp.StatusCode, body, timestamp)
	}

	var tr tokenResponse
	if err := decodeObject(body, &tr); err != nil {
		return nil, resp.StatusCode, localError(err)
	}
	token, err := tr.toToken(timestamp)
	if err != nil {
		c.logger.Warn("token response failed validation",
			"endpoint", c.endpoint.String(),
			"reason", err.Error(),
		)
		return nil, resp.StatusCode, localError(nil)
	}
	return token, resp.StatusCode, nil
}

// parseError maps a non-2xx response to a RemoteError when the body is a
// JSON object, and to a LocalError otherwise.
func (c *Client) parseError(statusCode int, body []byte, timestamp *uint64) TokenServerError {
	var er errorResponse
	if err := decodeObject(body, &er); err != nil {
		return localError(fmt.Errorf("unparseable %d response: %w", statusCode, err))
	}
	if timestamp == nil {
		timestamp = er.Timestamp
	}
	for _, detail := range er.Errors {
		c.logger.Debug("token server error detail",
			"status_code", statusCode,
			"location", detail.Location,
			"name", detail.Name,
			"description", detail.Description,
		)
	}
	return &RemoteError{
		Code:            statusCode,
		Status:          er.Status,
		RemoteTimestamp: timestamp,
	}
}
