// Package dispatcher is the REST client for the execution dispatcher, the
// service that routes close orders to the venue and reports fills.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/polyguard/internal/crypto"
	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Pacer throttles outbound requests. The redis RateLimiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// Config holds client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RateLimit caps requests per RateWindow across every supervisor
	// instance sharing the pacer. Zero disables pacing.
	RateLimit  int
	RateWindow time.Duration
}

// Client implements domain.ExecutionDispatcher over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
	pacer      Pacer
	rateLimit  int
	rateWindow time.Duration
}

// New creates a Client. auth and pacer may be nil.
func New(cfg Config, auth *crypto.HMACAuth, pacer Pacer) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth,
		pacer:      pacer,
		rateLimit:  cfg.RateLimit,
		rateWindow: window,
	}
}

type closeRequest struct {
	TradeID string `json:"trade_id"`
}

type closeResponse struct {
	RequestID string `json:"request_id"`
}

type pollResponse struct {
	RequestID string    `json:"request_id"`
	State     string    `json:"state"`
	FillPrice float64   `json:"fill_price"`
	FilledAt  time.Time `json:"filled_at"`
	Message   string    `json:"message"`
}

// Close submits a close order for tradeID. A retried submission with the same
// idempotency key returns the original request.
func (c *Client) Close(ctx context.Context, tradeID, idempotencyKey string) (string, error) {
	if idempotencyKey == "" {
		return "", fmt.Errorf("dispatcher: close %s: empty idempotency key", tradeID)
	}
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	respBody, err := c.do(ctx, http.MethodPost, "/v1/close", closeRequest{TradeID: tradeID}, headers)
	if err != nil {
		return "", fmt.Errorf("dispatcher: close %s: %w", tradeID, err)
	}

	var out closeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("dispatcher: decode close response: %w", err)
	}
	if out.RequestID == "" {
		return "", fmt.Errorf("dispatcher: close %s: empty request id", tradeID)
	}
	return out.RequestID, nil
}

// Poll returns the current state of a close request.
func (c *Client) Poll(ctx context.Context, requestID string) (domain.DispatchResult, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/v1/close/"+url.PathEscape(requestID), nil, nil)
	if err != nil {
		return domain.DispatchResult{}, fmt.Errorf("dispatcher: poll %s: %w", requestID, err)
	}

	var out pollResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.DispatchResult{}, fmt.Errorf("dispatcher: decode poll response: %w", err)
	}

	state := domain.DispatchState(out.State)
	switch state {
	case domain.DispatchPending, domain.DispatchFilled, domain.DispatchRejected:
	default:
		return domain.DispatchResult{}, fmt.Errorf("dispatcher: poll %s: unknown state %q", requestID, out.State)
	}
	return domain.DispatchResult{
		RequestID: requestID,
		State:     state,
		FillPrice: out.FillPrice,
		FilledAt:  out.FilledAt,
		Message:   out.Message,
	}, nil
}

// Lookup returns the latest close request for tradeID, if one exists.
func (c *Client) Lookup(ctx context.Context, tradeID string) (string, bool, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/v1/close?trade_id="+url.QueryEscape(tradeID), nil, nil)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("dispatcher: lookup %s: %w", tradeID, err)
	}

	var out closeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", false, fmt.Errorf("dispatcher: decode lookup response: %w", err)
	}
	return out.RequestID, out.RequestID != "", nil
}

// do builds, signs, sends and reads a request, returning the raw body.
func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string) ([]byte, error) {
	if c.pacer != nil && c.rateLimit > 0 {
		if err := c.pacer.Wait(ctx, "dispatcher", c.rateLimit, c.rateWindow); err != nil {
			return nil, fmt.Errorf("pace: %w", err)
		}
	}

	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(b)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.auth != nil {
		for k, v := range c.auth.Headers(method, req.URL.RequestURI(), bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := strings.TrimSpace(string(body))
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

var _ domain.ExecutionDispatcher = (*Client)(nil)
