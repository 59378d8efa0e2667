package market

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoData means the venue answered without a usable body.
var ErrNoData = errors.New("market: empty response")

// Options parameterise the market-data client.
type Options struct {
	BaseURL        string
	Timeout        time.Duration
	UserAgent      string
	RequestSpacing time.Duration
	Retries        int
	BackoffBase    time.Duration
	MaxRetryAfter  time.Duration
}

// Client fetches wallet positions and balances over REST.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string

	mu   sync.Mutex
	last time.Time
}

// NewClient constructs a market-data client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.MaxRetryAfter <= 0 {
		opts.MaxRetryAfter = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.reya.xyz"
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "market_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// GetPositions returns the raw positions payload of a wallet. The venue answers
// with a bare list or a wrapper object; the shape is left to the caller.
func (c *Client) GetPositions(ctx context.Context, wallet string) (json.RawMessage, error) {
	body, err := c.get(ctx, "/api/trading/wallet/"+wallet+"/positions")
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("wallet", wallet).Int("bytes", len(body)).Msg("fetched positions")
	return body, nil
}

// GetAccount returns the raw balance payload, trying the balances endpoint first
// and the account endpoint second. The shape is left to the caller.
func (c *Client) GetAccount(ctx context.Context, wallet string) (json.RawMessage, error) {
	body, err := c.get(ctx, "/api/trading/wallet/"+wallet+"/accounts/balances")
	if err == nil {
		return body, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	c.logger.Info().Err(err).Str("wallet", wallet).Msg("balances endpoint failed, trying account endpoint")
	body, fallbackErr := c.get(ctx, "/api/trading/wallet/"+wallet+"/account")
	if fallbackErr != nil {
		return nil, fmt.Errorf("fetch account for %s: %w", wallet, errors.Join(err, fallbackErr))
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.Retries; attempt++ {
		if err := c.space(ctx); err != nil {
			return nil, err
		}

		body, retryAfter, err := c.do(ctx, path)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var apiErr *APIError
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests:
			c.logger.Warn().Str("path", path).Dur("retry_after", retryAfter).Msg("rate limited")
		case errors.As(err, &apiErr) && apiErr.Status >= http.StatusInternalServerError:
			retryAfter = c.opts.BackoffBase << attempt
			c.logger.Warn().Int("status", apiErr.Status).Str("path", path).Int("attempt", attempt+1).Msg("venue error, retrying")
		case errors.As(err, &apiErr), errors.Is(err, ErrNoData):
			return nil, err
		default:
			retryAfter = c.opts.BackoffBase << attempt
			c.logger.Warn().Err(err).Str("path", path).Int("attempt", attempt+1).Msg("request failed")
		}

		if attempt == c.opts.Retries-1 {
			break
		}
		if err := sleep(ctx, retryAfter); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, path string) (json.RawMessage, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "liqguard/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, c.retryAfter(resp.Header.Get("Retry-After")), parseHTTPError(resp.StatusCode, payload)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, parseHTTPError(resp.StatusCode, payload)
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, 0, ErrNoData
	}
	return json.RawMessage(trimmed), 0, nil
}

func (c *Client) retryAfter(header string) time.Duration {
	wait := 5 * time.Second
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs >= 0 {
		wait = time.Duration(secs) * time.Second
	}
	if wait > c.opts.MaxRetryAfter {
		wait = c.opts.MaxRetryAfter
	}
	return wait
}

// space enforces the minimum gap between consecutive requests.
func (c *Client) space(ctx context.Context) error {
	if c.opts.RequestSpacing <= 0 {
		return nil
	}
	c.mu.Lock()
	wait := time.Until(c.last.Add(c.opts.RequestSpacing))
	if wait < 0 {
		wait = 0
	}
	c.last = time.Now().Add(wait)
	c.mu.Unlock()
	return sleep(ctx, wait)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// APIError is a non-200 answer from the venue.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("market api error (%d)", e.Status)
	}
	return fmt.Sprintf("market api error (%d): %s", e.Status, e.Message)
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr struct {
		Error       string `json:"error"`
		Message     string `json:"message"`
		Description string `json:"description"`
	}
	if err := jsonAPI.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Description, apiErr.Message, apiErr.Error} {
			if msg != "" {
				return &APIError{Status: status, Message: msg}
			}
		}
	}
	return &APIError{Status: status, Message: strings.TrimSpace(string(payload))}
}
