// Package delta implements the exchange gateway over Delta Exchange's signed REST API.
package delta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"options-engine/pkg/exchanges/common"
)

const (
	DefaultBaseURL = "https://api.india.delta.exchange"
	TestnetBaseURL = "https://cdn-ind.testnet.deltaex.org"
)

// Config holds Delta credentials and transport settings.
type Config struct {
	APIKey        string
	APISecret     string
	BaseURL       string
	Testnet       bool
	Timeout       time.Duration
	MaxRetries    int           // read paths only
	RetryDelay    time.Duration // grows linearly per attempt
	RatePerMinute int
}

// Client handles Delta Exchange REST calls.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
	now         func() time.Time
}

// NewClient creates a new Delta client.
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
		if cfg.Testnet {
			base = TestnetBaseURL
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Client{
		cfg:         cfg,
		baseURL:     base,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: common.NewRateLimiter(cfg.RatePerMinute),
		now:         time.Now,
	}
}

// get performs a signed GET with bounded retries on transient failures.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryDelay * time.Duration(attempt)
			log.Debug().Str("component", "delta").Str("path", path).Int("attempt", attempt).Err(err).Msg("retrying read")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err = c.doSigned(ctx, http.MethodGet, path, params, nil, out)
		if err == nil || !retryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// send performs a single signed write. Writes are never retried.
func (c *Client) send(ctx context.Context, method, path string, payload any, out any) error {
	return c.doSigned(ctx, method, path, nil, payload, out)
}

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, payload any, out any) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("delta: API key/secret required")
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = b
	}
	query := ""
	if len(params) > 0 {
		query = "?" + params.Encode()
	}

	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+query, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("api-key", c.cfg.APIKey)
	req.Header.Set("timestamp", timestamp)
	req.Header.Set("signature", sign(c.cfg.APISecret, method, timestamp, path, query, string(body)))
	req.Header.Set("User-Agent", "options-engine")
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return &transportError{err: err}
	}
	if res.StatusCode == http.StatusTooManyRequests {
		c.rateLimiter.Backoff(res.Header.Get("X-RATE-LIMIT-RESET"))
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if res.StatusCode >= 300 || (decodeErr == nil && !env.Success) {
		apiErr := &APIError{Method: method, Path: path, Status: res.StatusCode, Body: string(raw)}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode %s: %w", path, decodeErr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", path, err)
	}
	return nil
}
