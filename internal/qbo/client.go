package qbo

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/ledgerbridge/ledgerbridge/internal/mirror"
)

const (
	defaultTimeout = 15 * time.Second
	maxRetries     = 3
	backoffCapMs   = 10000
)

// Client issues authenticated calls against the external API with a hard
// per-request timeout, retry with jittered exponential backoff for transient
// failures, and a one-shot reactive token refresh on 401.
type Client struct {
	baseURL string
	tokens  *TokenManager
	httpc   *http.Client
	logger  *slog.Logger

	// jitter and sleep are injectable for tests.
	jitter func() float64
	sleep  func(context.Context, time.Duration) error
}

// NewClient constructs a resilient API client.
func NewClient(baseURL string, tokens *TokenManager, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		httpc:   &http.Client{Timeout: defaultTimeout},
		logger:  logger,
		jitter:  rand.Float64,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BackoffDelay computes the retry delay for an attempt. base is
// min(1000*2^attempt, 10000) ms and r in [0,1) jitters the result down into
// [0.5*base, 1.0*base].
func BackoffDelay(attempt int, r float64) time.Duration {
	base := 1000 * (1 << attempt)
	if base > backoffCapMs {
		base = backoffCapMs
	}
	ms := float64(base)/2 + r*float64(base)/2
	return time.Duration(ms) * time.Millisecond
}

// Call issues one API request and returns the response body. The token is
// refreshed proactively on a best-effort basis; a proactive-refresh failure
// is logged and the stale token tried anyway.
func (c *Client) Call(ctx context.Context, conn *mirror.Connection, method, path string, body []byte) ([]byte, error) {
	token, err := c.tokens.EnsureFreshAccessToken(ctx, conn)
	if err != nil {
		if errors.Is(err, ErrReauthorizationRequired) {
			return nil, err
		}
		c.logger.Warn("proactive token refresh failed, trying stale token",
			slog.String("path", path), slog.Any("error", err))
		token, err = c.tokens.vault.Decrypt(conn.AccessTokenEncrypted)
		if err != nil {
			return nil, err
		}
	}

	start := time.Now()
	retries := 0
	reauthed := false
	var lastStatus int

	for attempt := 0; ; attempt++ {
		respBody, status, err := c.do(ctx, token, method, path, body)
		lastStatus = status

		switch {
		case err == nil && status >= 200 && status < 300:
			c.logCall(path, status, retries, time.Since(start), "")
			return respBody, nil

		case errors.Is(err, ErrTimeout) || IsTransientStatus(status):
			if attempt >= maxRetries {
				c.logCall(path, status, retries, time.Since(start), string(respBody))
				if err != nil {
					return nil, err
				}
				return nil, &APIError{Status: status, Body: string(respBody)}
			}
			if serr := c.sleep(ctx, BackoffDelay(attempt, c.jitter())); serr != nil {
				return nil, serr
			}
			retries++

		case status == http.StatusUnauthorized && !reauthed && conn.RefreshTokenEncrypted != "":
			// One reactive refresh, then exactly one more try. A second 401
			// is fatal.
			token, err = c.tokens.ForceRefresh(ctx, conn)
			if err != nil {
				return nil, err
			}
			reauthed = true

		case err != nil:
			c.logCall(path, lastStatus, retries, time.Since(start), err.Error())
			return nil, err

		default:
			c.logCall(path, status, retries, time.Since(start), string(respBody))
			return nil, &APIError{Status: status, Body: string(respBody)}
		}
	}
}

func (c *Client) do(ctx context.Context, token, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, 0, ErrTimeout
		}
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) logCall(path string, status, retries int, duration time.Duration, errBody string) {
	attrs := []any{
		slog.String("endpoint", path),
		slog.Int("status", status),
		slog.Int("retries", retries),
		slog.Duration("duration", duration),
	}
	if errBody != "" {
		attrs = append(attrs, slog.String("error", truncate(errBody, 200)))
		c.logger.Warn("external api call failed", attrs...)
		return
	}
	c.logger.Debug("external api call", attrs...)
}
