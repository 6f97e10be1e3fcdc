package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client is the retrying JSON HTTP client used for all inter-tier calls.
type Client struct {
	http    *http.Client
	log     *slog.Logger
	retries int
	backoff time.Duration
}

// NewClient creates a client with sane defaults for the local fabric.
func NewClient(log *slog.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
		retries: 3,
		backoff: 100 * time.Millisecond,
	}
}

// PostJSON posts in as JSON and decodes the response into out (which may
// be nil). Transient failures and 5xx responses are retried with
// exponential backoff.
func (c *Client) PostJSON(ctx context.Context, url string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, url, body, out, "")
}

// GetJSON fetches url and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	return c.do(ctx, http.MethodGet, url, nil, out, "")
}

// GetJSONWithAuth is GetJSON with a basic-auth admin token.
func (c *Client) GetJSONWithAuth(ctx context.Context, url string, out any, adminToken string) error {
	return c.do(ctx, http.MethodGet, url, nil, out, adminToken)
}

// PostJSONWithAuth is PostJSON with a basic-auth admin token.
func (c *Client) PostJSONWithAuth(ctx context.Context, url string, in any, out any, adminToken string) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, url, body, out, adminToken)
}

// CheckReady probes a service's readiness endpoint once, without retries.
func (c *Client) CheckReady(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/readyz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out any, adminToken string) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff << (attempt - 1)):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if adminToken != "" {
			user, pass := parseAdminToken(adminToken)
			req.SetBasicAuth(user, pass)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.log.Debug("request failed, retrying", "url", url, "attempt", attempt, "err", err)
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, string(respBody))
			continue
		}
		if resp.StatusCode >= 400 {
			// Client errors are not retried; the request will not get
			// better by repeating it.
			return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, string(respBody))
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response from %s: %w", url, err)
			}
		}
		return nil
	}
	return fmt.Errorf("request to %s failed after %d attempts: %w", url, c.retries+1, lastErr)
}
