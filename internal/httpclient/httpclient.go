// Package httpclient builds the HTTP clients source drivers use to talk to
// SaaS APIs. Every client retries 429s and idempotent 5xx responses with
// backoff, honours Retry-After, injects the connection's bearer token per
// request, and refreshes the token once on a 401 before giving up.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/syncerrors"
)

const (
	defaultRetryMax     = 10
	defaultRetryWaitMin = 500 * time.Millisecond
	defaultRetryWaitMax = 30 * time.Second
	maxErrorBodyBytes   = 2048
)

// TokenProvider supplies bearer tokens for a connection and exchanges them
// after a 401. The auth token manager satisfies this.
type TokenProvider interface {
	AccessToken(ctx context.Context, connectionID string) (string, error)
	RefreshOnUnauthorized(ctx context.Context, connectionID string) (string, error)
}

// Gate admits one outbound call and is consulted before every request,
// typically backed by the source rate limiter.
type Gate func(ctx context.Context) error

// Options configure a scoped client.
type Options struct {
	Timeout      time.Duration
	ConnectionID string
	Tokens       TokenProvider
	Gate         Gate

	// OnRequest, when set, is invoked once per outbound request. Metrics
	// hang off it.
	OnRequest func()

	// RetryWaitMin overrides the backoff floor; zero keeps the default.
	// Mostly useful in tests.
	RetryWaitMin time.Duration
}

// Client is an HTTP client scoped to one source connection.
type Client struct {
	rc           *retryablehttp.Client
	tokens       TokenProvider
	gate         Gate
	onRequest    func()
	connectionID string
}

// New builds a client for one connection. Tokens may be nil for keyless
// APIs.
func New(opts Options) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = defaultRetryMax
	rc.RetryWaitMin = defaultRetryWaitMin
	rc.RetryWaitMax = defaultRetryWaitMax
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.Timeout > 0 {
		rc.HTTPClient.Timeout = opts.Timeout
	}
	rc.Logger = retryLogger{log: logger.New("httpclient")}

	return &Client{
		rc:           rc,
		tokens:       opts.Tokens,
		gate:         opts.Gate,
		onRequest:    opts.OnRequest,
		connectionID: opts.ConnectionID,
	}
}

// Do executes the request with retries and bearer injection. A 401 triggers
// one token refresh and one replay; a second 401 fails with
// TokenRefreshError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	rreq, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build retryable request: %w", err)
	}
	return c.doRetryable(req.Context(), rreq, false)
}

func (c *Client) doRetryable(ctx context.Context, rreq *retryablehttp.Request, refreshed bool) (*http.Response, error) {
	if c.gate != nil {
		if err := c.gate(ctx); err != nil {
			return nil, err
		}
	}
	if c.onRequest != nil {
		c.onRequest()
	}

	if c.tokens != nil && !isPresigned(rreq.URL) {
		token, err := c.tokens.AccessToken(ctx, c.connectionID)
		if err != nil {
			return nil, err
		}
		rreq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.rc.Do(rreq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && c.tokens != nil {
		drainAndClose(resp.Body)
		if refreshed {
			return nil, syncerrors.NewTokenRefreshError(c.connectionID,
				errors.New("still unauthorized after token refresh"))
		}
		if _, err := c.tokens.RefreshOnUnauthorized(ctx, c.connectionID); err != nil {
			return nil, err
		}
		return c.doRetryable(ctx, rreq, true)
	}
	return resp, nil
}

// GetJSON fetches url and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.doJSON(req, out)
}

// PostJSON posts body as JSON to url and decodes the JSON response into out.
// out may be nil when the response body does not matter.
func (c *Client) PostJSON(ctx context.Context, rawURL string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newStatusError(req, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// StatusError reports a non-2xx response that survived retries.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func newStatusError(req *http.Request, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &StatusError{
		Method: req.Method,
		URL:    req.URL.String(),
		Code:   resp.StatusCode,
		Body:   string(body),
	}
}

// isPresigned detects URLs that carry their own signature; sending a bearer
// token alongside one makes S3-style endpoints reject the request.
func isPresigned(u *url.URL) bool {
	q := u.Query()
	return q.Get("X-Amz-Algorithm") != "" || q.Get("X-Amz-Signature") != ""
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}

// retryLogger adapts the structured logger to retryablehttp's leveled
// interface.
type retryLogger struct {
	log logger.Logger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.log.Error(msg, kvFields(kv)...) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.log.Warn(msg, kvFields(kv)...) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.log.Debug(msg, kvFields(kv)...) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.log.Debug(msg, kvFields(kv)...) }

func kvFields(kv []interface{}) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
