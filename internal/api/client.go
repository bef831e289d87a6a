package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds every network call. A timeout classifies as a
	// transport error.
	DefaultTimeout = 30 * time.Second

	defaultUserAgent = "moodsync/0.1"

	// authPathPrefix marks endpoints that must never carry a bearer token
	// and never trigger a refresh (login, signup, refresh, otp).
	authPathPrefix = "/api/auth/"

	// maxErrorBody caps how much of an error response is kept for messages.
	maxErrorBody = 4096
)

// RequestFactory builds a fresh request. It is invoked once per attempt so
// a retried request never reuses a consumed body.
type RequestFactory func(ctx context.Context) (*http.Request, error)

// Doer sends requests built by a factory, attaching credentials. Satisfied
// by *session.Manager.
type Doer interface {
	AuthorizedCall(ctx context.Context, build RequestFactory) (*http.Response, error)
}

// Client is an HTTP client for the mood service. It builds JSON requests
// and classifies responses; it does not attach credentials or retry. The
// session manager and the sync engine own those decisions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

// NewClient creates a client. baseURL is the service root, e.g.
// "https://mood.example.com". A nil httpClient gets DefaultTimeout.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger, userAgent string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		userAgent:  userAgent,
	}
}

// NewRequest builds a request for path relative to the base URL. A non-nil
// body is JSON-encoded.
func (c *Client) NewRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rdr io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api: encoding %s body: %w", path, err)
		}

		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("api: creating request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// Send executes a single request. Any failure to obtain a response is
// wrapped with ErrTransport. The response is returned whatever its status;
// the caller closes the body.
func (c *Client) Send(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed without response",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("api: %s %s: %w: %w", req.Method, req.URL.Path, ErrTransport, err)
	}

	c.logger.Debug("request completed",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	return resp, nil
}

// IsAuthEndpoint reports whether req targets an auth endpoint.
func IsAuthEndpoint(req *http.Request) bool {
	return strings.Contains(req.URL.Path, authPathPrefix)
}

// CheckResponse returns nil for 2xx. Otherwise it drains and closes the body
// and returns an *Error wrapping the classified sentinel.
func CheckResponse(resp *http.Response) error {
	sentinel := classifyStatus(resp.StatusCode)
	if sentinel == nil {
		return nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	return &Error{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-ID"),
		Message:    strings.TrimSpace(string(body)),
		Err:        sentinel,
	}
}

// decodeJSON decodes a 2xx body into out and closes it.
func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedResponse, err.Error())
	}

	return nil
}

// doJSON performs an unauthenticated JSON round trip.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := c.NewRequest(ctx, method, path, in)
	if err != nil {
		return err
	}

	resp, err := c.Send(req)
	if err != nil {
		return err
	}

	if err := CheckResponse(resp); err != nil {
		return err
	}

	return decodeJSON(resp, out)
}
