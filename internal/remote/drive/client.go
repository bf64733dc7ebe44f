// Package drive implements remote.Client against the Drive v2 REST API.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/drivesync/drivesync/internal/logging"
	"github.com/drivesync/drivesync/internal/syncerr"
)

const (
	DefaultBaseURL       = "https://www.googleapis.com"
	DefaultRetryStep     = 5 * time.Second
	DefaultTimeoutBudget = 60 * time.Second
	DefaultMaxRetries    = 5
	DefaultPageSize      = 100
)

// Config configures a Client.
type Config struct {
	// BaseURL of the API (default: https://www.googleapis.com)
	BaseURL string

	// TokenSource supplies bearer tokens. When nil and Token is set, a
	// static source is used. With neither, requests are unauthenticated.
	TokenSource oauth2.TokenSource
	Token       string

	// HTTPClient is the base transport (default: http.DefaultClient)
	HTTPClient *http.Client

	// RetryStep grows the wait after each transient failure: the n-th retry
	// waits n*RetryStep (default: 5s).
	RetryStep time.Duration

	// TimeoutBudget caps the total wait across retries of one request
	// (default: 60s). Once spent the call fails with ErrRemoteUnavailable.
	TimeoutBudget time.Duration

	// MaxRetries caps retries of one request regardless of budget (default: 5)
	MaxRetries int

	// PageSize for list and changes requests (default: 100)
	PageSize int

	Clock  clockwork.Clock
	Logger *zap.Logger
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:       DefaultBaseURL,
		RetryStep:     DefaultRetryStep,
		TimeoutBudget: DefaultTimeoutBudget,
		MaxRetries:    DefaultMaxRetries,
		PageSize:      DefaultPageSize,
	}
}

// HTTPError is a non-success response that was not retried.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("drive: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the drive API.
type Client struct {
	baseURL    string
	http       *http.Client
	retryStep  time.Duration
	budget     time.Duration
	maxRetries int
	pageSize   int
	clock      clockwork.Clock
	logger     *zap.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	if cfg.RetryStep <= 0 {
		cfg.RetryStep = DefaultRetryStep
	}
	if cfg.TimeoutBudget <= 0 {
		cfg.TimeoutBudget = DefaultTimeoutBudget
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	base := cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	ts := cfg.TokenSource
	if ts == nil && cfg.Token != "" {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
	}
	httpClient := base
	if ts != nil {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = oauth2.NewClient(ctx, ts)
		httpClient.Timeout = base.Timeout
	}

	return &Client{
		baseURL:    baseURL,
		http:       httpClient,
		retryStep:  cfg.RetryStep,
		budget:     cfg.TimeoutBudget,
		maxRetries: cfg.MaxRetries,
		pageSize:   cfg.PageSize,
		clock:      cfg.Clock,
		logger:     logging.Named(cfg.Logger, "drive"),
	}, nil
}

type request struct {
	method      string
	url         string // absolute, or relative to the base URL
	body        []byte
	contentType string
}

// errTransient marks a failure worth retrying.
var errTransient = errors.New("transient")

// do sends req, retrying transient failures with a growing step until the
// timeout budget or retry count is spent. A 2xx body is handed to onSuccess.
func (c *Client) do(ctx context.Context, req request, onSuccess func(io.Reader) error) error {
	target := req.url
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + target
	}

	var waited time.Duration
	for attempt := 1; ; attempt++ {
		err := c.once(ctx, req.method, target, req.body, req.contentType, onSuccess)
		if err == nil || !errors.Is(err, errTransient) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		wait := time.Duration(attempt) * c.retryStep
		if attempt > c.maxRetries || waited+wait > c.budget {
			return fmt.Errorf("%w: %s %s: %v", syncerr.ErrRemoteUnavailable, req.method, req.url, err)
		}
		c.logger.Warn("Request failed, retrying",
			zap.String("method", req.method),
			zap.String("url", req.url),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(wait):
		}
		waited += wait
	}
}

func (c *Client) once(ctx context.Context, method, target string, body []byte, contentType string, onSuccess func(io.Reader) error) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", errTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		if onSuccess == nil {
			return nil
		}
		return onSuccess(resp.Body)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", syncerr.ErrNotFound, target)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", errTransient, resp.StatusCode)
	default:
		return &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
}

func errorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 4096))
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	return c.do(ctx, request{method: http.MethodGet, url: url}, decodeInto(out))
}

func (c *Client) sendJSON(ctx context.Context, method, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, request{method: method, url: url, body: body, contentType: "application/json"}, decodeInto(out))
}

func decodeInto(out any) func(io.Reader) error {
	return func(r io.Reader) error {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(r).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}
}

func jsonEncode(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func isNotFound(err error) bool {
	return errors.Is(err, syncerr.ErrNotFound)
}
