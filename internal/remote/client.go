// Package remote implements the client for the remote sync endpoint: batch
// submission of queued mutations with correlation keys as idempotency
// tokens, so a duplicated network retry is a server-side no-op rather than
// a duplicate write.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Outcome classifies the server's verdict on one submitted mutation.
type Outcome string

// Per-item outcomes returned by the sync endpoint.
const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeConflict Outcome = "conflict"
)

// BatchItem is one mutation in a submit request.
type BatchItem struct {
	CorrelationKey string          `json:"correlation_key"`
	EntityType     string          `json:"entity_type"`
	Payload        json.RawMessage `json:"payload"`
}

// ServerValue is the authoritative remote state returned with a conflict
// outcome.
type ServerValue struct {
	Payload    json.RawMessage `json:"payload"`
	ModifiedAt time.Time       `json:"modified_at"`
}

// ItemResult is the server's verdict for one batch item, matched to the
// request by correlation key.
type ItemResult struct {
	CorrelationKey string       `json:"correlation_key"`
	Outcome        Outcome      `json:"outcome"`
	Message        string       `json:"message,omitempty"` // rejection reason
	ServerValue    *ServerValue `json:"server_value,omitempty"`
}

// Submitter is the transport contract the sync coordinator depends on.
// Satisfied by *Client; tests use in-memory fakes.
type Submitter interface {
	SubmitBatch(ctx context.Context, items []BatchItem) ([]ItemResult, error)
}

// ErrTransient wraps transport-level failures (timeouts, connection
// resets, 5xx responses). Everything behind it takes the retry path.
var ErrTransient = errors.New("remote: transient error")

// submitPath is the batch submission endpoint, relative to the base URL.
const submitPath = "/v1/sync/batch"

// Config holds the inputs for NewClient.
type Config struct {
	BaseURL   string
	Token     string // bearer token; empty sends unauthenticated requests
	Timeout   time.Duration
	UserAgent string
}

// Client talks to the remote sync endpoint over HTTP+JSON.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	logger    *slog.Logger
}

// NewClient creates a Client. When a token is configured the underlying
// transport is wrapped by oauth2 so every request carries the bearer
// header; the per-request timeout bounds each dispatch.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	base := &http.Client{Timeout: cfg.Timeout}

	hc := base
	if cfg.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
		hc.Timeout = cfg.Timeout
	}

	return &Client{
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		http:      hc,
		logger:    logger,
	}
}

// SubmitBatch posts the items and returns one result per correlation key.
// Transport failures and 5xx responses return an error wrapping
// ErrTransient; a malformed or 4xx response is a non-transient error
// surfaced to the coordinator.
func (c *Client) SubmitBatch(ctx context.Context, items []BatchItem) ([]ItemResult, error) {
	c.logger.Debug("submitting batch", "items", len(items))

	body, err := json.Marshal(struct {
		Items []BatchItem `json:"items"`
	}{Items: items})
	if err != nil {
		return nil, fmt.Errorf("remote: encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+submitPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: submit batch: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: submit batch: HTTP %d", ErrTransient, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote: submit batch: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	var parsed struct {
		Results []ItemResult `json:"results"`
	}

	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("remote: decode response: %w", err)
	}

	c.logger.Debug("batch submitted", "results", len(parsed.Results))

	return parsed.Results, nil
}

// IsTransient reports whether err takes the retry path.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Compile-time interface check.
var _ Submitter = (*Client)(nil)
