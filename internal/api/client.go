// Package api performs authenticated mutations against the boxkite backend
// and classifies the outcome for the sync engine.
//
// The classification drives retry policy:
//   - 2xx: success, the action is removed from the queue
//   - 401/403: auth required, the whole drain aborts
//   - other 4xx: rejected, the action will not succeed without user correction
//   - 5xx, network errors, timeouts: transient, retried up to a ceiling
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Sentinel errors used by the sync engine to branch on outcome class.
var (
	// ErrAuthRequired means the backend rejected our identity, or no
	// identity is available at all. Retrying without re-authentication
	// cannot succeed.
	ErrAuthRequired = errors.New("authentication required")

	// ErrRejected means the backend rejected the mutation itself (4xx).
	// The action is permanently failed until the user corrects it.
	ErrRejected = errors.New("mutation rejected by backend")

	// ErrTransient means the attempt failed in a way that may succeed on
	// retry: network error, timeout, or a 5xx response.
	ErrTransient = errors.New("transient delivery failure")
)

// CredentialSource supplies the caller identity for request headers.
// Absence of an identity is treated as an auth error on every attempt.
type CredentialSource interface {
	// Current returns the authenticated user id and bearer token.
	// ok is false when nobody is signed in.
	Current() (userID, token string, ok bool)
}

// Mutation is one backend mutation to perform.
type Mutation struct {
	Method string
	Route  string
	Body   []byte
}

// Mutator performs one authenticated HTTP mutation. The sync engine depends
// on this interface, not on the concrete client, so tests inject doubles.
type Mutator interface {
	Do(ctx context.Context, m Mutation) error
}

// Client is the HTTP implementation of Mutator.
type Client struct {
	baseURL string
	http    *http.Client
	creds   CredentialSource
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the backend origin, e.g. "https://api.boxkite.io".
	BaseURL string

	// Timeout bounds each mutation attempt (default: 15s).
	Timeout time.Duration
}

// NewClient creates a backend mutation client.
func NewClient(config Config, creds CredentialSource) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if creds == nil {
		return nil, fmt.Errorf("credential source cannot be nil")
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		http:    &http.Client{Timeout: config.Timeout},
		creds:   creds,
	}, nil
}

// Do performs the mutation and folds the result into the error taxonomy.
// A nil return means the backend confirmed the mutation (2xx).
func (c *Client) Do(ctx context.Context, m Mutation) error {
	userID, token, ok := c.creds.Current()
	if !ok {
		return fmt.Errorf("no signed-in user: %w", ErrAuthRequired)
	}

	var body io.Reader
	if len(m.Body) > 0 {
		body = bytes.NewReader(m.Body)
	}

	req, err := http.NewRequestWithContext(ctx, m.Method, c.baseURL+m.Route, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Boxkite-User", userID)

	resp, err := c.http.Do(req)
	if err != nil {
		// Network errors and timeouts are retryable.
		return fmt.Errorf("%s %s: %v: %w", m.Method, m.Route, err, ErrTransient)
	}
	defer resp.Body.Close()

	return classify(resp)
}

// classify maps an HTTP response onto the error taxonomy.
func classify(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Drain the body so the connection is reusable for the next
		// action in the drain.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("backend returned %s: %w", resp.Status, ErrAuthRequired)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("backend returned %s: %s: %w", resp.Status, readErrorBody(resp.Body), ErrRejected)

	default:
		return fmt.Errorf("backend returned %s: %w", resp.Status, ErrTransient)
	}
}

// readErrorBody captures a bounded slice of the error body for diagnostics.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(data) == 0 {
		return "(no body)"
	}
	return strings.TrimSpace(string(data))
}
