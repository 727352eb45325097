// Package api is the HTTP client for the relay server's REST
// surface. Session content rides HTTP; only live control traffic
// uses the socket.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/agent-relay/relayd/internal/metrics"
	"github.com/agent-relay/relayd/internal/msg"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 10 * time.Second
)

// SessionRef addresses a remote session, carrying its per-session
// auth token when the server issued one.
type SessionRef struct {
	ID    string
	Token string
}

type Client struct {
	baseURL    string
	token      string
	clientID   string
	httpClient *http.Client

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type Option func(*Client)

// WithRetryPolicy overrides the retry schedule, mainly for tests.
func WithRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
		c.maxDelay = maxDelay
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func NewClient(baseURL, token, clientID string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		clientID:   clientID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type CreateSessionRequest struct {
	HarnessSessionID string `json:"harness_session_id"`
	Harness          string `json:"harness"`
	ProjectPath      string `json:"project_path"`
	Branch           string `json:"branch,omitempty"`
	Remote           string `json:"remote,omitempty"`
	Spawned          bool   `json:"spawned,omitempty"`
}

type CreateSessionResult struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	// Resumed means the server reattached a still-live stream;
	// Restored means it reopened a previously completed one.
	Resumed      bool `json:"resumed"`
	Restored     bool `json:"restored"`
	MessageCount int  `json:"message_count"`
}

// CreateSession registers a session upstream. The server may resume
// or restore an existing stream for the same harness session instead
// of creating a fresh one; Resumed, Restored and MessageCount say
// which.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResult, error) {
	var result CreateSessionResult
	if err := c.do(ctx, http.MethodPost, "/sessions", "", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) AppendMessages(ctx context.Context, ref SessionRef, messages []msg.Message) error {
	body := struct {
		Messages []msg.Message `json:"messages"`
	}{messages}
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(ref.ID)+"/messages", ref.Token, body, nil)
}

func (c *Client) AppendToolResults(ctx context.Context, ref SessionRef, results []msg.ToolResult) error {
	body := struct {
		Results []msg.ToolResult `json:"results"`
	}{results}
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(ref.ID)+"/tool-results", ref.Token, body, nil)
}

func (c *Client) ReplaceDiff(ctx context.Context, ref SessionRef, diff string, files []string) error {
	body := struct {
		Diff  string   `json:"diff"`
		Files []string `json:"files,omitempty"`
	}{diff, files}
	return c.do(ctx, http.MethodPut, "/sessions/"+url.PathEscape(ref.ID)+"/diff", ref.Token, body, nil)
}

func (c *Client) UpdateTitle(ctx context.Context, ref SessionRef, title string) error {
	body := struct {
		Title string `json:"title"`
	}{title}
	return c.do(ctx, http.MethodPut, "/sessions/"+url.PathEscape(ref.ID)+"/title", ref.Token, body, nil)
}

// MarkInteractive flags the session as waiting on remote input, so
// viewers are prompted to respond.
func (c *Client) MarkInteractive(ctx context.Context, ref SessionRef) error {
	return c.do(ctx, http.MethodPut, "/sessions/"+url.PathEscape(ref.ID)+"/interactive", ref.Token, nil, nil)
}

// ClearInteractive removes the waiting-on-input flag.
func (c *Client) ClearInteractive(ctx context.Context, ref SessionRef) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(ref.ID)+"/interactive", ref.Token, nil, nil)
}

// CompleteSession marks a session finished; its stream stays
// viewable.
func (c *Client) CompleteSession(ctx context.Context, ref SessionRef) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(ref.ID)+"/complete", ref.Token, nil, nil)
}

// DeleteSession removes a session that never carried content.
func (c *Client) DeleteSession(ctx context.Context, ref SessionRef) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(ref.ID), ref.Token, nil, nil)
}

// StatusError is a non-2xx response. 4xx statuses are never retried;
// the request would fail the same way again.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

func retryable(err error) bool {
	if se, ok := err.(*StatusError); ok {
		return se.StatusCode >= 500
	}
	// Network-level failures are worth retrying.
	return true
}

func (c *Client) do(ctx context.Context, method, path, sessionToken string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	delay := c.baseDelay
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.RequestRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		lastErr = c.attempt(ctx, method, path, sessionToken, payload, out)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.maxRetries+1, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, path, sessionToken string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	token := c.token
	if sessionToken != "" {
		token = sessionToken
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Client-Id", c.clientID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
