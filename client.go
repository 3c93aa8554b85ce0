// Package convsync keeps an authoritative, deduplicated view of a user's
// conversations and messages by merging REST snapshots with a push event
// channel.
//
// Example:
//
//	client := convsync.NewClient(token, convsync.WithBaseURL("https://api.example.com"))
//	transport := convsync.NewWSTransport("wss://api.example.com/ws", token)
//	session := convsync.NewSession(userID, client, transport, nil)
//	if err := session.Start(ctx); err != nil { ... }
//	defer session.Close(ctx)
//
//	session.Engine().Select(ctx, "42")
//	session.Engine().Send(ctx, "hello", nil)
package convsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Backend
// ============================================================================

// Backend is the request/response collaborator owning conversation and
// message persistence. Records are returned un-normalized.
type Backend interface {
	Conversations(ctx context.Context, userID string) ([]Record, error)
	Messages(ctx context.Context, userID, counterpartID string) ([]Record, error)
	SendMessage(ctx context.Context, req *SendRequest) (Record, error)
	MarkRead(ctx context.Context, partnerID string) ([]string, error)
	StoreProfile(ctx context.Context, userID string) (Record, error)
}

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of Backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a backend client. token may be empty for unauthenticated
// deployments.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Conversations lists the conversations of userID.
func (c *Client) Conversations(ctx context.Context, userID string) ([]Record, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/chat/conversations/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	return decodeRecords(data, "conversations", "items")
}

// Messages returns the history between userID and counterpartID.
func (c *Client) Messages(ctx context.Context, userID, counterpartID string) ([]Record, error) {
	path := "/api/chat/messages/" + url.PathEscape(userID) + "/" + url.PathEscape(counterpartID)
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecords(data, "messages", "items")
}

// SendMessage posts a message and returns the server-confirmed record.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (Record, error) {
	data, err := c.do(ctx, http.MethodPost, "/api/chat/messages", req)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if inner, ok := r["message"].(map[string]any); ok {
		return Record(inner), nil
	}
	return r, nil
}

// MarkRead persists read state for every message partnerID sent to the
// caller and returns the affected ids.
func (c *Client) MarkRead(ctx context.Context, partnerID string) ([]string, error) {
	data, err := c.do(ctx, http.MethodPatch, "/api/chat/messages/read/"+url.PathEscape(partnerID), nil)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return stringList(r, "messageIds", "ids"), nil
}

// StoreProfile returns the store profile of userID or ErrNotFound.
func (c *Client) StoreProfile(ctx context.Context, userID string) (Record, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/stores/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if inner, ok := r["store"].(map[string]any); ok {
		return Record(inner), nil
	}
	return r, nil
}

// ============================================================================
// Internal request helper
// ============================================================================

// do performs the request and unwraps the {ok,data,error} envelope when the
// backend uses one. Bare payloads are returned as they are.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	status, data, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}

	var env Result
	if len(data) > 0 && data[0] == '{' && json.Unmarshal(data, &env) == nil && (env.OK || env.Error != nil) {
		if !env.OK {
			return nil, env.Error
		}
		data = env.Data
	}
	if status >= http.StatusBadRequest {
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("backend request", "method", method, "path", path, "status", resp.StatusCode)
	return resp.StatusCode, data, nil
}

// decodeRecords accepts either a bare array or an object wrapping the array
// under one of keys.
func decodeRecords(data json.RawMessage, keys ...string) ([]Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '[' {
		var out []Record
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return out, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	for _, k := range keys {
		if inner, ok := wrapped[k]; ok {
			return decodeRecords(inner)
		}
	}
	return nil, fmt.Errorf("unexpected response shape")
}
