// Package api provides the HTTP client for the character-chat backend.
//
// Example usage:
//
//	client := api.NewClient("http://localhost:8600")
//
//	reply, err := client.SendMessage(ctx, &chat.SendRequest{
//	    CharacterID: "char_1",
//	    Content:     "Hello!",
//	    Role:        chat.RoleUser,
//	    SessionID:   sessionID,
//	})
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"charchat/internal/chat"
	"charchat/internal/logging"
)

// Client talks to the character-chat backend. It implements chat.Backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logging.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithLogger sets the request logger.
func WithLogger(log *logging.Logger) ClientOption {
	return func(client *Client) {
		client.log = log
	}
}

// NewClient creates a new backend client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logging.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// String creates a string pointer (helper for optional fields).
func String(s string) *string {
	return &s
}

// buildURL builds a request URL with query parameters.
func (c *Client) buildURL(path string, query url.Values) string {
	u, _ := url.Parse(c.baseURL + path)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// doRequest performs an HTTP request and decodes the JSON response. A non-2xx
// status is returned as a *chat.StatusError carrying the raw code and body,
// ready for classification at the pipeline boundary.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	reqURL := c.buildURL(path, query)
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	rl := c.log.StartRequest(method, path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		rl.Error(err)
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		serr := &chat.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
		rl.Error(serr)
		return serr
	}
	rl.Success(resp.StatusCode)

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// SendMessage posts one message and returns the assistant reply.
func (c *Client) SendMessage(ctx context.Context, req *chat.SendRequest) (*chat.Message, error) {
	var result chat.Message
	if err := c.doRequest(ctx, http.MethodPost, "/chat/message", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RegenerateMessage asks the backend to recompute the last assistant message
// of the session and returns the replacement.
func (c *Client) RegenerateMessage(ctx context.Context, req *chat.RegenerateRequest) (*chat.Message, error) {
	var result chat.Message
	if err := c.doRequest(ctx, http.MethodPost, "/chat/regenerate", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListMessages fetches one page of a session's messages, newest first.
func (c *Client) ListMessages(ctx context.Context, q chat.HistoryQuery) ([]chat.Message, error) {
	query := url.Values{}
	query.Set("character_id", q.CharacterID)
	query.Set("session_id", q.SessionID)
	query.Set("sort", "-1")
	query.Set("page", strconv.Itoa(q.Page))
	query.Set("page_size", strconv.Itoa(q.PageSize))

	var result MessagesResponse
	if err := c.doRequest(ctx, http.MethodGet, "/chat/messages", query, nil, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// ListSessions fetches one page of a character's sessions, last-used first.
func (c *Client) ListSessions(ctx context.Context, q chat.SessionQuery) ([]chat.Session, error) {
	query := url.Values{}
	query.Set("character_id", q.CharacterID)
	query.Set("page", strconv.Itoa(q.Page))
	query.Set("page_size", strconv.Itoa(q.PageSize))

	var result SessionsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/chat/sessions", query, nil, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// RenameSession updates a session's name.
func (c *Client) RenameSession(ctx context.Context, sessionID, name string) error {
	body := RenameSessionRequest{Name: name}
	return c.doRequest(ctx, http.MethodPatch, "/chat/sessions/"+sessionID, nil, body, nil)
}

// DeleteSession deletes a session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/chat/sessions/"+sessionID, nil, nil, nil)
}

// ListKnowledge fetches one page of a character's knowledge entries.
func (c *Client) ListKnowledge(ctx context.Context, q chat.KnowledgeQuery) ([]chat.Knowledge, error) {
	query := url.Values{}
	query.Set("character_id", q.CharacterID)
	query.Set("page", strconv.Itoa(q.Page))
	query.Set("page_size", strconv.Itoa(q.PageSize))

	var result KnowledgeResponse
	if err := c.doRequest(ctx, http.MethodGet, "/chat/knowledge", query, nil, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}
