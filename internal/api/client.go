// Package api implements the REST collaborators the chat core consumes: the
// conversation list, per-conversation message history, send-message, and
// mark-read endpoints. Exact wire formats are server-defined; this package
// only decodes the fields the core uses.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mercato/chat-sync/internal/chat"
)

// TokenSource supplies the bearer credential and user id of the signed-in
// user. ok is false while either is unavailable (signed out, token expired);
// the core performs no requests in that state.
type TokenSource interface {
	Credentials() (token, userID string, ok bool)
}

// StaticTokenSource returns a TokenSource for a fixed token and user id.
func StaticTokenSource(token, userID string) TokenSource {
	return staticTokens{token: token, userID: userID}
}

type staticTokens struct {
	token  string
	userID string
}

func (s staticTokens) Credentials() (string, string, bool) {
	return s.token, s.userID, s.token != "" && s.userID != ""
}

// Client talks to the chat REST endpoints with bearer authentication.
// All methods honour context cancellation and map failures onto the
// AuthError / NetworkError taxonomy.
type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
}

// NewClient creates a Client for the given base URL (e.g.
// "https://api.example.com/api"). The underlying http.Client carries a
// request timeout so a stalled endpoint cannot wedge a caller.
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		base:   baseURL,
		http:   &http.Client{Timeout: 15 * time.Second},
		tokens: tokens,
	}
}

// Conversations fetches the full conversation list for the signed-in user,
// in the server's display order.
func (c *Client) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	if err := c.do(ctx, "conversations", http.MethodGet, "/chats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches the full message history for one conversation.
func (c *Client) Messages(ctx context.Context, chatID string) ([]chat.Message, error) {
	var out []chat.Message
	path := "/chats/" + chatID + "/messages"
	if err := c.do(ctx, "messages", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts a new message and returns the created record. The server
// also delivers it to the other participant over the event channel.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (chat.Message, error) {
	body := map[string]string{"chatId": chatID, "text": text}
	var out chat.Message
	if err := c.do(ctx, "send-message", http.MethodPost, "/chats/message", body, &out); err != nil {
		return chat.Message{}, err
	}
	return out, nil
}

// MarkRead persists a batch of read marks for one conversation.
func (c *Client) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	body := map[string]interface{}{"chatId": chatID, "messageIds": messageIDs}
	return c.do(ctx, "mark-read", http.MethodPost, "/chats/mark-read", body, nil)
}

// do performs one authenticated request. A nil out skips response decoding.
func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	token, _, ok := c.tokens.Credentials()
	if !ok {
		return &AuthError{}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: %s: marshal body: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("api: %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &NetworkError{Op: op, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
