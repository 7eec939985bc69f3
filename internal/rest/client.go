// Package rest talks to the chat backend: conversation inbox, paginated
// message history, upload signatures and media-session credentials. Every
// request is bearer-authenticated via the token header; the core never
// performs login itself.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/duochat/duochat/internal/chat"
)

// ErrUnavailable wraps transport failures and unexpected statuses. Callers
// recover by showing an empty/error state and retrying — never by crashing.
var ErrUnavailable = errors.New("chat backend unavailable")

const defaultTimeout = 10 * time.Second

// Client is a bearer-authenticated client for the chat backend.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New creates a client for the given API base URL (e.g.
// "http://localhost:8080/api"). A zero timeout selects the default.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

// Conversations fetches the inbox: all known chat partners with previews.
func (c *Client) Conversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	q := url.Values{"userId": {userID}}
	var out []chat.Conversation
	if err := c.getJSON(ctx, "/chat/conversations", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// messagesResponse is the history page wrapper: records arrive newest-first.
type messagesResponse struct {
	Data []chat.HistoryRecord `json:"data"`
}

// Messages fetches one page of history for a conversation, in the server's
// newest-first order. Page indices start at 0.
func (c *Client) Messages(ctx context.Context, senderID, receiverID string, page int) ([]chat.HistoryRecord, error) {
	q := url.Values{
		"senderId":   {senderID},
		"receiverId": {receiverID},
		"page":       {strconv.Itoa(page)},
	}
	var out messagesResponse
	if err := c.getJSON(ctx, "/chat/messages", q, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// callTokenResponse carries the server-issued media-session credential.
type callTokenResponse struct {
	Token string `json:"token"`
}

// CallToken fetches the media-session credential for joining a call channel.
// The credential is mandatory — an empty token is an error, never a
// test-mode fallback.
func (c *Client) CallToken(ctx context.Context, channelName, uid string) (string, error) {
	q := url.Values{"channel": {channelName}, "uid": {uid}}
	var out callTokenResponse
	if err := c.getJSON(ctx, "/call-token", q, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("%w: empty call token for channel %s", ErrUnavailable, channelName)
	}
	return out.Token, nil
}

// UploadSignature is the signed-upload grant for the asset host. The upload
// itself happens elsewhere; the core only fetches the grant.
type UploadSignature struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	APIKey    string `json:"apiKey"`
	CloudName string `json:"cloudName"`
}

// GetUploadSignature fetches a signed-upload grant.
func (c *Client) GetUploadSignature(ctx context.Context) (UploadSignature, error) {
	var out UploadSignature
	if err := c.getJSON(ctx, "/upload-signature", nil, &out); err != nil {
		return UploadSignature{}, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("rest: build request %s: %w", path, err)
	}
	req.Header.Set("token", c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrUnavailable, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rest: decode %s response: %w", path, err)
	}
	return nil
}
