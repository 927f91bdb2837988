package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// APIError is a non-2xx response from the messenger REST surface.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
	Details string `json:"details"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("messenger api: %s (%s, status %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("messenger api: %s (status %d)", e.Message, e.Status)
}

// Client talks to the messenger REST endpoints. It is the Session's API
// implementation and doubles as the delivery fallback when the live
// connection is down.
type Client struct {
	baseURL string
	token   string
	selfID  uint
	http    *http.Client
}

// NewClient builds a REST client. baseURL is the server root without a
// trailing slash (the /api/messenger prefix is added per call); token is the
// bearer JWT for the session owner.
func NewClient(baseURL, token string, selfID uint) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		selfID:  selfID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// wireChat mirrors the conversation payload from the server.
type wireChat struct {
	ID           uint          `json:"id"`
	Participants []wireSender  `json:"participants"`
	LastMessage  *wireMessage  `json:"last_message"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (c *Client) toChat(w wireChat) Chat {
	chat := Chat{ID: w.ID}
	for _, p := range w.Participants {
		chat.Participants = append(chat.Participants, Sender(p))
	}
	if w.LastMessage != nil {
		m := normalize(*w.LastMessage, c.selfID)
		chat.LastMessage = &m
	}
	return chat
}

// Chats returns the session owner's conversations, most recently active
// first (server ordering).
func (c *Client) Chats(ctx context.Context) ([]Chat, error) {
	var raw []wireChat
	if err := c.do(ctx, http.MethodGet, "/chats", nil, &raw); err != nil {
		return nil, err
	}
	chats := make([]Chat, 0, len(raw))
	for _, w := range raw {
		chats = append(chats, c.toChat(w))
	}
	return chats, nil
}

// OpenChat finds or creates the direct conversation with the peer.
func (c *Client) OpenChat(ctx context.Context, peerID uint) (Chat, error) {
	var raw wireChat
	body := map[string]uint{"user_id": peerID}
	if err := c.do(ctx, http.MethodPost, "/chats", body, &raw); err != nil {
		return Chat{}, err
	}
	return c.toChat(raw), nil
}

// History returns up to limit recent messages in ascending chronological
// order, normalized to the display shape.
func (c *Client) History(ctx context.Context, chatID uint, limit int) ([]Message, error) {
	var raw []wireMessage
	path := fmt.Sprintf("/messages/%d?limit=%d", chatID, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(raw))
	for _, w := range raw {
		msgs = append(msgs, normalize(w, c.selfID))
	}
	return msgs, nil
}

// Send posts a message over REST. The server persists and live-delivers it
// exactly as a websocket send would, echoing the correlation key.
func (c *Client) Send(ctx context.Context, chatID uint, text, clientKey string) (Message, error) {
	var raw wireMessage
	body := map[string]interface{}{"chat": chatID, "text": text}
	if clientKey != "" {
		body["client_key"] = clientKey
	}
	if err := c.do(ctx, http.MethodPost, "/messages", body, &raw); err != nil {
		return Message{}, err
	}
	return normalize(raw, c.selfID), nil
}

// MarkRead marks every unread message addressed to the session owner in the
// conversation as read.
func (c *Client) MarkRead(ctx context.Context, chatID uint) error {
	body := map[string]uint{"chat": chatID}
	return c.do(ctx, http.MethodPut, "/messages/read", body, nil)
}

// UnreadCounts returns per-conversation unread counts.
func (c *Client) UnreadCounts(ctx context.Context) (map[uint]int64, error) {
	var raw struct {
		Count  int64           `json:"count"`
		ByChat map[uint]int64 `json:"by_chat"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages/unread-count", nil, &raw); err != nil {
		return nil, err
	}
	if raw.ByChat == nil {
		raw.ByChat = map[uint]int64{}
	}
	return raw.ByChat, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/messenger"+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
