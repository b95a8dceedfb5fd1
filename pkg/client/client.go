// Package client is the Go client for the chat and notification API. It
// mirrors what the web front end does: one REST client, one multiplexed
// realtime connection, per-room transcript surfaces, and a polling
// notification badge.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"campushub/pkg/domain"
)

// Client calls the chat service over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError represents a chat service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// NewClient constructs a client that authenticates with the given bearer
// token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// WebsocketURL returns the realtime endpoint with the token attached.
func (c *Client) WebsocketURL() string {
	wsBase := c.baseURL
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	return wsBase + "/chat/ws?token=" + url.QueryEscape(c.token)
}

// EnsureRoom resolves the room for a course section, creating it on
// first use.
func (c *Client) EnsureRoom(ctx context.Context, courseID, sectionID string) (domain.Room, error) {
	var room domain.Room
	err := c.do(ctx, http.MethodPost, "/chat/room", map[string]string{
		"courseId": courseID, "sectionId": sectionID,
	}, &room)
	return room, err
}

// ListRooms returns every chat room.
func (c *Client) ListRooms(ctx context.Context) ([]domain.Room, error) {
	var out struct {
		Rooms []domain.Room `json:"rooms"`
	}
	err := c.do(ctx, http.MethodGet, "/chat/rooms", nil, &out)
	return out.Rooms, err
}

// ListMessages fetches one backward page of a room's transcript. A zero
// before means the most recent page.
func (c *Client) ListMessages(ctx context.Context, roomID string, before time.Time, limit int) ([]domain.Message, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", before.Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/chat/rooms/" + roomID + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Messages []domain.Message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Messages, err
}

// SendMessage posts a message to a room. The created record comes back
// over the realtime connection as well; transcripts dedup by id.
func (c *Client) SendMessage(ctx context.Context, roomID, body string) (domain.Message, error) {
	var msg domain.Message
	err := c.do(ctx, http.MethodPost, "/chat/rooms/"+roomID+"/messages", map[string]string{"body": body}, &msg)
	return msg, err
}

// DeleteMessage soft-deletes a message. Subscribers observe the
// tombstone through the message_deleted broadcast.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/chat/messages/"+messageID, nil, nil)
}

// UnreadCount returns the caller's unread notification count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Unread int `json:"unread"`
	}
	err := c.do(ctx, http.MethodGet, "/notifications/unread-count", nil, &out)
	return out.Unread, err
}

// Notifications fetches one page of the caller's notifications, newest
// first.
func (c *Client) Notifications(ctx context.Context, page, limit int) ([]domain.Notification, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/notifications"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Notifications []domain.Notification `json:"notifications"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Notifications, err
}

// MarkAllRead marks every notification of the caller as read.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/notifications/mark-all/read", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if strings.TrimSpace(c.token) != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
