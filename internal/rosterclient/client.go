// Package rosterclient calls the academic roster service that owns
// course/section membership. Chat never stores the academic hierarchy; it
// only asks whether a user may enter a section's room.
package rosterclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client calls the roster service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a roster service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// CanAccess reports whether the user belongs to the course section.
// A 404 from the roster service means the pair does not exist or the user
// is not enrolled; both read as "no access" here.
func (c *Client) CanAccess(ctx context.Context, userID, courseID, sectionID string) (bool, error) {
	q := url.Values{}
	q.Set("userId", userID)
	q.Set("courseId", courseID)
	q.Set("sectionId", sectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sections/access?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("roster access check: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("roster access check: status %d", resp.StatusCode)
	}
	var payload struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("roster access check: %w", err)
	}
	return payload.Allowed, nil
}
