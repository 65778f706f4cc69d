package milemarksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Milemark HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Engagement represents the API engagement model (partial).
type Engagement struct {
	ID               string `json:"id"`
	ClientID         string `json:"client_id"`
	Title            string `json:"title"`
	CurrentMilestone int    `json:"current_milestone"`
	Completed        bool   `json:"completed"`
	MessagingAllowed bool   `json:"messaging_allowed"`
	StartedAt        string `json:"started_at"`
}

// ProgressEntry represents one audit trail row.
type ProgressEntry struct {
	ID           int64  `json:"id"`
	EngagementID string `json:"engagement_id"`
	Kind         string `json:"kind"`
	ActorID      string `json:"actor_id"`
	Automatic    bool   `json:"automatic"`
	FromValue    int    `json:"from_value"`
	ToValue      int    `json:"to_value"`
	PriorSeconds int64  `json:"prior_seconds"`
	CreatedAt    string `json:"created_at"`
}

// TimelineStep is one annotated milestone on the path.
type TimelineStep struct {
	Milestone int    `json:"milestone"`
	Label     string `json:"label"`
	ReachedAt string `json:"reached_at"`
	Seconds   int64  `json:"seconds"`
	Open      bool   `json:"open"`
}

// Analytics summarizes progress pace.
type Analytics struct {
	EngagementID     string         `json:"engagement_id"`
	CurrentMilestone int            `json:"current_milestone"`
	Completed        bool           `json:"completed"`
	TotalSeconds     int64          `json:"total_seconds"`
	AverageSeconds   float64        `json:"average_seconds_per_milestone"`
	Timeline         []TimelineStep `json:"timeline"`
}

// AccessMode is the derived permission level for an engagement.
type AccessMode struct {
	EngagementID string `json:"engagement_id"`
	Mode         string `json:"mode"`
	Reason       string `json:"reason"`
	CanAccess    bool   `json:"can_access"`
}

// Stalled is one row of the stall sweep.
type Stalled struct {
	EngagementID     string `json:"engagement_id"`
	CurrentMilestone int    `json:"current_milestone"`
	LastActivityAt   string `json:"last_activity_at"`
	HistoryCount     int    `json:"history_count"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEngagement opens an engagement.
func (c *Client) CreateEngagement(ctx context.Context, clientID, title string) (Engagement, error) {
	body := map[string]any{
		"client_id": clientID,
		"title":     title,
	}
	var resp Engagement
	err := c.do(ctx, http.MethodPost, "v0/engagements", body, &resp)
	return resp, err
}

// Engagement fetches one engagement by id.
func (c *Client) Engagement(ctx context.Context, id string) (Engagement, error) {
	var resp Engagement
	err := c.do(ctx, http.MethodGet, c.engagementPath(id, ""), nil, &resp)
	return resp, err
}

// UpdateProgress advances an engagement to the requested milestone.
func (c *Client) UpdateProgress(ctx context.Context, id string, value int, note string) (Engagement, error) {
	body := map[string]any{"value": value}
	if note != "" {
		body["note"] = note
	}
	var resp Engagement
	err := c.do(ctx, http.MethodPost, c.engagementPath(id, "progress"), body, &resp)
	return resp, err
}

// History returns the audit trail, newest first.
func (c *Client) History(ctx context.Context, id string, limit int) ([]ProgressEntry, error) {
	endpoint := c.engagementPath(id, "history")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []ProgressEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Timeline returns the milestone path, oldest first.
func (c *Client) Timeline(ctx context.Context, id string) ([]TimelineStep, error) {
	var resp struct {
		Items []TimelineStep `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.engagementPath(id, "timeline"), nil, &resp)
	return resp.Items, err
}

// Analytics returns the progress pace summary.
func (c *Client) Analytics(ctx context.Context, id string) (Analytics, error) {
	var resp Analytics
	err := c.do(ctx, http.MethodGet, c.engagementPath(id, "analytics"), nil, &resp)
	return resp, err
}

// AccessMode returns the derived access mode.
func (c *Client) AccessMode(ctx context.Context, id string) (AccessMode, error) {
	var resp AccessMode
	err := c.do(ctx, http.MethodGet, c.engagementPath(id, "access"), nil, &resp)
	return resp, err
}

// MessagingAllowed reports whether client messaging is open.
func (c *Client) MessagingAllowed(ctx context.Context, id string) (bool, error) {
	var resp struct {
		MessagingAllowed bool `json:"messaging_allowed"`
	}
	err := c.do(ctx, http.MethodGet, c.engagementPath(id, "messaging"), nil, &resp)
	return resp.MessagingAllowed, err
}

// SubmitFeedback records completion feedback.
func (c *Client) SubmitFeedback(ctx context.Context, id string, rating int, comment string) error {
	body := map[string]any{"rating": rating}
	if comment != "" {
		body["comment"] = comment
	}
	return c.do(ctx, http.MethodPost, c.engagementPath(id, "feedback"), body, nil)
}

// FindStalled lists engagements with no recent activity.
func (c *Client) FindStalled(ctx context.Context, days int) ([]Stalled, error) {
	endpoint := "v0/stalled"
	if days > 0 {
		endpoint = fmt.Sprintf("%s?days=%d", endpoint, days)
	}
	var resp struct {
		Items []Stalled `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	if c.BaseURL == "" {
		return "http://localhost:8080"
	}
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) engagementPath(id, suffix string) string {
	p := fmt.Sprintf("v0/engagements/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}
