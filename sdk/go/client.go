package focuslocksdk

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

// Client is a minimal Focuslock HTTP API client.
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

// Session represents the API session status model.
type Session struct {
	Locked      bool   `json:"locked"`
	Source      string `json:"source,omitempty"`
	StartTime   int64  `json:"start_time,omitempty"`
	EndTime     int64  `json:"end_time,omitempty"`
	RemainingMS int64  `json:"remaining_ms,omitempty"`
	ForceEnded  bool   `json:"force_ended,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Status is the combined session/schedule/whitelist summary.
type Status struct {
	Session        Session `json:"session"`
	Schedules      int     `json:"schedules"`
	WhitelistCount int     `json:"whitelist_count"`
	WhitelistMax   int     `json:"whitelist_max"`
}

// Outcome reports how the monitor handled a foreground event.
type Outcome struct {
	Ignored   bool   `json:"ignored"`
	Debounced bool   `json:"debounced"`
	Verdict   string `json:"verdict,omitempty"`
	Rule      string `json:"rule,omitempty"`
}

// Schedule represents the API schedule model.
type Schedule struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	StartHour        int    `json:"start_hour"`
	StartMinute      int    `json:"start_minute"`
	DurationMinutes  int    `json:"duration_minutes"`
	RepeatType       string `json:"repeat_type"`
	RepeatDays       string `json:"repeat_days,omitempty"`
	PreNotifyMinutes int    `json:"pre_notify_minutes,omitempty"`
	Enabled          bool   `json:"enabled"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Status returns the combined status summary.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// StartSession starts a focus session.
func (c *Client) StartSession(ctx context.Context, durationMinutes int) (Session, error) {
	body := map[string]any{
		"duration_minutes": durationMinutes,
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/session/start", body, &resp)
	return resp, err
}

// EndSession ends the active session.
func (c *Client) EndSession(ctx context.Context, completed bool) error {
	body := map[string]any{"completed": completed}
	return c.do(ctx, http.MethodPost, "v0/session/end", body, nil)
}

// ReportForeground reports a foreground app change.
func (c *Client) ReportForeground(ctx context.Context, packageID string) (Outcome, error) {
	body := map[string]any{"package_id": packageID}
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "v0/foreground", body, &resp)
	return resp, err
}

// Schedules lists all schedules.
func (c *Client) Schedules(ctx context.Context) ([]Schedule, error) {
	var resp []Schedule
	err := c.do(ctx, http.MethodGet, "v0/schedules", nil, &resp)
	return resp, err
}

// CreateSchedule creates a schedule.
func (c *Client) CreateSchedule(ctx context.Context, s Schedule) (Schedule, error) {
	body := map[string]any{
		"name":               s.Name,
		"start_hour":         s.StartHour,
		"start_minute":       s.StartMinute,
		"duration_minutes":   s.DurationMinutes,
		"repeat_type":        s.RepeatType,
		"repeat_days":        s.RepeatDays,
		"pre_notify_minutes": s.PreNotifyMinutes,
	}
	var resp Schedule
	err := c.do(ctx, http.MethodPost, "v0/schedules", body, &resp)
	return resp, err
}

// DeleteSchedule deletes a schedule by id.
func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/schedules/"+url.PathEscape(id), nil, nil)
}

// CheckPIN checks the unlock PIN; a valid PIN ends the session early.
func (c *Client) CheckPIN(ctx context.Context, pin string) (bool, error) {
	body := map[string]any{"pin": pin}
	var resp struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodPost, "v0/unlock/pin", body, &resp)
	return resp.Valid, err
}

// RequestCode asks for a one-time code to be delivered.
func (c *Client) RequestCode(ctx context.Context, destination string) (bool, error) {
	body := map[string]any{"destination": destination}
	var resp struct {
		Delivered bool `json:"delivered"`
	}
	err := c.do(ctx, http.MethodPost, "v0/unlock/code/request", body, &resp)
	return resp.Delivered, err
}

// ValidateCode checks a one-time code; a valid code ends the session early.
func (c *Client) ValidateCode(ctx context.Context, code string) (bool, error) {
	body := map[string]any{"code": code}
	var resp struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodPost, "v0/unlock/code/validate", body, &resp)
	return resp.Valid, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
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
	return strings.TrimRight(c.BaseURL, "/")
}
