package heroinitsdk

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

// Client is a minimal HERO initiative status API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Counter is a cur/max pair such as STUN.
type Counter struct {
	Cur int `json:"cur"`
	Max int `json:"max"`
}

// Combatant mirrors one roster entry.
type Combatant struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name,omitempty"`
	Speed       int      `json:"spd"`
	Dex         int      `json:"dex"`
	Stun        Counter  `json:"stun"`
	Body        Counter  `json:"body"`
	End         Counter  `json:"end"`
	Recovery    int      `json:"rec,omitempty"`
	Segments    []string `json:"seg"`
	Next        int      `json:"next"`
	Status      string   `json:"status"`
	Kind        string   `json:"kind"`
	Current     bool     `json:"current"`
}

// Status is the full snapshot.
type Status struct {
	Turn       int         `json:"turn"`
	Segment    int         `json:"segment"`
	Current    string      `json:"current,omitempty"`
	Combatants []Combatant `json:"combatants"`
}

// Step is the outcome of advance, abort or skip.
type Step struct {
	Turn       int      `json:"turn"`
	Segment    int      `json:"segment"`
	Actor      string   `json:"actor,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
	TurnRolled bool     `json:"turn_rolled,omitempty"`
	Warning    string   `json:"warning,omitempty"`
}

// Event represents a journal entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Combatant string         `json:"combatant,omitempty"`
	Turn      int            `json:"turn"`
	Segment   int            `json:"segment"`
	Payload   map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// Status returns the full snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// Combatants lists every combatant in insertion order.
func (c *Client) Combatants(ctx context.Context) ([]Combatant, error) {
	var resp []Combatant
	err := c.do(ctx, http.MethodGet, "combatants", nil, &resp)
	return resp, err
}

// Combatant fetches one combatant by name or unique prefix.
func (c *Client) Combatant(ctx context.Context, name string) (Combatant, error) {
	var resp Combatant
	err := c.do(ctx, http.MethodGet, "combatants/"+url.PathEscape(name), nil, &resp)
	return resp, err
}

// Acting lists the combatants due in the current segment.
func (c *Client) Acting(ctx context.Context) ([]Combatant, error) {
	var resp []Combatant
	err := c.do(ctx, http.MethodGet, "acting", nil, &resp)
	return resp, err
}

// Advance moves to the next acting combatant. Needs a gm token.
func (c *Client) Advance(ctx context.Context) (Step, error) {
	var resp Step
	err := c.do(ctx, http.MethodPost, "advance", nil, &resp)
	return resp, err
}

// ApplyDelta damages (positive) or heals (negative) a counter. Needs a gm token.
func (c *Client) ApplyDelta(ctx context.Context, name, counter string, amount int) (Combatant, error) {
	body := map[string]any{"counter": counter, "amount": amount}
	var resp Combatant
	err := c.do(ctx, http.MethodPost, "combatants/"+url.PathEscape(name)+"/delta", body, &resp)
	return resp, err
}

// EventsPage returns a paginated journal listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
