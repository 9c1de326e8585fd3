package stridesdk

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

// Client is a minimal Stride HTTP API client.
type Client struct {
	BaseURL     string
	UserID      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, userID string) *Client {
	return &Client{
		BaseURL: baseURL,
		UserID:  userID,
		Timeout: 10 * time.Second,
	}
}

// Goal represents the API goal model.
type Goal struct {
	ID        string  `json:"id"`
	Owner     string  `json:"owner"`
	Category  string  `json:"category"`
	StartDate string  `json:"start_date"`
	EndDate   *string `json:"end_date,omitempty"`
	Status    string  `json:"status"`
}

// Phase represents an ordered stage of a goal.
type Phase struct {
	ID         string `json:"id"`
	GoalID     string `json:"goal_id"`
	OrderIndex int    `json:"order_index"`
	Name       string `json:"name"`
}

// Action represents the smallest unit of work.
type Action struct {
	ID          string  `json:"id"`
	PhaseID     string  `json:"phase_id"`
	OrderIndex  int     `json:"order_index"`
	Title       string  `json:"title"`
	Definition  string  `json:"definition"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// Position is the per-user pointer to the current unit.
type Position struct {
	UserID          string  `json:"user_id"`
	CurrentGoalID   *string `json:"current_goal_id,omitempty"`
	CurrentPhaseID  *string `json:"current_phase_id,omitempty"`
	CurrentActionID *string `json:"current_action_id,omitempty"`
	UpdatedAt       string  `json:"updated_at"`
}

// Completion is the outcome of completing an action.
type Completion struct {
	NextActionID *string `json:"next_action_id"`
}

// NextAction is the resolved successor of an action.
type NextAction struct {
	Exhausted bool    `json:"exhausted"`
	ActionID  *string `json:"action_id,omitempty"`
	PhaseID   *string `json:"phase_id,omitempty"`
	GoalID    *string `json:"goal_id,omitempty"`
}

// Record is one execution ledger row.
type Record struct {
	ID         string `json:"id"`
	ActionID   string `json:"action_id"`
	UserID     string `json:"user_id"`
	Date       string `json:"date"`
	Completed  bool   `json:"completed"`
	Difficulty *int   `json:"difficulty,omitempty"`
	Energy     *int   `json:"energy,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateGoal creates a goal in the given category.
func (c *Client) CreateGoal(ctx context.Context, category string) (Goal, error) {
	body := map[string]any{
		"category": category,
	}
	var resp Goal
	err := c.do(ctx, http.MethodPost, "goals", body, &resp)
	return resp, err
}

// AddPhase appends a phase to a goal.
func (c *Client) AddPhase(ctx context.Context, goalID, name string) (Phase, error) {
	body := map[string]any{
		"name": name,
	}
	var resp Phase
	endpoint := fmt.Sprintf("goals/%s/phases", url.PathEscape(goalID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddAction appends an action to a phase.
func (c *Client) AddAction(ctx context.Context, phaseID, title, definition string) (Action, error) {
	body := map[string]any{
		"title":      title,
		"definition": definition,
	}
	var resp Action
	endpoint := fmt.Sprintf("phases/%s/actions", url.PathEscape(phaseID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// StartGoal points the caller's position at the goal's first action.
func (c *Client) StartGoal(ctx context.Context, goalID string) (Position, error) {
	var resp Position
	endpoint := fmt.Sprintf("goals/%s/start", url.PathEscape(goalID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CompleteAction completes an action with effort ratings and returns the next
// actionable unit, if any.
func (c *Client) CompleteAction(ctx context.Context, actionID string, difficulty, energy int) (Completion, error) {
	body := map[string]any{
		"difficulty": difficulty,
		"energy":     energy,
	}
	var resp Completion
	endpoint := fmt.Sprintf("actions/%s/complete", url.PathEscape(actionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// MarkIncomplete records a missed attempt at a still-incomplete action.
func (c *Client) MarkIncomplete(ctx context.Context, actionID string) error {
	endpoint := fmt.Sprintf("actions/%s/incomplete", url.PathEscape(actionID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// Position returns the caller's current position.
func (c *Client) Position(ctx context.Context) (Position, error) {
	var resp Position
	err := c.do(ctx, http.MethodGet, "position", nil, &resp)
	return resp, err
}

// ResolveNext returns the unit after the given action without side effects.
func (c *Client) ResolveNext(ctx context.Context, actionID string) (NextAction, error) {
	var resp NextAction
	endpoint := fmt.Sprintf("actions/%s/next", url.PathEscape(actionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Records returns the caller's ledger rows, newest first.
func (c *Client) Records(ctx context.Context, limit int) ([]Record, error) {
	endpoint := "records"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Record
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
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
