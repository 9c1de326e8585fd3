package domain

type Goal struct {
	ID        string  `json:"id"`
	Owner     string  `json:"owner"`
	Category  string  `json:"category"`
	StartDate string  `json:"start_date" format:"date"`
	EndDate   *string `json:"end_date,omitempty" format:"date"`
	Status    string  `json:"status" enum:"active,paused,completed"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Phase struct {
	ID          string `json:"id"`
	GoalID      string `json:"goal_id"`
	OrderIndex  int    `json:"order_index"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Action struct {
	ID            string  `json:"id"`
	PhaseID       string  `json:"phase_id"`
	OrderIndex    int     `json:"order_index"`
	Title         string  `json:"title"`
	Definition    string  `json:"definition"`
	EstimatedTime *int    `json:"estimated_time,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// ExecutionRecord is one ledger row per (action, user, calendar day).
// Written by completions and reversals, never read to decide progression.
type ExecutionRecord struct {
	ID         string `json:"id"`
	ActionID   string `json:"action_id"`
	UserID     string `json:"user_id"`
	Date       string `json:"date" format:"date"`
	Completed  bool   `json:"completed"`
	Difficulty *int   `json:"difficulty,omitempty"`
	Energy     *int   `json:"energy,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Position is the single per-user pointer to the currently actionable unit.
// CurrentActionID == nil means nothing is actionable right now: either no
// goal has been started, or the started goal is exhausted.
type Position struct {
	UserID          string  `json:"user_id"`
	CurrentGoalID   *string `json:"current_goal_id,omitempty"`
	CurrentPhaseID  *string `json:"current_phase_id,omitempty"`
	CurrentActionID *string `json:"current_action_id,omitempty"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	GoalID     string `json:"goal_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	UserID     string `json:"user_id"`
	Payload    string `json:"payload_json"`
}

// NextAction carries the coordinates the completion workflow needs to repoint
// the position, or Exhausted when the goal has no remaining action.
type NextAction struct {
	Exhausted bool    `json:"exhausted"`
	ActionID  *string `json:"action_id,omitempty"`
	PhaseID   *string `json:"phase_id,omitempty"`
	GoalID    *string `json:"goal_id,omitempty"`
}
