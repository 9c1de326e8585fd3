package server

import (
	"encoding/json"

	"stride/internal/config"
	"stride/internal/domain"
	"stride/internal/engine"
)

// Request payloads

type CreateGoalRequest struct {
	ID        *string `json:"id,omitempty"`
	Category  string  `json:"category,omitempty"`
	StartDate *string `json:"start_date,omitempty" format:"date"`
	EndDate   *string `json:"end_date,omitempty" format:"date"`
}

type UpdateGoalRequest struct {
	Status string `json:"status" enum:"active,paused"`
}

type AddPhaseRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type AddActionRequest struct {
	Title         string `json:"title"`
	Definition    string `json:"definition"`
	EstimatedTime *int   `json:"estimated_time,omitempty"`
}

type CompleteActionRequest struct {
	Difficulty int `json:"difficulty" minimum:"1" maximum:"5"`
	Energy     int `json:"energy" minimum:"1" maximum:"5"`
}

// Response payloads

type GoalResponse struct {
	ID        string  `json:"id"`
	Owner     string  `json:"owner"`
	Category  string  `json:"category"`
	StartDate string  `json:"start_date" format:"date"`
	EndDate   *string `json:"end_date,omitempty" format:"date"`
	Status    string  `json:"status" enum:"active,paused,completed"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type PhaseResponse struct {
	ID          string `json:"id"`
	GoalID      string `json:"goal_id"`
	OrderIndex  int    `json:"order_index"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ActionResponse struct {
	ID            string  `json:"id"`
	PhaseID       string  `json:"phase_id"`
	OrderIndex    int     `json:"order_index"`
	Title         string  `json:"title"`
	Definition    string  `json:"definition"`
	EstimatedTime *int    `json:"estimated_time,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type CompletionResponse struct {
	NextActionID *string `json:"next_action_id"`
}

type AckResponse struct {
	OK bool `json:"ok"`
}

type PositionResponse struct {
	UserID          string  `json:"user_id"`
	CurrentGoalID   *string `json:"current_goal_id,omitempty"`
	CurrentPhaseID  *string `json:"current_phase_id,omitempty"`
	CurrentActionID *string `json:"current_action_id"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type NextActionResponse struct {
	Exhausted bool    `json:"exhausted"`
	ActionID  *string `json:"action_id,omitempty"`
	PhaseID   *string `json:"phase_id,omitempty"`
	GoalID    *string `json:"goal_id,omitempty"`
}

type RecordResponse struct {
	ID         string `json:"id"`
	ActionID   string `json:"action_id"`
	UserID     string `json:"user_id"`
	Date       string `json:"date" format:"date"`
	Completed  bool   `json:"completed"`
	Difficulty *int   `json:"difficulty,omitempty"`
	Energy     *int   `json:"energy,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	GoalID     string         `json:"goal_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	UserID     string         `json:"user_id"`
	Payload    map[string]any `json:"payload"`
}

type TrackerConfigResponse struct {
	Tracker    trackerConfigSection  `json:"tracker"`
	Categories categoryConfigSection `json:"categories"`
	Defaults   defaultsConfigSection `json:"defaults"`
}

type trackerConfigSection struct {
	ID       string `json:"id"`
	Timezone string `json:"timezone"`
}

type categoryConfigSection struct {
	Catalog map[string]struct {
		Description string `json:"description"`
	} `json:"catalog"`
}

type defaultsConfigSection struct {
	Goal struct {
		Category string `json:"category"`
	} `json:"goal"`
}

type OutlineResponse struct {
	Goal   GoalResponse           `json:"goal"`
	Phases []OutlinePhaseResponse `json:"phases"`
}

type OutlinePhaseResponse struct {
	Phase   PhaseResponse    `json:"phase"`
	Actions []ActionResponse `json:"actions"`
}

// Conversion helpers

func goalResponse(g domain.Goal) GoalResponse {
	return GoalResponse(g)
}

func phaseResponse(p domain.Phase) PhaseResponse {
	return PhaseResponse(p)
}

func actionResponse(a domain.Action) ActionResponse {
	return ActionResponse(a)
}

func positionResponse(p domain.Position) PositionResponse {
	return PositionResponse(p)
}

func nextActionResponse(n domain.NextAction) NextActionResponse {
	return NextActionResponse(n)
}

func recordResponse(r domain.ExecutionRecord) RecordResponse {
	return RecordResponse{
		ID:         r.ID,
		ActionID:   r.ActionID,
		UserID:     r.UserID,
		Date:       r.Date,
		Completed:  r.Completed,
		Difficulty: r.Difficulty,
		Energy:     r.Energy,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		GoalID:     e.GoalID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		UserID:     e.UserID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func outlineResponse(o engine.GoalOutline) OutlineResponse {
	res := OutlineResponse{Goal: goalResponse(o.Goal), Phases: []OutlinePhaseResponse{}}
	for _, p := range o.Phases {
		res.Phases = append(res.Phases, OutlinePhaseResponse{
			Phase:   phaseResponse(p.Phase),
			Actions: mapActions(p.Actions),
		})
	}
	return res
}

func mapGoals(in []domain.Goal) []GoalResponse {
	out := make([]GoalResponse, 0, len(in))
	for _, g := range in {
		out = append(out, goalResponse(g))
	}
	return out
}

func mapActions(in []domain.Action) []ActionResponse {
	out := make([]ActionResponse, 0, len(in))
	for _, a := range in {
		out = append(out, actionResponse(a))
	}
	return out
}

func mapRecords(in []domain.ExecutionRecord) []RecordResponse {
	out := make([]RecordResponse, 0, len(in))
	for _, r := range in {
		out = append(out, recordResponse(r))
	}
	return out
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, eventResponse(e))
	}
	return out
}

func trackerConfigResponse(cfg *config.Config) TrackerConfigResponse {
	res := TrackerConfigResponse{
		Categories: categoryConfigSection{
			Catalog: map[string]struct {
				Description string `json:"description"`
			}{},
		},
	}
	if cfg == nil {
		return res
	}
	res.Tracker = trackerConfigSection{
		ID:       cfg.Tracker.ID,
		Timezone: cfg.Tracker.Timezone,
	}
	for name, cat := range cfg.Categories.Catalog {
		res.Categories.Catalog[name] = struct {
			Description string `json:"description"`
		}{Description: cat.Description}
	}
	res.Defaults.Goal.Category = cfg.Defaults.Goal.Category
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func stringOrEmpty(in *string) string {
	if in == nil {
		return ""
	}
	return *in
}
