package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stride/internal/config"
	"stride/internal/domain"
	"stride/internal/events"
	"stride/internal/repo"
)

// Legal-state violations. Callers should not retry these: retrying changes
// nothing.
var (
	ErrAlreadyCompleted       = errors.New("action already completed")
	ErrCannotReverseCompleted = errors.New("completed action cannot be marked incomplete")
	ErrGoalNotStartable       = errors.New("goal has no starting action")
)

// ValidationError flags malformed input, caught before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// today is the ledger key: the current calendar day in the configured
// timezone.
func (e Engine) today() string {
	loc := time.UTC
	if e.Config != nil {
		loc = e.Config.Location()
	}
	return e.now().In(loc).Format("2006-01-02")
}

// GoalCreateOptions are parameters for creating a goal.
type GoalCreateOptions struct {
	ID        string
	Owner     string
	Category  string
	StartDate string
	EndDate   string
	UserID    string
}

func (e Engine) CreateGoal(ctx context.Context, opts GoalCreateOptions) (domain.Goal, error) {
	if e.Config == nil {
		return domain.Goal{}, errors.New("config not loaded")
	}
	if opts.Owner == "" {
		return domain.Goal{}, ValidationError{Field: "owner", Reason: "is required"}
	}
	if opts.Category == "" {
		opts.Category = e.Config.Defaults.Goal.Category
	}
	if opts.Category == "" {
		return domain.Goal{}, ValidationError{Field: "category", Reason: "is required"}
	}
	if len(e.Config.Categories.Catalog) > 0 {
		if _, ok := e.Config.Categories.Catalog[opts.Category]; !ok {
			return domain.Goal{}, ValidationError{Field: "category", Reason: fmt.Sprintf("%s not in catalog", opts.Category)}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if opts.StartDate == "" {
		opts.StartDate = e.today()
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	g := domain.Goal{
		ID:        id,
		Owner:     opts.Owner,
		Category:  opts.Category,
		StartDate: opts.StartDate,
		EndDate:   optionalString(opts.EndDate),
		Status:    "active",
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertGoal(ctx, tx, g); err != nil {
		return domain.Goal{}, fmt.Errorf("insert goal: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       "goal.created",
		GoalID:     g.ID,
		EntityKind: "goal",
		EntityID:   g.ID,
		UserID:     userOrOwner(opts.UserID, g.Owner),
		Payload:    map[string]any{"category": g.Category},
	}); err != nil {
		return domain.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, err
	}
	return g, nil
}

// SetGoalStatus toggles a goal between active and paused. The completed
// status is owned by the completion transaction and cannot be set here.
func (e Engine) SetGoalStatus(ctx context.Context, goalID, status, userID string) (domain.Goal, error) {
	if status != "active" && status != "paused" {
		return domain.Goal{}, ValidationError{Field: "status", Reason: "must be active or paused"}
	}
	g, err := e.Repo.GetGoal(ctx, goalID)
	if err != nil {
		return domain.Goal{}, err
	}
	if g.Status == "completed" {
		return g, fmt.Errorf("goal %s is completed and cannot change status", goalID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateGoalStatus(ctx, tx, goalID, status); err != nil {
		return g, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       "goal.status",
		GoalID:     g.ID,
		EntityKind: "goal",
		EntityID:   g.ID,
		UserID:     userOrOwner(userID, g.Owner),
		Payload:    map[string]any{"from": g.Status, "to": status},
	}); err != nil {
		return g, err
	}
	if err := tx.Commit(); err != nil {
		return g, err
	}
	g.Status = status
	return g, nil
}

func (e Engine) AddPhase(ctx context.Context, goalID, name, description, userID string) (domain.Phase, error) {
	if name == "" {
		return domain.Phase{}, ValidationError{Field: "name", Reason: "is required"}
	}
	g, err := e.Repo.GetGoal(ctx, goalID)
	if err != nil {
		return domain.Phase{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()

	order, err := e.Repo.NextPhaseOrder(ctx, tx, goalID)
	if err != nil {
		return domain.Phase{}, err
	}
	p := domain.Phase{
		ID:          uuid.New().String(),
		GoalID:      goalID,
		OrderIndex:  order,
		Name:        name,
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertPhase(ctx, tx, p); err != nil {
		return domain.Phase{}, fmt.Errorf("insert phase: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       "phase.created",
		GoalID:     goalID,
		EntityKind: "phase",
		EntityID:   p.ID,
		UserID:     userOrOwner(userID, g.Owner),
		Payload:    map[string]any{"name": p.Name, "order_index": p.OrderIndex},
	}); err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	return p, nil
}

// ActionCreateOptions are parameters for appending an action to a phase.
type ActionCreateOptions struct {
	PhaseID       string
	Title         string
	Definition    string
	EstimatedTime *int
	UserID        string
}

func (e Engine) AddAction(ctx context.Context, opts ActionCreateOptions) (domain.Action, error) {
	if opts.Title == "" {
		return domain.Action{}, ValidationError{Field: "title", Reason: "is required"}
	}
	if opts.Definition == "" {
		return domain.Action{}, ValidationError{Field: "definition", Reason: "is required"}
	}
	p, err := e.Repo.GetPhase(ctx, opts.PhaseID)
	if err != nil {
		return domain.Action{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()

	order, err := e.Repo.NextActionOrder(ctx, tx, opts.PhaseID)
	if err != nil {
		return domain.Action{}, err
	}
	a := domain.Action{
		ID:            uuid.New().String(),
		PhaseID:       opts.PhaseID,
		OrderIndex:    order,
		Title:         opts.Title,
		Definition:    opts.Definition,
		EstimatedTime: opts.EstimatedTime,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAction(ctx, tx, a); err != nil {
		return domain.Action{}, fmt.Errorf("insert action: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       "action.created",
		GoalID:     p.GoalID,
		EntityKind: "action",
		EntityID:   a.ID,
		UserID:     opts.UserID,
		Payload:    map[string]any{"title": a.Title, "order_index": a.OrderIndex},
	}); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

// StartGoal points the user's position at the goal's first action. This is
// the only way a position acquires a non-null pointer outside the completion
// transaction.
func (e Engine) StartGoal(ctx context.Context, userID, goalID string) (domain.Position, error) {
	g, err := e.Repo.GetGoal(ctx, goalID)
	if err != nil {
		return domain.Position{}, err
	}
	if g.Status != "active" {
		return domain.Position{}, fmt.Errorf("goal %s is %s and cannot be started", goalID, g.Status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Position{}, err
	}
	defer tx.Rollback()

	phases, actionsByPhase, err := e.loadHierarchyTx(ctx, tx, goalID)
	if err != nil {
		return domain.Position{}, err
	}
	first := FirstOf(phases, actionsByPhase)
	if first.Exhausted {
		return domain.Position{}, ErrGoalNotStartable
	}
	if _, err := e.Repo.EnsurePosition(ctx, tx, userID); err != nil {
		return domain.Position{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	patch := repo.PositionPatch{GoalID: first.GoalID, PhaseID: first.PhaseID, ActionID: first.ActionID}
	if err := e.Repo.UpdatePosition(ctx, tx, userID, patch, now); err != nil {
		return domain.Position{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       "goal.started",
		GoalID:     goalID,
		EntityKind: "goal",
		EntityID:   goalID,
		UserID:     userID,
		Payload:    map[string]any{"first_action_id": *first.ActionID},
	}); err != nil {
		return domain.Position{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Position{}, err
	}
	return e.Repo.GetPosition(ctx, userID)
}

// CompletionResult is the outcome of a completion: the next actionable unit,
// or nil when the goal is exhausted.
type CompletionResult struct {
	NextActionID *string
}

// CompleteAction applies a completion for exactly one action and advances the
// position, all inside a single transaction. The conditional completed_at
// write is the sole serialization point: of two concurrent attempts on the
// same action, exactly one succeeds and the other observes ErrAlreadyCompleted.
func (e Engine) CompleteAction(ctx context.Context, userID, actionID string, difficulty, energy int) (CompletionResult, error) {
	if userID == "" {
		return CompletionResult{}, ValidationError{Field: "user_id", Reason: "is required"}
	}
	if difficulty < 1 || difficulty > 5 {
		return CompletionResult{}, ValidationError{Field: "difficulty", Reason: "must be between 1 and 5"}
	}
	if energy < 1 || energy > 5 {
		return CompletionResult{}, ValidationError{Field: "energy", Reason: "must be between 1 and 5"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CompletionResult{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActionTx(ctx, tx, actionID)
	if err != nil {
		return CompletionResult{}, err
	}
	if a.CompletedAt != nil {
		return CompletionResult{}, ErrAlreadyCompleted
	}
	today := e.today()
	ok, err := e.Repo.MarkActionCompleted(ctx, tx, actionID, today)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("mark completed: %w", err)
	}
	if !ok {
		// Lost the race to a concurrent completion.
		return CompletionResult{}, ErrAlreadyCompleted
	}
	now := e.now().UTC().Format(time.RFC3339)
	rec := domain.ExecutionRecord{
		ID:         uuid.New().String(),
		ActionID:   actionID,
		UserID:     userID,
		Date:       today,
		Completed:  true,
		Difficulty: &difficulty,
		Energy:     &energy,
		CreatedAt:  now,
	}
	if err := e.Repo.UpsertExecutionRecord(ctx, tx, rec); err != nil {
		return CompletionResult{}, fmt.Errorf("write ledger: %w", err)
	}
	phase, err := e.Repo.GetPhaseTx(ctx, tx, a.PhaseID)
	if err != nil {
		return CompletionResult{}, err
	}
	phases, actionsByPhase, err := e.loadHierarchyTx(ctx, tx, phase.GoalID)
	if err != nil {
		return CompletionResult{}, err
	}
	next := NextAfter(phases, actionsByPhase, a.PhaseID, actionID)

	if _, err := e.Repo.EnsurePosition(ctx, tx, userID); err != nil {
		return CompletionResult{}, err
	}
	if next.Exhausted {
		// current_goal_id/current_phase_id are left in place for display.
		if err := e.Repo.UpdatePosition(ctx, tx, userID, repo.PositionPatch{ClearAction: true}, now); err != nil {
			return CompletionResult{}, err
		}
		if err := e.Repo.UpdateGoalStatus(ctx, tx, phase.GoalID, "completed"); err != nil {
			return CompletionResult{}, err
		}
	} else {
		patch := repo.PositionPatch{GoalID: next.GoalID, PhaseID: next.PhaseID, ActionID: next.ActionID}
		if err := e.Repo.UpdatePosition(ctx, tx, userID, patch, now); err != nil {
			return CompletionResult{}, err
		}
	}
	payload := map[string]any{"date": today, "difficulty": difficulty, "energy": energy}
	if next.ActionID != nil {
		payload["next_action_id"] = *next.ActionID
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       "action.completed",
		GoalID:     phase.GoalID,
		EntityKind: "action",
		EntityID:   actionID,
		UserID:     userID,
		Payload:    payload,
	}); err != nil {
		return CompletionResult{}, err
	}
	if next.Exhausted {
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type:       "goal.completed",
			GoalID:     phase.GoalID,
			EntityKind: "goal",
			EntityID:   phase.GoalID,
			UserID:     userID,
			Payload:    map[string]any{"last_action_id": actionID},
		}); err != nil {
			return CompletionResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return CompletionResult{}, err
	}
	return CompletionResult{NextActionID: next.ActionID}, nil
}

// MarkIncomplete records that today's attempt at a still-incomplete action
// failed. The position is untouched: the same action stays current. This is
// not an undo mechanism; completed actions are immutable.
func (e Engine) MarkIncomplete(ctx context.Context, userID, actionID string) error {
	if userID == "" {
		return ValidationError{Field: "user_id", Reason: "is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActionTx(ctx, tx, actionID)
	if err != nil {
		return err
	}
	if a.CompletedAt != nil {
		return ErrCannotReverseCompleted
	}
	p, err := e.Repo.GetPhaseTx(ctx, tx, a.PhaseID)
	if err != nil {
		return err
	}
	today := e.today()
	rec := domain.ExecutionRecord{
		ID:        uuid.New().String(),
		ActionID:  actionID,
		UserID:    userID,
		Date:      today,
		Completed: false,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.UpsertExecutionRecord(ctx, tx, rec); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       "action.missed",
		GoalID:     p.GoalID,
		EntityKind: "action",
		EntityID:   actionID,
		UserID:     userID,
		Payload:    map[string]any{"date": today},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Position returns the user's pointer, or repo.ErrNotFound when never
// initialized.
func (e Engine) Position(ctx context.Context, userID string) (domain.Position, error) {
	return e.Repo.GetPosition(ctx, userID)
}

// InitPosition creates the all-null pointer row if absent. Idempotent: an
// existing row is returned unchanged.
func (e Engine) InitPosition(ctx context.Context, userID string) (domain.Position, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Position{}, err
	}
	defer tx.Rollback()
	pos, err := e.Repo.EnsurePosition(ctx, tx, userID)
	if err != nil {
		return domain.Position{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Position{}, err
	}
	return pos, nil
}

// ResolveNext computes the unit after the given action without side effects.
// The action may be in any completion state; the completed-action
// precondition is enforced only inside CompleteAction. Repeated calls over
// unchanged data return identical results.
func (e Engine) ResolveNext(ctx context.Context, actionID string) (domain.NextAction, error) {
	a, err := e.Repo.GetAction(ctx, actionID)
	if err != nil {
		return domain.NextAction{}, err
	}
	p, err := e.Repo.GetPhase(ctx, a.PhaseID)
	if err != nil {
		return domain.NextAction{}, err
	}
	phases, err := e.Repo.ListPhases(ctx, p.GoalID)
	if err != nil {
		return domain.NextAction{}, err
	}
	actionsByPhase := map[string][]domain.Action{}
	for _, ph := range phases {
		acts, err := e.Repo.ListActions(ctx, ph.ID)
		if err != nil {
			return domain.NextAction{}, err
		}
		actionsByPhase[ph.ID] = acts
	}
	return NextAfter(phases, actionsByPhase, a.PhaseID, actionID), nil
}

// GoalOutline is the full hierarchy of a goal in traversal order.
type GoalOutline struct {
	Goal   domain.Goal    `json:"goal"`
	Phases []PhaseOutline `json:"phases"`
}

type PhaseOutline struct {
	Phase   domain.Phase    `json:"phase"`
	Actions []domain.Action `json:"actions"`
}

func (e Engine) Outline(ctx context.Context, goalID string) (GoalOutline, error) {
	g, err := e.Repo.GetGoal(ctx, goalID)
	if err != nil {
		return GoalOutline{}, err
	}
	phases, err := e.Repo.ListPhases(ctx, goalID)
	if err != nil {
		return GoalOutline{}, err
	}
	out := GoalOutline{Goal: g}
	for _, p := range phases {
		acts, err := e.Repo.ListActions(ctx, p.ID)
		if err != nil {
			return GoalOutline{}, err
		}
		out.Phases = append(out.Phases, PhaseOutline{Phase: p, Actions: acts})
	}
	return out, nil
}

func (e Engine) loadHierarchyTx(ctx context.Context, tx *sql.Tx, goalID string) ([]domain.Phase, map[string][]domain.Action, error) {
	phases, err := e.Repo.ListPhasesTx(ctx, tx, goalID)
	if err != nil {
		return nil, nil, err
	}
	actionsByPhase := map[string][]domain.Action{}
	for _, p := range phases {
		acts, err := e.Repo.ListActionsTx(ctx, tx, p.ID)
		if err != nil {
			return nil, nil, err
		}
		actionsByPhase[p.ID] = acts
	}
	return phases, actionsByPhase, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func userOrOwner(userID, owner string) string {
	if userID != "" {
		return userID
	}
	return owner
}
