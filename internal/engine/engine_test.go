package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stride/internal/config"
	"stride/internal/db"
	"stride/internal/engine"
	"stride/internal/migrate"
	"stride/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("tracker-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// buildGoal creates a goal with one phase per entry of actionsPerPhase and
// returns the goal id plus the action ids in traversal order.
func buildGoal(t *testing.T, env testEnv, actionsPerPhase []int) (string, []string) {
	t.Helper()
	g, err := env.Engine.CreateGoal(env.Ctx, engine.GoalCreateOptions{Owner: "casey", Category: "health"})
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	var ids []string
	for _, count := range actionsPerPhase {
		p, err := env.Engine.AddPhase(env.Ctx, g.ID, "phase", "", "casey")
		if err != nil {
			t.Fatalf("add phase: %v", err)
		}
		for i := 0; i < count; i++ {
			a, err := env.Engine.AddAction(env.Ctx, engine.ActionCreateOptions{
				PhaseID:    p.ID,
				Title:      "action",
				Definition: "do the thing",
				UserID:     "casey",
			})
			if err != nil {
				t.Fatalf("add action: %v", err)
			}
			ids = append(ids, a.ID)
		}
	}
	return g.ID, ids
}

func TestCompleteAdvancesWithinPhase(t *testing.T) {
	env := newTestEnv(t)
	goalID, actions := buildGoal(t, env, []int{3})
	if _, err := env.Engine.StartGoal(env.Ctx, "casey", goalID); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := env.Engine.CompleteAction(env.Ctx, "casey", actions[0], 3, 4)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.NextActionID == nil || *res.NextActionID != actions[1] {
		t.Fatalf("expected next %s, got %+v", actions[1], res)
	}
	pos, err := env.Engine.Position(env.Ctx, "casey")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.CurrentActionID == nil || *pos.CurrentActionID != actions[1] {
		t.Fatalf("expected position at %s, got %+v", actions[1], pos)
	}
}

func TestCompleteCrossesPhaseBoundary(t *testing.T) {
	env := newTestEnv(t)
	goalID, actions := buildGoal(t, env, []int{1, 2})
	if _, err := env.Engine.StartGoal(env.Ctx, "casey", goalID); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := env.Engine.CompleteAction(env.Ctx, "casey", actions[0], 2, 2)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.NextActionID == nil || *res.NextActionID != actions[1] {
		t.Fatalf("expected first action of next phase, got %+v", res)
	}
	pos, _ := env.Engine.Position(env.Ctx, "casey")
	a, err := env.Engine.Repo.GetAction(env.Ctx, *pos.CurrentActionID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if pos.CurrentPhaseID == nil || *pos.CurrentPhaseID != a.PhaseID {
		t.Fatalf("phase pointer %v does not match action's phase %s", pos.CurrentPhaseID, a.PhaseID)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	goalID, actions := buildGoal(t, env, []int{2})
	if _, err := env.Engine.StartGoal(env.Ctx, "casey", goalID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.CompleteAction(env.Ctx, "casey", actions[0], 4, 5); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err := env.Engine.CompleteAction(env.Ctx, "casey", actions[0], 1, 1)
	if !errors.Is(err, engine.ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	// The repeat must not move the position or rewrite the ledger.
	pos, _ := env.Engine.Position(env.Ctx, "casey")
	if pos.CurrentActionID == nil || *pos.CurrentActionID != actions[1] {
		t.Fatalf("position moved unexpectedly: %+v", pos)
	}
	rec, err := env.Engine.Repo.GetExecutionRecord(env.Ctx, actions[0], "casey", "2024-01-01")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !rec.Completed || rec.Difficulty == nil || *rec.Difficulty != 4 || *rec.Energy != 5 {
		t.Fatalf("ledger row changed by failed repeat: %+v", rec)
	}
}

func TestExhaustionCompletesGoal(t *testing.T) {
	env := newTestEnv(t)
	goalID, actions := buildGoal(t, env, []int{1})
	if _, err := env.Engine.StartGoal(env.Ctx, "casey", goalID); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := env.Engine.CompleteAction(env.Ctx, "casey", actions[0], 3, 3)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.NextActionID != nil {
		t.Fatalf("expected exhaustion, got next %s", *res.NextActionID)
	}
	pos, _ := env.Engine.Position(env.Ctx, "casey")
	if pos.CurrentActionID != nil {
		t.Fatalf("expected cleared action pointer, got %s", *pos.CurrentActionID)
	}
	if pos.CurrentGoalID == nil || *pos.CurrentGoalID != goalID {
		t.Fatalf("goal pointer should survive exhaustion: %+v", pos)
	}
	g, err := env.Engine.Repo.GetGoal(env.Ctx, goalID)
	if err != nil {
		t.Fatalf("get goal: %v", err)
	}
	if g.Status != "completed" {
		t.Fatalf("expected completed goal, got %s", g.Status)
	}
	// A completed goal's status is immutable.
	if _, err := env.Engine.SetGoalStatus(env.Ctx, goalID, "active", "casey"); err == nil {
		t.Fatalf("expected status change on completed goal to fail")
	}
}

func TestMarkIncompleteKeepsPosition(t *testing.T) {
	env := newTestEnv(t)
	goalID, actions := buildGoal(t, env, []int{2})
	if _, err := env.Engine.StartGoal(env.Ctx, "casey", goalID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.Engine.MarkIncomplete(env.Ctx, "casey", actions[0]); err != nil {
		t.Fatalf("miss: %v", err)
	}
	pos, _ := env.Engine.Position(env.Ctx, "casey")
	if pos.CurrentActionID == nil || *pos.CurrentActionID != actions[0] {
		t.Fatalf("miss moved the position: %+v", pos)
	}
	rec, err := env.Engine.Repo.GetExecutionRecord(env.Ctx, actions[0], "casey", "2024-01-01")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Completed || rec.Difficulty != nil || rec.Energy != nil {
		t.Fatalf("expected completed=false row without ratings, got %+v", rec)
	}
	// Completing later the same day flips the row rather than duplicating it.
	if _, err := env.Engine.CompleteAction(env.Ctx, "casey", actions[0], 5, 2); err != nil {
		t.Fatalf("complete after miss: %v", err)
	}
	rec, err = env.Engine.Repo.GetExecutionRecord(env.Ctx, actions[0], "casey", "2024-01-01")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !rec.Completed || rec.Difficulty == nil || *rec.Difficulty != 5 {
		t.Fatalf("expected flipped ledger row, got %+v", rec)
	}
	records, err := env.Engine.Repo.ListExecutionRecords(env.Ctx, repo.RecordFilters{UserID: "casey", ActionID: actions[0]})
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected a single ledger row per day, got %d", len(records))
	}
}

func TestMarkIncompleteOnCompletedAction(t *testing.T) {
	env := newTestEnv(t)
	goalID, actions := buildGoal(t, env, []int{1})
	if _, err := env.Engine.StartGoal(env.Ctx, "casey", goalID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.CompleteAction(env.Ctx, "casey", actions[0], 3, 3); err != nil {
		t.Fatalf("complete: %v", err)
	}
	err := env.Engine.MarkIncomplete(env.Ctx, "casey", actions[0])
	if !errors.Is(err, engine.ErrCannotReverseCompleted) {
		t.Fatalf("expected ErrCannotReverseCompleted, got %v", err)
	}
}

func TestRatingValidation(t *testing.T) {
	env := newTestEnv(t)
	goalID, actions := buildGoal(t, env, []int{1})
	if _, err := env.Engine.StartGoal(env.Ctx, "casey", goalID); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, tc := range []struct{ difficulty, energy int }{
		{0, 3}, {6, 3}, {3, 0}, {3, 6},
	} {
		_, err := env.Engine.CompleteAction(env.Ctx, "casey", actions[0], tc.difficulty, tc.energy)
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("difficulty=%d energy=%d: expected ValidationError, got %v", tc.difficulty, tc.energy, err)
		}
	}
	// Rejected input leaves the action incomplete.
	a, err := env.Engine.Repo.GetAction(env.Ctx, actions[0])
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if a.CompletedAt != nil {
		t.Fatalf("expected incomplete action, got completed_at %s", *a.CompletedAt)
	}
}

func TestResolveNextIsPure(t *testing.T) {
	env := newTestEnv(t)
	goalID, actions := buildGoal(t, env, []int{2, 1})
	first, err := env.Engine.ResolveNext(env.Ctx, actions[0])
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := env.Engine.ResolveNext(env.Ctx, actions[0])
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if *first.ActionID != *second.ActionID || *first.ActionID != actions[1] {
		t.Fatalf("resolver not stable: %+v vs %+v", first, second)
	}
	// Resolving past the last action reports exhaustion.
	last, err := env.Engine.ResolveNext(env.Ctx, actions[2])
	if err != nil {
		t.Fatalf("resolve last: %v", err)
	}
	if !last.Exhausted {
		t.Fatalf("expected exhaustion after last action, got %+v", last)
	}
	// A completed action still resolves; completion state is irrelevant here.
	if _, err := env.Engine.StartGoal(env.Ctx, "casey", goalID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.CompleteAction(env.Ctx, "casey", actions[0], 3, 3); err != nil {
		t.Fatalf("complete: %v", err)
	}
	again, err := env.Engine.ResolveNext(env.Ctx, actions[0])
	if err != nil {
		t.Fatalf("resolve completed: %v", err)
	}
	if *again.ActionID != actions[1] {
		t.Fatalf("resolver changed after completion: %+v", again)
	}
}

func TestEmptyPhaseEndsTraversal(t *testing.T) {
	env := newTestEnv(t)
	goalID, actions := buildGoal(t, env, []int{1, 0, 2})
	if _, err := env.Engine.StartGoal(env.Ctx, "casey", goalID); err != nil {
		t.Fatalf("start: %v", err)
	}
	// An empty phase is a dead end: traversal never skips into phase three.
	res, err := env.Engine.CompleteAction(env.Ctx, "casey", actions[0], 3, 3)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.NextActionID != nil {
		t.Fatalf("expected dead end, got next %s", *res.NextActionID)
	}
	g, _ := env.Engine.Repo.GetGoal(env.Ctx, goalID)
	if g.Status != "completed" {
		t.Fatalf("expected goal completed at dead end, got %s", g.Status)
	}
}

func TestStartGoalRules(t *testing.T) {
	env := newTestEnv(t)

	// No phases at all.
	emptyGoal, _ := buildGoal(t, env, nil)
	if _, err := env.Engine.StartGoal(env.Ctx, "casey", emptyGoal); !errors.Is(err, engine.ErrGoalNotStartable) {
		t.Fatalf("expected ErrGoalNotStartable, got %v", err)
	}

	// First phase empty dead-ends immediately.
	deadGoal, _ := buildGoal(t, env, []int{0, 1})
	if _, err := env.Engine.StartGoal(env.Ctx, "casey", deadGoal); !errors.Is(err, engine.ErrGoalNotStartable) {
		t.Fatalf("expected dead-end goal unstartable, got %v", err)
	}

	// Paused goals cannot be started.
	goalID, actions := buildGoal(t, env, []int{1})
	if _, err := env.Engine.SetGoalStatus(env.Ctx, goalID, "paused", "casey"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := env.Engine.StartGoal(env.Ctx, "casey", goalID); err == nil {
		t.Fatalf("expected paused goal unstartable")
	}
	if _, err := env.Engine.SetGoalStatus(env.Ctx, goalID, "active", "casey"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	pos, err := env.Engine.StartGoal(env.Ctx, "casey", goalID)
	if err != nil {
		t.Fatalf("start after resume: %v", err)
	}
	if pos.CurrentActionID == nil || *pos.CurrentActionID != actions[0] {
		t.Fatalf("expected position at first action, got %+v", pos)
	}
}

func TestPositionRequiresInit(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Position(env.Ctx, "drew"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("position for never-initialized user: %v, want ErrNotFound", err)
	}
}

func TestInitPositionIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.InitPosition(env.Ctx, "casey")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if first.CurrentGoalID != nil || first.CurrentActionID != nil {
		t.Fatalf("expected all-null pointer, got %+v", first)
	}
	goalID, _ := buildGoal(t, env, []int{1})
	if _, err := env.Engine.StartGoal(env.Ctx, "casey", goalID); err != nil {
		t.Fatalf("start: %v", err)
	}
	again, err := env.Engine.InitPosition(env.Ctx, "casey")
	if err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if again.CurrentActionID == nil {
		t.Fatalf("re-init reset an existing position: %+v", again)
	}
}

func TestCategoryCatalogValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateGoal(env.Ctx, engine.GoalCreateOptions{Owner: "casey", Category: "surfing"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for unknown category, got %v", err)
	}
	// Empty category falls back to the configured default.
	g, err := env.Engine.CreateGoal(env.Ctx, engine.GoalCreateOptions{Owner: "casey"})
	if err != nil {
		t.Fatalf("create with default category: %v", err)
	}
	if g.Category != "personal" {
		t.Fatalf("expected default category, got %s", g.Category)
	}
}

func TestCompletionEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	goalID, actions := buildGoal(t, env, []int{1})
	if _, err := env.Engine.StartGoal(env.Ctx, "casey", goalID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.CompleteAction(env.Ctx, "casey", actions[0], 3, 3); err != nil {
		t.Fatalf("complete: %v", err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, goalID, "", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, want := range []string{"goal.created", "goal.started", "action.completed", "goal.completed"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, events)
		}
	}
}
