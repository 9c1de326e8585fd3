package engine

import (
	"testing"

	"stride/internal/domain"
)

func fixture() ([]domain.Phase, map[string][]domain.Action) {
	phases := []domain.Phase{
		{ID: "p1", GoalID: "g1", OrderIndex: 0},
		{ID: "p2", GoalID: "g1", OrderIndex: 1},
		{ID: "p3", GoalID: "g1", OrderIndex: 2},
	}
	actions := map[string][]domain.Action{
		"p1": {
			{ID: "a1", PhaseID: "p1", OrderIndex: 0},
			{ID: "a2", PhaseID: "p1", OrderIndex: 1},
		},
		"p2": {
			{ID: "a3", PhaseID: "p2", OrderIndex: 0},
		},
		"p3": {},
	}
	return phases, actions
}

func TestNextAfterWalk(t *testing.T) {
	phases, actions := fixture()
	cases := []struct {
		phase, action string
		wantNext      string
		wantExhausted bool
	}{
		{"p1", "a1", "a2", false},
		{"p1", "a2", "a3", false},
		{"p2", "a3", "", true}, // p3 is empty, traversal dead-ends
	}
	for _, tc := range cases {
		got := NextAfter(phases, actions, tc.phase, tc.action)
		if got.Exhausted != tc.wantExhausted {
			t.Fatalf("after %s: exhausted=%v, want %v", tc.action, got.Exhausted, tc.wantExhausted)
		}
		if tc.wantExhausted {
			if got.ActionID != nil {
				t.Fatalf("after %s: exhausted result carries action %s", tc.action, *got.ActionID)
			}
			continue
		}
		if got.ActionID == nil || *got.ActionID != tc.wantNext {
			t.Fatalf("after %s: got %v, want %s", tc.action, got.ActionID, tc.wantNext)
		}
	}
}

func TestNextAfterUnknownIDs(t *testing.T) {
	phases, actions := fixture()
	if got := NextAfter(phases, actions, "missing", "a1"); !got.Exhausted {
		t.Fatalf("unknown phase should exhaust, got %+v", got)
	}
	if got := NextAfter(phases, actions, "p1", "missing"); !got.Exhausted {
		t.Fatalf("unknown action should exhaust, got %+v", got)
	}
}

func TestFirstOf(t *testing.T) {
	phases, actions := fixture()
	first := FirstOf(phases, actions)
	if first.Exhausted || first.ActionID == nil || *first.ActionID != "a1" {
		t.Fatalf("expected a1, got %+v", first)
	}
	if first.PhaseID == nil || *first.PhaseID != "p1" || first.GoalID == nil || *first.GoalID != "g1" {
		t.Fatalf("coordinates wrong: %+v", first)
	}
	if got := FirstOf(nil, nil); !got.Exhausted {
		t.Fatalf("no phases should exhaust, got %+v", got)
	}
	empty := []domain.Phase{{ID: "p0", GoalID: "g1"}}
	if got := FirstOf(empty, map[string][]domain.Action{}); !got.Exhausted {
		t.Fatalf("empty first phase should exhaust, got %+v", got)
	}
}
