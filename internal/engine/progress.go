package engine

import (
	"stride/internal/domain"
)

// NextAfter computes the unit following the given action in strict
// (phase.order_index, action.order_index) order. It is a pure function over
// the two ordered lists: phases in traversal order, and each phase's actions
// in traversal order under actionsByPhase.
//
// A phase with zero actions dead-ends the traversal: the resolver reports
// exhaustion instead of skipping ahead to the next non-empty phase.
func NextAfter(phases []domain.Phase, actionsByPhase map[string][]domain.Action, phaseID, actionID string) domain.NextAction {
	phaseIdx := -1
	for i, p := range phases {
		if p.ID == phaseID {
			phaseIdx = i
			break
		}
	}
	if phaseIdx == -1 {
		return domain.NextAction{Exhausted: true}
	}
	siblings := actionsByPhase[phaseID]
	for i, a := range siblings {
		if a.ID != actionID {
			continue
		}
		if i+1 < len(siblings) {
			return pointAt(phases[phaseIdx], siblings[i+1])
		}
		if phaseIdx+1 < len(phases) {
			next := phases[phaseIdx+1]
			candidates := actionsByPhase[next.ID]
			if len(candidates) == 0 {
				return domain.NextAction{Exhausted: true}
			}
			return pointAt(next, candidates[0])
		}
		return domain.NextAction{Exhausted: true}
	}
	return domain.NextAction{Exhausted: true}
}

// FirstOf returns the starting unit of a goal: the first action of the first
// phase. An empty first phase dead-ends the same way NextAfter does.
func FirstOf(phases []domain.Phase, actionsByPhase map[string][]domain.Action) domain.NextAction {
	if len(phases) == 0 {
		return domain.NextAction{Exhausted: true}
	}
	first := phases[0]
	candidates := actionsByPhase[first.ID]
	if len(candidates) == 0 {
		return domain.NextAction{Exhausted: true}
	}
	return pointAt(first, candidates[0])
}

func pointAt(p domain.Phase, a domain.Action) domain.NextAction {
	return domain.NextAction{
		ActionID: &a.ID,
		PhaseID:  &p.ID,
		GoalID:   &p.GoalID,
	}
}
