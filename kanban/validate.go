package kanban

import (
	"errors"
	"fmt"
)

// Validation failure categories. Callers distinguish schema violations from
// duplicate states and dangling references for diagnostics.
var (
	ErrInvalidDefinition     = errors.New("kanban: invalid definition")
	ErrDuplicateState        = errors.New("kanban: duplicate state id")
	ErrUnknownStateReference = errors.New("kanban: unknown state reference")
)

// Validate checks structural invariants of a definition: non-empty id and
// states, unique state ids, at most one initial state, every transition
// endpoint and auto-transition target referencing a declared state, and a
// flow sequence that is a subset of declared states. Normalize is applied
// first so the legacy transitions alias is covered.
func Validate(k *Kanban) error {
	if k == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	k.Normalize()

	if k.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidDefinition)
	}
	if len(k.States) == 0 {
		return fmt.Errorf("%w: kanban %q declares no states", ErrInvalidDefinition, k.ID)
	}

	seen := make(map[string]bool, len(k.States))
	initials := 0
	for _, s := range k.States {
		if s.ID == "" {
			return fmt.Errorf("%w: kanban %q has a state without id", ErrInvalidDefinition, k.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %q in kanban %q", ErrDuplicateState, s.ID, k.ID)
		}
		seen[s.ID] = true
		if s.Type == StateTypeInitial {
			initials++
		}
	}
	if initials > 1 {
		return fmt.Errorf("%w: kanban %q declares %d initial states", ErrInvalidDefinition, k.ID, initials)
	}

	for _, s := range k.States {
		if s.AutoTransitionTo != "" && !seen[s.AutoTransitionTo] {
			return refErr(k.ID, "auto_transition_to", s.AutoTransitionTo)
		}
	}
	for _, r := range k.RecommendedTransitions {
		if !seen[r.From] {
			return refErr(k.ID, "recommended_transitions.from", r.From)
		}
		if !seen[r.To] {
			return refErr(k.ID, "recommended_transitions.to", r.To)
		}
	}
	for _, b := range k.BlockedTransitions {
		if !seen[b.From] {
			return refErr(k.ID, "blocked_transitions.from", b.From)
		}
		if !seen[b.To] {
			return refErr(k.ID, "blocked_transitions.to", b.To)
		}
	}
	for _, w := range k.WarnedTransitions {
		if !seen[w.From] {
			return refErr(k.ID, "warned_transitions.from", w.From)
		}
		if !seen[w.To] {
			return refErr(k.ID, "warned_transitions.to", w.To)
		}
	}
	if k.Agents != nil {
		for _, id := range k.Agents.FlowSequence {
			if !seen[id] {
				return refErr(k.ID, "agents.flow_sequence", id)
			}
		}
	}

	return nil
}

func refErr(kanbanID, field, state string) error {
	return fmt.Errorf("%w: %s references %q in kanban %q", ErrUnknownStateReference, field, state, kanbanID)
}
