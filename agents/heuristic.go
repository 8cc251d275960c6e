package agents

import (
	"context"
	"fmt"
	"math"
)

// HeuristicAgent suggests from field completeness and dwell time alone; it
// needs no history and no prerequisite evaluation, which makes it the cold
// start fallback.
type HeuristicAgent struct{}

// NewHeuristicAgent builds the heuristic strategy.
func NewHeuristicAgent() *HeuristicAgent { return &HeuristicAgent{} }

// Name implements Agent.
func (a *HeuristicAgent) Name() string { return AgentHeuristic }

// AnalyzeContext implements Agent.
func (a *HeuristicAgent) AnalyzeContext(_ context.Context, ac *Context) map[string]any {
	return map[string]any{
		"completeness":   ac.Completeness(),
		"hours_in_state": ac.HoursInState,
		"available":      len(ac.Available),
	}
}

// SuggestTransition implements Agent. Confidence rises with completeness
// and with time already spent in the state; under 50% completeness the
// suggestion is to stay put.
func (a *HeuristicAgent) SuggestTransition(_ context.Context, ac *Context) (*Suggestion, error) {
	completeness := ac.Completeness()
	if completeness < 0.5 {
		return &Suggestion{
			Agent:          AgentHeuristic,
			SuggestedState: ac.Process.CurrentState,
			Confidence:     0.4,
			Justification:  fmt.Sprintf("only %.0f%% of fields are filled; complete the record before moving on", completeness*100),
			RiskFactors:    []string{"incomplete_fields"},
		}, nil
	}

	target := ""
	reason := ""
	switch {
	case ac.State != nil && ac.State.AutoTransitionTo != "":
		target = ac.State.AutoTransitionTo
		reason = "state declares an automatic follow-up"
	case len(ac.Available) == 1:
		target = ac.Available[0].To
		reason = "single recommended path out of this state"
	case len(ac.Available) > 1:
		target = ac.Available[0].To
		reason = "first of several recommended paths"
	default:
		return nil, ErrNoSuggestion
	}

	confidence := 0.5 + 0.3*completeness + 0.2*math.Min(ac.HoursInState/24, 1)
	s := &Suggestion{
		Agent:             AgentHeuristic,
		SuggestedState:    target,
		Confidence:        math.Min(confidence, 1),
		Justification:     reason,
		EstimatedDuration: estimatedDuration(ac, target),
	}
	if len(ac.Available) > 1 && (ac.State == nil || ac.State.AutoTransitionTo == "") {
		s.RiskFactors = append(s.RiskFactors, "multiple_paths")
		s.Confidence *= 0.8
	}
	return s, nil
}

// ValidateTransition implements Agent.
func (a *HeuristicAgent) ValidateTransition(_ context.Context, ac *Context, toState string) *Validation {
	v := baseValidate(ac, toState)
	if v.Valid && ac.Completeness() < 0.5 {
		v.Warnings = append(v.Warnings, "record is less than half filled")
		if v.RiskLevel == RiskLow {
			v.RiskLevel = RiskMedium
		}
	}
	return v
}
