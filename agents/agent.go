// Package agents implements the suggestion layer: three independent
// strategies (heuristic, pattern, rule) behind one contract, an
// orchestrator that selects, aggregates and ranks their suggestions, and a
// feedback loop that learns per-agent weights from confirmed transitions.
package agents

import (
	"context"
	"errors"
	"fmt"

	"fluxo.evalgo.org/analysis"
	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/process"
)

// Agent names, also the fixed priority order for tie-breaking.
const (
	AgentRule      = "rule"
	AgentPattern   = "pattern"
	AgentHeuristic = "heuristic"
)

// Risk levels attached to validations.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// ErrNoSuggestion signals the agent has nothing to propose for this
// process. The orchestrator treats it as abstention, not failure.
var ErrNoSuggestion = errors.New("agents: no suggestion")

// Suggestion is one agent's proposed next state.
type Suggestion struct {
	Agent             string   `json:"agent"`
	SuggestedState    string   `json:"suggested_state"`
	Confidence        float64  `json:"confidence"`
	Justification     string   `json:"justification"`
	RiskFactors       []string `json:"risk_factors,omitempty"`
	EstimatedDuration float64  `json:"estimated_duration_hours,omitempty"`
}

// Validation is an agent's verdict on a proposed transition.
type Validation struct {
	Valid     bool     `json:"valid"`
	Warnings  []string `json:"warnings,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	RiskLevel string   `json:"risk_level"`
}

// Context is the assembled view of one process the agents reason over.
// The orchestrator builds it once per call and shares it across agents.
type Context struct {
	Process      *process.Process
	Kanban       *kanban.Kanban
	State        *kanban.State
	Available    []kanban.TransitionRule
	Sequence     []string
	HoursInState float64
	Durations    map[string]analysis.DurationStats
}

// Completeness is the share of populated field values, 1.0 when the
// process carries no fields at all.
func (c *Context) Completeness() float64 {
	if c.Process == nil || len(c.Process.FieldValues) == 0 {
		return 1.0
	}
	filled := 0
	for _, v := range c.Process.FieldValues {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		filled++
	}
	return float64(filled) / float64(len(c.Process.FieldValues))
}

// Agent is the common contract of the three strategies.
type Agent interface {
	// Name identifies the agent in feedback records and API responses.
	Name() string

	// AnalyzeContext summarizes what the agent sees, for UI display.
	AnalyzeContext(ctx context.Context, ac *Context) map[string]any

	// SuggestTransition proposes the next state, or ErrNoSuggestion.
	SuggestTransition(ctx context.Context, ac *Context) (*Suggestion, error)

	// ValidateTransition judges a concrete proposed target state.
	ValidateTransition(ctx context.Context, ac *Context, toState string) *Validation
}

// baseValidate applies the transition classification every agent agrees
// on: blocked is an error, warned is a warning, anything else passes.
func baseValidate(ac *Context, toState string) *Validation {
	v := &Validation{Valid: true, RiskLevel: RiskLow}
	if ac.Kanban == nil || ac.Process == nil {
		v.Valid = false
		v.RiskLevel = RiskHigh
		v.Errors = append(v.Errors, "incomplete context")
		return v
	}
	if !ac.Kanban.HasState(toState) {
		v.Valid = false
		v.RiskLevel = RiskHigh
		v.Errors = append(v.Errors, fmt.Sprintf("state %q is not declared", toState))
		return v
	}
	from := ac.Process.CurrentState
	if blocked, reason := ac.Kanban.IsBlocked(from, toState); blocked {
		v.Valid = false
		v.RiskLevel = RiskHigh
		v.Errors = append(v.Errors, fmt.Sprintf("transition %s -> %s is blocked: %s", from, toState, reason))
		return v
	}
	if warned, rule := ac.Kanban.IsWarned(from, toState); warned {
		v.RiskLevel = RiskMedium
		v.Warnings = append(v.Warnings, rule.Message)
	}
	if ac.Kanban.Recommended(from, toState) == nil {
		v.Warnings = append(v.Warnings, fmt.Sprintf("transition %s -> %s is not on a recommended path", from, toState))
		if v.RiskLevel == RiskLow {
			v.RiskLevel = RiskMedium
		}
	}
	return v
}

// estimatedDuration looks up the corpus average stay of a state.
func estimatedDuration(ac *Context, state string) float64 {
	if stats, ok := ac.Durations[state]; ok {
		return stats.AvgHours
	}
	return 0
}
