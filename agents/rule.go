package agents

import (
	"context"
	"fmt"

	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/prereq"
)

// RuleAgent suggests from the declared rules: it evaluates the
// prerequisites of every recommended transition out of the current state
// and prefers the ones that are fully satisfied. A ready auto-transition
// target gets the top confidence.
type RuleAgent struct {
	checker *prereq.Checker
}

// NewRuleAgent builds the rule-driven strategy.
func NewRuleAgent(checker *prereq.Checker) *RuleAgent {
	return &RuleAgent{checker: checker}
}

// Name implements Agent.
func (a *RuleAgent) Name() string { return AgentRule }

// AnalyzeContext implements Agent.
func (a *RuleAgent) AnalyzeContext(ctx context.Context, ac *Context) map[string]any {
	ready := 0
	for _, rule := range ac.Available {
		if prereq.AllSatisfied(a.evaluate(ctx, ac, rule.Prerequisites)) {
			ready++
		}
	}
	return map[string]any{
		"available": len(ac.Available),
		"ready":     ready,
	}
}

func (a *RuleAgent) evaluate(ctx context.Context, ac *Context, prereqs []kanban.Prerequisite) []prereq.Result {
	if len(prereqs) == 0 {
		return nil
	}
	return a.checker.Check(ctx, prereqs, ac.Process, ac.Kanban)
}

// SuggestTransition implements Agent.
func (a *RuleAgent) SuggestTransition(ctx context.Context, ac *Context) (*Suggestion, error) {
	auto := ""
	if ac.State != nil {
		auto = ac.State.AutoTransitionTo
	}

	type candidate struct {
		to        string
		satisfied int
		total     int
	}
	var best *candidate
	for _, rule := range ac.Available {
		results := a.evaluate(ctx, ac, rule.Prerequisites)
		c := candidate{to: rule.To, total: len(results)}
		for _, r := range results {
			if r.Satisfied {
				c.satisfied++
			}
		}
		if c.to == auto && c.satisfied == c.total {
			// Auto target with every gate open: nothing beats it.
			return &Suggestion{
				Agent:             AgentRule,
				SuggestedState:    c.to,
				Confidence:        0.9,
				Justification:     "automatic follow-up state with all prerequisites satisfied",
				EstimatedDuration: estimatedDuration(ac, c.to),
			}, nil
		}
		if best == nil || ratio(c.satisfied, c.total) > ratio(best.satisfied, best.total) {
			clone := c
			best = &clone
		}
	}
	if auto != "" && ac.Kanban.Recommended(ac.Process.CurrentState, auto) == nil {
		// Auto target without a recommended rule: the state's own
		// prerequisites gate it.
		if prereq.AllSatisfied(a.evaluate(ctx, ac, ac.State.Prerequisites)) {
			return &Suggestion{
				Agent:             AgentRule,
				SuggestedState:    auto,
				Confidence:        0.9,
				Justification:     "automatic follow-up state with all prerequisites satisfied",
				EstimatedDuration: estimatedDuration(ac, auto),
			}, nil
		}
	}
	if best == nil {
		return nil, ErrNoSuggestion
	}

	s := &Suggestion{
		Agent:             AgentRule,
		SuggestedState:    best.to,
		EstimatedDuration: estimatedDuration(ac, best.to),
	}
	if best.satisfied == best.total {
		s.Confidence = 0.75
		s.Justification = "all prerequisites of the recommended transition are satisfied"
	} else {
		s.Confidence = 0.3 + 0.3*ratio(best.satisfied, best.total)
		s.Justification = fmt.Sprintf("%d of %d prerequisites satisfied", best.satisfied, best.total)
		s.RiskFactors = append(s.RiskFactors, "unmet_prerequisites")
	}
	return s, nil
}

func ratio(satisfied, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(satisfied) / float64(total)
}

// ValidateTransition implements Agent. Unmet prerequisites surface as
// warnings; they never invalidate, matching the permissive contract.
func (a *RuleAgent) ValidateTransition(ctx context.Context, ac *Context, toState string) *Validation {
	v := baseValidate(ac, toState)
	if !v.Valid {
		return v
	}
	rule := ac.Kanban.Recommended(ac.Process.CurrentState, toState)
	if rule == nil {
		return v
	}
	for _, r := range prereq.Unsatisfied(a.evaluate(ctx, ac, rule.Prerequisites)) {
		v.Warnings = append(v.Warnings, r.Message)
		if v.RiskLevel == RiskLow {
			v.RiskLevel = RiskMedium
		}
	}
	return v
}
