package agents

import (
	"context"
	"fmt"
	"strings"

	"fluxo.evalgo.org/analysis"
)

// patternMinSupport is the floor passed to the miner; the best match is
// picked from whatever clears it.
const patternMinSupport = 0.05

// PatternAgent suggests the continuation of the frequent pattern that best
// matches the process's path so far. Confidence is the pattern's support.
type PatternAgent struct {
	analyzer *analysis.Analyzer
}

// NewPatternAgent builds the historical strategy.
func NewPatternAgent(analyzer *analysis.Analyzer) *PatternAgent {
	return &PatternAgent{analyzer: analyzer}
}

// Name implements Agent.
func (a *PatternAgent) Name() string { return AgentPattern }

// AnalyzeContext implements Agent.
func (a *PatternAgent) AnalyzeContext(ctx context.Context, ac *Context) map[string]any {
	patterns, err := a.analyzer.FrequentPatterns(ctx, ac.Process.KanbanID, patternMinSupport)
	out := map[string]any{"sequence": ac.Sequence}
	if err == nil {
		out["patterns_known"] = len(patterns)
	}
	return out
}

// SuggestTransition implements Agent. The best match is the pattern whose
// body overlaps the longest suffix of the process sequence and still has a
// next state; ties go to the higher support.
func (a *PatternAgent) SuggestTransition(ctx context.Context, ac *Context) (*Suggestion, error) {
	if len(ac.Sequence) == 0 {
		return nil, ErrNoSuggestion
	}
	patterns, err := a.analyzer.FrequentPatterns(ctx, ac.Process.KanbanID, patternMinSupport)
	if err != nil {
		return nil, fmt.Errorf("failed to mine patterns: %w", err)
	}

	var best *analysis.Pattern
	bestOverlap := 0
	for i := range patterns {
		p := &patterns[i]
		overlap, next := matchSuffix(ac.Sequence, p.States)
		if next == "" {
			continue
		}
		if overlap > bestOverlap || (overlap == bestOverlap && best != nil && p.Support > best.Support) {
			best = p
			bestOverlap = overlap
		}
	}
	if best == nil {
		return nil, ErrNoSuggestion
	}

	next := best.States[bestOverlap]
	return &Suggestion{
		Agent:             AgentPattern,
		SuggestedState:    next,
		Confidence:        best.Support,
		Justification:     fmt.Sprintf("%d similar processes followed %s", best.Count, strings.Join(best.States, " -> ")),
		EstimatedDuration: estimatedDuration(ac, next),
	}, nil
}

// matchSuffix finds how many leading states of pattern coincide with a
// suffix of sequence, returning the overlap length and the state the
// pattern continues with ("" when the pattern has no continuation).
func matchSuffix(sequence, pattern []string) (int, string) {
	max := len(pattern) - 1
	if max > len(sequence) {
		max = len(sequence)
	}
	for overlap := max; overlap >= 1; overlap-- {
		tail := sequence[len(sequence)-overlap:]
		match := true
		for i := range tail {
			if tail[i] != pattern[i] {
				match = false
				break
			}
		}
		if match {
			return overlap, pattern[overlap]
		}
	}
	return 0, ""
}

// ValidateTransition implements Agent. A target off every known pattern is
// flagged, not rejected.
func (a *PatternAgent) ValidateTransition(ctx context.Context, ac *Context, toState string) *Validation {
	v := baseValidate(ac, toState)
	if !v.Valid {
		return v
	}
	patterns, err := a.analyzer.FrequentPatterns(ctx, ac.Process.KanbanID, patternMinSupport)
	if err != nil {
		return v
	}
	from := ac.Process.CurrentState
	for _, p := range patterns {
		for i := 0; i+1 < len(p.States); i++ {
			if p.States[i] == from && p.States[i+1] == toState {
				return v
			}
		}
	}
	if len(patterns) > 0 {
		v.Warnings = append(v.Warnings, fmt.Sprintf("no historical process went %s -> %s", from, toState))
		if v.RiskLevel == RiskLow {
			v.RiskLevel = RiskMedium
		}
	}
	return v
}
