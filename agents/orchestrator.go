package agents

import (
	"context"
	"errors"
	"fmt"
	"math"

	"fluxo.evalgo.org/analysis"
	"fluxo.evalgo.org/common"
	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/prereq"
	"fluxo.evalgo.org/process"
)

// Agreement levels of a consensus.
const (
	AgreementHigh   = "high"
	AgreementMedium = "medium"
	AgreementLow    = "low"
	AgreementNone   = "none"
)

// priorityOrder is the fixed tie-break order across agents.
var priorityOrder = []string{AgentRule, AgentPattern, AgentHeuristic}

// Consensus aggregates the votes of one analyze-all round.
type Consensus struct {
	Votes          map[string]int `json:"votes"`
	TopState       string         `json:"top_state,omitempty"`
	AvgConfidence  float64        `json:"avg_confidence"`
	AgreementLevel string         `json:"agreement_level"`
}

// Analysis is the full outcome of one orchestrated round.
type Analysis struct {
	ProcessID     string                 `json:"process_id"`
	Suggestions   map[string]*Suggestion `json:"suggestions"`
	SuggestionIDs map[string]string      `json:"suggestion_ids"`
	Errors        map[string]string      `json:"errors,omitempty"`
	Consensus     *Consensus             `json:"consensus"`
	Best          *Suggestion            `json:"best,omitempty"`
}

// Orchestrator runs the three agents over one process view and merges
// their output.
type Orchestrator struct {
	repo     *process.Repository
	registry *kanban.Registry
	analyzer *analysis.Analyzer
	feedback *FeedbackLoop
	agents   map[string]Agent
}

// NewOrchestrator wires the standard three agents.
func NewOrchestrator(repo *process.Repository, registry *kanban.Registry, analyzer *analysis.Analyzer, checker *prereq.Checker, feedback *FeedbackLoop) *Orchestrator {
	if feedback == nil {
		feedback = NewFeedbackLoop()
	}
	return &Orchestrator{
		repo:     repo,
		registry: registry,
		analyzer: analyzer,
		feedback: feedback,
		agents: map[string]Agent{
			AgentHeuristic: NewHeuristicAgent(),
			AgentPattern:   NewPatternAgent(analyzer),
			AgentRule:      NewRuleAgent(checker),
		},
	}
}

// Feedback exposes the loop for transition confirmation hooks.
func (o *Orchestrator) Feedback() *FeedbackLoop { return o.feedback }

// Agent returns one strategy by name.
func (o *Orchestrator) Agent(name string) (Agent, bool) {
	a, ok := o.agents[name]
	return a, ok
}

// BuildContext assembles the shared view the agents reason over.
func (o *Orchestrator) BuildContext(ctx context.Context, pid string) (*Context, error) {
	p, err := o.repo.GetByID(ctx, pid)
	if err != nil {
		return nil, err
	}
	def, err := o.registry.Get(p.KanbanID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve kanban %s: %w", p.KanbanID, err)
	}

	history, err := o.repo.History(ctx, pid)
	if err != nil {
		return nil, err
	}
	var sequence []string
	lastChange := p.CreatedAt
	for _, e := range history {
		switch e.Action {
		case process.ActionProcessCreated, process.ActionStateChanged, process.ActionForcedTransition:
			sequence = append(sequence, e.ToState)
			lastChange = e.Timestamp
		}
	}
	if len(sequence) == 0 || sequence[len(sequence)-1] != p.CurrentState {
		sequence = append(sequence, p.CurrentState)
	}

	durations, err := o.analyzer.StateDurations(ctx, p.KanbanID)
	if err != nil {
		common.Logger.WithError(err).Warnf("duration stats unavailable for %s", p.KanbanID)
		durations = nil
	}

	return &Context{
		Process:      p,
		Kanban:       def,
		State:        def.StateByID(p.CurrentState),
		Available:    def.AvailableFrom(p.CurrentState),
		Sequence:     sequence,
		HoursInState: o.repo.Now().Sub(lastChange).Hours(),
		Durations:    durations,
	}, nil
}

// AutoSelect picks the single most appropriate agent for the process:
// rule when the current position carries prerequisites, pattern when the
// process has enough history, heuristic otherwise.
func (o *Orchestrator) AutoSelect(ctx context.Context, pid string) (Agent, *Context, error) {
	ac, err := o.BuildContext(ctx, pid)
	if err != nil {
		return nil, nil, err
	}

	hasPrereqs := ac.State != nil && len(ac.State.Prerequisites) > 0
	for _, rule := range ac.Available {
		if len(rule.Prerequisites) > 0 {
			hasPrereqs = true
		}
	}
	switch {
	case hasPrereqs:
		return o.agents[AgentRule], ac, nil
	case len(ac.Sequence) >= 4: // three historical transitions
		return o.agents[AgentPattern], ac, nil
	default:
		return o.agents[AgentHeuristic], ac, nil
	}
}

// AnalyzeAll runs every agent, reweights confidences by the feedback
// loop's learned weights and records one pending feedback suggestion per
// successful agent.
func (o *Orchestrator) AnalyzeAll(ctx context.Context, pid string) (*Analysis, error) {
	ac, err := o.BuildContext(ctx, pid)
	if err != nil {
		return nil, err
	}

	out := &Analysis{
		ProcessID:     pid,
		Suggestions:   make(map[string]*Suggestion),
		SuggestionIDs: make(map[string]string),
		Errors:        make(map[string]string),
	}
	for name, agent := range o.agents {
		s, err := agent.SuggestTransition(ctx, ac)
		if err != nil {
			if !errors.Is(err, ErrNoSuggestion) {
				out.Errors[name] = err.Error()
			}
			continue
		}
		s.Confidence = math.Min(1, s.Confidence*o.feedback.Weight(name))
		out.Suggestions[name] = s
		out.SuggestionIDs[name] = o.feedback.RecordSuggestion(s, pid, ac.Process.KanbanID)
	}
	out.Consensus = BuildConsensus(out.Suggestions)
	out.Best = bestOf(out.Suggestions, out.Consensus)
	return out, nil
}

// BuildConsensus counts votes per suggested state and derives the
// agreement level from the winning share.
func BuildConsensus(suggestions map[string]*Suggestion) *Consensus {
	c := &Consensus{Votes: make(map[string]int), AgreementLevel: AgreementNone}
	if len(suggestions) == 0 {
		return c
	}

	sum := 0.0
	for _, s := range suggestions {
		c.Votes[s.SuggestedState]++
		sum += s.Confidence
	}
	c.AvgConfidence = sum / float64(len(suggestions))

	top, topVotes := "", 0
	for state, votes := range c.Votes {
		if votes > topVotes || (votes == topVotes && state < top) {
			top, topVotes = state, votes
		}
	}
	c.TopState = top

	share := float64(topVotes) / float64(len(suggestions))
	switch {
	case share >= 0.8:
		c.AgreementLevel = AgreementHigh
	case share >= 0.5:
		c.AgreementLevel = AgreementMedium
	default:
		c.AgreementLevel = AgreementLow
	}
	return c
}

// bestOf picks the winning suggestion: under high agreement, the most
// confident vote for the consensus state; otherwise the most confident
// suggestion overall, priority order breaking ties.
func bestOf(suggestions map[string]*Suggestion, consensus *Consensus) *Suggestion {
	var best *Suggestion
	for _, name := range priorityOrder {
		s, ok := suggestions[name]
		if !ok {
			continue
		}
		if consensus.AgreementLevel == AgreementHigh && s.SuggestedState != consensus.TopState {
			continue
		}
		if best == nil || s.Confidence > best.Confidence {
			best = s
		}
	}
	return best
}

// BestSuggestion runs a full round and returns only the winner.
func (o *Orchestrator) BestSuggestion(ctx context.Context, pid string) (*Suggestion, error) {
	round, err := o.AnalyzeAll(ctx, pid)
	if err != nil {
		return nil, err
	}
	if round.Best == nil {
		return nil, ErrNoSuggestion
	}
	return round.Best, nil
}

// Suggest runs one named or auto-selected agent.
func (o *Orchestrator) Suggest(ctx context.Context, pid, agentName string) (*Suggestion, error) {
	var (
		agent Agent
		ac    *Context
		err   error
	)
	if agentName == "" || agentName == "auto" {
		agent, ac, err = o.AutoSelect(ctx, pid)
	} else {
		var ok bool
		agent, ok = o.agents[agentName]
		if !ok {
			return nil, fmt.Errorf("unknown agent %q", agentName)
		}
		ac, err = o.BuildContext(ctx, pid)
	}
	if err != nil {
		return nil, err
	}
	s, err := agent.SuggestTransition(ctx, ac)
	if err != nil {
		return nil, err
	}
	o.feedback.RecordSuggestion(s, pid, ac.Process.KanbanID)
	return s, nil
}

// Validate asks one agent (rule by default) to judge a concrete target.
func (o *Orchestrator) Validate(ctx context.Context, pid, toState, agentName string) (*Validation, error) {
	if agentName == "" {
		agentName = AgentRule
	}
	agent, ok := o.agents[agentName]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentName)
	}
	ac, err := o.BuildContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	return agent.ValidateTransition(ctx, ac, toState), nil
}
