// Package engine is the single decision gate for state changes. It applies
// the warn-not-block contract: blocked transitions are refused with a
// reason, warned transitions pass with a warning (and optionally a required
// justification), everything else passes. Prerequisites inform the caller
// through warnings; they never prevent execution.
package engine

import (
	"context"
	"errors"
	"fmt"

	"fluxo.evalgo.org/common"
	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/prereq"
	"fluxo.evalgo.org/process"
)

// DefaultMaxDepth bounds one cascade of automatic transitions.
const DefaultMaxDepth = 10

// AutoUser is the audit actor of engine-initiated transitions.
const AutoUser = "auto_transition_engine"

// Engine errors.
var (
	ErrUnknownState          = errors.New("engine: target state not declared")
	ErrJustificationRequired = errors.New("engine: justification required")
)

// BlockedError is the policy rejection: the only case in which a transition
// refuses execution.
type BlockedError struct {
	From   string
	To     string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("engine: transition %s -> %s blocked: %s", e.From, e.To, e.Reason)
}

// Result reports one executed transition.
type Result struct {
	Process          *process.Process `json:"process"`
	FromState        string           `json:"from_state"`
	ToState          string           `json:"to_state"`
	Warnings         []string         `json:"warnings,omitempty"`
	PrerequisitesMet bool             `json:"prerequisites_met"`
	WasAnomaly       bool             `json:"was_anomaly,omitempty"`
	DurationHours    float64          `json:"duration_in_previous_state"`
}

// AutoTransition is the outcome of the auto-check: the next automatic hop
// and why it fires.
type AutoTransition struct {
	Reason string `json:"reason"` // "timeout" or "auto_transition"
	To     string `json:"to"`
}

// SweepResult summarizes one batch run over the process table.
type SweepResult struct {
	ProcessesChecked    int      `json:"processes_checked"`
	TransitionsExecuted int      `json:"transitions_executed"`
	CascadesExecuted    int      `json:"cascades_executed"`
	Errors              []string `json:"errors,omitempty"`
}

// EventSink receives one workflow event after its audit entry has landed.
// The engine calls it synchronously; sinks that deliver externally should
// hand off to a queue.
type EventSink func(eventType string, def *kanban.Kanban, p *process.Process)

// Engine coordinates registry, repository and prerequisite checker.
type Engine struct {
	registry *kanban.Registry
	repo     *process.Repository
	checker  *prereq.Checker
	maxDepth int
	events   EventSink
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxDepth overrides the cascade bound.
func WithMaxDepth(depth int) Option {
	return func(e *Engine) {
		if depth > 0 {
			e.maxDepth = depth
		}
	}
}

// WithEventSink registers the hook invoked after every executed
// transition (and by the sweeper for SLA warnings).
func WithEventSink(fn EventSink) Option {
	return func(e *Engine) { e.events = fn }
}

// New wires an engine.
func New(registry *kanban.Registry, repo *process.Repository, checker *prereq.Checker, opts ...Option) *Engine {
	e := &Engine{registry: registry, repo: repo, checker: checker, maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs one requested transition. actorType is one of manual,
// system or agent. A blocked transition fails with *BlockedError and leaves
// no trace; a warned transition demanding a justification fails without one.
func (e *Engine) Execute(ctx context.Context, pid, toState, actorType, user, justification string) (*Result, error) {
	return e.execute(ctx, pid, toState, actorType, user, justification, false)
}

// Force performs a manual transition despite unmet prerequisites. The
// justification is mandatory and the audit entry is marked forced. Blocked
// transitions still refuse.
func (e *Engine) Force(ctx context.Context, pid, toState, user, justification string) (*Result, error) {
	if justification == "" {
		return nil, fmt.Errorf("%w: forced transition to %s", ErrJustificationRequired, toState)
	}
	return e.execute(ctx, pid, toState, process.TypeManual, user, justification, true)
}

func (e *Engine) execute(ctx context.Context, pid, toState, actorType, user, justification string, forced bool) (*Result, error) {
	p, err := e.repo.GetByID(ctx, pid)
	if err != nil {
		return nil, err
	}
	def, err := e.registry.Get(p.KanbanID)
	if err != nil {
		return nil, err
	}
	if !def.HasState(toState) {
		return nil, fmt.Errorf("%w: %s in kanban %s", ErrUnknownState, toState, def.ID)
	}
	from := p.CurrentState

	if blocked, reason := def.IsBlocked(from, toState); blocked {
		return nil, &BlockedError{From: from, To: toState, Reason: reason}
	}

	var warnings []string
	if warned, rule := def.IsWarned(from, toState); warned {
		warnings = append(warnings, rule.Message)
		if rule.RequireJustification && justification == "" && !forced {
			return nil, fmt.Errorf("%w: warned transition %s -> %s", ErrJustificationRequired, from, toState)
		}
	}

	prereqsMet := true
	if rec := def.Recommended(from, toState); rec != nil && len(rec.Prerequisites) > 0 {
		results := e.checker.Check(ctx, rec.Prerequisites, p, def)
		for _, r := range prereq.Unsatisfied(results) {
			prereqsMet = false
			warnings = append(warnings, r.Message)
		}
	}

	duration := e.hoursInState(ctx, p)

	var metadata map[string]any
	if forced || !prereqsMet {
		metadata = map[string]any{}
		if forced {
			metadata["forced"] = true
		}
		if !prereqsMet {
			metadata["was_anomaly"] = true
		}
	}

	action := process.ActionStateChanged
	if forced {
		action = process.ActionForcedTransition
	}
	met := prereqsMet
	err = e.repo.UpdateState(ctx, pid, toState, process.TransitionLog{
		Action:           action,
		Type:             actorType,
		User:             user,
		Justification:    justification,
		DurationHours:    duration,
		PrerequisitesMet: &met,
		Metadata:         metadata,
	})
	if err != nil {
		return nil, err
	}

	updated, err := e.repo.GetByID(ctx, pid)
	if err != nil {
		return nil, err
	}
	e.emit(process.ActionStateChanged, def, updated)
	return &Result{
		Process:          updated,
		FromState:        from,
		ToState:          toState,
		Warnings:         warnings,
		PrerequisitesMet: prereqsMet,
		WasAnomaly:       !prereqsMet,
		DurationHours:    duration,
	}, nil
}

func (e *Engine) emit(eventType string, def *kanban.Kanban, p *process.Process) {
	if e.events != nil {
		e.events(eventType, def, p)
	}
}

// hoursInState measures the time since the last state change, or since
// creation when the process never moved.
func (e *Engine) hoursInState(ctx context.Context, p *process.Process) float64 {
	reference := p.CreatedAt
	history, err := e.repo.History(ctx, p.ProcessID)
	if err != nil {
		common.Logger.WithError(err).Warnf("duration falling back to created_at for %s", p.ProcessID)
	} else {
		for i := len(history) - 1; i >= 0; i-- {
			a := history[i].Action
			if a == process.ActionStateChanged || a == process.ActionForcedTransition {
				reference = history[i].Timestamp
				break
			}
		}
	}
	hours := e.repo.Now().Sub(reference).Hours()
	if hours < 0 {
		return 0
	}
	return hours
}

// AutoCheck computes the first applicable automatic transition for a
// process: timeout beats prerequisite-driven auto, nil means stay.
func (e *Engine) AutoCheck(ctx context.Context, p *process.Process, def *kanban.Kanban) *AutoTransition {
	state := def.StateByID(p.CurrentState)
	if state == nil || state.AutoTransitionTo == "" {
		return nil
	}

	// Timeout wins over the prerequisite-driven hop. A configured zero
	// fires immediately.
	if state.TimeoutHours != nil && e.hoursInState(ctx, p) >= *state.TimeoutHours {
		return &AutoTransition{Reason: "timeout", To: state.AutoTransitionTo}
	}

	var prereqs []kanban.Prerequisite
	if rec := def.Recommended(p.CurrentState, state.AutoTransitionTo); rec != nil {
		prereqs = rec.Prerequisites
	}
	if len(prereqs) == 0 {
		prereqs = state.Prerequisites
	}
	if len(prereqs) == 0 {
		if state.TimeoutHours != nil {
			// Pure timeout state, not yet elapsed.
			return nil
		}
		return &AutoTransition{Reason: "auto_transition", To: state.AutoTransitionTo}
	}
	if prereq.AllSatisfied(e.checker.Check(ctx, prereqs, p, def)) {
		return &AutoTransition{Reason: "auto_transition", To: state.AutoTransitionTo}
	}
	return nil
}

// Cascade repeatedly applies the auto-check, executing each hop as a system
// transition, until nothing fires, the depth bound is reached or a hop
// fails. Returns the number of transitions executed.
func (e *Engine) Cascade(ctx context.Context, pid string) (int, error) {
	executed := 0
	for executed < e.maxDepth {
		p, err := e.repo.GetByID(ctx, pid)
		if err != nil {
			return executed, err
		}
		def, err := e.registry.Get(p.KanbanID)
		if err != nil {
			return executed, err
		}

		auto := e.AutoCheck(ctx, p, def)
		if auto == nil {
			return executed, nil
		}
		if _, err := e.Execute(ctx, pid, auto.To, process.TypeSystem, AutoUser, ""); err != nil {
			return executed, err
		}
		executed++
	}
	common.Logger.Warnf("cascade depth limit reached for process %s", pid)
	return executed, nil
}

// ProcessAll sweeps the candidate processes, cascading each. An empty
// kanbanID sweeps everything. Per-process failures are collected, not
// fatal.
func (e *Engine) ProcessAll(ctx context.Context, kanbanID string) (*SweepResult, error) {
	var procs []*process.Process
	var err error
	if kanbanID == "" {
		procs, err = e.repo.All(ctx)
	} else {
		procs, err = e.repo.ByKanban(ctx, kanbanID)
	}
	if err != nil {
		return nil, err
	}

	result := &SweepResult{}
	for _, p := range procs {
		result.ProcessesChecked++
		executed, err := e.Cascade(ctx, p.ProcessID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", p.ProcessID, err))
		}
		if executed > 0 {
			result.TransitionsExecuted += executed
			result.CascadesExecuted++
		}
	}
	return result, nil
}
