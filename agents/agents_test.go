package agents

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxo.evalgo.org/analysis"
	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/prereq"
	"fluxo.evalgo.org/process"
	"fluxo.evalgo.org/storage"
)

func pedidosKanban() *kanban.Kanban {
	return &kanban.Kanban{
		ID:   "pedidos",
		Name: "Pedidos",
		States: []kanban.State{
			{ID: "novo", Name: "Novo", Type: kanban.StateTypeInitial},
			{ID: "em_analise", Name: "Em análise"},
			{ID: "aprovado", Name: "Aprovado", Type: kanban.StateTypeFinal},
		},
		RecommendedTransitions: []kanban.TransitionRule{
			{From: "novo", To: "em_analise", Prerequisites: []kanban.Prerequisite{
				{Type: kanban.PrereqFieldCheck, Field: "valor", Operator: "not_empty"},
			}},
			{From: "em_analise", To: "aprovado"},
		},
		BlockedTransitions: []kanban.BlockedTransition{
			{From: "aprovado", To: "novo", Reason: "approved orders cannot be reopened"},
		},
	}
}

func simplesKanban() *kanban.Kanban {
	return &kanban.Kanban{
		ID:   "simples",
		Name: "Simples",
		States: []kanban.State{
			{ID: "a", Name: "A", Type: kanban.StateTypeInitial},
			{ID: "b", Name: "B"},
			{ID: "c", Name: "C"},
			{ID: "d", Name: "D", Type: kanban.StateTypeFinal},
		},
		RecommendedTransitions: []kanban.TransitionRule{
			{From: "a", To: "b"},
			{From: "b", To: "c"},
			{From: "c", To: "d"},
		},
	}
}

type fixture struct {
	repo         *process.Repository
	registry     *kanban.Registry
	orchestrator *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	driver, err := storage.NewFlatFileDriver(t.TempDir())
	require.NoError(t, err)
	repo, err := process.NewRepository(context.Background(), driver)
	require.NoError(t, err)

	registry := kanban.NewRegistry(t.TempDir())
	require.NoError(t, registry.Register(pedidosKanban(), false))
	require.NoError(t, registry.Register(simplesKanban(), false))

	analyzer := analysis.NewAnalyzer(repo)
	checker := prereq.NewChecker(repo, nil)
	orch := NewOrchestrator(repo, registry, analyzer, checker, NewFeedbackLoop())
	return &fixture{repo: repo, registry: registry, orchestrator: orch}
}

func (f *fixture) createProcess(t *testing.T, pid, kanbanID, state string, fields map[string]any) {
	t.Helper()
	p := &process.Process{ProcessID: pid, KanbanID: kanbanID, CurrentState: state, FieldValues: fields}
	require.NoError(t, f.repo.CreateProcess(context.Background(), p, "test"))
}

func (f *fixture) walk(t *testing.T, pid string, states ...string) {
	t.Helper()
	for _, s := range states {
		require.NoError(t, f.repo.UpdateState(context.Background(), pid, s, process.TransitionLog{
			Type: process.TypeManual, User: "test",
		}))
	}
}

func TestHeuristicStaysOnIncompleteFields(t *testing.T) {
	f := newFixture(t)
	f.createProcess(t, "p1", "pedidos", "novo", map[string]any{"valor": "", "cliente": "", "obs": "x"})

	ac, err := f.orchestrator.BuildContext(context.Background(), "p1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, ac.Completeness(), 1e-9)

	s, err := NewHeuristicAgent().SuggestTransition(context.Background(), ac)
	require.NoError(t, err)
	assert.Equal(t, "novo", s.SuggestedState)
	assert.Contains(t, s.RiskFactors, "incomplete_fields")
}

func TestHeuristicSingleRecommendedPath(t *testing.T) {
	f := newFixture(t)
	f.createProcess(t, "p1", "pedidos", "novo", map[string]any{"valor": 100})

	ac, err := f.orchestrator.BuildContext(context.Background(), "p1")
	require.NoError(t, err)
	s, err := NewHeuristicAgent().SuggestTransition(context.Background(), ac)
	require.NoError(t, err)
	assert.Equal(t, "em_analise", s.SuggestedState)
	assert.InDelta(t, 0.8, s.Confidence, 0.01)
}

func TestHeuristicNoPathsAbstains(t *testing.T) {
	f := newFixture(t)
	f.createProcess(t, "p1", "pedidos", "aprovado", map[string]any{"valor": 100})

	ac, err := f.orchestrator.BuildContext(context.Background(), "p1")
	require.NoError(t, err)
	_, err = NewHeuristicAgent().SuggestTransition(context.Background(), ac)
	assert.ErrorIs(t, err, ErrNoSuggestion)
}

func TestRuleAgentPrefersSatisfiedTransition(t *testing.T) {
	f := newFixture(t)
	f.createProcess(t, "ready", "pedidos", "novo", map[string]any{"valor": 250})
	f.createProcess(t, "empty", "pedidos", "novo", map[string]any{"valor": ""})

	agent, ok := f.orchestrator.Agent(AgentRule)
	require.True(t, ok)

	ac, err := f.orchestrator.BuildContext(context.Background(), "ready")
	require.NoError(t, err)
	s, err := agent.SuggestTransition(context.Background(), ac)
	require.NoError(t, err)
	assert.Equal(t, "em_analise", s.SuggestedState)
	assert.InDelta(t, 0.75, s.Confidence, 1e-9)

	ac, err = f.orchestrator.BuildContext(context.Background(), "empty")
	require.NoError(t, err)
	s, err = agent.SuggestTransition(context.Background(), ac)
	require.NoError(t, err)
	assert.Contains(t, s.RiskFactors, "unmet_prerequisites")
	assert.Less(t, s.Confidence, 0.75)
}

func TestRuleAgentAutoTransitionReady(t *testing.T) {
	f := newFixture(t)
	def := pedidosKanban()
	def.ID = "pedidos_auto"
	def.States[0].AutoTransitionTo = "em_analise"
	for i := range def.RecommendedTransitions {
		def.RecommendedTransitions[i].Prerequisites = nil
	}
	require.NoError(t, f.registry.Register(def, false))
	f.createProcess(t, "p1", "pedidos_auto", "novo", map[string]any{"valor": 10})

	agent, _ := f.orchestrator.Agent(AgentRule)
	ac, err := f.orchestrator.BuildContext(context.Background(), "p1")
	require.NoError(t, err)
	s, err := agent.SuggestTransition(context.Background(), ac)
	require.NoError(t, err)
	assert.Equal(t, "em_analise", s.SuggestedState)
	assert.InDelta(t, 0.9, s.Confidence, 1e-9)
}

func TestPatternAgentFollowsHistory(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		pid := fmt.Sprintf("h%d", i)
		f.createProcess(t, pid, "simples", "a", nil)
		f.walk(t, pid, "b", "c", "d")
	}
	f.createProcess(t, "fresh", "simples", "a", nil)
	f.walk(t, "fresh", "b")

	agent, _ := f.orchestrator.Agent(AgentPattern)
	ac, err := f.orchestrator.BuildContext(context.Background(), "fresh")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ac.Sequence)

	s, err := agent.SuggestTransition(context.Background(), ac)
	require.NoError(t, err)
	assert.Equal(t, "c", s.SuggestedState)
	assert.Greater(t, s.Confidence, 0.5)
}

func TestPatternAgentAbstainsWithoutHistory(t *testing.T) {
	f := newFixture(t)
	f.createProcess(t, "p1", "simples", "a", nil)

	agent, _ := f.orchestrator.Agent(AgentPattern)
	ac, err := f.orchestrator.BuildContext(context.Background(), "p1")
	require.NoError(t, err)
	_, err = agent.SuggestTransition(context.Background(), ac)
	assert.ErrorIs(t, err, ErrNoSuggestion)
}

func TestAutoSelect(t *testing.T) {
	f := newFixture(t)

	// Prerequisites on the outgoing transition select the rule agent.
	f.createProcess(t, "rules", "pedidos", "novo", map[string]any{"valor": 1})
	agent, _, err := f.orchestrator.AutoSelect(context.Background(), "rules")
	require.NoError(t, err)
	assert.Equal(t, AgentRule, agent.Name())

	// Three historical transitions select the pattern agent.
	f.createProcess(t, "seasoned", "simples", "a", nil)
	f.walk(t, "seasoned", "b", "c", "d")
	agent, _, err = f.orchestrator.AutoSelect(context.Background(), "seasoned")
	require.NoError(t, err)
	assert.Equal(t, AgentPattern, agent.Name())

	// A fresh process without rules falls back to the heuristic agent.
	f.createProcess(t, "fresh", "simples", "a", nil)
	agent, _, err = f.orchestrator.AutoSelect(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, AgentHeuristic, agent.Name())
}

func TestConsensusHighAgreementPicksRuleByPriority(t *testing.T) {
	suggestions := map[string]*Suggestion{
		AgentRule:      {Agent: AgentRule, SuggestedState: "em_analise", Confidence: 0.9},
		AgentPattern:   {Agent: AgentPattern, SuggestedState: "em_analise", Confidence: 0.85},
		AgentHeuristic: {Agent: AgentHeuristic, SuggestedState: "em_analise", Confidence: 0.8},
	}
	consensus := BuildConsensus(suggestions)
	assert.Equal(t, AgreementHigh, consensus.AgreementLevel)
	assert.Equal(t, "em_analise", consensus.TopState)
	assert.InDelta(t, 0.85, consensus.AvgConfidence, 1e-9)

	best := bestOf(suggestions, consensus)
	require.NotNil(t, best)
	assert.Equal(t, AgentRule, best.Agent)
	assert.Equal(t, "em_analise", best.SuggestedState)
}

func TestConsensusDisagreement(t *testing.T) {
	suggestions := map[string]*Suggestion{
		AgentRule:      {Agent: AgentRule, SuggestedState: "aprovado", Confidence: 0.6},
		AgentPattern:   {Agent: AgentPattern, SuggestedState: "em_analise", Confidence: 0.7},
		AgentHeuristic: {Agent: AgentHeuristic, SuggestedState: "cancelado", Confidence: 0.5},
	}
	consensus := BuildConsensus(suggestions)
	assert.Equal(t, AgreementLow, consensus.AgreementLevel)

	best := bestOf(suggestions, consensus)
	require.NotNil(t, best)
	assert.Equal(t, AgentPattern, best.Agent)
}

func TestConsensusEmpty(t *testing.T) {
	consensus := BuildConsensus(nil)
	assert.Equal(t, AgreementNone, consensus.AgreementLevel)
	assert.Nil(t, bestOf(nil, consensus))
}

func TestAnalyzeAllRecordsFeedback(t *testing.T) {
	f := newFixture(t)
	f.createProcess(t, "p1", "pedidos", "novo", map[string]any{"valor": 42})

	round, err := f.orchestrator.AnalyzeAll(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, round.Errors)
	require.NotEmpty(t, round.Suggestions)
	require.NotNil(t, round.Best)

	for agent, id := range round.SuggestionIDs {
		rec, ok := f.orchestrator.Feedback().Record(id)
		require.True(t, ok)
		assert.Equal(t, agent, rec.AgentType)
		assert.Equal(t, "p1", rec.ProcessID)
		assert.False(t, rec.Resolved)
	}
}

func TestValidateBlockedTransition(t *testing.T) {
	f := newFixture(t)
	f.createProcess(t, "p1", "pedidos", "aprovado", nil)

	v, err := f.orchestrator.Validate(context.Background(), "p1", "novo", "")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, RiskHigh, v.RiskLevel)
	require.NotEmpty(t, v.Errors)
}

func TestFeedbackOutcomes(t *testing.T) {
	loop := NewFeedbackLoop()

	id1 := loop.RecordSuggestion(&Suggestion{Agent: AgentRule, SuggestedState: "b", Confidence: 0.9}, "p1", "k")
	loop.Confirm("p1", "b", true, true)
	rec, _ := loop.Record(id1)
	assert.Equal(t, OutcomeAcceptedSuccessful, rec.Outcome)
	assert.Greater(t, loop.Weight(AgentRule), 1.0)

	id2 := loop.RecordSuggestion(&Suggestion{Agent: AgentPattern, SuggestedState: "b", Confidence: 0.5}, "p2", "k")
	loop.Confirm("p2", "b", false, true)
	rec, _ = loop.Record(id2)
	assert.Equal(t, OutcomeRejectedButMatched, rec.Outcome)

	id3 := loop.RecordSuggestion(&Suggestion{Agent: AgentHeuristic, SuggestedState: "b", Confidence: 0.5}, "p3", "k")
	loop.Confirm("p3", "c", false, true)
	rec, _ = loop.Record(id3)
	assert.Equal(t, OutcomeRejected, rec.Outcome)
	assert.Less(t, loop.Weight(AgentHeuristic), 1.0)

	id4 := loop.RecordSuggestion(&Suggestion{Agent: AgentRule, SuggestedState: "b", Confidence: 0.9}, "p4", "k")
	loop.Confirm("p4", "b", true, false)
	rec, _ = loop.Record(id4)
	assert.Equal(t, OutcomeAcceptedFailed, rec.Outcome)
}

func TestFeedbackWeightBounds(t *testing.T) {
	loop := NewFeedbackLoop()

	for i := 0; i < 100; i++ {
		pid := fmt.Sprintf("up%d", i)
		loop.RecordSuggestion(&Suggestion{Agent: AgentRule, SuggestedState: "b"}, pid, "k")
		loop.Confirm(pid, "b", true, true)
	}
	assert.InDelta(t, MaxWeight, loop.Weight(AgentRule), 1e-9)

	for i := 0; i < 100; i++ {
		pid := fmt.Sprintf("down%d", i)
		loop.RecordSuggestion(&Suggestion{Agent: AgentPattern, SuggestedState: "b"}, pid, "k")
		loop.Confirm(pid, "b", true, false)
	}
	assert.InDelta(t, MinWeight, loop.Weight(AgentPattern), 1e-9)
}

func TestFeedbackStatsAndBestAgent(t *testing.T) {
	loop := NewFeedbackLoop()
	since := time.Now().UTC().Add(-time.Hour)

	// Rule: two accurate out of two. Heuristic: one of two.
	loop.RecordSuggestion(&Suggestion{Agent: AgentRule, SuggestedState: "b"}, "p1", "k")
	loop.RecordSuggestion(&Suggestion{Agent: AgentHeuristic, SuggestedState: "b"}, "p1", "k")
	loop.Confirm("p1", "b", true, true)

	loop.RecordSuggestion(&Suggestion{Agent: AgentRule, SuggestedState: "c"}, "p2", "k")
	loop.RecordSuggestion(&Suggestion{Agent: AgentHeuristic, SuggestedState: "b"}, "p2", "k")
	loop.Confirm("p2", "c", true, true)

	stats := loop.Stats(AgentRule, since)
	assert.Equal(t, 2, stats.Resolved)
	assert.InDelta(t, 1.0, stats.Accuracy, 1e-9)
	assert.InDelta(t, 1.0, stats.AcceptanceRate, 1e-9)

	stats = loop.Stats(AgentHeuristic, since)
	assert.InDelta(t, 0.5, stats.Accuracy, 1e-9)

	assert.Equal(t, AgentRule, loop.BestAgentFor("k", since))
	assert.Equal(t, "", loop.BestAgentFor("other", since))
}
