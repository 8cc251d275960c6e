package agents

import (
	"sync"
	"time"

	"fluxo.evalgo.org/ident"
)

// Outcomes of a recorded suggestion once the transition is confirmed.
const (
	OutcomeAcceptedSuccessful = "accepted_successful"
	OutcomeAcceptedFailed     = "accepted_failed"
	OutcomeRejectedButMatched = "rejected_but_matched"
	OutcomeRejected           = "rejected"
)

// Weight bounds and per-outcome multiplicative deltas.
const (
	MinWeight = 0.3
	MaxWeight = 2.0

	deltaAcceptedSuccessful = 0.05
	deltaAcceptedFailed     = -0.10
	deltaRejectedButMatched = 0.02
	deltaRejected           = -0.02
)

// FeedbackRecord is one suggestion awaiting, or carrying, its outcome.
type FeedbackRecord struct {
	SuggestionID   string    `json:"suggestion_id"`
	ProcessID      string    `json:"process_id"`
	KanbanID       string    `json:"kanban_id"`
	AgentType      string    `json:"agent_type"`
	SuggestedState string    `json:"suggested_state"`
	Confidence     float64   `json:"confidence"`
	Reasoning      string    `json:"reasoning"`
	RecordedAt     time.Time `json:"recorded_at"`

	Resolved    bool   `json:"resolved"`
	WasAccepted bool   `json:"was_accepted,omitempty"`
	ActualState string `json:"actual_state,omitempty"`
	Success     bool   `json:"success,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
}

// AgentStats summarizes one agent over a time window.
type AgentStats struct {
	Agent          string  `json:"agent"`
	Suggestions    int     `json:"suggestions"`
	Resolved       int     `json:"resolved"`
	AcceptanceRate float64 `json:"acceptance_rate"`
	SuccessRate    float64 `json:"success_rate"`
	Accuracy       float64 `json:"accuracy"`
	Weight         float64 `json:"weight"`
}

// FeedbackLoop learns per-agent weights from confirmed transitions. It is
// in-memory state; a restart is a cold start back at weight 1.0, which the
// deliberately small deltas tolerate.
type FeedbackLoop struct {
	mu        sync.Mutex
	records   map[string]*FeedbackRecord
	byProcess map[string][]string
	weights   map[string]float64
	now       func() time.Time
}

// NewFeedbackLoop builds an empty loop with every agent at weight 1.0.
func NewFeedbackLoop() *FeedbackLoop {
	return &FeedbackLoop{
		records:   make(map[string]*FeedbackRecord),
		byProcess: make(map[string][]string),
		weights:   make(map[string]float64),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (f *FeedbackLoop) SetClock(now func() time.Time) { f.now = now }

// RecordSuggestion stores one pending suggestion and returns its id.
func (f *FeedbackLoop) RecordSuggestion(s *Suggestion, processID, kanbanID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := &FeedbackRecord{
		SuggestionID:   ident.New(),
		ProcessID:      processID,
		KanbanID:       kanbanID,
		AgentType:      s.Agent,
		SuggestedState: s.SuggestedState,
		Confidence:     s.Confidence,
		Reasoning:      s.Justification,
		RecordedAt:     f.now(),
	}
	f.records[rec.SuggestionID] = rec
	f.byProcess[processID] = append(f.byProcess[processID], rec.SuggestionID)
	return rec.SuggestionID
}

// Confirm resolves every pending suggestion of the process. accepted says
// whether the user took an agent suggestion at all; success is the
// operational verdict on the resulting transition. Each agent's weight
// moves by its outcome.
func (f *FeedbackLoop) Confirm(processID, actualState string, accepted, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := f.byProcess[processID]
	delete(f.byProcess, processID)
	for _, id := range ids {
		rec := f.records[id]
		if rec == nil || rec.Resolved {
			continue
		}
		matched := rec.SuggestedState == actualState
		rec.Resolved = true
		rec.ActualState = actualState
		rec.WasAccepted = accepted && matched
		rec.Success = success

		var delta float64
		switch {
		case rec.WasAccepted && success:
			rec.Outcome = OutcomeAcceptedSuccessful
			delta = deltaAcceptedSuccessful
		case rec.WasAccepted:
			rec.Outcome = OutcomeAcceptedFailed
			delta = deltaAcceptedFailed
		case matched:
			rec.Outcome = OutcomeRejectedButMatched
			delta = deltaRejectedButMatched
		default:
			rec.Outcome = OutcomeRejected
			delta = deltaRejected
		}
		f.adjust(rec.AgentType, delta)
	}
}

func (f *FeedbackLoop) adjust(agent string, delta float64) {
	w, ok := f.weights[agent]
	if !ok {
		w = 1.0
	}
	w *= 1 + delta
	if w < MinWeight {
		w = MinWeight
	}
	if w > MaxWeight {
		w = MaxWeight
	}
	f.weights[agent] = w
}

// Weight returns the learned weight of one agent, 1.0 when untrained.
func (f *FeedbackLoop) Weight(agent string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.weights[agent]; ok {
		return w
	}
	return 1.0
}

// Record returns one stored record by id.
func (f *FeedbackLoop) Record(suggestionID string) (*FeedbackRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[suggestionID]
	if !ok {
		return nil, false
	}
	clone := *rec
	return &clone, true
}

// Stats summarizes one agent over the window starting at since.
func (f *FeedbackLoop) Stats(agent string, since time.Time) AgentStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := AgentStats{Agent: agent}
	accepted, successful, accurate := 0, 0, 0
	for _, rec := range f.records {
		if rec.AgentType != agent || rec.RecordedAt.Before(since) {
			continue
		}
		stats.Suggestions++
		if !rec.Resolved {
			continue
		}
		stats.Resolved++
		if rec.WasAccepted {
			accepted++
			if rec.Success {
				successful++
			}
		}
		if rec.SuggestedState == rec.ActualState {
			accurate++
		}
	}
	if stats.Resolved > 0 {
		stats.AcceptanceRate = float64(accepted) / float64(stats.Resolved)
		stats.Accuracy = float64(accurate) / float64(stats.Resolved)
	}
	if accepted > 0 {
		stats.SuccessRate = float64(successful) / float64(accepted)
	}
	if w, ok := f.weights[agent]; ok {
		stats.Weight = w
	} else {
		stats.Weight = 1.0
	}
	return stats
}

// BestAgentFor returns the agent with the highest accuracy over resolved
// suggestions on one kanban since the given time, empty when nothing is
// resolved yet.
func (f *FeedbackLoop) BestAgentFor(kanbanID string, since time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	type tally struct{ resolved, accurate int }
	byAgent := make(map[string]*tally)
	for _, rec := range f.records {
		if rec.KanbanID != kanbanID || !rec.Resolved || rec.RecordedAt.Before(since) {
			continue
		}
		t := byAgent[rec.AgentType]
		if t == nil {
			t = &tally{}
			byAgent[rec.AgentType] = t
		}
		t.resolved++
		if rec.SuggestedState == rec.ActualState {
			t.accurate++
		}
	}

	best, bestAccuracy := "", -1.0
	// Priority order breaks ties deterministically.
	for _, agent := range []string{AgentRule, AgentPattern, AgentHeuristic} {
		t, ok := byAgent[agent]
		if !ok {
			continue
		}
		accuracy := float64(t.accurate) / float64(t.resolved)
		if accuracy > bestAccuracy {
			best, bestAccuracy = agent, accuracy
		}
	}
	return best
}
