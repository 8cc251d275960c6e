// Package analysis contains the read-only analytics over the audit log:
// pattern mining (frequent sequences, transition matrix, duration
// statistics, similarity) and anomaly detection (stuck processes, duration
// outliers, loops, rare edges). Everything here is a pure projection; no
// function writes state.
package analysis

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"fluxo.evalgo.org/process"
)

// Pattern length bounds for frequent-sequence mining.
const (
	minPatternLen = 2
	maxPatternLen = 5
)

// Step is one visited state with its entry time.
type Step struct {
	State     string    `json:"state"`
	EnteredAt time.Time `json:"entered_at"`
}

// Sequence is the chronological state path of one process.
type Sequence struct {
	ProcessID string `json:"process_id"`
	Steps     []Step `json:"steps"`
}

// States projects the step states.
func (s Sequence) States() []string {
	out := make([]string, len(s.Steps))
	for i, st := range s.Steps {
		out[i] = st.State
	}
	return out
}

// Pattern is one frequent contiguous subsequence across the corpus.
type Pattern struct {
	States           []string `json:"states"`
	Count            int      `json:"count"`
	Support          float64  `json:"support"`
	Confidence       float64  `json:"confidence"`
	AvgDurationHours float64  `json:"avg_duration_hours"`
}

// DurationStats summarizes the in-state intervals of one state.
type DurationStats struct {
	AvgHours    float64 `json:"avg_hours"`
	MinHours    float64 `json:"min_hours"`
	MaxHours    float64 `json:"max_hours"`
	StdDevHours float64 `json:"std_dev_hours"`
	SampleCount int     `json:"sample_count"`
}

// Similarity scores one process against a reference.
type Similarity struct {
	ProcessID string  `json:"process_id"`
	Score     float64 `json:"score"`
}

// Analyzer mines the audit log of one repository.
type Analyzer struct {
	repo *process.Repository
}

// NewAnalyzer wires an analyzer to a repository.
func NewAnalyzer(repo *process.Repository) *Analyzer {
	return &Analyzer{repo: repo}
}

// SequencesOf reconstructs every process's state path from the audit log,
// appending the live current state when the log ends elsewhere.
func (a *Analyzer) SequencesOf(ctx context.Context, kanbanID string) ([]Sequence, error) {
	entries, err := a.repo.AuditByKanban(ctx, kanbanID)
	if err != nil {
		return nil, err
	}

	byProcess := make(map[string][]Step)
	var order []string
	for _, e := range entries {
		switch e.Action {
		case process.ActionProcessCreated, process.ActionStateChanged, process.ActionForcedTransition:
		default:
			continue
		}
		if _, seen := byProcess[e.ProcessID]; !seen {
			order = append(order, e.ProcessID)
		}
		byProcess[e.ProcessID] = append(byProcess[e.ProcessID], Step{State: e.ToState, EnteredAt: e.Timestamp})
	}

	live, err := a.repo.ByKanban(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	current := make(map[string]*process.Process, len(live))
	for _, p := range live {
		current[p.ProcessID] = p
	}

	sequences := make([]Sequence, 0, len(order))
	for _, pid := range order {
		steps := byProcess[pid]
		if p, ok := current[pid]; ok {
			if len(steps) == 0 || steps[len(steps)-1].State != p.CurrentState {
				steps = append(steps, Step{State: p.CurrentState, EnteredAt: p.UpdatedAt})
			}
		}
		if len(steps) > 0 {
			sequences = append(sequences, Sequence{ProcessID: pid, Steps: steps})
		}
	}
	return sequences, nil
}

// FrequentPatterns enumerates every contiguous subsequence of length 2..5
// and keeps those reaching minSupport across the corpus. Support counts
// processes, not occurrences; confidence is P(last state | prefix).
func (a *Analyzer) FrequentPatterns(ctx context.Context, kanbanID string, minSupport float64) ([]Pattern, error) {
	sequences, err := a.SequencesOf(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	if len(sequences) == 0 {
		return nil, nil
	}

	type stats struct {
		processes map[string]bool
		durations []float64
	}
	patterns := make(map[string]*stats)
	prefixCount := make(map[string]int)

	for _, seq := range sequences {
		steps := seq.Steps
		for length := minPatternLen; length <= maxPatternLen; length++ {
			for start := 0; start+length <= len(steps); start++ {
				window := steps[start : start+length]
				key := joinStates(window)
				st, ok := patterns[key]
				if !ok {
					st = &stats{processes: make(map[string]bool)}
					patterns[key] = st
				}
				st.processes[seq.ProcessID] = true
				st.durations = append(st.durations, window[length-1].EnteredAt.Sub(window[0].EnteredAt).Hours())

				prefixCount[joinStates(window[:length-1])]++
			}
		}
	}

	total := float64(len(sequences))
	var out []Pattern
	for key, st := range patterns {
		states := strings.Split(key, "\x00")
		count := len(st.processes)
		support := float64(count) / total
		if support < minSupport {
			continue
		}

		confidence := 0.0
		if pc := prefixCount[strings.Join(states[:len(states)-1], "\x00")]; pc > 0 {
			confidence = float64(len(st.durations)) / float64(pc)
		}

		sum := 0.0
		for _, d := range st.durations {
			sum += d
		}
		out = append(out, Pattern{
			States:           states,
			Count:            count,
			Support:          support,
			Confidence:       confidence,
			AvgDurationHours: sum / float64(len(st.durations)),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Support != out[j].Support {
			return out[i].Support > out[j].Support
		}
		return joinStrings(out[i].States) < joinStrings(out[j].States)
	})
	return out, nil
}

func joinStates(steps []Step) string {
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = s.State
	}
	return strings.Join(parts, "\x00")
}

func joinStrings(states []string) string { return strings.Join(states, "\x00") }

// problematicMarkers flag terminal states of failing paths.
var problematicMarkers = []string{"cancel", "reject", "fail", "error"}

// Classified buckets patterns by operational meaning. A pattern lands in
// exactly one bucket; problematic wins over frequency.
type Classified struct {
	Problematic []Pattern `json:"problematic,omitempty"`
	Common      []Pattern `json:"common,omitempty"`
	Exceptional []Pattern `json:"exceptional,omitempty"`
	Normal      []Pattern `json:"normal,omitempty"`
}

// Classify splits patterns into problematic, common, exceptional and the
// unremarkable rest.
func Classify(patterns []Pattern, commonThresh, exceptionalThresh float64) *Classified {
	out := &Classified{}
	for _, p := range patterns {
		terminal := strings.ToLower(p.States[len(p.States)-1])
		problematic := false
		for _, marker := range problematicMarkers {
			if strings.Contains(terminal, marker) {
				problematic = true
				break
			}
		}
		switch {
		case problematic:
			out.Problematic = append(out.Problematic, p)
		case p.Support >= commonThresh:
			out.Common = append(out.Common, p)
		case p.Support <= exceptionalThresh:
			out.Exceptional = append(out.Exceptional, p)
		default:
			out.Normal = append(out.Normal, p)
		}
	}
	return out
}

// TransitionMatrix returns, per from-state, the probability distribution
// over to-states. Every row sums to 1 within floating error.
func (a *Analyzer) TransitionMatrix(ctx context.Context, kanbanID string) (map[string]map[string]float64, error) {
	sequences, err := a.SequencesOf(ctx, kanbanID)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]map[string]int)
	rowTotal := make(map[string]int)
	for _, seq := range sequences {
		states := seq.States()
		for i := 0; i+1 < len(states); i++ {
			from, to := states[i], states[i+1]
			if counts[from] == nil {
				counts[from] = make(map[string]int)
			}
			counts[from][to]++
			rowTotal[from]++
		}
	}

	matrix := make(map[string]map[string]float64, len(counts))
	for from, row := range counts {
		matrix[from] = make(map[string]float64, len(row))
		for to, n := range row {
			matrix[from][to] = float64(n) / float64(rowTotal[from])
		}
	}
	return matrix, nil
}

// StateDurations pairs consecutive steps of each process into in-state
// intervals and summarizes them per state.
func (a *Analyzer) StateDurations(ctx context.Context, kanbanID string) (map[string]DurationStats, error) {
	sequences, err := a.SequencesOf(ctx, kanbanID)
	if err != nil {
		return nil, err
	}

	samples := make(map[string][]float64)
	for _, seq := range sequences {
		for i := 0; i+1 < len(seq.Steps); i++ {
			state := seq.Steps[i].State
			hours := seq.Steps[i+1].EnteredAt.Sub(seq.Steps[i].EnteredAt).Hours()
			samples[state] = append(samples[state], hours)
		}
	}

	out := make(map[string]DurationStats, len(samples))
	for state, values := range samples {
		out[state] = summarize(values)
	}
	return out, nil
}

func summarize(values []float64) DurationStats {
	stats := DurationStats{SampleCount: len(values), MinHours: math.Inf(1)}
	sum := 0.0
	for _, v := range values {
		sum += v
		if v < stats.MinHours {
			stats.MinHours = v
		}
		if v > stats.MaxHours {
			stats.MaxHours = v
		}
	}
	stats.AvgHours = sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - stats.AvgHours
		variance += d * d
	}
	if len(values) > 1 {
		variance /= float64(len(values) - 1)
	}
	stats.StdDevHours = math.Sqrt(variance)
	return stats
}

// SimilarProcesses ranks the corpus by Jaccard similarity on the set of
// directed transitions each process performed.
func (a *Analyzer) SimilarProcesses(ctx context.Context, pid, kanbanID string, limit int) ([]Similarity, error) {
	sequences, err := a.SequencesOf(ctx, kanbanID)
	if err != nil {
		return nil, err
	}

	edges := make(map[string]map[string]bool, len(sequences))
	for _, seq := range sequences {
		set := make(map[string]bool)
		states := seq.States()
		for i := 0; i+1 < len(states); i++ {
			set[states[i]+"\x00"+states[i+1]] = true
		}
		edges[seq.ProcessID] = set
	}

	reference, ok := edges[pid]
	if !ok {
		return nil, nil
	}

	var out []Similarity
	for other, set := range edges {
		if other == pid {
			continue
		}
		out = append(out, Similarity{ProcessID: other, Score: jaccard(reference, set)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ProcessID < out[j].ProcessID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
