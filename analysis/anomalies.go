package analysis

import (
	"context"
	"math"
	"sort"
	"time"

	"fluxo.evalgo.org/process"
)

// Detector defaults.
const (
	DefaultStuckThresholdHours = 48.0
	DefaultZThreshold          = 2.0
	DefaultMaxLoopSize         = 3
	DefaultRarityThreshold     = 0.05
)

// StuckProcess flags a process sitting in its state beyond the threshold.
type StuckProcess struct {
	ProcessID        string  `json:"process_id"`
	CurrentState     string  `json:"current_state"`
	HoursStuck       float64 `json:"hours_stuck"`
	ExpectedDuration float64 `json:"expected_duration"`
	AnomalyScore     float64 `json:"anomaly_score"`
}

// DurationOutlier flags a process whose total duration deviates from the
// corpus.
type DurationOutlier struct {
	ProcessID  string  `json:"process_id"`
	TotalHours float64 `json:"total_hours"`
	ZScore     float64 `json:"z_score"`
	Direction  string  `json:"direction"` // too_long or too_short
}

// Loop is one state revisit within a process.
type Loop struct {
	ProcessID string   `json:"process_id"`
	States    []string `json:"states"`
	Size      int      `json:"size"`
}

// RareEdge is one unusual directed transition.
type RareEdge struct {
	From string  `json:"from"`
	To   string  `json:"to"`
	Rate float64 `json:"rate"`
}

// RareTransitionProcess lists the unusual edges one process took.
type RareTransitionProcess struct {
	ProcessID string     `json:"process_id"`
	Edges     []RareEdge `json:"edges"`
}

// Report is the composite anomaly picture of one kanban.
type Report struct {
	KanbanID        string                  `json:"kanban_id"`
	Stuck           []StuckProcess          `json:"stuck,omitempty"`
	Outliers        []DurationOutlier       `json:"outliers,omitempty"`
	Loops           []Loop                  `json:"loops,omitempty"`
	RareTransitions []RareTransitionProcess `json:"rare_transitions,omitempty"`
	Summary         ReportSummary           `json:"summary"`
}

// ReportSummary carries the headline counts.
type ReportSummary struct {
	StuckCount    int `json:"stuck_count"`
	OutlierCount  int `json:"outlier_count"`
	LoopCount     int `json:"loop_count"`
	RareCount     int `json:"rare_count"`
	ProcessesSeen int `json:"processes_seen"`
}

// Detector runs the anomaly checks over one analyzer.
type Detector struct {
	analyzer *Analyzer
	repo     *process.Repository
	now      func() time.Time
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithDetectorClock overrides the time source.
func WithDetectorClock(now func() time.Time) DetectorOption {
	return func(d *Detector) { d.now = now }
}

// NewDetector wires a detector.
func NewDetector(analyzer *Analyzer, repo *process.Repository, opts ...DetectorOption) *Detector {
	d := &Detector{
		analyzer: analyzer,
		repo:     repo,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectStuck returns the live processes idle beyond thresholdHours,
// most-stuck first. Idle time counts from the last state change in the
// audit trail, so field syncs from the backing form do not reset the
// clock. The expected duration comes from the corpus average for the
// state, falling back to the threshold itself.
func (d *Detector) DetectStuck(ctx context.Context, kanbanID string, thresholdHours float64) ([]StuckProcess, error) {
	if thresholdHours <= 0 {
		thresholdHours = DefaultStuckThresholdHours
	}
	procs, err := d.repo.ByKanban(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	durations, err := d.analyzer.StateDurations(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	lastMoved, err := d.lastTransitions(ctx, kanbanID)
	if err != nil {
		return nil, err
	}

	now := d.now()
	var out []StuckProcess
	for _, p := range procs {
		reference, ok := lastMoved[p.ProcessID]
		if !ok {
			reference = p.CreatedAt
		}
		idle := now.Sub(reference).Hours()
		if idle < thresholdHours {
			continue
		}
		expected := thresholdHours
		if stats, ok := durations[p.CurrentState]; ok && stats.AvgHours > 0 {
			expected = stats.AvgHours
		}
		out = append(out, StuckProcess{
			ProcessID:        p.ProcessID,
			CurrentState:     p.CurrentState,
			HoursStuck:       idle,
			ExpectedDuration: expected,
			AnomalyScore:     math.Min(1, idle/(2*expected)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HoursStuck > out[j].HoursStuck })
	return out, nil
}

// lastTransitions maps each process to the timestamp of its newest
// creation or state-change entry, in one pass over the kanban's audit.
func (d *Detector) lastTransitions(ctx context.Context, kanbanID string) (map[string]time.Time, error) {
	entries, err := d.repo.AuditByKanban(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time)
	for _, e := range entries {
		switch e.Action {
		case process.ActionProcessCreated, process.ActionStateChanged, process.ActionForcedTransition:
		default:
			continue
		}
		if e.Timestamp.After(out[e.ProcessID]) {
			out[e.ProcessID] = e.Timestamp
		}
	}
	return out, nil
}

// DurationOutliers flags processes whose total duration sits zThreshold
// sample standard deviations from the corpus mean. Corpora under three
// samples are rejected as statistically meaningless.
func (d *Detector) DurationOutliers(ctx context.Context, kanbanID string, zThreshold float64) ([]DurationOutlier, error) {
	if zThreshold <= 0 {
		zThreshold = DefaultZThreshold
	}
	sequences, err := d.analyzer.SequencesOf(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	if len(sequences) < 3 {
		return nil, nil
	}

	type total struct {
		pid   string
		hours float64
	}
	totals := make([]total, 0, len(sequences))
	sum := 0.0
	for _, seq := range sequences {
		first := seq.Steps[0].EnteredAt
		last := seq.Steps[len(seq.Steps)-1].EnteredAt
		hours := last.Sub(first).Hours()
		totals = append(totals, total{pid: seq.ProcessID, hours: hours})
		sum += hours
	}

	mean := sum / float64(len(totals))
	variance := 0.0
	for _, t := range totals {
		diff := t.hours - mean
		variance += diff * diff
	}
	variance /= float64(len(totals) - 1)
	stdev := math.Sqrt(variance)
	if stdev == 0 {
		return nil, nil
	}

	var out []DurationOutlier
	for _, t := range totals {
		z := (t.hours - mean) / stdev
		if math.Abs(z) < zThreshold {
			continue
		}
		direction := "too_long"
		if z < 0 {
			direction = "too_short"
		}
		out = append(out, DurationOutlier{ProcessID: t.pid, TotalHours: t.hours, ZScore: z, Direction: direction})
	}
	sort.Slice(out, func(i, j int) bool { return math.Abs(out[i].ZScore) > math.Abs(out[j].ZScore) })
	return out, nil
}

// DetectLoops finds state revisits within each process sequence, keeping
// loops up to maxLoopSize states long.
func (d *Detector) DetectLoops(ctx context.Context, kanbanID string, maxLoopSize int) ([]Loop, error) {
	if maxLoopSize <= 0 {
		maxLoopSize = DefaultMaxLoopSize
	}
	sequences, err := d.analyzer.SequencesOf(ctx, kanbanID)
	if err != nil {
		return nil, err
	}

	var out []Loop
	for _, seq := range sequences {
		states := seq.States()
		lastSeen := make(map[string]int)
		for i, state := range states {
			if prev, ok := lastSeen[state]; ok {
				size := i - prev
				if size <= maxLoopSize {
					out = append(out, Loop{
						ProcessID: seq.ProcessID,
						States:    append([]string(nil), states[prev:i+1]...),
						Size:      size,
					})
				}
			}
			lastSeen[state] = i
		}
	}
	return out, nil
}

// RareTransitions flags processes carrying edges whose corpus-wide
// frequency falls below rarityThreshold.
func (d *Detector) RareTransitions(ctx context.Context, kanbanID string, rarityThreshold float64) ([]RareTransitionProcess, error) {
	if rarityThreshold <= 0 {
		rarityThreshold = DefaultRarityThreshold
	}
	sequences, err := d.analyzer.SequencesOf(ctx, kanbanID)
	if err != nil {
		return nil, err
	}

	type edge struct{ from, to string }
	counts := make(map[edge]int)
	totalTransitions := 0
	for _, seq := range sequences {
		states := seq.States()
		for i := 0; i+1 < len(states); i++ {
			counts[edge{states[i], states[i+1]}]++
			totalTransitions++
		}
	}
	if totalTransitions == 0 {
		return nil, nil
	}

	rare := make(map[edge]float64)
	for e, n := range counts {
		rate := float64(n) / float64(totalTransitions)
		if rate < rarityThreshold {
			rare[e] = rate
		}
	}
	if len(rare) == 0 {
		return nil, nil
	}

	var out []RareTransitionProcess
	for _, seq := range sequences {
		states := seq.States()
		var edges []RareEdge
		seen := make(map[edge]bool)
		for i := 0; i+1 < len(states); i++ {
			e := edge{states[i], states[i+1]}
			if rate, ok := rare[e]; ok && !seen[e] {
				seen[e] = true
				edges = append(edges, RareEdge{From: e.from, To: e.to, Rate: rate})
			}
		}
		if len(edges) > 0 {
			out = append(out, RareTransitionProcess{ProcessID: seq.ProcessID, Edges: edges})
		}
	}
	return out, nil
}

// Detect runs every detector with defaults and assembles the composite
// report.
func (d *Detector) Detect(ctx context.Context, kanbanID string) (*Report, error) {
	stuck, err := d.DetectStuck(ctx, kanbanID, DefaultStuckThresholdHours)
	if err != nil {
		return nil, err
	}
	outliers, err := d.DurationOutliers(ctx, kanbanID, DefaultZThreshold)
	if err != nil {
		return nil, err
	}
	loops, err := d.DetectLoops(ctx, kanbanID, DefaultMaxLoopSize)
	if err != nil {
		return nil, err
	}
	rare, err := d.RareTransitions(ctx, kanbanID, DefaultRarityThreshold)
	if err != nil {
		return nil, err
	}
	sequences, err := d.analyzer.SequencesOf(ctx, kanbanID)
	if err != nil {
		return nil, err
	}

	return &Report{
		KanbanID:        kanbanID,
		Stuck:           stuck,
		Outliers:        outliers,
		Loops:           loops,
		RareTransitions: rare,
		Summary: ReportSummary{
			StuckCount:    len(stuck),
			OutlierCount:  len(outliers),
			LoopCount:     len(loops),
			RareCount:     len(rare),
			ProcessesSeen: len(sequences),
		},
	}, nil
}
