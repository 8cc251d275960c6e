// Package dashboard composes the analysis layer into operator-facing
// views: per-kanban health, process statistics, bottlenecks and the
// structural CSV/Excel/PDF exports.
package dashboard

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"fluxo.evalgo.org/analysis"
	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/process"
)

// Health statuses.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Issue severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Issue is one flagged condition on a kanban.
type Issue struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Health is the composite health view of one kanban.
type Health struct {
	KanbanID        string   `json:"kanban_id"`
	TotalProcesses  int      `json:"total_processes"`
	Score           float64  `json:"score"`
	Status          string   `json:"status"`
	Issues          []Issue  `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Stats is the per-kanban process statistics view.
type Stats struct {
	KanbanID        string         `json:"kanban_id"`
	Total           int            `json:"total"`
	ByState         map[string]int `json:"by_state"`
	Completed       int            `json:"completed"`
	CompletionRate  float64        `json:"completion_rate"`
	AvgCycleHours   float64        `json:"avg_cycle_hours"`
	DailyThroughput map[string]int `json:"daily_throughput"`
}

// Bottleneck is a state whose average stay dwarfs its best case.
type Bottleneck struct {
	State    string  `json:"state"`
	AvgHours float64 `json:"avg_hours"`
	MinHours float64 `json:"min_hours"`
	Ratio    float64 `json:"ratio"`
	Samples  int     `json:"samples"`
}

// Service builds the dashboard views.
type Service struct {
	repo     *process.Repository
	registry *kanban.Registry
	analyzer *analysis.Analyzer
	detector *analysis.Detector
	now      func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService wires the dashboard service.
func NewService(repo *process.Repository, registry *kanban.Registry, analyzer *analysis.Analyzer, detector *analysis.Detector, opts ...ServiceOption) *Service {
	s := &Service{
		repo:     repo,
		registry: registry,
		analyzer: analyzer,
		detector: detector,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// KanbanHealth scores one kanban from its anomaly picture. Stuck processes
// weigh heaviest, loops next, the remaining anomalies least.
func (s *Service) KanbanHealth(ctx context.Context, kanbanID string) (*Health, error) {
	procs, err := s.repo.ByKanban(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	h := &Health{KanbanID: kanbanID, TotalProcesses: len(procs), Score: 1, Status: StatusHealthy}
	if len(procs) == 0 {
		return h, nil
	}

	report, err := s.detector.Detect(ctx, kanbanID)
	if err != nil {
		return nil, err
	}

	total := float64(len(procs))
	stuck := float64(report.Summary.StuckCount)
	loops := float64(report.Summary.LoopCount)
	anomalies := float64(report.Summary.OutlierCount + report.Summary.RareCount)

	h.Score = 1 - 0.5*stuck/total - 0.3*loops/total - 0.2*anomalies/total
	h.Score = math.Max(0, math.Min(1, h.Score))
	switch {
	case h.Score >= 0.8:
		h.Status = StatusHealthy
	case h.Score >= 0.6:
		h.Status = StatusWarning
	default:
		h.Status = StatusCritical
	}

	if len(report.Stuck) > 0 {
		worst := report.Stuck[0]
		age := humanize.RelTime(s.now().Add(-time.Duration(worst.HoursStuck*float64(time.Hour))), s.now(), "", "")
		h.Issues = append(h.Issues, Issue{
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("%d processes are stuck; the oldest has been in %s for %s", len(report.Stuck), worst.CurrentState, age),
		})
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("review process %s, idle in %s for %s", worst.ProcessID, worst.CurrentState, age))
	}
	if len(report.Loops) > 0 {
		h.Issues = append(h.Issues, Issue{
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("%d state loops detected", len(report.Loops)),
		})
		h.Recommendations = append(h.Recommendations,
			"processes are bouncing between states; check whether a rejection path is missing a terminal state")
	}
	if anomalies > 0 {
		h.Issues = append(h.Issues, Issue{
			Severity:    SeverityLow,
			Description: fmt.Sprintf("%d duration or path anomalies detected", int(anomalies)),
		})
	}
	return h, nil
}

// ProcessStats aggregates the live and historical picture of one kanban.
// The daily throughput histogram covers the last `days` days of
// completions.
func (s *Service) ProcessStats(ctx context.Context, kanbanID string, days int) (*Stats, error) {
	def, err := s.registry.Get(kanbanID)
	if err != nil {
		return nil, err
	}
	procs, err := s.repo.ByKanban(ctx, kanbanID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		KanbanID:        kanbanID,
		Total:           len(procs),
		ByState:         make(map[string]int),
		DailyThroughput: make(map[string]int),
	}
	final := make(map[string]bool)
	for _, st := range def.States {
		if st.Type == kanban.StateTypeFinal {
			final[st.ID] = true
		}
	}
	for _, p := range procs {
		stats.ByState[p.CurrentState]++
		if final[p.CurrentState] {
			stats.Completed++
		}
	}
	if stats.Total > 0 {
		stats.CompletionRate = float64(stats.Completed) / float64(stats.Total)
	}

	sequences, err := s.analyzer.SequencesOf(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	cycleSum, cycleCount := 0.0, 0
	if days <= 0 {
		days = 30
	}
	cutoff := s.now().AddDate(0, 0, -days)
	for _, seq := range sequences {
		last := seq.Steps[len(seq.Steps)-1]
		if !final[last.State] {
			continue
		}
		cycleSum += last.EnteredAt.Sub(seq.Steps[0].EnteredAt).Hours()
		cycleCount++
		if !last.EnteredAt.Before(cutoff) {
			stats.DailyThroughput[last.EnteredAt.UTC().Format("2006-01-02")]++
		}
	}
	if cycleCount > 0 {
		stats.AvgCycleHours = cycleSum / float64(cycleCount)
	}
	return stats, nil
}

// Bottlenecks flags states whose average stay is at least twice the best
// observed stay, given three or more samples. A zero minimum carries no
// signal and is skipped.
func (s *Service) Bottlenecks(ctx context.Context, kanbanID string) ([]Bottleneck, error) {
	durations, err := s.analyzer.StateDurations(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	var out []Bottleneck
	for state, d := range durations {
		if d.SampleCount < 3 || d.MinHours <= 0 {
			continue
		}
		ratio := d.AvgHours / d.MinHours
		if ratio < 2.0 {
			continue
		}
		out = append(out, Bottleneck{
			State:    state,
			AvgHours: d.AvgHours,
			MinHours: d.MinHours,
			Ratio:    ratio,
			Samples:  d.SampleCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ratio > out[j].Ratio })
	return out, nil
}
