package analysis

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxo.evalgo.org/process"
	"fluxo.evalgo.org/storage"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time      { return c.t }
func (c *clock) Set(t time.Time)     { c.t = t }
func (c *clock) Add(d time.Duration) { c.t = c.t.Add(d) }

var base = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func testRepo(t *testing.T) (*process.Repository, *clock) {
	t.Helper()
	driver, err := storage.NewFlatFileDriver(t.TempDir())
	require.NoError(t, err)
	c := &clock{t: base}
	repo, err := process.NewRepository(context.Background(), driver, process.WithClock(c.Now))
	require.NoError(t, err)
	return repo, c
}

// seedPath creates a process and walks it through states at the given
// offsets from base.
func seedPath(t *testing.T, repo *process.Repository, c *clock, pid string, states []string, offsets []time.Duration) {
	t.Helper()
	require.Equal(t, len(states), len(offsets))
	ctx := context.Background()

	c.Set(base.Add(offsets[0]))
	p := &process.Process{ProcessID: pid, KanbanID: "pedidos", CurrentState: states[0]}
	require.NoError(t, repo.CreateProcess(ctx, p, "seed"))

	for i := 1; i < len(states); i++ {
		c.Set(base.Add(offsets[i]))
		require.NoError(t, repo.UpdateState(ctx, pid, states[i], process.TransitionLog{
			Type: process.TypeManual,
			User: "seed",
		}))
	}
}

const hour = time.Hour

func TestSequencesOf(t *testing.T) {
	repo, c := testRepo(t)
	analyzer := NewAnalyzer(repo)

	seedPath(t, repo, c, "p1", []string{"novo", "em_analise", "aprovado"}, []time.Duration{0, hour, 3 * hour})
	seedPath(t, repo, c, "p2", []string{"novo"}, []time.Duration{0})

	sequences, err := analyzer.SequencesOf(context.Background(), "pedidos")
	require.NoError(t, err)
	require.Len(t, sequences, 2)
	assert.Equal(t, []string{"novo", "em_analise", "aprovado"}, sequences[0].States())
	assert.Equal(t, []string{"novo"}, sequences[1].States())
}

func TestFrequentPatternsSupportFilter(t *testing.T) {
	repo, c := testRepo(t)
	analyzer := NewAnalyzer(repo)

	// Nine processes on the main path, one on a side path.
	for i := 0; i < 9; i++ {
		seedPath(t, repo, c, fmt.Sprintf("p%d", i),
			[]string{"novo", "em_analise", "aprovado"},
			[]time.Duration{0, hour, 3 * hour})
	}
	seedPath(t, repo, c, "odd", []string{"novo", "cancelado"}, []time.Duration{0, hour})

	patterns, err := analyzer.FrequentPatterns(context.Background(), "pedidos", 0.5)
	require.NoError(t, err)
	require.NotEmpty(t, patterns)
	for _, p := range patterns {
		assert.GreaterOrEqual(t, p.Support, 0.5, "pattern %v", p.States)
	}

	// The full main path is frequent: 9 of 10 processes.
	var main *Pattern
	for i := range patterns {
		if len(patterns[i].States) == 3 {
			main = &patterns[i]
			break
		}
	}
	require.NotNil(t, main)
	assert.Equal(t, []string{"novo", "em_analise", "aprovado"}, main.States)
	assert.Equal(t, 9, main.Count)
	assert.InDelta(t, 0.9, main.Support, 1e-9)
	assert.InDelta(t, 3.0, main.AvgDurationHours, 1e-9)
	assert.InDelta(t, 1.0, main.Confidence, 1e-9)

	// A lower floor admits the side path too.
	loose, err := analyzer.FrequentPatterns(context.Background(), "pedidos", 0.05)
	require.NoError(t, err)
	assert.Greater(t, len(loose), len(patterns))
}

func TestClassify(t *testing.T) {
	patterns := []Pattern{
		{States: []string{"novo", "em_analise", "aprovado"}, Support: 0.9},
		{States: []string{"novo", "cancelado"}, Support: 0.9},
		{States: []string{"novo", "Rejeitado_Fail"}, Support: 0.02},
		{States: []string{"novo", "em_espera"}, Support: 0.03},
		{States: []string{"novo", "em_analise"}, Support: 0.4},
	}

	out := Classify(patterns, 0.5, 0.05)
	require.Len(t, out.Problematic, 2)
	require.Len(t, out.Common, 1)
	assert.Equal(t, []string{"novo", "em_analise", "aprovado"}, out.Common[0].States)
	require.Len(t, out.Exceptional, 1)
	assert.Equal(t, []string{"novo", "em_espera"}, out.Exceptional[0].States)
	require.Len(t, out.Normal, 1)
}

func TestTransitionMatrixRowsSumToOne(t *testing.T) {
	repo, c := testRepo(t)
	analyzer := NewAnalyzer(repo)

	seedPath(t, repo, c, "p1", []string{"novo", "em_analise", "aprovado"}, []time.Duration{0, hour, 2 * hour})
	seedPath(t, repo, c, "p2", []string{"novo", "em_analise", "novo", "em_analise", "aprovado"},
		[]time.Duration{0, hour, 2 * hour, 3 * hour, 4 * hour})
	seedPath(t, repo, c, "p3", []string{"novo", "cancelado"}, []time.Duration{0, hour})

	matrix, err := analyzer.TransitionMatrix(context.Background(), "pedidos")
	require.NoError(t, err)
	require.NotEmpty(t, matrix)

	for from, row := range matrix {
		sum := 0.0
		for _, p := range row {
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-6, "row %s", from)
	}

	// 4 exits from novo: 3 to em_analise, 1 to cancelado.
	assert.InDelta(t, 0.75, matrix["novo"]["em_analise"], 1e-9)
	assert.InDelta(t, 0.25, matrix["novo"]["cancelado"], 1e-9)
}

func TestStateDurations(t *testing.T) {
	repo, c := testRepo(t)
	analyzer := NewAnalyzer(repo)

	seedPath(t, repo, c, "p1", []string{"novo", "em_analise", "aprovado"}, []time.Duration{0, 2 * hour, 6 * hour})
	seedPath(t, repo, c, "p2", []string{"novo", "em_analise", "aprovado"}, []time.Duration{0, 4 * hour, 12 * hour})

	durations, err := analyzer.StateDurations(context.Background(), "pedidos")
	require.NoError(t, err)

	novo := durations["novo"]
	assert.Equal(t, 2, novo.SampleCount)
	assert.InDelta(t, 3.0, novo.AvgHours, 1e-9)
	assert.InDelta(t, 2.0, novo.MinHours, 1e-9)
	assert.InDelta(t, 4.0, novo.MaxHours, 1e-9)

	analise := durations["em_analise"]
	assert.InDelta(t, 6.0, analise.AvgHours, 1e-9)
	assert.InDelta(t, math.Sqrt(8), analise.StdDevHours, 1e-9)

	// Terminal states have no interval samples.
	_, ok := durations["aprovado"]
	assert.False(t, ok)
}

func TestSimilarProcesses(t *testing.T) {
	repo, c := testRepo(t)
	analyzer := NewAnalyzer(repo)

	seedPath(t, repo, c, "ref", []string{"novo", "em_analise", "aprovado"}, []time.Duration{0, hour, 2 * hour})
	seedPath(t, repo, c, "twin", []string{"novo", "em_analise", "aprovado"}, []time.Duration{0, hour, 2 * hour})
	seedPath(t, repo, c, "half", []string{"novo", "em_analise"}, []time.Duration{0, hour})
	seedPath(t, repo, c, "other", []string{"novo", "cancelado"}, []time.Duration{0, hour})

	similar, err := analyzer.SimilarProcesses(context.Background(), "ref", "pedidos", 2)
	require.NoError(t, err)
	require.Len(t, similar, 2)
	assert.Equal(t, "twin", similar[0].ProcessID)
	assert.InDelta(t, 1.0, similar[0].Score, 1e-9)
	assert.Equal(t, "half", similar[1].ProcessID)
	assert.InDelta(t, 0.5, similar[1].Score, 1e-9)
}

func TestDetectStuck(t *testing.T) {
	repo, c := testRepo(t)
	analyzer := NewAnalyzer(repo)
	now := base.Add(200 * hour)
	detector := NewDetector(analyzer, repo, WithDetectorClock(func() time.Time { return now }))

	// Ten processes that spent 24h in em_analise and completed recently.
	for i := 0; i < 10; i++ {
		seedPath(t, repo, c, fmt.Sprintf("done%d", i),
			[]string{"novo", "em_analise", "aprovado"},
			[]time.Duration{174 * hour, 175 * hour, 199 * hour})
	}
	// One process sitting in em_analise for 96 hours.
	seedPath(t, repo, c, "stuck", []string{"novo", "em_analise"}, []time.Duration{103 * hour, 104 * hour})

	stuck, err := detector.DetectStuck(context.Background(), "pedidos", 48)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "stuck", stuck[0].ProcessID)
	assert.Equal(t, "em_analise", stuck[0].CurrentState)
	assert.InDelta(t, 96.0, stuck[0].HoursStuck, 1e-9)
	assert.InDelta(t, 24.0, stuck[0].ExpectedDuration, 1e-9)
	assert.GreaterOrEqual(t, stuck[0].AnomalyScore, 0.5)

	// Lowering the threshold never shrinks the stuck set.
	wider, err := detector.DetectStuck(context.Background(), "pedidos", 0.5)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(wider), len(stuck))
	found := false
	for _, s := range wider {
		if s.ProcessID == "stuck" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetectStuckIgnoresFieldSyncs(t *testing.T) {
	repo, c := testRepo(t)
	analyzer := NewAnalyzer(repo)
	now := base.Add(200 * hour)
	detector := NewDetector(analyzer, repo, WithDetectorClock(func() time.Time { return now }))
	ctx := context.Background()

	// Last state change 96h ago, but the backing form record was edited
	// an hour ago. The field sync must not reset the idle clock.
	seedPath(t, repo, c, "synced", []string{"novo", "em_analise"}, []time.Duration{103 * hour, 104 * hour})
	c.Set(base.Add(199 * hour))
	require.NoError(t, repo.UpdateProcess(ctx, "synced",
		map[string]any{"field_values": map[string]any{"cliente": "Ana Maria"}}, "sync"))

	got, err := repo.GetByID(ctx, "synced")
	require.NoError(t, err)
	require.Equal(t, base.Add(199*hour), got.UpdatedAt)

	stuck, err := detector.DetectStuck(ctx, "pedidos", 48)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "synced", stuck[0].ProcessID)
	assert.InDelta(t, 96.0, stuck[0].HoursStuck, 1e-9)
}

func TestDurationOutliers(t *testing.T) {
	repo, c := testRepo(t)
	analyzer := NewAnalyzer(repo)
	detector := NewDetector(analyzer, repo)
	ctx := context.Background()

	// Fewer than three samples: no verdict.
	seedPath(t, repo, c, "a", []string{"novo", "aprovado"}, []time.Duration{0, hour})
	seedPath(t, repo, c, "b", []string{"novo", "aprovado"}, []time.Duration{0, hour})
	out, err := detector.DurationOutliers(ctx, "pedidos", 2)
	require.NoError(t, err)
	assert.Nil(t, out)

	for i := 0; i < 8; i++ {
		seedPath(t, repo, c, fmt.Sprintf("n%d", i), []string{"novo", "aprovado"}, []time.Duration{0, hour})
	}
	seedPath(t, repo, c, "slow", []string{"novo", "aprovado"}, []time.Duration{0, 100 * hour})

	out, err = detector.DurationOutliers(ctx, "pedidos", 2)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "slow", out[0].ProcessID)
	assert.Equal(t, "too_long", out[0].Direction)
	assert.GreaterOrEqual(t, out[0].ZScore, 2.0)
}

func TestDetectLoops(t *testing.T) {
	repo, c := testRepo(t)
	detector := NewDetector(NewAnalyzer(repo), repo)

	seedPath(t, repo, c, "loops", []string{"novo", "em_analise", "novo", "em_analise", "aprovado"},
		[]time.Duration{0, hour, 2 * hour, 3 * hour, 4 * hour})
	seedPath(t, repo, c, "straight", []string{"novo", "aprovado"}, []time.Duration{0, hour})

	loops, err := detector.DetectLoops(context.Background(), "pedidos", 3)
	require.NoError(t, err)
	require.Len(t, loops, 2)
	for _, l := range loops {
		assert.Equal(t, "loops", l.ProcessID)
		assert.Equal(t, 2, l.Size)
	}
	assert.Equal(t, []string{"novo", "em_analise", "novo"}, loops[0].States)
}

func TestRareTransitions(t *testing.T) {
	repo, c := testRepo(t)
	detector := NewDetector(NewAnalyzer(repo), repo)

	for i := 0; i < 15; i++ {
		seedPath(t, repo, c, fmt.Sprintf("p%d", i), []string{"novo", "em_analise", "aprovado"},
			[]time.Duration{0, hour, 2 * hour})
	}
	seedPath(t, repo, c, "odd", []string{"novo", "arquivado"}, []time.Duration{0, hour})

	rare, err := detector.RareTransitions(context.Background(), "pedidos", 0.05)
	require.NoError(t, err)
	require.Len(t, rare, 1)
	assert.Equal(t, "odd", rare[0].ProcessID)
	require.Len(t, rare[0].Edges, 1)
	assert.Equal(t, "arquivado", rare[0].Edges[0].To)
}

func TestReport(t *testing.T) {
	repo, c := testRepo(t)
	analyzer := NewAnalyzer(repo)
	now := base.Add(300 * hour)
	detector := NewDetector(analyzer, repo, WithDetectorClock(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		seedPath(t, repo, c, fmt.Sprintf("p%d", i), []string{"novo", "em_analise", "aprovado"},
			[]time.Duration{290 * hour, 294 * hour, 299 * hour})
	}
	seedPath(t, repo, c, "stuck", []string{"novo", "em_analise"}, []time.Duration{200 * hour, 201 * hour})

	report, err := detector.Detect(context.Background(), "pedidos")
	require.NoError(t, err)
	assert.Equal(t, 6, report.Summary.ProcessesSeen)
	assert.Equal(t, len(report.Stuck), report.Summary.StuckCount)
	assert.Equal(t, 1, report.Summary.StuckCount)
}
