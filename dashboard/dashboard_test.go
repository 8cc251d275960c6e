package dashboard

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxo.evalgo.org/analysis"
	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/process"
	"fluxo.evalgo.org/storage"
)

var base = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time  { return c.t }
func (c *clock) Set(t time.Time) { c.t = t }

type fixture struct {
	repo    *process.Repository
	clock   *clock
	service *Service
}

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
			{From: "novo", To: "em_analise"},
			{From: "em_analise", To: "aprovado"},
		},
	}
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	driver, err := storage.NewFlatFileDriver(t.TempDir())
	require.NoError(t, err)
	c := &clock{t: base}
	repo, err := process.NewRepository(context.Background(), driver, process.WithClock(c.Now))
	require.NoError(t, err)

	registry := kanban.NewRegistry(t.TempDir())
	require.NoError(t, registry.Register(pedidosKanban(), false))

	analyzer := analysis.NewAnalyzer(repo)
	detector := analysis.NewDetector(analyzer, repo, analysis.WithDetectorClock(func() time.Time { return now }))
	service := NewService(repo, registry, analyzer, detector, WithClock(func() time.Time { return now }))
	return &fixture{repo: repo, clock: c, service: service}
}

func (f *fixture) seed(t *testing.T, pid string, states []string, offsets []time.Duration) {
	t.Helper()
	ctx := context.Background()
	f.clock.Set(base.Add(offsets[0]))
	p := &process.Process{ProcessID: pid, KanbanID: "pedidos", CurrentState: states[0]}
	require.NoError(t, f.repo.CreateProcess(ctx, p, "seed"))
	for i := 1; i < len(states); i++ {
		f.clock.Set(base.Add(offsets[i]))
		require.NoError(t, f.repo.UpdateState(ctx, pid, states[i], process.TransitionLog{
			Type: process.TypeManual, User: "seed",
		}))
	}
}

const hour = time.Hour

func TestKanbanHealthHealthyWithOneStuck(t *testing.T) {
	now := base.Add(200 * hour)
	f := newFixture(t, now)
	for i := 0; i < 4; i++ {
		f.seed(t, fmt.Sprintf("done%d", i),
			[]string{"novo", "em_analise", "aprovado"},
			[]time.Duration{198 * hour, 199 * hour, 200 * hour})
	}
	f.seed(t, "stuck", []string{"novo", "em_analise"}, []time.Duration{99 * hour, 100 * hour})

	h, err := f.service.KanbanHealth(context.Background(), "pedidos")
	require.NoError(t, err)
	assert.Equal(t, 5, h.TotalProcesses)
	assert.InDelta(t, 0.9, h.Score, 1e-9)
	assert.Equal(t, StatusHealthy, h.Status)
	require.NotEmpty(t, h.Issues)
	assert.Equal(t, SeverityHigh, h.Issues[0].Severity)
	require.NotEmpty(t, h.Recommendations)
	assert.Contains(t, h.Recommendations[0], "stuck")
}

func TestKanbanHealthCritical(t *testing.T) {
	now := base.Add(300 * hour)
	f := newFixture(t, now)
	f.seed(t, "s1", []string{"novo", "em_analise"}, []time.Duration{0, hour})
	f.seed(t, "s2", []string{"novo", "em_analise"}, []time.Duration{0, 2 * hour})

	h, err := f.service.KanbanHealth(context.Background(), "pedidos")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, h.Score, 1e-9)
	assert.Equal(t, StatusCritical, h.Status)
}

func TestKanbanHealthEmpty(t *testing.T) {
	f := newFixture(t, base)
	h, err := f.service.KanbanHealth(context.Background(), "pedidos")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.InDelta(t, 1.0, h.Score, 1e-9)
	assert.Empty(t, h.Issues)
}

func TestProcessStats(t *testing.T) {
	now := base.Add(48 * hour)
	f := newFixture(t, now)
	for i := 0; i < 4; i++ {
		f.seed(t, fmt.Sprintf("done%d", i),
			[]string{"novo", "em_analise", "aprovado"},
			[]time.Duration{0, hour, 2 * hour})
	}
	f.seed(t, "open", []string{"novo", "em_analise"}, []time.Duration{0, hour})

	stats, err := f.service.ProcessStats(context.Background(), "pedidos", 30)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 4, stats.ByState["aprovado"])
	assert.Equal(t, 1, stats.ByState["em_analise"])
	assert.Equal(t, 4, stats.Completed)
	assert.InDelta(t, 0.8, stats.CompletionRate, 1e-9)
	assert.InDelta(t, 2.0, stats.AvgCycleHours, 1e-9)
	assert.Equal(t, 4, stats.DailyThroughput[base.Add(2*hour).Format("2006-01-02")])
}

func TestBottlenecks(t *testing.T) {
	f := newFixture(t, base.Add(100*hour))
	// em_analise: stays of 1h, 1h, 10h. novo: uniform 1h stays.
	offsets := [][]time.Duration{
		{0, 1 * hour, 2 * hour},
		{0, 1 * hour, 2 * hour},
		{0, 1 * hour, 11 * hour},
	}
	for i, off := range offsets {
		f.seed(t, fmt.Sprintf("p%d", i), []string{"novo", "em_analise", "aprovado"}, off)
	}

	bottlenecks, err := f.service.Bottlenecks(context.Background(), "pedidos")
	require.NoError(t, err)
	require.Len(t, bottlenecks, 1)
	b := bottlenecks[0]
	assert.Equal(t, "em_analise", b.State)
	assert.InDelta(t, 4.0, b.AvgHours, 1e-9)
	assert.InDelta(t, 1.0, b.MinHours, 1e-9)
	assert.InDelta(t, 4.0, b.Ratio, 1e-9)
	assert.Equal(t, 3, b.Samples)
}

func TestExports(t *testing.T) {
	f := newFixture(t, base.Add(10*hour))
	f.seed(t, "p1", []string{"novo", "em_analise", "aprovado"}, []time.Duration{0, hour, 2 * hour})
	f.seed(t, "p2", []string{"novo"}, []time.Duration{0})
	ctx := context.Background()

	csv, err := f.service.ProcessesCSV(ctx, "pedidos")
	require.NoError(t, err)
	require.Len(t, csv, 3)
	assert.Equal(t, processHeader, csv[0])
	assert.Equal(t, "p1", csv[1][0])
	assert.Equal(t, "aprovado", csv[1][2])

	transitions, err := f.service.TransitionsCSV(ctx, "pedidos")
	require.NoError(t, err)
	// 2 creations + 2 state changes, plus the header.
	require.Len(t, transitions, 5)
	assert.Equal(t, transitionHeader, transitions[0])

	wb, err := f.service.Excel(ctx, "pedidos")
	require.NoError(t, err)
	require.Len(t, wb.Sheets, 3)
	assert.Equal(t, "Processes", wb.Sheets[0].Name)
	assert.Equal(t, "Transitions", wb.Sheets[1].Name)
	assert.Equal(t, "Summary", wb.Sheets[2].Name)
	assert.Len(t, wb.Sheets[0].Rows, 3)

	sections, err := f.service.PDF(ctx, "pedidos")
	require.NoError(t, err)
	require.Len(t, sections, 3)
	assert.Equal(t, "Health", sections[0].Title)
	assert.Equal(t, "table", sections[2].Type)
}
