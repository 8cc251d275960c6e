package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxo.evalgo.org/process"
	"fluxo.evalgo.org/storage"
)

var base = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

func seededQuery(t *testing.T) (*Query, *process.Repository) {
	t.Helper()
	driver, err := storage.NewFlatFileDriver(t.TempDir())
	require.NoError(t, err)

	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	repo, err := process.NewRepository(context.Background(), driver, process.WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	for _, pid := range []string{"p1", "p2"} {
		p := &process.Process{ProcessID: pid, KanbanID: "pedidos", CurrentState: "novo"}
		require.NoError(t, repo.CreateProcess(ctx, p, "maria"))
	}
	require.NoError(t, repo.UpdateState(ctx, "p1", "em_analise", process.TransitionLog{
		Type: process.TypeManual, User: "maria",
	}))
	require.NoError(t, repo.UpdateState(ctx, "p1", "aprovado", process.TransitionLog{
		Action: process.ActionForcedTransition, Type: process.TypeManual,
		User: "joao", Justification: "diretor aprovou por telefone",
	}))
	require.NoError(t, repo.UpdateState(ctx, "p2", "em_analise", process.TransitionLog{
		Type: process.TypeManual, User: "joao",
	}))

	return NewQuery(repo), repo
}

func TestByProcessAndKanban(t *testing.T) {
	q, _ := seededQuery(t)
	ctx := context.Background()

	history, err := q.ByProcess(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, process.ActionProcessCreated, history[0].Action)
	assert.Equal(t, process.ActionForcedTransition, history[2].Action)

	all, err := q.ByKanban(ctx, "pedidos")
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestByUserWindow(t *testing.T) {
	q, _ := seededQuery(t)
	ctx := context.Background()

	entries, err := q.ByUser(ctx, "joao", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// A window ending before the first write excludes everything.
	entries, err = q.ByUser(ctx, "joao", time.Time{}, base)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecentNewestFirst(t *testing.T) {
	q, _ := seededQuery(t)

	recent, err := q.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "p2", recent[0].ProcessID)
	assert.Equal(t, "em_analise", recent[0].ToState)
	assert.True(t, !recent[0].Timestamp.Before(recent[1].Timestamp))
}

func TestForcedOnly(t *testing.T) {
	q, _ := seededQuery(t)

	forced, err := q.ForcedOnly(context.Background(), "pedidos")
	require.NoError(t, err)
	require.Len(t, forced, 1)
	assert.Equal(t, "p1", forced[0].ProcessID)
	assert.Equal(t, "joao", forced[0].User)
}

func TestActivity(t *testing.T) {
	q, _ := seededQuery(t)

	stats, err := q.Activity(context.Background(), "pedidos", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 2, stats.ByAction[process.ActionProcessCreated])
	assert.Equal(t, 2, stats.ByAction[process.ActionStateChanged])
	assert.Equal(t, 1, stats.ByAction[process.ActionForcedTransition])
	assert.Equal(t, 2, stats.ByUser["joao"])
	assert.Equal(t, 3, stats.ByUser["maria"])
	assert.Equal(t, 3, stats.ByType[process.TypeManual])
}

func TestCompliance(t *testing.T) {
	q, repo := seededQuery(t)
	ctx := context.Background()

	// 3 transitions, 1 forced: ratio 1/3, score 1 - 2/3.
	report, err := q.Compliance(ctx, "pedidos")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Transitions)
	assert.Equal(t, 1, report.Forced)
	assert.InDelta(t, 1.0/3.0, report.ForcedRatio, 1e-9)
	assert.InDelta(t, 1.0/3.0, report.Score, 1e-9)

	// Forcing the rest floors the score at zero.
	require.NoError(t, repo.UpdateState(ctx, "p2", "aprovado", process.TransitionLog{
		Action: process.ActionForcedTransition, Type: process.TypeManual, User: "joao", Justification: "x",
	}))
	report, err = q.Compliance(ctx, "pedidos")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, report.Score, 1e-9)

	// A kanban with no transitions is fully compliant.
	report, err = q.Compliance(ctx, "vazio")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, report.Score, 1e-9)
}
