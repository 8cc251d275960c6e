package engine

import (
	"context"
	"sync"
	"time"

	"fluxo.evalgo.org/common"
	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/process"
)

// EventSLAWarning is the event type emitted when a process crosses its
// SLA warn threshold.
const EventSLAWarning = "sla_warning"

// Sweeper runs the batch sweep on a fixed interval, one kanban at a time,
// each behind its lock so overlapping schedules (or other nodes sharing the
// redis locker) never double-run a kanban.
type Sweeper struct {
	engine   *Engine
	locker   Locker
	interval time.Duration
	lockTTL  time.Duration

	kanbans func() []string
	stop    chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	notified map[string]bool // process ids this sweeper already warned
}

// NewSweeper builds a sweeper. kanbans yields the ids to sweep on each
// tick; a nil func sweeps the whole process table under one lock.
func NewSweeper(e *Engine, locker Locker, interval time.Duration, kanbans func() []string) *Sweeper {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Sweeper{
		engine:   e,
		locker:   locker,
		interval: interval,
		lockTTL:  interval * 2,
		kanbans:  kanbans,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		notified: make(map[string]bool),
	}
}

// Start launches the background loop.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one pass over every kanban, skipping the ones whose lock is
// held elsewhere.
func (s *Sweeper) Sweep(ctx context.Context) {
	ids := []string{""}
	if s.kanbans != nil {
		ids = s.kanbans()
	}
	for _, id := range ids {
		s.sweepOne(ctx, id)
	}
}

func (s *Sweeper) sweepOne(ctx context.Context, kanbanID string) {
	key := kanbanID
	if key == "" {
		key = "all"
	}
	ok, err := s.locker.Acquire(ctx, key, s.lockTTL)
	if err != nil {
		common.Logger.WithError(err).Errorf("sweep lock %s unavailable", key)
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := s.locker.Release(ctx, key); err != nil {
			common.Logger.WithError(err).Errorf("failed to release sweep lock %s", key)
		}
	}()

	result, err := s.engine.ProcessAll(ctx, kanbanID)
	if err != nil {
		common.Logger.WithError(err).Errorf("sweep of %s failed", key)
		return
	}
	if result.TransitionsExecuted > 0 || len(result.Errors) > 0 {
		common.Logger.Infof("sweep %s: %d checked, %d transitions, %d cascades, %d errors",
			key, result.ProcessesChecked, result.TransitionsExecuted, result.CascadesExecuted, len(result.Errors))
	}

	s.warnSLA(ctx, kanbanID)
}

// warnSLA emits sla_warning once per process whose deadline minus its warn
// threshold has passed. Processes already in a final state are left alone.
func (s *Sweeper) warnSLA(ctx context.Context, kanbanID string) {
	if s.engine.events == nil {
		return
	}
	var procs []*process.Process
	var err error
	if kanbanID == "" {
		procs, err = s.engine.repo.All(ctx)
	} else {
		procs, err = s.engine.repo.ByKanban(ctx, kanbanID)
	}
	if err != nil {
		common.Logger.WithError(err).Errorf("sla scan of %s failed", kanbanID)
		return
	}

	now := s.engine.repo.Now()
	for _, p := range procs {
		if p.SLA == nil || p.SLA.Deadline.IsZero() {
			continue
		}
		warnAt := p.SLA.Deadline.Add(-time.Duration(p.SLA.WarnThresholdHours * float64(time.Hour)))
		if now.Before(warnAt) {
			continue
		}
		def, err := s.engine.registry.Get(p.KanbanID)
		if err != nil {
			continue
		}
		if state := def.StateByID(p.CurrentState); state != nil && state.Type == kanban.StateTypeFinal {
			continue
		}
		s.mu.Lock()
		seen := s.notified[p.ProcessID]
		if !seen {
			s.notified[p.ProcessID] = true
		}
		s.mu.Unlock()
		if seen {
			continue
		}
		s.engine.emit(EventSLAWarning, def, p)
	}
}
