// Package audit provides read-only projections over the append-only audit
// log: filtered views, activity statistics and the compliance report used
// by the dashboard.
package audit

import (
	"context"
	"time"

	"fluxo.evalgo.org/process"
)

// Query answers audit questions against one repository. Every method is a
// pure read; nothing here writes.
type Query struct {
	repo *process.Repository
}

// NewQuery wires the query service.
func NewQuery(repo *process.Repository) *Query {
	return &Query{repo: repo}
}

// ByProcess returns the full history of one process, oldest first.
func (q *Query) ByProcess(ctx context.Context, pid string) ([]*process.AuditEntry, error) {
	return q.repo.History(ctx, pid)
}

// ByKanban returns every entry of one kanban, oldest first.
func (q *Query) ByKanban(ctx context.Context, kanbanID string) ([]*process.AuditEntry, error) {
	return q.repo.AuditByKanban(ctx, kanbanID)
}

// ByUser returns the entries written by one user inside [from, to). A zero
// bound is open.
func (q *Query) ByUser(ctx context.Context, user string, from, to time.Time) ([]*process.AuditEntry, error) {
	entries, err := q.repo.AuditAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*process.AuditEntry
	for _, e := range entries {
		if e.User != user {
			continue
		}
		if !inWindow(e.Timestamp, from, to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Recent returns the newest n entries, newest first.
func (q *Query) Recent(ctx context.Context, n int) ([]*process.AuditEntry, error) {
	entries, err := q.repo.AuditAll(ctx)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	out := make([]*process.AuditEntry, 0, n)
	for i := len(entries) - 1; i >= len(entries)-n; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// ForcedOnly returns the forced transitions of one kanban, oldest first.
// An empty kanbanID spans the whole log.
func (q *Query) ForcedOnly(ctx context.Context, kanbanID string) ([]*process.AuditEntry, error) {
	entries, err := q.repo.AuditAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*process.AuditEntry
	for _, e := range entries {
		if kanbanID != "" && e.KanbanID != kanbanID {
			continue
		}
		if e.Forced() {
			out = append(out, e)
		}
	}
	return out, nil
}

// ActivityStats aggregates entry counts by action, actor type and user
// inside [from, to).
type ActivityStats struct {
	Total    int            `json:"total"`
	ByAction map[string]int `json:"by_action"`
	ByType   map[string]int `json:"by_type"`
	ByUser   map[string]int `json:"by_user"`
}

// Activity computes the activity statistics of one kanban. An empty
// kanbanID spans the whole log.
func (q *Query) Activity(ctx context.Context, kanbanID string, from, to time.Time) (*ActivityStats, error) {
	entries, err := q.repo.AuditAll(ctx)
	if err != nil {
		return nil, err
	}
	stats := &ActivityStats{
		ByAction: make(map[string]int),
		ByType:   make(map[string]int),
		ByUser:   make(map[string]int),
	}
	for _, e := range entries {
		if kanbanID != "" && e.KanbanID != kanbanID {
			continue
		}
		if !inWindow(e.Timestamp, from, to) {
			continue
		}
		stats.Total++
		stats.ByAction[e.Action]++
		if e.Type != "" {
			stats.ByType[e.Type]++
		}
		if e.User != "" {
			stats.ByUser[e.User]++
		}
	}
	return stats, nil
}

// ComplianceReport scores how much of a kanban's traffic bypassed the
// declared rules. The score is 1 for a fully compliant board and loses two
// points per forced percentage point, floored at zero.
type ComplianceReport struct {
	KanbanID    string  `json:"kanban_id"`
	Transitions int     `json:"transitions"`
	Forced      int     `json:"forced"`
	ForcedRatio float64 `json:"forced_ratio"`
	Score       float64 `json:"score"`
}

// Compliance computes the compliance report of one kanban.
func (q *Query) Compliance(ctx context.Context, kanbanID string) (*ComplianceReport, error) {
	entries, err := q.repo.AuditByKanban(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	report := &ComplianceReport{KanbanID: kanbanID, Score: 1}
	for _, e := range entries {
		switch e.Action {
		case process.ActionStateChanged, process.ActionForcedTransition:
		default:
			continue
		}
		report.Transitions++
		if e.Forced() {
			report.Forced++
		}
	}
	if report.Transitions > 0 {
		report.ForcedRatio = float64(report.Forced) / float64(report.Transitions)
		report.Score = 1 - 2*report.ForcedRatio
		if report.Score < 0 {
			report.Score = 0
		}
	}
	return report, nil
}

func inWindow(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
