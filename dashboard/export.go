package dashboard

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Sheet is one list-of-lists worksheet of a structural Excel export.
type Sheet struct {
	Name string  `json:"name"`
	Rows [][]any `json:"rows"`
}

// Workbook is the three-sheet structural Excel export.
type Workbook struct {
	Sheets []Sheet `json:"sheets"`
}

// Section is one block of a structural PDF export, renderer-agnostic.
type Section struct {
	Title   string `json:"title"`
	Type    string `json:"type"`
	Content any    `json:"content"`
}

var processHeader = []string{"process_id", "kanban_id", "current_state", "assigned_to", "tags", "created_at", "updated_at"}

var transitionHeader = []string{"timestamp", "process_id", "action", "from_state", "to_state", "user", "type", "justification"}

// ProcessesCSV returns the header row plus one row per live process.
func (s *Service) ProcessesCSV(ctx context.Context, kanbanID string) ([][]string, error) {
	procs, err := s.repo.ByKanban(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	rows := [][]string{processHeader}
	for _, p := range procs {
		rows = append(rows, []string{
			p.ProcessID,
			p.KanbanID,
			p.CurrentState,
			p.AssignedTo,
			strings.Join(p.Tags, ","),
			p.CreatedAt.UTC().Format(time.RFC3339),
			p.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return rows, nil
}

// TransitionsCSV returns the header row plus one row per audit entry.
func (s *Service) TransitionsCSV(ctx context.Context, kanbanID string) ([][]string, error) {
	entries, err := s.repo.AuditByKanban(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	rows := [][]string{transitionHeader}
	for _, e := range entries {
		rows = append(rows, []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			e.ProcessID,
			e.Action,
			e.FromState,
			e.ToState,
			e.User,
			e.Type,
			e.Justification,
		})
	}
	return rows, nil
}

// Excel builds the three-sheet structural workbook.
func (s *Service) Excel(ctx context.Context, kanbanID string) (*Workbook, error) {
	processes, err := s.ProcessesCSV(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	transitions, err := s.TransitionsCSV(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	stats, err := s.ProcessStats(ctx, kanbanID, 30)
	if err != nil {
		return nil, err
	}

	summary := [][]any{
		{"metric", "value"},
		{"total_processes", stats.Total},
		{"completed", stats.Completed},
		{"completion_rate", stats.CompletionRate},
		{"avg_cycle_hours", stats.AvgCycleHours},
	}
	for state, count := range stats.ByState {
		summary = append(summary, []any{"state:" + state, count})
	}

	return &Workbook{Sheets: []Sheet{
		{Name: "Processes", Rows: anyRows(processes)},
		{Name: "Transitions", Rows: anyRows(transitions)},
		{Name: "Summary", Rows: summary},
	}}, nil
}

// PDF builds the renderer-agnostic section list.
func (s *Service) PDF(ctx context.Context, kanbanID string) ([]Section, error) {
	health, err := s.KanbanHealth(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	stats, err := s.ProcessStats(ctx, kanbanID, 30)
	if err != nil {
		return nil, err
	}
	processes, err := s.ProcessesCSV(ctx, kanbanID)
	if err != nil {
		return nil, err
	}

	return []Section{
		{Title: "Health", Type: "stats", Content: health},
		{Title: "Summary", Type: "stats", Content: stats},
		{Title: "Processes (" + strconv.Itoa(len(processes)-1) + ")", Type: "table", Content: processes},
	}, nil
}

func anyRows(rows [][]string) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		cells := make([]any, len(row))
		for j, cell := range row {
			cells[j] = cell
		}
		out[i] = cells
	}
	return out
}
