package process

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"fluxo.evalgo.org/common"
	"fluxo.evalgo.org/ident"
	"fluxo.evalgo.org/kanban"
)

// OrphanPrefix marks a process whose backing form record was deleted.
const OrphanPrefix = "[DELETED]"

// OrphanPolicy selects what happens to a process when its form record
// disappears.
type OrphanPolicy int

const (
	// OrphanMark prefixes source_form with OrphanPrefix and keeps the
	// process around for CleanupOrphaned.
	OrphanMark OrphanPolicy = iota
	// OrphanDelete removes the process immediately.
	OrphanDelete
)

// FormEvent is one form save, update or delete notification.
type FormEvent struct {
	FormPath  string
	Data      map[string]any
	RecordIdx int
	User      string
}

// SyncResult summarizes one bulk synchronization run.
type SyncResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// EventSink receives one lifecycle event after the repository write. The
// factory calls it synchronously with the audit action name as the event
// type.
type EventSink func(eventType string, def *kanban.Kanban, p *Process)

// Factory turns form events into processes: it resolves the linked kanban,
// generates the readable process id, applies the field mapping and computes
// the SLA before handing the record to the repository.
type Factory struct {
	registry     *kanban.Registry
	repo         *Repository
	orphanPolicy OrphanPolicy
	events       EventSink
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithEventSink registers the hook invoked on process creation, update
// and deletion.
func WithEventSink(fn EventSink) FactoryOption {
	return func(f *Factory) { f.events = fn }
}

// NewFactory wires a factory to a registry and repository.
func NewFactory(registry *kanban.Registry, repo *Repository, orphanPolicy OrphanPolicy, opts ...FactoryOption) *Factory {
	f := &Factory{registry: registry, repo: repo, orphanPolicy: orphanPolicy}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) emit(eventType string, def *kanban.Kanban, p *Process) {
	if f.events != nil {
		f.events(eventType, def, p)
	}
}

// NewProcessID builds the readable process identifier:
// {kanban_id}_{YYYYMMDD_HHMMSS}_{8-char random}.
func NewProcessID(kanbanID string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s", kanbanID, now.UTC().Format("20060102_150405"), randomSuffix(8))
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = ident.Alphabet[int(b)%len(ident.Alphabet)]
	}
	return string(out)
}

// OnFormSave creates a process for a freshly saved form record. Forms not
// linked to a kanban create nothing; the bool reports whether a process was
// created.
func (f *Factory) OnFormSave(ctx context.Context, event FormEvent) (*Process, bool, error) {
	def, err := f.registry.GetByForm(event.FormPath)
	if err != nil {
		if errors.Is(err, kanban.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	initial := def.InitialState()
	if initial == nil {
		return nil, false, fmt.Errorf("%w: kanban %s has no resolvable initial state", kanban.ErrInvalidDefinition, def.ID)
	}

	now := f.repo.Now()
	p := &Process{
		ProcessID:       NewProcessID(def.ID, now),
		KanbanID:        def.ID,
		SourceForm:      event.FormPath,
		SourceRecordIdx: event.RecordIdx,
		CurrentState:    initial.ID,
		FieldValues:     applyFieldMapping(def, event.Data),
		CreatedAt:       now,
		SLA:             computeSLA(def, now),
	}
	if err := f.repo.CreateProcess(ctx, p, event.User); err != nil {
		return nil, false, err
	}
	common.Logger.WithField("process_id", p.ProcessID).Infof("created process from form %s", event.FormPath)
	f.emit(ActionProcessCreated, def, p)
	return p, true, nil
}

// OnFormUpdate refreshes the mapped field values of the linked process. An
// update for a record with no process yet falls back to creation.
func (f *Factory) OnFormUpdate(ctx context.Context, event FormEvent) (*Process, error) {
	p, err := f.repo.BySourceRecord(ctx, event.FormPath, event.RecordIdx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			created, _, err := f.OnFormSave(ctx, event)
			return created, err
		}
		return nil, err
	}

	def, err := f.registry.GetByForm(event.FormPath)
	if err != nil {
		return nil, err
	}
	patch := map[string]any{"field_values": applyFieldMapping(def, event.Data)}
	if err := f.repo.UpdateProcess(ctx, p.ProcessID, patch, event.User); err != nil {
		return nil, err
	}
	updated, err := f.repo.GetByID(ctx, p.ProcessID)
	if err != nil {
		return nil, err
	}
	f.emit(ActionProcessUpdated, def, updated)
	return updated, nil
}

// OnFormDelete applies the orphan policy to the linked process.
func (f *Factory) OnFormDelete(ctx context.Context, formPath string, recordIdx int, user string) error {
	p, err := f.repo.BySourceRecord(ctx, formPath, recordIdx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if f.orphanPolicy == OrphanDelete {
		if err := f.repo.DeleteProcess(ctx, p.ProcessID, user); err != nil {
			return err
		}
		def, _ := f.registry.Get(p.KanbanID)
		f.emit(ActionProcessDeleted, def, p)
		return nil
	}
	patch := map[string]any{"source_form": OrphanPrefix + p.SourceForm}
	return f.repo.UpdateProcess(ctx, p.ProcessID, patch, user)
}

// SyncExistingForms reconciles the process table against a full export of
// one form. Records without a process get one; records with a process are
// refreshed when recreate is set and skipped otherwise. The run is
// idempotent.
func (f *Factory) SyncExistingForms(ctx context.Context, formPath string, records []map[string]any, recreate bool, user string) (*SyncResult, error) {
	result := &SyncResult{}
	for idx, data := range records {
		event := FormEvent{FormPath: formPath, Data: data, RecordIdx: idx, User: user}

		_, err := f.repo.BySourceRecord(ctx, formPath, idx)
		switch {
		case err == nil:
			if !recreate {
				result.Skipped++
				continue
			}
			if _, err := f.OnFormUpdate(ctx, event); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", idx, err))
				continue
			}
			result.Updated++
		case errors.Is(err, ErrNotFound):
			_, created, err := f.OnFormSave(ctx, event)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", idx, err))
				continue
			}
			if created {
				result.Created++
			} else {
				result.Skipped++
			}
		default:
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", idx, err))
		}
	}
	common.Logger.Infof("form sync %s: %d created, %d updated, %d skipped, %d errors",
		formPath, result.Created, result.Updated, result.Skipped, len(result.Errors))
	return result, nil
}

// CleanupOrphaned deletes the processes flagged orphaned for one form path.
// An empty form path cleans every orphan.
func (f *Factory) CleanupOrphaned(ctx context.Context, formPath string, user string) (int, error) {
	procs, err := f.repo.All(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range procs {
		if !strings.HasPrefix(p.SourceForm, OrphanPrefix) {
			continue
		}
		if formPath != "" && strings.TrimPrefix(p.SourceForm, OrphanPrefix) != formPath {
			continue
		}
		if err := f.repo.DeleteProcess(ctx, p.ProcessID, user); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// applyFieldMapping renames form fields to process fields. Without a
// mapping the data passes through unchanged; with one, unmapped fields are
// dropped.
func applyFieldMapping(def *kanban.Kanban, data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	if len(def.FieldMapping) == 0 {
		out := make(map[string]any, len(data))
		for k, v := range data {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(def.FieldMapping))
	for formField, processField := range def.FieldMapping {
		if v, ok := data[formField]; ok {
			out[processField] = v
		}
	}
	return out
}

// computeSLA derives the process SLA from the kanban. The warn threshold is
// a quarter of the total budget.
func computeSLA(def *kanban.Kanban, now time.Time) *SLA {
	var stateSLAs map[string]float64
	for _, s := range def.States {
		if s.SLAHours > 0 {
			if stateSLAs == nil {
				stateSLAs = make(map[string]float64)
			}
			stateSLAs[s.ID] = s.SLAHours
		}
	}
	if def.SLAHours <= 0 && stateSLAs == nil {
		return nil
	}
	sla := &SLA{StateSLAs: stateSLAs}
	if def.SLAHours > 0 {
		sla.Deadline = def.SLADeadline(now)
		sla.WarnThresholdHours = def.SLAHours / 4
	}
	return sla
}
