package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fluxo.evalgo.org/common"
	"fluxo.evalgo.org/ident"
	"fluxo.evalgo.org/storage"
)

// Logical table names.
const (
	ProcessTable = "workflow_processes"
	AuditTable   = "workflow_audit"
	TagTable     = "workflow_tags"
)

// Repository errors.
var (
	ErrNotFound      = errors.New("process: not found")
	ErrInvalid       = errors.New("process: invalid process")
	ErrAuditConflict = errors.New("process: audit append failed, operation rolled back")
)

// processSchema is the live table: one row per process, structured values
// JSON-encoded into textarea columns.
func processSchema() *storage.Schema {
	return &storage.Schema{
		Title: "Workflow Processes",
		Fields: []storage.Field{
			{Name: "kanban_id", Type: "text", Required: true},
			{Name: "source_form", Type: "text"},
			{Name: "source_record_idx", Type: "number"},
			{Name: "current_state", Type: "text", Required: true},
			{Name: "field_values", Type: "textarea"},
			{Name: "created_at", Type: "text"},
			{Name: "updated_at", Type: "text"},
			{Name: "tags", Type: "textarea"},
			{Name: "assigned_to", Type: "text"},
			{Name: "sla", Type: "textarea"},
			{Name: "metadata", Type: "textarea"},
		},
	}
}

// auditSchema is the append-only log: twelve positional columns.
func auditSchema() *storage.Schema {
	return &storage.Schema{
		Title: "Workflow Audit",
		Fields: []storage.Field{
			{Name: "timestamp", Type: "text", Required: true},
			{Name: "process_id", Type: "text", Required: true},
			{Name: "kanban_id", Type: "text"},
			{Name: "action", Type: "text", Required: true},
			{Name: "from_state", Type: "text"},
			{Name: "to_state", Type: "text"},
			{Name: "user", Type: "text"},
			{Name: "type", Type: "text"},
			{Name: "justification", Type: "textarea"},
			{Name: "duration_in_previous_state", Type: "number"},
			{Name: "prerequisites_met", Type: "text"},
			{Name: "metadata_json", Type: "textarea"},
		},
	}
}

// Repository persists processes and their audit trail through a pluggable
// storage driver. The live table and the audit table are written in one
// logical operation: a failed audit append rolls the live write back.
type Repository struct {
	driver storage.Driver
	now    func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository creates the repository and provisions both tables.
func NewRepository(ctx context.Context, driver storage.Driver, opts ...Option) (*Repository, error) {
	r := &Repository{driver: driver, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(r)
	}
	if err := driver.CreateStorage(ctx, ProcessTable, processSchema()); err != nil {
		return nil, fmt.Errorf("failed to provision process table: %w", err)
	}
	if err := driver.CreateStorage(ctx, AuditTable, auditSchema()); err != nil {
		return nil, fmt.Errorf("failed to provision audit table: %w", err)
	}
	if err := driver.CreateStorage(ctx, TagTable, tagSchema()); err != nil {
		return nil, fmt.Errorf("failed to provision tag table: %w", err)
	}
	return r, nil
}

// Driver exposes the underlying storage driver.
func (r *Repository) Driver() storage.Driver { return r.driver }

// Now returns the repository clock reading.
func (r *Repository) Now() time.Time { return r.now() }

// CreateProcess writes the live record and the process_created audit entry.
// A missing ProcessID gets a generated identifier.
func (r *Repository) CreateProcess(ctx context.Context, p *Process, user string) error {
	if p == nil || p.KanbanID == "" || p.CurrentState == "" {
		return fmt.Errorf("%w: kanban_id and current_state are required", ErrInvalid)
	}
	if p.ProcessID == "" {
		p.ProcessID = ident.New()
	}
	now := r.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt

	if _, err := r.driver.Create(ctx, ProcessTable, processSchema(), flattenProcess(p)); err != nil {
		return fmt.Errorf("failed to create process %s: %w", p.ProcessID, err)
	}

	entry := &AuditEntry{
		Timestamp: p.CreatedAt,
		ProcessID: p.ProcessID,
		KanbanID:  p.KanbanID,
		Action:    ActionProcessCreated,
		ToState:   p.CurrentState,
		User:      user,
		Type:      TypeSystem,
	}
	if err := r.appendAudit(ctx, entry); err != nil {
		// Compensate: no live record without its creation entry.
		if delErr := r.driver.DeleteByID(ctx, ProcessTable, processSchema(), p.ProcessID); delErr != nil {
			common.Logger.WithError(delErr).Errorf("failed to roll back process %s after audit failure", p.ProcessID)
		}
		return fmt.Errorf("%w: %v", ErrAuditConflict, err)
	}
	return nil
}

// GetByID reads one process.
func (r *Repository) GetByID(ctx context.Context, pid string) (*Process, error) {
	rec, err := r.driver.ReadByID(ctx, ProcessTable, processSchema(), pid)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, pid)
		}
		return nil, err
	}
	return inflateProcess(rec)
}

// All returns every process in creation order.
func (r *Repository) All(ctx context.Context) ([]*Process, error) {
	return r.query(ctx, func(p *Process) bool { return true })
}

// ByKanban returns the processes of one kanban.
func (r *Repository) ByKanban(ctx context.Context, kanbanID string) ([]*Process, error) {
	return r.query(ctx, func(p *Process) bool { return p.KanbanID == kanbanID })
}

// BySourceForm returns the processes created from one form path.
func (r *Repository) BySourceForm(ctx context.Context, formPath string) ([]*Process, error) {
	return r.query(ctx, func(p *Process) bool { return p.SourceForm == formPath })
}

// ByState returns the processes of one kanban sitting in one state.
func (r *Repository) ByState(ctx context.Context, kanbanID, state string) ([]*Process, error) {
	return r.query(ctx, func(p *Process) bool {
		return p.KanbanID == kanbanID && p.CurrentState == state
	})
}

// BySourceRecord locates the process linked to one form record.
func (r *Repository) BySourceRecord(ctx context.Context, formPath string, recordIdx int) (*Process, error) {
	procs, err := r.query(ctx, func(p *Process) bool {
		return p.SourceForm == formPath && p.SourceRecordIdx == recordIdx
	})
	if err != nil {
		return nil, err
	}
	if len(procs) == 0 {
		return nil, fmt.Errorf("%w: form %s record %d", ErrNotFound, formPath, recordIdx)
	}
	return procs[0], nil
}

func (r *Repository) query(ctx context.Context, keep func(*Process) bool) ([]*Process, error) {
	recs, err := r.driver.ReadAll(ctx, ProcessTable, processSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to read processes: %w", err)
	}
	var out []*Process
	for _, rec := range recs {
		p, err := inflateProcess(rec)
		if err != nil {
			common.Logger.WithError(err).Warnf("skipping unreadable process record %s", rec[storage.ColumnID])
			continue
		}
		if keep(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// TransitionLog carries the audit detail of one state change.
type TransitionLog struct {
	Action           string // defaults to state_changed
	Type             string // manual, system or agent
	User             string
	Justification    string
	DurationHours    float64
	PrerequisitesMet *bool
	Metadata         map[string]any
}

// UpdateState moves the live record to a new state and appends the matching
// audit entry. The audit failure path restores the previous live state.
func (r *Repository) UpdateState(ctx context.Context, pid, newState string, log TransitionLog) error {
	prev, err := r.GetByID(ctx, pid)
	if err != nil {
		return err
	}

	updated := prev.Clone()
	updated.CurrentState = newState
	updated.UpdatedAt = r.now()
	if err := r.driver.UpdateByID(ctx, ProcessTable, processSchema(), pid, flattenProcess(updated)); err != nil {
		return fmt.Errorf("failed to update process %s: %w", pid, err)
	}

	action := log.Action
	if action == "" {
		action = ActionStateChanged
	}
	entry := &AuditEntry{
		Timestamp:               updated.UpdatedAt,
		ProcessID:               pid,
		KanbanID:                prev.KanbanID,
		Action:                  action,
		FromState:               prev.CurrentState,
		ToState:                 newState,
		User:                    log.User,
		Type:                    log.Type,
		Justification:           log.Justification,
		DurationInPreviousState: log.DurationHours,
		PrerequisitesMet:        log.PrerequisitesMet,
		Metadata:                log.Metadata,
	}
	if err := r.appendAudit(ctx, entry); err != nil {
		if restoreErr := r.driver.UpdateByID(ctx, ProcessTable, processSchema(), pid, flattenProcess(prev)); restoreErr != nil {
			common.Logger.WithError(restoreErr).Errorf("failed to restore process %s after audit failure", pid)
		}
		return fmt.Errorf("%w: %v", ErrAuditConflict, err)
	}
	return nil
}

// UpdateProcess merges field values, assignment and metadata into the live
// record and logs a process_updated entry.
func (r *Repository) UpdateProcess(ctx context.Context, pid string, patch map[string]any, user string) error {
	prev, err := r.GetByID(ctx, pid)
	if err != nil {
		return err
	}

	updated := prev.Clone()
	for key, value := range patch {
		switch key {
		case "field_values":
			if fields, ok := value.(map[string]any); ok {
				if updated.FieldValues == nil {
					updated.FieldValues = make(map[string]any, len(fields))
				}
				for k, v := range fields {
					updated.FieldValues[k] = v
				}
			}
		case "assigned_to":
			if s, ok := value.(string); ok {
				updated.AssignedTo = s
			}
		case "source_form":
			if s, ok := value.(string); ok {
				updated.SourceForm = s
			}
		case "tags":
			if tags, ok := value.([]string); ok {
				updated.Tags = tags
			}
		case "metadata":
			if meta, ok := value.(map[string]any); ok {
				if updated.Metadata == nil {
					updated.Metadata = make(map[string]any, len(meta))
				}
				for k, v := range meta {
					updated.Metadata[k] = v
				}
			}
		}
	}
	updated.UpdatedAt = r.now()

	if err := r.driver.UpdateByID(ctx, ProcessTable, processSchema(), pid, flattenProcess(updated)); err != nil {
		return fmt.Errorf("failed to update process %s: %w", pid, err)
	}

	entry := &AuditEntry{
		Timestamp: updated.UpdatedAt,
		ProcessID: pid,
		KanbanID:  prev.KanbanID,
		Action:    ActionProcessUpdated,
		User:      user,
		Type:      TypeSystem,
	}
	if err := r.appendAudit(ctx, entry); err != nil {
		if restoreErr := r.driver.UpdateByID(ctx, ProcessTable, processSchema(), pid, flattenProcess(prev)); restoreErr != nil {
			common.Logger.WithError(restoreErr).Errorf("failed to restore process %s after audit failure", pid)
		}
		return fmt.Errorf("%w: %v", ErrAuditConflict, err)
	}
	return nil
}

// DeleteProcess removes the live record and logs a process_deleted entry.
// The audit trail of the process is kept.
func (r *Repository) DeleteProcess(ctx context.Context, pid, user string) error {
	prev, err := r.GetByID(ctx, pid)
	if err != nil {
		return err
	}
	if err := r.driver.DeleteByID(ctx, ProcessTable, processSchema(), pid); err != nil {
		return fmt.Errorf("failed to delete process %s: %w", pid, err)
	}

	entry := &AuditEntry{
		Timestamp: r.now(),
		ProcessID: pid,
		KanbanID:  prev.KanbanID,
		Action:    ActionProcessDeleted,
		FromState: prev.CurrentState,
		User:      user,
		Type:      TypeSystem,
	}
	if err := r.appendAudit(ctx, entry); err != nil {
		common.Logger.WithError(err).Errorf("failed to log deletion of process %s", pid)
	}
	return nil
}

// History returns the audit entries of one process, oldest first.
func (r *Repository) History(ctx context.Context, pid string) ([]*AuditEntry, error) {
	return r.auditQuery(ctx, func(e *AuditEntry) bool { return e.ProcessID == pid })
}

// AuditByKanban returns every audit entry of one kanban, oldest first.
func (r *Repository) AuditByKanban(ctx context.Context, kanbanID string) ([]*AuditEntry, error) {
	return r.auditQuery(ctx, func(e *AuditEntry) bool { return e.KanbanID == kanbanID })
}

// AuditAll returns the full audit log, oldest first. A missing audit table
// reads as empty.
func (r *Repository) AuditAll(ctx context.Context) ([]*AuditEntry, error) {
	return r.auditQuery(ctx, func(e *AuditEntry) bool { return true })
}

// AppendAudit writes one standalone audit entry (kanban_modified and other
// events not tied to a state change).
func (r *Repository) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}
	return r.appendAudit(ctx, entry)
}

func (r *Repository) appendAudit(ctx context.Context, entry *AuditEntry) error {
	if _, err := r.driver.Create(ctx, AuditTable, auditSchema(), flattenAudit(entry)); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (r *Repository) auditQuery(ctx context.Context, keep func(*AuditEntry) bool) ([]*AuditEntry, error) {
	recs, err := r.driver.ReadAll(ctx, AuditTable, auditSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	var out []*AuditEntry
	for _, rec := range recs {
		entry, err := inflateAudit(rec)
		if err != nil {
			common.Logger.WithError(err).Warnf("skipping unreadable audit record %s", rec[storage.ColumnID])
			continue
		}
		if keep(entry) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Flatten and inflate translate between the structured models and the
// scalar-only driver records. Structured values travel as JSON strings.

func flattenProcess(p *Process) storage.Record {
	rec := storage.Record{
		storage.ColumnID:    p.ProcessID,
		"kanban_id":         p.KanbanID,
		"source_form":       p.SourceForm,
		"source_record_idx": strconv.Itoa(p.SourceRecordIdx),
		"current_state":     p.CurrentState,
		"field_values":      encodeJSON(p.FieldValues),
		"created_at":        p.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":        p.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"tags":              encodeJSON(p.Tags),
		"assigned_to":       p.AssignedTo,
		"sla":               encodeJSON(p.SLA),
		"metadata":          encodeJSON(p.Metadata),
	}
	return rec
}

func inflateProcess(rec storage.Record) (*Process, error) {
	p := &Process{
		ProcessID:    rec[storage.ColumnID],
		KanbanID:     rec["kanban_id"],
		SourceForm:   rec["source_form"],
		CurrentState: rec["current_state"],
		AssignedTo:   rec["assigned_to"],
	}
	if idx := rec["source_record_idx"]; idx != "" {
		n, err := strconv.Atoi(idx)
		if err != nil {
			return nil, fmt.Errorf("%w: bad source_record_idx %q", ErrInvalid, idx)
		}
		p.SourceRecordIdx = n
	}
	var err error
	if p.CreatedAt, err = parseTime(rec["created_at"]); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(rec["updated_at"]); err != nil {
		return nil, err
	}
	if err := decodeJSON(rec["field_values"], &p.FieldValues); err != nil {
		return nil, err
	}
	if err := decodeJSON(rec["tags"], &p.Tags); err != nil {
		return nil, err
	}
	if err := decodeJSON(rec["sla"], &p.SLA); err != nil {
		return nil, err
	}
	if err := decodeJSON(rec["metadata"], &p.Metadata); err != nil {
		return nil, err
	}
	return p, nil
}

func flattenAudit(e *AuditEntry) storage.Record {
	met := ""
	if e.PrerequisitesMet != nil {
		met = strconv.FormatBool(*e.PrerequisitesMet)
	}
	duration := ""
	if e.DurationInPreviousState != 0 {
		duration = strconv.FormatFloat(e.DurationInPreviousState, 'f', -1, 64)
	}
	return storage.Record{
		"timestamp":                  e.Timestamp.UTC().Format(time.RFC3339Nano),
		"process_id":                 e.ProcessID,
		"kanban_id":                  e.KanbanID,
		"action":                     e.Action,
		"from_state":                 e.FromState,
		"to_state":                   e.ToState,
		"user":                       e.User,
		"type":                       e.Type,
		"justification":              e.Justification,
		"duration_in_previous_state": duration,
		"prerequisites_met":          met,
		"metadata_json":              encodeJSON(e.Metadata),
	}
}

func inflateAudit(rec storage.Record) (*AuditEntry, error) {
	e := &AuditEntry{
		ProcessID:     rec["process_id"],
		KanbanID:      rec["kanban_id"],
		Action:        rec["action"],
		FromState:     rec["from_state"],
		ToState:       rec["to_state"],
		User:          rec["user"],
		Type:          rec["type"],
		Justification: rec["justification"],
	}
	var err error
	if e.Timestamp, err = parseTime(rec["timestamp"]); err != nil {
		return nil, err
	}
	if d := rec["duration_in_previous_state"]; d != "" {
		if e.DurationInPreviousState, err = strconv.ParseFloat(d, 64); err != nil {
			return nil, fmt.Errorf("%w: bad duration %q", ErrInvalid, d)
		}
	}
	if met := rec["prerequisites_met"]; met != "" {
		b, err := strconv.ParseBool(met)
		if err != nil {
			return nil, fmt.Errorf("%w: bad prerequisites_met %q", ErrInvalid, met)
		}
		e.PrerequisitesMet = &b
	}
	if err := decodeJSON(rec["metadata_json"], &e.Metadata); err != nil {
		return nil, err
	}
	return e, nil
}

func encodeJSON(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case map[string]any:
		if len(val) == 0 {
			return ""
		}
	case []string:
		if len(val) == 0 {
			return ""
		}
	case *SLA:
		if val == nil {
			return ""
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeJSON(s string, out any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalid, s)
	}
	return t.UTC(), nil
}
