// Package process owns the live workflow instances born from form records:
// the process model, the two-table repository (live state plus append-only
// audit log), the tag store and the factory that reacts to form events.
package process

import (
	"time"
)

// Audit actions.
const (
	ActionProcessCreated   = "process_created"
	ActionStateChanged     = "state_changed"
	ActionProcessUpdated   = "process_updated"
	ActionProcessDeleted   = "process_deleted"
	ActionForcedTransition = "forced_transition"
	ActionKanbanModified   = "kanban_modified"
)

// Transition actor types.
const (
	TypeManual = "manual"
	TypeSystem = "system"
	TypeAgent  = "agent"
)

// SLA carries the deadline computed at creation plus per-state targets.
type SLA struct {
	Deadline           time.Time          `json:"deadline"`
	WarnThresholdHours float64            `json:"warn_threshold_hours,omitempty"`
	StateSLAs          map[string]float64 `json:"state_slas,omitempty"`
}

// Process is the live instance of a kanban. History is not carried here; it
// is reconstructed from the audit log.
type Process struct {
	ProcessID       string         `json:"process_id"`
	KanbanID        string         `json:"kanban_id"`
	SourceForm      string         `json:"source_form,omitempty"`
	SourceRecordIdx int            `json:"source_record_idx"`
	CurrentState    string         `json:"current_state"`
	FieldValues     map[string]any `json:"field_values,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Tags            []string       `json:"tags,omitempty"`
	AssignedTo      string         `json:"assigned_to,omitempty"`
	SLA             *SLA           `json:"sla,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Clone returns an independent copy of the process.
func (p *Process) Clone() *Process {
	if p == nil {
		return nil
	}
	out := *p
	if p.FieldValues != nil {
		out.FieldValues = make(map[string]any, len(p.FieldValues))
		for k, v := range p.FieldValues {
			out.FieldValues[k] = v
		}
	}
	if p.Tags != nil {
		out.Tags = append([]string(nil), p.Tags...)
	}
	if p.Metadata != nil {
		out.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	if p.SLA != nil {
		sla := *p.SLA
		if p.SLA.StateSLAs != nil {
			sla.StateSLAs = make(map[string]float64, len(p.SLA.StateSLAs))
			for k, v := range p.SLA.StateSLAs {
				sla.StateSLAs[k] = v
			}
		}
		out.SLA = &sla
	}
	return &out
}

// AuditEntry is one immutable event on one process. The stored layout is
// twelve positional columns; absent values travel as empty strings.
type AuditEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	ProcessID     string    `json:"process_id"`
	KanbanID      string    `json:"kanban_id"`
	Action        string    `json:"action"`
	FromState     string    `json:"from_state,omitempty"`
	ToState       string    `json:"to_state,omitempty"`
	User          string    `json:"user,omitempty"`
	Type          string    `json:"type,omitempty"`
	Justification string    `json:"justification,omitempty"`

	// DurationInPreviousState is in hours.
	DurationInPreviousState float64        `json:"duration_in_previous_state,omitempty"`
	PrerequisitesMet        *bool          `json:"prerequisites_met,omitempty"`
	Metadata                map[string]any `json:"metadata,omitempty"`
}

// Forced reports whether the entry records a forced transition.
func (e *AuditEntry) Forced() bool {
	if e.Action == ActionForcedTransition {
		return true
	}
	if e.Metadata == nil {
		return false
	}
	forced, _ := e.Metadata["forced"].(bool)
	return forced
}

// TagRecord is one tag application on any addressable object. A tag is
// active while RemovedAt is unset; re-adding an active tag is a no-op.
type TagRecord struct {
	ObjectType string         `json:"object_type"`
	ObjectID   string         `json:"object_id"`
	Tag        string         `json:"tag"`
	AppliedAt  time.Time      `json:"applied_at"`
	AppliedBy  string         `json:"applied_by,omitempty"`
	RemovedAt  *time.Time     `json:"removed_at,omitempty"`
	RemovedBy  string         `json:"removed_by,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Active reports whether the tag is currently applied.
func (t *TagRecord) Active() bool { return t.RemovedAt == nil }
