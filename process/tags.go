package process

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fluxo.evalgo.org/storage"
)

// ObjectTypeProcess tags a workflow process; arbitrary form records use
// their form path as object type.
const ObjectTypeProcess = "process"

func tagSchema() *storage.Schema {
	return &storage.Schema{
		Title: "Workflow Tags",
		Fields: []storage.Field{
			{Name: "object_type", Type: "text", Required: true},
			{Name: "object_id", Type: "text", Required: true},
			{Name: "tag", Type: "text", Required: true},
			{Name: "applied_at", Type: "text"},
			{Name: "applied_by", Type: "text"},
			{Name: "removed_at", Type: "text"},
			{Name: "removed_by", Type: "text"},
			{Name: "metadata", Type: "textarea"},
		},
	}
}

// NormalizeTag lowers the token and reduces it to alphanumerics and
// underscores. Whitespace and dashes become underscores.
func NormalizeTag(tag string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(tag)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '-':
			b.WriteRune('_')
		}
	}
	return b.String()
}

// AddTag applies a tag to an object. Re-applying an active tag is a no-op;
// the returned bool reports whether a new record was written. Tagging a
// process also refreshes the live record's tag list.
func (r *Repository) AddTag(ctx context.Context, objectType, objectID, tag, user string) (bool, error) {
	tag = NormalizeTag(tag)
	if tag == "" {
		return false, fmt.Errorf("%w: empty tag", ErrInvalid)
	}

	active, err := r.ActiveTags(ctx, objectType, objectID)
	if err != nil {
		return false, err
	}
	for _, t := range active {
		if t == tag {
			return false, nil
		}
	}

	rec := storage.Record{
		"object_type": objectType,
		"object_id":   objectID,
		"tag":         tag,
		"applied_at":  r.now().Format(time.RFC3339Nano),
		"applied_by":  user,
	}
	if _, err := r.driver.Create(ctx, TagTable, tagSchema(), rec); err != nil {
		return false, fmt.Errorf("failed to apply tag %s: %w", tag, err)
	}

	if objectType == ObjectTypeProcess {
		if err := r.syncProcessTags(ctx, objectID); err != nil {
			return true, err
		}
	}
	return true, nil
}

// RemoveTag retires the active application of a tag, preserving history.
// Removing a tag that is not active is a no-op.
func (r *Repository) RemoveTag(ctx context.Context, objectType, objectID, tag, user string) (bool, error) {
	tag = NormalizeTag(tag)
	recs, err := r.driver.ReadAll(ctx, TagTable, tagSchema())
	if err != nil {
		return false, fmt.Errorf("failed to read tags: %w", err)
	}

	removed := false
	for _, rec := range recs {
		if rec["object_type"] != objectType || rec["object_id"] != objectID {
			continue
		}
		if rec["tag"] != tag || rec["removed_at"] != "" {
			continue
		}
		updated := rec.Clone()
		updated["removed_at"] = r.now().Format(time.RFC3339Nano)
		updated["removed_by"] = user
		if err := r.driver.UpdateByID(ctx, TagTable, tagSchema(), rec[storage.ColumnID], updated); err != nil {
			return false, fmt.Errorf("failed to remove tag %s: %w", tag, err)
		}
		removed = true
	}

	if removed && objectType == ObjectTypeProcess {
		if err := r.syncProcessTags(ctx, objectID); err != nil {
			return true, err
		}
	}
	return removed, nil
}

// ActiveTags returns the currently applied tags of an object in application
// order.
func (r *Repository) ActiveTags(ctx context.Context, objectType, objectID string) ([]string, error) {
	recs, err := r.driver.ReadAll(ctx, TagTable, tagSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to read tags: %w", err)
	}
	var tags []string
	for _, rec := range recs {
		if rec["object_type"] == objectType && rec["object_id"] == objectID && rec["removed_at"] == "" {
			tags = append(tags, rec["tag"])
		}
	}
	return tags, nil
}

// TagHistory returns every tag application on an object, including retired
// ones, in application order.
func (r *Repository) TagHistory(ctx context.Context, objectType, objectID string) ([]*TagRecord, error) {
	recs, err := r.driver.ReadAll(ctx, TagTable, tagSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to read tags: %w", err)
	}
	var out []*TagRecord
	for _, rec := range recs {
		if rec["object_type"] != objectType || rec["object_id"] != objectID {
			continue
		}
		t := &TagRecord{
			ObjectType: rec["object_type"],
			ObjectID:   rec["object_id"],
			Tag:        rec["tag"],
			AppliedBy:  rec["applied_by"],
			RemovedBy:  rec["removed_by"],
		}
		if t.AppliedAt, err = parseTime(rec["applied_at"]); err != nil {
			return nil, err
		}
		if rec["removed_at"] != "" {
			removedAt, err := parseTime(rec["removed_at"])
			if err != nil {
				return nil, err
			}
			t.RemovedAt = &removedAt
		}
		if err := decodeJSON(rec["metadata"], &t.Metadata); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// syncProcessTags mirrors the active tag set onto the live process record so
// reads of the process alone stay accurate.
func (r *Repository) syncProcessTags(ctx context.Context, pid string) error {
	tags, err := r.ActiveTags(ctx, ObjectTypeProcess, pid)
	if err != nil {
		return err
	}
	p, err := r.GetByID(ctx, pid)
	if err != nil {
		return err
	}
	p.Tags = tags
	p.UpdatedAt = r.now()
	if err := r.driver.UpdateByID(ctx, ProcessTable, processSchema(), pid, flattenProcess(p)); err != nil {
		return fmt.Errorf("failed to sync tags of process %s: %w", pid, err)
	}
	return nil
}
