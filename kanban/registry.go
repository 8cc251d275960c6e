package kanban

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"fluxo.evalgo.org/common"
)

// Registry errors.
var (
	ErrNotFound     = errors.New("kanban: definition not found")
	ErrFormConflict = errors.New("kanban: form already linked to another kanban")
)

// FileError attributes a load failure to the file that caused it.
type FileError struct {
	File string `json:"file"`
	Err  error  `json:"-"`
}

func (e FileError) Error() string { return fmt.Sprintf("%s: %v", e.File, e.Err) }
func (e FileError) Unwrap() error { return e.Err }

// LoadReport summarizes one directory load. Malformed files are rejected
// individually; the rest of the directory still loads.
type LoadReport struct {
	Loaded int         `json:"loaded"`
	Errors []FileError `json:"errors,omitempty"`
}

// Registry is the process-wide index of workflow definitions. It maintains
// two lookup tables, id → definition and form path → kanban id, rebuilt
// atomically on load. Reads take a shared hold, writes an exclusive one.
type Registry struct {
	mu     sync.RWMutex
	dir    string
	byID   map[string]*Kanban
	byForm map[string]string
}

// NewRegistry creates an empty registry rooted at the given definitions
// directory. Call LoadAll to populate it.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:    dir,
		byID:   make(map[string]*Kanban),
		byForm: make(map[string]string),
	}
}

// LoadAll parses every *.json, *.yaml and *.yml file in the registry
// directory, validates each definition, and rebuilds both indexes
// atomically. Individual malformed files are collected on the report and do
// not fail the load. A missing directory is not an error; it yields an empty
// registry.
func (r *Registry) LoadAll() (*LoadReport, error) {
	report := &LoadReport{}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.swap(map[string]*Kanban{}, map[string]string{})
			return report, nil
		}
		return nil, fmt.Errorf("failed to read kanban directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	byID := make(map[string]*Kanban, len(names))
	byForm := make(map[string]string)

	for _, name := range names {
		def, err := parseFile(filepath.Join(r.dir, name))
		if err == nil {
			err = Validate(def)
		}
		if err == nil {
			if _, dup := byID[def.ID]; dup {
				err = fmt.Errorf("%w: id %q already loaded", ErrInvalidDefinition, def.ID)
			}
		}
		if err == nil {
			err = checkFormPartition(byForm, def)
		}
		if err != nil {
			common.Logger.WithError(err).Warnf("skipping kanban definition %s", name)
			report.Errors = append(report.Errors, FileError{File: name, Err: err})
			continue
		}

		byID[def.ID] = def
		for _, form := range def.LinkedForms {
			byForm[form] = def.ID
		}
		report.Loaded++
	}

	r.swap(byID, byForm)
	common.Logger.Infof("kanban registry loaded %d definitions (%d rejected)", report.Loaded, len(report.Errors))
	return report, nil
}

// Get returns a defensive copy of the definition with the given id.
func (r *Registry) Get(id string) (*Kanban, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return def.Clone(), nil
}

// GetByForm resolves the kanban linked to a form path and returns a
// defensive copy.
func (r *Registry) GetByForm(formPath string) (*Kanban, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byForm[formPath]
	if !ok {
		return nil, fmt.Errorf("%w: no kanban linked to form %s", ErrNotFound, formPath)
	}
	return r.byID[id].Clone(), nil
}

// List returns defensive copies of all loaded definitions, sorted by id.
func (r *Registry) List() []*Kanban {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Kanban, 0, len(r.byID))
	for _, def := range r.byID {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Register validates a definition, updates both indexes, and optionally
// persists the JSON file as <id>.json in the registry directory. A form
// already linked to a different kanban is rejected.
func (r *Registry) Register(def *Kanban, persist bool) error {
	if err := Validate(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, form := range def.LinkedForms {
		if owner, ok := r.byForm[form]; ok && owner != def.ID {
			return fmt.Errorf("%w: form %q owned by %q", ErrFormConflict, form, owner)
		}
	}

	// Drop form links owned by the previous version of this definition.
	if prev, ok := r.byID[def.ID]; ok {
		for _, form := range prev.LinkedForms {
			delete(r.byForm, form)
		}
	}

	stored := def.Clone()
	r.byID[def.ID] = stored
	for _, form := range stored.LinkedForms {
		r.byForm[form] = stored.ID
	}

	if persist {
		if err := r.writeFile(stored); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes a definition from both indexes and optionally deletes
// its backing file.
func (r *Registry) Unregister(id string, deleteFile bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	delete(r.byID, id)
	for _, form := range def.LinkedForms {
		if r.byForm[form] == id {
			delete(r.byForm, form)
		}
	}

	if deleteFile {
		path := filepath.Join(r.dir, id+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete kanban file: %w", err)
		}
	}
	return nil
}

func (r *Registry) swap(byID map[string]*Kanban, byForm map[string]string) {
	r.mu.Lock()
	r.byID = byID
	r.byForm = byForm
	r.mu.Unlock()
}

func (r *Registry) writeFile(def *Kanban) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create kanban directory: %w", err)
	}
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal kanban %s: %w", def.ID, err)
	}
	path := filepath.Join(r.dir, def.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write kanban file: %w", err)
	}
	return nil
}

func checkFormPartition(byForm map[string]string, def *Kanban) error {
	for _, form := range def.LinkedForms {
		if owner, ok := byForm[form]; ok && owner != def.ID {
			return fmt.Errorf("%w: form %q owned by %q", ErrFormConflict, form, owner)
		}
	}
	return nil
}

func parseFile(path string) (*Kanban, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	def := &Kanban{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, def); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
	default:
		if err := json.Unmarshal(data, def); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
	}
	return def, nil
}

// Process-wide singleton lifecycle. Services that do not need multiple
// registries use Init at startup and Default everywhere else.

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// Init loads the process-wide registry from the given directory. Calling it
// again replaces the previous singleton.
func Init(dir string) (*LoadReport, error) {
	reg := NewRegistry(dir)
	report, err := reg.LoadAll()
	if err != nil {
		return nil, err
	}
	defaultMu.Lock()
	defaultRegistry = reg
	defaultMu.Unlock()
	return report, nil
}

// Default returns the process-wide registry, or nil before Init.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

// Shutdown releases the process-wide registry.
func Shutdown() {
	defaultMu.Lock()
	defaultRegistry = nil
	defaultMu.Unlock()
}
