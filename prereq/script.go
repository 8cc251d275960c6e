package prereq

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/process"
)

// DefaultScriptTimeout is the wall-clock guard on one script run.
const DefaultScriptTimeout = 5 * time.Second

// Script errors.
var (
	ErrScriptNotFound  = errors.New("prereq: script not found")
	ErrForbiddenImport = errors.New("prereq: forbidden import")
	ErrBadScript       = errors.New("prereq: script must define Check(process, kanban map[string]any) (bool, string)")
	ErrScriptTimeout   = errors.New("prereq: script timed out")
)

// allowedImports is the whitelist of pure stdlib packages a prerequisite
// script may use. Anything touching the filesystem, the network or the
// runtime is rejected before evaluation.
var allowedImports = map[string]bool{
	"fmt":     true,
	"strings": true,
	"strconv": true,
	"math":    true,
	"regexp":  true,
	"sort":    true,
	"time":    true,
	"errors":  true,
	"unicode": true,
}

// ScriptRunner executes prerequisite scripts from a fixed directory inside a
// yaegi interpreter. A script sees only the process and kanban projections
// handed to its Check function; every panic or evaluation error surfaces as
// a plain error the checker converts to satisfied=false.
type ScriptRunner struct {
	dir     string
	timeout time.Duration
}

// NewScriptRunner creates a runner over one scripts directory.
func NewScriptRunner(dir string, timeout time.Duration) *ScriptRunner {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &ScriptRunner{dir: dir, timeout: timeout}
}

// Run loads and executes one script by file name. The script must define
//
//	func Check(process map[string]any, kanban map[string]any) (bool, string)
//
// in package main (the wrapper adds the clause when missing).
func (sr *ScriptRunner) Run(ctx context.Context, name string, p *process.Process, k *kanban.Kanban) (bool, string, error) {
	if name == "" || strings.Contains(name, "..") || strings.ContainsRune(name, os.PathSeparator) {
		return false, "", fmt.Errorf("%w: %q", ErrScriptNotFound, name)
	}
	code, err := os.ReadFile(filepath.Join(sr.dir, name))
	if err != nil {
		return false, "", fmt.Errorf("%w: %s", ErrScriptNotFound, name)
	}

	src := wrapScript(string(code))
	if err := validateImports(src); err != nil {
		return false, "", err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return false, "", fmt.Errorf("failed to load interpreter symbols: %w", err)
	}
	if _, err := i.Eval(src); err != nil {
		return false, "", fmt.Errorf("script evaluation failed: %w", err)
	}

	v, err := i.Eval("main.Check")
	if err != nil {
		return false, "", ErrBadScript
	}
	check, ok := v.Interface().(func(map[string]any, map[string]any) (bool, string))
	if !ok {
		return false, "", ErrBadScript
	}

	type outcome struct {
		satisfied bool
		message   string
		err       error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("script panicked: %v", r)}
			}
		}()
		satisfied, message := check(processView(p), kanbanView(k))
		done <- outcome{satisfied: satisfied, message: message}
	}()

	timer := time.NewTimer(sr.timeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.satisfied, out.message, out.err
	case <-timer.C:
		return false, "", ErrScriptTimeout
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

// wrapScript prefixes a package clause when the script omits one.
func wrapScript(code string) string {
	trimmed := strings.TrimSpace(code)
	if strings.HasPrefix(trimmed, "package ") {
		return code
	}
	return "package main\n\n" + code
}

// validateImports parses the source and rejects any import outside the
// whitelist.
func validateImports(src string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "script.go", src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("script does not parse: %w", err)
	}
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil || !allowedImports[path] {
			return fmt.Errorf("%w: %s", ErrForbiddenImport, imp.Path.Value)
		}
	}
	return nil
}

// processView is the read-only projection a script receives.
func processView(p *process.Process) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	fields := make(map[string]any, len(p.FieldValues))
	for k, v := range p.FieldValues {
		fields[k] = v
	}
	return map[string]any{
		"process_id":    p.ProcessID,
		"kanban_id":     p.KanbanID,
		"current_state": p.CurrentState,
		"field_values":  fields,
		"created_at":    p.CreatedAt,
		"updated_at":    p.UpdatedAt,
		"tags":          append([]string(nil), p.Tags...),
		"assigned_to":   p.AssignedTo,
	}
}

// kanbanView exposes the definition without sharing the caller's copy.
func kanbanView(k *kanban.Kanban) map[string]any {
	if k == nil {
		return map[string]any{}
	}
	states := make([]map[string]any, len(k.States))
	for i, s := range k.States {
		states[i] = map[string]any{"id": s.ID, "name": s.Name, "type": s.Type}
	}
	return map[string]any{
		"id":     k.ID,
		"name":   k.Name,
		"states": states,
	}
}
