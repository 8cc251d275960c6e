package prereq

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/process"
)

func testProcess(fields map[string]any) *process.Process {
	return &process.Process{
		ProcessID:    "pedidos_20250601_120000_ABCDEFGH",
		KanbanID:     "pedidos",
		CurrentState: "novo",
		FieldValues:  fields,
		CreatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFieldCheckOperators(t *testing.T) {
	tests := []struct {
		name     string
		operator string
		field    string
		expected any
		want     bool
	}{
		{"not_empty set", "not_empty", "cliente", nil, true},
		{"not_empty missing", "not_empty", "ghost", nil, false},
		{"not_empty blank", "not_empty", "obs", nil, false},
		{"equals string", "equals", "cliente", "Ana", true},
		{"equals numeric coercion", "equals", "valor", "100", true},
		{"not_equals", "not_equals", "cliente", "Bruno", true},
		{"contains", "contains", "cliente", "n", true},
		{"contains miss", "contains", "cliente", "zz", false},
		{"greater_than", "greater_than", "valor", 50, true},
		{"greater_than fail", "greater_than", "valor", 200, false},
		{"less_than", "less_than", "valor", 200, true},
		{"greater_or_equal boundary", "greater_or_equal", "valor", float64(100), true},
		{"less_or_equal boundary", "less_or_equal", "valor", float64(100), true},
		{"non-numeric comparison", "greater_than", "cliente", 10, false},
		{"regex full match", "regex", "cliente", "A.a", true},
		{"regex partial is not enough", "regex", "cliente", "A", false},
		{"regex invalid pattern", "regex", "cliente", "(", false},
		{"unknown operator", "almost_equals", "valor", 100, false},
	}

	checker := NewChecker(nil, nil)
	p := testProcess(map[string]any{"cliente": "Ana", "valor": float64(100), "obs": ""})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := checker.Check(context.Background(), []kanban.Prerequisite{{
				Type:     kanban.PrereqFieldCheck,
				Field:    tt.field,
				Operator: tt.operator,
				Value:    tt.expected,
			}}, p, nil)
			require.Len(t, results, 1)
			assert.Equal(t, tt.want, results[0].Satisfied)
			if !tt.want {
				assert.NotEmpty(t, results[0].Message)
			}
		})
	}
}

func TestFieldCheckCustomMessage(t *testing.T) {
	checker := NewChecker(nil, nil)
	results := checker.Check(context.Background(), []kanban.Prerequisite{{
		Type:     kanban.PrereqFieldCheck,
		Field:    "valor",
		Operator: "greater_than",
		Value:    0,
		Message:  "valor deve ser positivo",
	}}, testProcess(map[string]any{"valor": float64(0)}), nil)
	require.Len(t, results, 1)
	assert.False(t, results[0].Satisfied)
	assert.Equal(t, "valor deve ser positivo", results[0].Message)
}

func TestExternalAPI(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		switch r.URL.Path {
		case "/ok/Ana":
			w.Write([]byte(`{"satisfied": true, "message": "approved"}`))
		case "/deny":
			w.Write([]byte(`{"satisfied": false, "message": "manual review"}`))
		case "/garbage":
			w.Write([]byte(`not json`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	checker := NewChecker(nil, nil)
	p := testProcess(map[string]any{"cliente": "Ana"})

	t.Run("satisfied with placeholder substitution", func(t *testing.T) {
		results := checker.Check(context.Background(), []kanban.Prerequisite{{
			Type: kanban.PrereqExternalAPI,
			URL:  srv.URL + "/ok/{cliente}",
		}}, p, nil)
		require.Len(t, results, 1)
		assert.True(t, results[0].Satisfied)
		assert.Equal(t, "approved", results[0].Message)
		assert.Equal(t, "/ok/Ana", gotPath)
	})

	t.Run("explicit denial", func(t *testing.T) {
		results := checker.Check(context.Background(), []kanban.Prerequisite{{
			Type: kanban.PrereqExternalAPI,
			URL:  srv.URL + "/deny",
		}}, p, nil)
		assert.False(t, results[0].Satisfied)
		assert.Equal(t, "manual review", results[0].Message)
	})

	t.Run("non-2xx", func(t *testing.T) {
		results := checker.Check(context.Background(), []kanban.Prerequisite{{
			Type: kanban.PrereqExternalAPI,
			URL:  srv.URL + "/boom",
		}}, p, nil)
		assert.False(t, results[0].Satisfied)
		assert.Contains(t, results[0].Message, "500")
	})

	t.Run("malformed body", func(t *testing.T) {
		results := checker.Check(context.Background(), []kanban.Prerequisite{{
			Type: kanban.PrereqExternalAPI,
			URL:  srv.URL + "/garbage",
		}}, p, nil)
		assert.False(t, results[0].Satisfied)
	})

	t.Run("unreachable host", func(t *testing.T) {
		fast := NewChecker(nil, nil, WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
		results := fast.Check(context.Background(), []kanban.Prerequisite{{
			Type: kanban.PrereqExternalAPI,
			URL:  "http://127.0.0.1:1/never",
		}}, p, nil)
		assert.False(t, results[0].Satisfied)
	})
}

// fixedAudits serves a canned history.
type fixedAudits struct {
	entries []*process.AuditEntry
}

func (f *fixedAudits) History(ctx context.Context, pid string) ([]*process.AuditEntry, error) {
	return f.entries, nil
}

func TestTimeElapsed(t *testing.T) {
	p := testProcess(nil)
	lastTransition := p.CreatedAt.Add(2 * time.Hour)
	audits := &fixedAudits{entries: []*process.AuditEntry{
		{ProcessID: p.ProcessID, Timestamp: p.CreatedAt},
		{ProcessID: p.ProcessID, Timestamp: lastTransition},
	}}

	now := lastTransition.Add(90 * time.Minute)
	checker := NewChecker(audits, nil, WithClock(func() time.Time { return now }))

	t.Run("satisfied", func(t *testing.T) {
		results := checker.Check(context.Background(), []kanban.Prerequisite{{
			Type:  kanban.PrereqTimeElapsed,
			Hours: 1,
		}}, p, nil)
		assert.True(t, results[0].Satisfied)
	})

	t.Run("not yet", func(t *testing.T) {
		results := checker.Check(context.Background(), []kanban.Prerequisite{{
			Type:    kanban.PrereqTimeElapsed,
			Hours:   1,
			Minutes: 45,
		}}, p, nil)
		assert.False(t, results[0].Satisfied)
	})

	t.Run("falls back to created_at without history", func(t *testing.T) {
		bare := NewChecker(&fixedAudits{}, nil, WithClock(func() time.Time { return now }))
		results := bare.Check(context.Background(), []kanban.Prerequisite{{
			Type:  kanban.PrereqTimeElapsed,
			Hours: 3,
		}}, p, nil)
		// 3.5h since creation, 3h required.
		assert.True(t, results[0].Satisfied)
	})
}

func writeScript(t *testing.T, dir, name, code string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(code), 0o644))
}

func TestCustomScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "valor_alto.go", `
func Check(process map[string]any, kanban map[string]any) (bool, string) {
	fields, _ := process["field_values"].(map[string]any)
	valor, _ := fields["valor"].(float64)
	if valor > 50 {
		return true, "high value order"
	}
	return false, "value too low"
}
`)
	writeScript(t, dir, "panics.go", `
func Check(process map[string]any, kanban map[string]any) (bool, string) {
	var m map[string]bool
	m["boom"] = true
	return true, ""
}
`)
	writeScript(t, dir, "forbidden.go", `
import "os"

func Check(process map[string]any, kanban map[string]any) (bool, string) {
	os.Remove("/tmp/x")
	return true, ""
}
`)
	writeScript(t, dir, "no_check.go", `
func Verify() bool { return true }
`)

	runner := NewScriptRunner(dir, time.Second)
	checker := NewChecker(nil, runner)
	def := &kanban.Kanban{ID: "pedidos", Name: "Pedidos"}

	run := func(script string, fields map[string]any) Result {
		results := checker.Check(context.Background(), []kanban.Prerequisite{{
			Type:   kanban.PrereqCustomScript,
			Script: script,
		}}, testProcess(fields), def)
		require.Len(t, results, 1)
		return results[0]
	}

	t.Run("satisfied", func(t *testing.T) {
		res := run("valor_alto.go", map[string]any{"valor": float64(100)})
		assert.True(t, res.Satisfied)
		assert.Equal(t, "high value order", res.Message)
	})

	t.Run("unsatisfied", func(t *testing.T) {
		res := run("valor_alto.go", map[string]any{"valor": float64(10)})
		assert.False(t, res.Satisfied)
		assert.Equal(t, "value too low", res.Message)
	})

	t.Run("panic becomes unsatisfied", func(t *testing.T) {
		res := run("panics.go", nil)
		assert.False(t, res.Satisfied)
		assert.Contains(t, res.Message, "script failed")
	})

	t.Run("forbidden import rejected", func(t *testing.T) {
		res := run("forbidden.go", nil)
		assert.False(t, res.Satisfied)
	})

	t.Run("missing Check function", func(t *testing.T) {
		res := run("no_check.go", nil)
		assert.False(t, res.Satisfied)
	})

	t.Run("missing script", func(t *testing.T) {
		res := run("ghost.go", nil)
		assert.False(t, res.Satisfied)
	})

	t.Run("path traversal rejected", func(t *testing.T) {
		res := run("../outside.go", nil)
		assert.False(t, res.Satisfied)
	})
}

func TestAggregators(t *testing.T) {
	results := []Result{
		{Satisfied: true},
		{Satisfied: false, Message: "a"},
		{Satisfied: false, Message: "b"},
	}
	assert.False(t, AllSatisfied(results))
	assert.Len(t, Unsatisfied(results), 2)
	assert.True(t, AllSatisfied(nil))
}
