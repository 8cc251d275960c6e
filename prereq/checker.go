// Package prereq evaluates transition prerequisites: field checks, external
// API probes, elapsed-time gates and sandboxed custom scripts. The checker
// never raises: every failure mode, timeouts and script panics included,
// resolves to a non-satisfied result carrying a diagnostic message.
package prereq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fluxo.evalgo.org/common"
	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/process"
)

// DefaultAPITimeout bounds external_api probes.
const DefaultAPITimeout = 5 * time.Second

// Result is the outcome of one prerequisite evaluation.
type Result struct {
	Type      string         `json:"type"`
	Satisfied bool           `json:"satisfied"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditSource yields the history needed by time_elapsed checks.
type AuditSource interface {
	History(ctx context.Context, pid string) ([]*process.AuditEntry, error)
}

// Checker evaluates prerequisite lists against a process and its kanban.
type Checker struct {
	client  *http.Client
	scripts *ScriptRunner
	audits  AuditSource
	now     func() time.Time
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithHTTPClient overrides the external_api client.
func WithHTTPClient(c *http.Client) CheckerOption {
	return func(ch *Checker) { ch.client = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) CheckerOption {
	return func(ch *Checker) { ch.now = now }
}

// NewChecker builds a checker. audits may be nil when no time_elapsed
// prerequisite is in play; scripts may be nil to reject custom_script.
func NewChecker(audits AuditSource, scripts *ScriptRunner, opts ...CheckerOption) *Checker {
	ch := &Checker{
		client:  &http.Client{Timeout: DefaultAPITimeout},
		scripts: scripts,
		audits:  audits,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// Check evaluates every prerequisite in order. Errors never escape; they
// become non-satisfied results.
func (c *Checker) Check(ctx context.Context, prereqs []kanban.Prerequisite, p *process.Process, k *kanban.Kanban) []Result {
	results := make([]Result, 0, len(prereqs))
	for _, pr := range prereqs {
		results = append(results, c.checkOne(ctx, pr, p, k))
	}
	return results
}

// AllSatisfied reports whether every result passed.
func AllSatisfied(results []Result) bool {
	for _, r := range results {
		if !r.Satisfied {
			return false
		}
	}
	return true
}

// Unsatisfied filters the failing results.
func Unsatisfied(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Satisfied {
			out = append(out, r)
		}
	}
	return out
}

func (c *Checker) checkOne(ctx context.Context, pr kanban.Prerequisite, p *process.Process, k *kanban.Kanban) Result {
	var res Result
	switch pr.Type {
	case kanban.PrereqFieldCheck:
		res = c.checkField(pr, p)
	case kanban.PrereqExternalAPI:
		res = c.checkAPI(ctx, pr, p)
	case kanban.PrereqTimeElapsed:
		res = c.checkElapsed(ctx, pr, p)
	case kanban.PrereqCustomScript:
		res = c.checkScript(ctx, pr, p, k)
	default:
		res = Result{Type: pr.Type, Satisfied: false, Message: fmt.Sprintf("unknown prerequisite type %q", pr.Type)}
	}
	if !res.Satisfied && pr.Message != "" {
		res.Message = pr.Message
	}
	return res
}

func (c *Checker) checkField(pr kanban.Prerequisite, p *process.Process) Result {
	res := Result{Type: kanban.PrereqFieldCheck, Details: map[string]any{"field": pr.Field, "operator": pr.Operator}}

	var value any
	if p != nil && p.FieldValues != nil {
		value = p.FieldValues[pr.Field]
	}

	satisfied, msg := applyOperator(pr.Operator, value, pr.Value)
	res.Satisfied = satisfied
	if !satisfied {
		res.Message = fmt.Sprintf("field %q %s", pr.Field, msg)
	}
	return res
}

func applyOperator(op string, value, expected any) (bool, string) {
	switch op {
	case "not_empty":
		if value == nil || asString(value) == "" {
			return false, "is empty"
		}
		return true, ""
	case "equals":
		if equalValues(value, expected) {
			return true, ""
		}
		return false, fmt.Sprintf("is %v, expected %v", value, expected)
	case "not_equals":
		if !equalValues(value, expected) {
			return true, ""
		}
		return false, fmt.Sprintf("must differ from %v", expected)
	case "contains":
		if strings.Contains(asString(value), asString(expected)) {
			return true, ""
		}
		return false, fmt.Sprintf("does not contain %v", expected)
	case "greater_than", "less_than", "greater_or_equal", "less_or_equal":
		a, okA := asFloat(value)
		b, okB := asFloat(expected)
		if !okA || !okB {
			return false, fmt.Sprintf("is not comparable to %v", expected)
		}
		var pass bool
		switch op {
		case "greater_than":
			pass = a > b
		case "less_than":
			pass = a < b
		case "greater_or_equal":
			pass = a >= b
		case "less_or_equal":
			pass = a <= b
		}
		if pass {
			return true, ""
		}
		return false, fmt.Sprintf("is %v, wanted %s %v", value, op, expected)
	case "regex":
		pattern := asString(expected)
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return false, fmt.Sprintf("has invalid pattern %q", pattern)
		}
		if re.MatchString(asString(value)) {
			return true, ""
		}
		return false, fmt.Sprintf("does not match %q", pattern)
	default:
		return false, fmt.Sprintf("has unknown operator %q", op)
	}
}

// equalValues compares numerically when both sides coerce to float, by
// string identity otherwise.
func equalValues(a, b any) bool {
	fa, okA := asFloat(a)
	fb, okB := asFloat(b)
	if okA && okB {
		return fa == fb
	}
	return asString(a) == asString(b)
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func asFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// apiResponse is the accepted body shape of an external_api probe.
type apiResponse struct {
	Satisfied bool   `json:"satisfied"`
	Message   string `json:"message"`
}

func (c *Checker) checkAPI(ctx context.Context, pr kanban.Prerequisite, p *process.Process) Result {
	res := Result{Type: kanban.PrereqExternalAPI, Details: map[string]any{"url": pr.URL}}

	url := substituteFields(pr.URL, p)
	method := strings.ToUpper(pr.Method)
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		res.Message = fmt.Sprintf("invalid request: %v", err)
		return res
	}
	for k, v := range pr.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		res.Message = fmt.Sprintf("request failed: %v", err)
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return res
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		res.Message = fmt.Sprintf("failed to read response: %v", err)
		return res
	}
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		res.Message = fmt.Sprintf("malformed response: %v", err)
		return res
	}

	res.Satisfied = parsed.Satisfied
	res.Message = parsed.Message
	if !res.Satisfied && res.Message == "" {
		res.Message = "external check not satisfied"
	}
	return res
}

// substituteFields replaces {field} placeholders with process field values.
func substituteFields(s string, p *process.Process) string {
	if p == nil || len(p.FieldValues) == 0 || !strings.Contains(s, "{") {
		return s
	}
	out := s
	for field, value := range p.FieldValues {
		out = strings.ReplaceAll(out, "{"+field+"}", asString(value))
	}
	return out
}

func (c *Checker) checkElapsed(ctx context.Context, pr kanban.Prerequisite, p *process.Process) Result {
	res := Result{Type: kanban.PrereqTimeElapsed}
	if p == nil {
		res.Message = "no process"
		return res
	}

	reference := p.CreatedAt
	if c.audits != nil {
		history, err := c.audits.History(ctx, p.ProcessID)
		if err != nil {
			common.Logger.WithError(err).Warnf("time_elapsed falling back to created_at for %s", p.ProcessID)
		} else if len(history) > 0 {
			reference = history[len(history)-1].Timestamp
		}
	}

	required := time.Duration(pr.Hours*3600+pr.Minutes*60) * time.Second
	elapsed := c.now().Sub(reference)
	res.Details = map[string]any{
		"required_seconds": required.Seconds(),
		"elapsed_seconds":  elapsed.Seconds(),
	}
	if elapsed >= required {
		res.Satisfied = true
		return res
	}
	res.Message = fmt.Sprintf("only %.0fs of %.0fs elapsed", elapsed.Seconds(), required.Seconds())
	return res
}

func (c *Checker) checkScript(ctx context.Context, pr kanban.Prerequisite, p *process.Process, k *kanban.Kanban) Result {
	res := Result{Type: kanban.PrereqCustomScript, Details: map[string]any{"script": pr.Script}}
	if c.scripts == nil {
		res.Message = "script execution not configured"
		return res
	}
	satisfied, msg, err := c.scripts.Run(ctx, pr.Script, p, k)
	if err != nil {
		res.Message = fmt.Sprintf("script failed: %v", err)
		return res
	}
	res.Satisfied = satisfied
	res.Message = msg
	return res
}
