package api

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"fluxo.evalgo.org/agents"
	"fluxo.evalgo.org/analysis"
	"fluxo.evalgo.org/engine"
	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/process"
	"fluxo.evalgo.org/security"
)

// Handlers implements the route bodies over the service bundle.
type Handlers struct {
	services      *Services
	jwtSecret     string
	jwtExpiration time.Duration
}

type errorBody struct {
	Error string `json:"error"`
}

func fail(c echo.Context, code int, msg string) error {
	return c.JSON(code, errorBody{Error: msg})
}

// mapError translates domain errors onto status codes: not-found is 404,
// validation is 400, the policy rejection is 409 and everything else 500.
func mapError(c echo.Context, err error) error {
	var blocked *engine.BlockedError
	switch {
	case errors.As(err, &blocked):
		return c.JSON(http.StatusConflict, map[string]any{
			"error":  "transition blocked",
			"from":   blocked.From,
			"to":     blocked.To,
			"reason": blocked.Reason,
		})
	case errors.Is(err, engine.ErrJustificationRequired):
		return fail(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, process.ErrNotFound),
		errors.Is(err, kanban.ErrNotFound),
		errors.Is(err, agents.ErrNoSuggestion):
		return fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrUnknownState),
		errors.Is(err, process.ErrInvalid),
		errors.Is(err, kanban.ErrInvalidDefinition),
		errors.Is(err, kanban.ErrDuplicateState),
		errors.Is(err, kanban.ErrUnknownStateReference),
		errors.Is(err, kanban.ErrFormConflict):
		return fail(c, http.StatusBadRequest, err.Error())
	default:
		return fail(c, http.StatusInternalServerError, err.Error())
	}
}

// --- auth ---

type tokenRequest struct {
	UserID string `json:"user_id"`
}

// GenerateToken issues a 24h bearer token.
func (h *Handlers) GenerateToken(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request")
	}
	if req.UserID == "" {
		return fail(c, http.StatusBadRequest, "user_id is required")
	}
	expiration := h.jwtExpiration
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	token, err := security.NewJWTService(h.jwtSecret).GenerateToken(req.UserID, expiration)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to generate token")
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

// --- kanbans ---

func (h *Handlers) ListKanbans(c echo.Context) error {
	defs := h.services.Registry.List()
	return c.JSON(http.StatusOK, map[string]any{"kanbans": defs, "count": len(defs)})
}

func (h *Handlers) GetKanban(c echo.Context) error {
	def, err := h.services.Registry.Get(c.Param("id"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

// PutKanban creates or replaces a definition and persists it to the
// kanban directory.
func (h *Handlers) PutKanban(c echo.Context) error {
	var def kanban.Kanban
	if err := c.Bind(&def); err != nil {
		return fail(c, http.StatusBadRequest, "invalid kanban definition")
	}
	if err := h.services.Registry.Register(&def, true); err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"id": def.ID, "status": "registered"})
}

// ValidateKanban checks the posted body when present, the stored
// definition otherwise.
func (h *Handlers) ValidateKanban(c echo.Context) error {
	def := &kanban.Kanban{}
	if c.Request().ContentLength > 0 {
		if err := c.Bind(def); err != nil {
			return fail(c, http.StatusBadRequest, "invalid kanban definition")
		}
	} else {
		var err error
		def, err = h.services.Registry.Get(c.Param("id"))
		if err != nil {
			return mapError(c, err)
		}
	}
	if err := kanban.Validate(def); err != nil {
		return c.JSON(http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"valid": true})
}

func (h *Handlers) DeleteKanban(c echo.Context) error {
	if err := h.services.Registry.Unregister(c.Param("id"), true); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// --- processes ---

func (h *Handlers) ListProcesses(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		procs []*process.Process
		err   error
	)
	if kid := c.QueryParam("kanban_id"); kid != "" {
		procs, err = h.services.Repo.ByKanban(ctx, kid)
	} else {
		procs, err = h.services.Repo.All(ctx)
	}
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"processes": procs, "count": len(procs)})
}

func (h *Handlers) GetProcess(c echo.Context) error {
	p, err := h.services.Repo.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

type transitionRequest struct {
	ToState       string `json:"to_state"`
	Type          string `json:"type"`
	User          string `json:"user"`
	Justification string `json:"justification"`
	Forced        bool   `json:"forced"`
	// FromSuggestion marks the transition as acting on an agent
	// suggestion, which feeds the accuracy loop.
	FromSuggestion bool `json:"from_suggestion"`
}

func (h *Handlers) Transition(c echo.Context) error {
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request")
	}
	if req.ToState == "" {
		return fail(c, http.StatusBadRequest, "to_state is required")
	}
	if req.Type == "" {
		req.Type = process.TypeManual
	}

	ctx := c.Request().Context()
	pid := c.Param("id")
	var (
		result *engine.Result
		err    error
	)
	if req.Forced {
		result, err = h.services.Engine.Force(ctx, pid, req.ToState, req.User, req.Justification)
	} else {
		result, err = h.services.Engine.Execute(ctx, pid, req.ToState, req.Type, req.User, req.Justification)
	}
	if err != nil {
		// An accepted suggestion that the engine refuses still counts
		// against the suggesting agent's accuracy.
		if req.FromSuggestion && h.services.Orchestrator != nil {
			h.services.Orchestrator.Feedback().Confirm(pid, req.ToState, true, false)
		}
		return mapError(c, err)
	}

	if h.services.Orchestrator != nil {
		h.services.Orchestrator.Feedback().Confirm(pid, req.ToState, req.FromSuggestion, true)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handlers) Suggest(c echo.Context) error {
	s, err := h.services.Orchestrator.Suggest(c.Request().Context(), c.Param("id"), c.QueryParam("agent"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handlers) SuggestAll(c echo.Context) error {
	round, err := h.services.Orchestrator.AnalyzeAll(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, round)
}

func (h *Handlers) ValidateTransition(c echo.Context) error {
	v, err := h.services.Orchestrator.Validate(c.Request().Context(), c.Param("id"), c.Param("target"), c.QueryParam("agent"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

// --- dashboard ---

func (h *Handlers) Dashboard(c echo.Context) error {
	ctx := c.Request().Context()
	k := c.Param("k")
	health, err := h.services.Dashboard.KanbanHealth(ctx, k)
	if err != nil {
		return mapError(c, err)
	}
	stats, err := h.services.Dashboard.ProcessStats(ctx, k, queryInt(c, "days", 30))
	if err != nil {
		return mapError(c, err)
	}
	bottlenecks, err := h.services.Dashboard.Bottlenecks(ctx, k)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"health":      health,
		"stats":       stats,
		"bottlenecks": bottlenecks,
	})
}

func (h *Handlers) KanbanHealth(c echo.Context) error {
	health, err := h.services.Dashboard.KanbanHealth(c.Request().Context(), c.Param("k"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, health)
}

func (h *Handlers) Stats(c echo.Context) error {
	stats, err := h.services.Dashboard.ProcessStats(c.Request().Context(), c.Param("k"), queryInt(c, "days", 30))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handlers) Bottlenecks(c echo.Context) error {
	bottlenecks, err := h.services.Dashboard.Bottlenecks(c.Request().Context(), c.Param("k"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"bottlenecks": bottlenecks})
}

// --- anomalies ---

func (h *Handlers) Anomalies(c echo.Context) error {
	report, err := h.services.Detector.Detect(c.Request().Context(), c.Param("k"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handlers) Stuck(c echo.Context) error {
	threshold := queryFloat(c, "threshold", 0)
	stuck, err := h.services.Detector.DetectStuck(c.Request().Context(), c.Param("k"), threshold)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"stuck": stuck})
}

func (h *Handlers) Loops(c echo.Context) error {
	loops, err := h.services.Detector.DetectLoops(c.Request().Context(), c.Param("k"), queryInt(c, "max_size", 0))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"loops": loops})
}

// --- patterns ---

func (h *Handlers) Patterns(c echo.Context) error {
	patterns, err := h.services.Analyzer.FrequentPatterns(c.Request().Context(), c.Param("k"), queryFloat(c, "min_support", 0.1))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"patterns": patterns})
}

func (h *Handlers) ClassifiedPatterns(c echo.Context) error {
	patterns, err := h.services.Analyzer.FrequentPatterns(c.Request().Context(), c.Param("k"), queryFloat(c, "min_support", 0.1))
	if err != nil {
		return mapError(c, err)
	}
	classified := analysis.Classify(patterns, queryFloat(c, "common", 0.5), queryFloat(c, "exceptional", 0.05))
	return c.JSON(http.StatusOK, classified)
}

func (h *Handlers) TransitionMatrix(c echo.Context) error {
	matrix, err := h.services.Analyzer.TransitionMatrix(c.Request().Context(), c.Param("k"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"matrix": matrix})
}

func (h *Handlers) StateDurations(c echo.Context) error {
	durations, err := h.services.Analyzer.StateDurations(c.Request().Context(), c.Param("k"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"durations": durations})
}

func (h *Handlers) Similar(c echo.Context) error {
	similar, err := h.services.Analyzer.SimilarProcesses(c.Request().Context(), c.Param("pid"), c.Param("k"), queryInt(c, "limit", 10))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"similar": similar})
}

// --- audit ---

func (h *Handlers) AuditByProcess(c echo.Context) error {
	entries, err := h.services.Audit.ByProcess(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (h *Handlers) AuditByKanban(c echo.Context) error {
	entries, err := h.services.Audit.ByKanban(c.Request().Context(), c.Param("k"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (h *Handlers) AuditByUser(c echo.Context) error {
	from := queryTime(c, "from")
	to := queryTime(c, "to")
	entries, err := h.services.Audit.ByUser(c.Request().Context(), c.Param("user"), from, to)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (h *Handlers) AuditRecent(c echo.Context) error {
	entries, err := h.services.Audit.Recent(c.Request().Context(), queryInt(c, "n", 50))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (h *Handlers) AuditForced(c echo.Context) error {
	entries, err := h.services.Audit.ForcedOnly(c.Request().Context(), c.Param("k"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (h *Handlers) AuditActivity(c echo.Context) error {
	stats, err := h.services.Audit.Activity(c.Request().Context(), c.Param("k"), queryTime(c, "from"), queryTime(c, "to"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handlers) AuditCompliance(c echo.Context) error {
	report, err := h.services.Audit.Compliance(c.Request().Context(), c.Param("k"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// --- exports ---

// ExportCSV streams the process table (or transitions with ?kind=transitions)
// as text/csv.
func (h *Handlers) ExportCSV(c echo.Context) error {
	ctx := c.Request().Context()
	k := c.Param("k")
	var (
		rows [][]string
		err  error
	)
	if c.QueryParam("kind") == "transitions" {
		rows, err = h.services.Dashboard.TransitionsCSV(ctx, k)
	} else {
		rows, err = h.services.Dashboard.ProcessesCSV(ctx, k)
	}
	if err != nil {
		return mapError(c, err)
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+k+`.csv"`)
	c.Response().WriteHeader(http.StatusOK)
	w := csv.NewWriter(c.Response())
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (h *Handlers) ExportExcel(c echo.Context) error {
	wb, err := h.services.Dashboard.Excel(c.Request().Context(), c.Param("k"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, wb)
}

func (h *Handlers) ExportPDF(c echo.Context) error {
	sections, err := h.services.Dashboard.PDF(c.Request().Context(), c.Param("k"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"sections": sections})
}

// --- helpers ---

func queryInt(c echo.Context, name string, fallback int) int {
	if v := c.QueryParam(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func queryFloat(c echo.Context, name string, fallback float64) float64 {
	if v := c.QueryParam(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func queryTime(c echo.Context, name string) time.Time {
	if v := c.QueryParam(name); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02", v); err == nil {
			return t
		}
	}
	return time.Time{}
}
