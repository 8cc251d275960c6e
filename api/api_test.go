package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxo.evalgo.org/agents"
	"fluxo.evalgo.org/analysis"
	"fluxo.evalgo.org/audit"
	"fluxo.evalgo.org/dashboard"
	"fluxo.evalgo.org/engine"
	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/prereq"
	"fluxo.evalgo.org/process"
	"fluxo.evalgo.org/storage"
)

func pedidosKanban() *kanban.Kanban {
	return &kanban.Kanban{
		ID:   "pedidos",
		Name: "Pedidos",
		States: []kanban.State{
			{ID: "novo", Name: "Novo", Type: kanban.StateTypeInitial},
			{ID: "em_analise", Name: "Em análise"},
			{ID: "aprovado", Name: "Aprovado", Type: kanban.StateTypeFinal},
		},
		RecommendedTransitions: []kanban.TransitionRule{
			{From: "novo", To: "em_analise"},
			{From: "em_analise", To: "aprovado"},
		},
		BlockedTransitions: []kanban.BlockedTransition{
			{From: "aprovado", To: "novo", Reason: "approved orders cannot be reopened"},
		},
		WarnedTransitions: []kanban.WarnedTransition{
			{From: "novo", To: "aprovado", Message: "skipping review", RequireJustification: true},
		},
	}
}

func testServer(t *testing.T, config ServerConfig) (*echo.Echo, *Services) {
	t.Helper()
	driver, err := storage.NewFlatFileDriver(t.TempDir())
	require.NoError(t, err)
	repo, err := process.NewRepository(context.Background(), driver)
	require.NoError(t, err)

	registry := kanban.NewRegistry(t.TempDir())
	require.NoError(t, registry.Register(pedidosKanban(), false))

	checker := prereq.NewChecker(repo, nil)
	analyzer := analysis.NewAnalyzer(repo)
	detector := analysis.NewDetector(analyzer, repo)

	s := &Services{
		Registry:     registry,
		Repo:         repo,
		Engine:       engine.New(registry, repo, checker),
		Orchestrator: agents.NewOrchestrator(repo, registry, analyzer, checker, agents.NewFeedbackLoop()),
		Analyzer:     analyzer,
		Detector:     detector,
		Dashboard:    dashboard.NewService(repo, registry, analyzer, detector),
		Audit:        audit.NewQuery(repo),
	}

	e := NewEchoServer(config)
	SetupRoutes(e, s, config)
	return e, s
}

func seedProcess(t *testing.T, s *Services, pid string) {
	t.Helper()
	p := &process.Process{
		ProcessID:    pid,
		KanbanID:     "pedidos",
		CurrentState: "novo",
		FieldValues:  map[string]any{"valor": 1500},
	}
	require.NoError(t, s.Repo.CreateProcess(context.Background(), p, "maria"))
}

func do(e *echo.Echo, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	e, _ := testServer(t, DefaultServerConfig())
	rec := do(e, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "fluxo", body["service"])
	assert.NotEmpty(t, body["go_version"])
	assert.NotContains(t, body, "build")

	rec = do(e, http.MethodGet, "/healthz?build=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	build := body["build"].(map[string]any)
	assert.NotEmpty(t, build["goVersion"])
}

func TestKanbanCRUD(t *testing.T) {
	e, _ := testServer(t, DefaultServerConfig())

	rec := do(e, http.MethodGet, "/kanbans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.EqualValues(t, 1, list["count"])

	rec = do(e, http.MethodGet, "/kanbans/pedidos", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/kanbans/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	def := `{"id":"rh","name":"RH","states":[{"id":"aberto","name":"Aberto","type":"initial"}]}`
	rec = do(e, http.MethodPost, "/kanbans", def, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodPost, "/kanbans", `{"name":"sem id"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodDelete, "/kanbans/rh", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestValidateKanbanEndpoint(t *testing.T) {
	e, _ := testServer(t, DefaultServerConfig())

	rec := do(e, http.MethodPost, "/kanbans/pedidos/validate", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["valid"])

	bad := `{"id":"x","name":"X","states":[{"id":"a","type":"initial"},{"id":"a"}]}`
	rec = do(e, http.MethodPost, "/kanbans/x/validate", bad, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["valid"])
}

func TestTransitionEndpoint(t *testing.T) {
	e, s := testServer(t, DefaultServerConfig())
	seedProcess(t, s, "PED1")

	rec := do(e, http.MethodPost, "/process/PED1/transition",
		`{"to_state":"em_analise","user":"maria"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	p, err := s.Repo.GetByID(context.Background(), "PED1")
	require.NoError(t, err)
	assert.Equal(t, "em_analise", p.CurrentState)
}

func TestTransitionBlockedIs409(t *testing.T) {
	e, s := testServer(t, DefaultServerConfig())
	seedProcess(t, s, "PED1")
	require.NoError(t, s.Repo.UpdateState(context.Background(), "PED1", "aprovado", process.TransitionLog{
		Type: process.TypeManual, User: "maria",
	}))

	rec := do(e, http.MethodPost, "/process/PED1/transition",
		`{"to_state":"novo","user":"maria"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "approved orders cannot be reopened", body["reason"])
}

func TestTransitionWarnedNeedsJustification(t *testing.T) {
	e, s := testServer(t, DefaultServerConfig())
	seedProcess(t, s, "PED1")

	rec := do(e, http.MethodPost, "/process/PED1/transition",
		`{"to_state":"aprovado","user":"maria"}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(e, http.MethodPost, "/process/PED1/transition",
		`{"to_state":"aprovado","user":"maria","justification":"pedido urgente"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTransitionFailureResolvesSuggestion(t *testing.T) {
	e, s := testServer(t, DefaultServerConfig())
	seedProcess(t, s, "PED9")

	loop := s.Orchestrator.Feedback()
	id := loop.RecordSuggestion(&agents.Suggestion{
		Agent:          agents.AgentRule,
		SuggestedState: "aprovado",
		Confidence:     0.9,
	}, "PED9", "pedidos")

	// The user takes the suggestion but the engine refuses the warned
	// transition without a justification.
	rec := do(e, http.MethodPost, "/process/PED9/transition",
		`{"to_state":"aprovado","user":"maria","from_suggestion":true}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	got, ok := loop.Record(id)
	require.True(t, ok)
	assert.True(t, got.Resolved)
	assert.Equal(t, agents.OutcomeAcceptedFailed, got.Outcome)
	assert.Less(t, loop.Weight(agents.AgentRule), 1.0)
}

func TestTransitionUnknownStateIs400(t *testing.T) {
	e, s := testServer(t, DefaultServerConfig())
	seedProcess(t, s, "PED1")

	rec := do(e, http.MethodPost, "/process/PED1/transition",
		`{"to_state":"inexistente","user":"maria"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessEndpoints(t *testing.T) {
	e, s := testServer(t, DefaultServerConfig())
	seedProcess(t, s, "PED1")
	seedProcess(t, s, "PED2")

	rec := do(e, http.MethodGet, "/processes?kanban_id=pedidos", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.EqualValues(t, 2, list["count"])

	rec = do(e, http.MethodGet, "/processes/PED1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/processes/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSuggestEndpoint(t *testing.T) {
	e, s := testServer(t, DefaultServerConfig())
	seedProcess(t, s, "PED1")

	rec := do(e, http.MethodGet, "/processes/PED1/suggest", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sug map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sug))
	assert.Equal(t, "em_analise", sug["suggested_state"])

	rec = do(e, http.MethodGet, "/processes/PED1/suggest/all", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/processes/PED1/validate/aprovado", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnalysisAndDashboardEndpoints(t *testing.T) {
	e, s := testServer(t, DefaultServerConfig())
	seedProcess(t, s, "PED1")
	require.NoError(t, s.Repo.UpdateState(context.Background(), "PED1", "em_analise", process.TransitionLog{
		Type: process.TypeManual, User: "maria",
	}))

	for _, path := range []string{
		"/dashboard/pedidos",
		"/health/pedidos",
		"/stats/pedidos",
		"/bottlenecks/pedidos",
		"/anomalies/pedidos",
		"/anomalies/pedidos/stuck",
		"/anomalies/pedidos/loops",
		"/patterns/pedidos",
		"/patterns/pedidos/classified",
		"/patterns/pedidos/matrix",
		"/patterns/pedidos/durations",
		"/patterns/pedidos/similar/PED1",
	} {
		rec := do(e, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAuditEndpoints(t *testing.T) {
	e, s := testServer(t, DefaultServerConfig())
	seedProcess(t, s, "PED1")
	require.NoError(t, s.Repo.UpdateState(context.Background(), "PED1", "em_analise", process.TransitionLog{
		Type: process.TypeManual, User: "joao",
	}))

	rec := do(e, http.MethodGet, "/audit/process/PED1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body["count"])

	for _, path := range []string{
		"/audit/kanban/pedidos",
		"/audit/user/joao",
		"/audit/recent?n=5",
		"/audit/forced/pedidos",
		"/audit/activity/pedidos",
		"/audit/compliance/pedidos",
	} {
		rec := do(e, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestExportEndpoints(t *testing.T) {
	e, s := testServer(t, DefaultServerConfig())
	seedProcess(t, s, "PED1")

	rec := do(e, http.MethodGet, "/export/pedidos/csv", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/csv")
	assert.Contains(t, rec.Body.String(), "PED1")

	rec = do(e, http.MethodGet, "/export/pedidos/excel", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/export/pedidos/pdf", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	config := DefaultServerConfig()
	config.APIKey = "s3cret"
	e, _ := testServer(t, config)

	rec := do(e, http.MethodGet, "/kanbans", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(e, http.MethodGet, "/kanbans", "", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(e, http.MethodGet, "/kanbans", "", map[string]string{"X-API-Key": "s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTAuth(t *testing.T) {
	config := DefaultServerConfig()
	config.JWTSecret = "topsecret"
	e, _ := testServer(t, config)

	rec := do(e, http.MethodGet, "/kanbans", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodGet, "/kanbans", "", map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(e, http.MethodPost, "/auth/token", `{"user_id":"maria"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["token"])

	rec = do(e, http.MethodGet, "/kanbans", "", map[string]string{
		"Authorization": "Bearer " + body["token"],
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}
