// Package api exposes the workflow engine over HTTP: kanban management,
// process transitions, agent suggestions, analysis views, audit queries
// and exports, behind optional API-key or JWT auth.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"fluxo.evalgo.org/agents"
	"fluxo.evalgo.org/analysis"
	"fluxo.evalgo.org/audit"
	"fluxo.evalgo.org/dashboard"
	"fluxo.evalgo.org/engine"
	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/process"
	"fluxo.evalgo.org/version"
)

// ServerConfig drives the echo setup.
type ServerConfig struct {
	Port            int
	Debug           bool
	BodyLimit       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimit       float64 // requests per second, 0 disables

	// APIKey gates every route with an X-API-Key header when set.
	APIKey string
	// JWTSecret switches auth to bearer tokens when set; it wins over
	// APIKey and also signs the /auth/token endpoint's output.
	JWTSecret string
	// JWTExpiration bounds issued tokens; zero means 24h.
	JWTExpiration time.Duration
}

// DefaultServerConfig returns the usual deployment defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            8080,
		BodyLimit:       "10M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

// Services bundles everything the handlers need.
type Services struct {
	Registry     *kanban.Registry
	Repo         *process.Repository
	Engine       *engine.Engine
	Orchestrator *agents.Orchestrator
	Analyzer     *analysis.Analyzer
	Detector     *analysis.Detector
	Dashboard    *dashboard.Service
	Audit        *audit.Query
}

// NewEchoServer builds the echo instance with the standard middleware
// stack.
func NewEchoServer(config ServerConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = config.Debug

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	if config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(config.BodyLimit))
	}
	if len(config.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: config.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet, http.MethodPost, http.MethodPut,
				http.MethodDelete, http.MethodPatch, http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin, echo.HeaderContentType,
				echo.HeaderAccept, echo.HeaderAuthorization, "X-API-Key",
			},
		}))
	}
	e.Use(middleware.RequestID())
	if config.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(config.RateLimit),
		)))
	}
	return e
}

// APIKeyMiddleware validates the X-API-Key header. An empty configured
// key disables the check.
func APIKeyMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}
			key := c.Request().Header.Get("X-API-Key")
			if key == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing API key")
			}
			if key != apiKey {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}
			return next(c)
		}
	}
}

// SetupRoutes mounts the full resource surface.
func SetupRoutes(e *echo.Echo, s *Services, config ServerConfig) {
	h := &Handlers{services: s, jwtSecret: config.JWTSecret, jwtExpiration: config.JWTExpiration}

	e.GET("/healthz", func(c echo.Context) error {
		build := version.GetBuildInfo()
		body := map[string]any{
			"status":     "healthy",
			"service":    "fluxo",
			"version":    version.GetFluxoVersion(),
			"go_version": build.GoVersion,
		}
		if c.QueryParam("build") != "" {
			body["build"] = build
		}
		return c.JSON(http.StatusOK, body)
	})
	if config.JWTSecret != "" {
		e.POST("/auth/token", h.GenerateToken)
	}

	g := e.Group("")
	switch {
	case config.JWTSecret != "":
		g.Use(echojwt.WithConfig(echojwt.Config{
			SigningKey:  []byte(config.JWTSecret),
			TokenLookup: "header:Authorization:Bearer ",
		}))
	case config.APIKey != "":
		g.Use(APIKeyMiddleware(config.APIKey))
	}

	g.GET("/kanbans", h.ListKanbans)
	g.GET("/kanbans/:id", h.GetKanban)
	g.POST("/kanbans", h.PutKanban)
	g.POST("/kanbans/:id/validate", h.ValidateKanban)
	g.DELETE("/kanbans/:id", h.DeleteKanban)

	g.GET("/processes", h.ListProcesses)
	g.GET("/processes/:id", h.GetProcess)
	g.POST("/process/:id/transition", h.Transition)
	g.GET("/processes/:id/suggest", h.Suggest)
	g.GET("/processes/:id/suggest/all", h.SuggestAll)
	g.GET("/processes/:id/validate/:target", h.ValidateTransition)

	g.GET("/dashboard/:k", h.Dashboard)
	g.GET("/health/:k", h.KanbanHealth)
	g.GET("/stats/:k", h.Stats)
	g.GET("/bottlenecks/:k", h.Bottlenecks)

	g.GET("/anomalies/:k", h.Anomalies)
	g.GET("/anomalies/:k/stuck", h.Stuck)
	g.GET("/anomalies/:k/loops", h.Loops)

	g.GET("/patterns/:k", h.Patterns)
	g.GET("/patterns/:k/classified", h.ClassifiedPatterns)
	g.GET("/patterns/:k/matrix", h.TransitionMatrix)
	g.GET("/patterns/:k/durations", h.StateDurations)
	g.GET("/patterns/:k/similar/:pid", h.Similar)

	g.GET("/audit/process/:id", h.AuditByProcess)
	g.GET("/audit/kanban/:k", h.AuditByKanban)
	g.GET("/audit/user/:user", h.AuditByUser)
	g.GET("/audit/recent", h.AuditRecent)
	g.GET("/audit/forced/:k", h.AuditForced)
	g.GET("/audit/activity/:k", h.AuditActivity)
	g.GET("/audit/compliance/:k", h.AuditCompliance)

	g.GET("/export/:k/csv", h.ExportCSV)
	g.GET("/export/:k/excel", h.ExportExcel)
	g.GET("/export/:k/pdf", h.ExportPDF)
}

// StartServer runs the server with the configured timeouts.
func StartServer(e *echo.Echo, config ServerConfig) error {
	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return e.StartServer(s)
}

// GracefulShutdown stops the server within the timeout.
func GracefulShutdown(e *echo.Echo, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
