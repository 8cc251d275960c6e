// Package cli wires the service together behind a cobra command tree:
// configuration loading, storage driver selection, kanban registry
// startup, the transition engine with its sweeper, notification
// dispatch and the HTTP API with graceful shutdown.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fluxo.evalgo.org/agents"
	"fluxo.evalgo.org/analysis"
	"fluxo.evalgo.org/api"
	"fluxo.evalgo.org/audit"
	"fluxo.evalgo.org/common"
	"fluxo.evalgo.org/config"
	"fluxo.evalgo.org/dashboard"
	"fluxo.evalgo.org/engine"
	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/notification"
	"fluxo.evalgo.org/prereq"
	"fluxo.evalgo.org/process"
	"fluxo.evalgo.org/storage"
	"fluxo.evalgo.org/version"
)

var cfgFile string

// RootCmd is the fluxo entry point; running it without a subcommand
// starts the server.
var RootCmd = &cobra.Command{
	Use:   "fluxo",
	Short: "data-driven workflow engine for form-backed kanbans",
	Long: `Fluxo runs form records through kanban-defined workflows:
states, recommended and blocked transitions, prerequisites, an
append-only audit trail, agent-based suggestions and process analysis,
all exposed over a REST API.

Configuration comes from config.yaml, a .env file and FLUXO_*
environment variables, in rising precedence.`,
	Version: version.GetFluxoVersion(),
	Run:     runServer,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, ~/.fluxo, /etc/fluxo)")
	RootCmd.PersistentFlags().Int("port", 0, "HTTP server port")
	RootCmd.PersistentFlags().String("storage-driver", "", "process store backend: flatfile, bolt or postgres")
	RootCmd.PersistentFlags().String("kanban-dir", "", "directory holding the kanban definition files")
	RootCmd.AddCommand(serveCmd)
}

// serveCmd is the explicit form of the default action.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the HTTP server",
	Run:   runServer,
}

// loadConfig merges file, env and flag configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig("FLUXO", cfgFile)
	if err != nil {
		return nil, err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if driver, _ := cmd.Flags().GetString("storage-driver"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if dir, _ := cmd.Flags().GetString("kanban-dir"); dir != "" {
		cfg.Kanban.Dir = dir
	}
	return cfg, config.ValidateConfig(cfg)
}

func configureLogging(cfg *config.Config) {
	lc := common.DefaultLoggerConfig()
	lc.Level = common.LogLevel(cfg.Logging.Level)
	lc.Format = cfg.Logging.Format
	common.Configure(lc)
}

// openDriver selects the process store backend.
func openDriver(ctx context.Context, cfg *config.Config) (storage.Driver, error) {
	switch cfg.Storage.Driver {
	case "flatfile":
		return storage.NewFlatFileDriver(cfg.Storage.Dir)
	case "bolt":
		return storage.NewBoltDriver(cfg.Storage.Path)
	case "postgres":
		return storage.NewPostgresDriver(ctx, cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func buildHub(cfg *config.Config) *notification.Hub {
	if !cfg.Notifications.Enabled {
		return nil
	}
	mailer := notification.NewSMTPMailer(notification.SMTPConfigFromEnv())
	dispatchers := map[string]*notification.Dispatcher{
		"email": notification.NewDispatcher(
			notification.NewEmailSender(mailer, nil),
			notification.WithQueueSize(cfg.Notifications.QueueSize),
		),
		"webhook": notification.NewDispatcher(
			notification.NewWebhookSender(),
			notification.WithQueueSize(cfg.Notifications.QueueSize),
		),
	}
	return notification.NewHub(dispatchers)
}

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to load configuration")
	}
	configureLogging(cfg)
	log := common.ServiceLogger("fluxo")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := openDriver(ctx, cfg)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to open process store")
	}
	defer driver.Close()

	registry := kanban.NewRegistry(cfg.Kanban.Dir)
	report, err := registry.LoadAll()
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to load kanban definitions")
	}
	for _, fe := range report.Errors {
		common.Logger.WithError(fe.Err).Warnf("skipped kanban file %s", fe.File)
	}
	log.Infof("loaded %d kanban definitions from %s", report.Loaded, cfg.Kanban.Dir)

	hub := buildHub(cfg)
	if hub != nil {
		hub.Start(ctx)
		defer hub.Stop()
	}

	repo, checker, eng, err := buildEngine(ctx, cfg, registry, driver, publishTo(hub))
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to build engine")
	}

	if cfg.Sweeper.Enabled {
		locker, err := sweeperLocker(cfg)
		if err != nil {
			common.Logger.WithError(err).Fatal("failed to connect sweep locker")
		}
		sweeper := engine.NewSweeper(eng, locker, cfg.Sweeper.Interval, func() []string {
			defs := registry.List()
			ids := make([]string, 0, len(defs))
			for _, d := range defs {
				ids = append(ids, d.ID)
			}
			return ids
		})
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	analyzer := analysis.NewAnalyzer(repo)
	detector := analysis.NewDetector(analyzer, repo)
	services := &api.Services{
		Registry:     registry,
		Repo:         repo,
		Engine:       eng,
		Orchestrator: agents.NewOrchestrator(repo, registry, analyzer, checker, agents.NewFeedbackLoop()),
		Analyzer:     analyzer,
		Detector:     detector,
		Dashboard:    dashboard.NewService(repo, registry, analyzer, detector),
		Audit:        audit.NewQuery(repo),
	}

	serverConfig := api.ServerConfig{
		Port:            cfg.Server.Port,
		Debug:           cfg.Server.Debug,
		BodyLimit:       cfg.Server.BodyLimit,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AllowedOrigins:  cfg.Security.AllowedOrigins,
		RateLimit:       cfg.Security.RateLimit,
		APIKey:          cfg.Security.APIKey,
		JWTSecret:       cfg.Security.JWTSecret,
		JWTExpiration:   cfg.Security.JWTExpiration,
	}
	e := api.NewEchoServer(serverConfig)
	api.SetupRoutes(e, services, serverConfig)

	go func() {
		log.Infof("server listening on port %d", cfg.Server.Port)
		if err := api.StartServer(e, serverConfig); err != nil && err != http.ErrServerClosed {
			common.Logger.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()
	if err := api.GracefulShutdown(e, cfg.Server.ShutdownTimeout); err != nil {
		common.Logger.WithError(err).Error("shutdown incomplete")
	}
}

// publishTo adapts the hub into the engine's event hook. A nil hub yields
// a nil sink, which the engine treats as no-op.
func publishTo(hub *notification.Hub) engine.EventSink {
	if hub == nil {
		return nil
	}
	return func(eventType string, def *kanban.Kanban, p *process.Process) {
		event := &notification.Event{
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Kanban:    def,
			Process:   p,
		}
		if err := hub.Publish(event); err != nil {
			common.Logger.WithError(err).Warnf("dropped %s notification for %s", eventType, p.ProcessID)
		}
	}
}

// buildEngine opens the repository and assembles the prerequisite
// checker and transition engine on top of it.
func buildEngine(ctx context.Context, cfg *config.Config, registry *kanban.Registry, driver storage.Driver, sink engine.EventSink) (*process.Repository, *prereq.Checker, *engine.Engine, error) {
	repo, err := process.NewRepository(ctx, driver)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open process repository: %w", err)
	}
	var scripts *prereq.ScriptRunner
	if cfg.Scripts.Dir != "" {
		scripts = prereq.NewScriptRunner(cfg.Scripts.Dir, cfg.Scripts.Timeout)
	}
	checker := prereq.NewChecker(repo, scripts)
	return repo, checker, engine.New(registry, repo, checker, engine.WithEventSink(sink)), nil
}

func sweeperLocker(cfg *config.Config) (engine.Locker, error) {
	if cfg.Sweeper.RedisURL != "" {
		return engine.NewRedisLocker(cfg.Sweeper.RedisURL)
	}
	return engine.NewMemoryLocker(), nil
}

// waitTimeout is shared by subcommands that run one-shot operations.
const waitTimeout = 30 * time.Second
