package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fluxo.evalgo.org/common"
	"fluxo.evalgo.org/engine"
	"fluxo.evalgo.org/kanban"
)

func init() {
	RootCmd.AddCommand(validateCmd)
	RootCmd.AddCommand(sweepCmd)
}

// validateCmd loads a definition directory and reports each file's
// verdict without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "validate the kanban definitions in a directory",
	Long: `Parses and validates every *.kanban.yaml file in the given
directory (or the configured kanban.dir) and reports per-file results.
Exits non-zero when any definition is invalid.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dir := ""
		if len(args) == 1 {
			dir = args[0]
		} else {
			cfg, err := loadConfig(cmd)
			if err != nil {
				common.Logger.WithError(err).Fatal("failed to load configuration")
			}
			dir = cfg.Kanban.Dir
		}

		registry := kanban.NewRegistry(dir)
		report, err := registry.LoadAll()
		if err != nil {
			common.Logger.WithError(err).Fatal("failed to read kanban directory")
		}
		for _, def := range registry.List() {
			fmt.Printf("ok\t%s\t(%d states)\n", def.ID, len(def.States))
		}
		for _, fe := range report.Errors {
			fmt.Printf("FAIL\t%s\t%v\n", fe.File, fe.Err)
		}
		if len(report.Errors) > 0 {
			os.Exit(1)
		}
	},
}

// sweepCmd runs one timeout/auto-transition pass over every kanban and
// exits, for cron-style deployments without the background sweeper.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "run a single timeout and auto-transition pass",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			common.Logger.WithError(err).Fatal("failed to load configuration")
		}
		configureLogging(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		driver, err := openDriver(ctx, cfg)
		if err != nil {
			common.Logger.WithError(err).Fatal("failed to open process store")
		}
		defer driver.Close()

		registry := kanban.NewRegistry(cfg.Kanban.Dir)
		if _, err := registry.LoadAll(); err != nil {
			common.Logger.WithError(err).Fatal("failed to load kanban definitions")
		}
		hub := buildHub(cfg)
		if hub != nil {
			hub.Start(ctx)
			defer hub.Stop()
		}
		_, _, eng, err := buildEngine(ctx, cfg, registry, driver, publishTo(hub))
		if err != nil {
			common.Logger.WithError(err).Fatal("failed to build engine")
		}

		locker, err := sweeperLocker(cfg)
		if err != nil {
			common.Logger.WithError(err).Fatal("failed to connect sweep locker")
		}
		sweeper := engine.NewSweeper(eng, locker, 0, func() []string {
			defs := registry.List()
			ids := make([]string, 0, len(defs))
			for _, d := range defs {
				ids = append(ids, d.ID)
			}
			return ids
		})
		sweeper.Sweep(ctx)
	},
}
