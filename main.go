// Fluxo is a data-driven workflow engine: kanban definitions describe
// states and transitions, processes carry form records through them, and
// the service layers audit, analysis, agent suggestions and
// notifications on top. See cli for the command tree.
package main

import (
	"os"

	"fluxo.evalgo.org/cli"
	"fluxo.evalgo.org/common"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
