// Package common provides centralized logging infrastructure for the Fluxo
// workflow platform. It implements intelligent log output routing that directs
// error messages to stderr while sending other log levels to stdout, enabling
// proper stream separation for containerized and scripted environments.
//
// The logging system is built on logrus for structured logging with custom
// output handling. All Fluxo services use the global Logger instance so that
// log formatting and routing stay uniform across the engine, the dispatchers
// and the HTTP surface.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log output to stdout or stderr based on the
// entry's severity. Error-level messages (containing "level=error") go to
// stderr so orchestrators and log aggregators can treat them with higher
// priority; everything else goes to stdout.
type OutputSplitter struct{}

// Write implements io.Writer. It inspects the formatted entry for the logrus
// error-level marker and selects the output stream accordingly. Safe for
// concurrent use; both OS streams handle their own synchronization.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the Fluxo platform. It is
// pre-configured with the OutputSplitter; services may further customize the
// formatter and level at startup:
//
//	common.Logger.SetFormatter(&logrus.JSONFormatter{})
//	common.Logger.SetLevel(logrus.InfoLevel)
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
