// Package common provides centralized logging infrastructure for the ingest
// pipeline services. It implements output routing that directs error messages
// to stderr while sending other log levels to stdout, enabling proper stream
// separation for containerized and scripted environments.
//
// The logging system is built on logrus for structured logging. Workers attach
// tenant/run/stream identifiers via WithFields so a single unit of work can be
// traced across the run, stream and data stages.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes log output based on level: error-level messages go to
// stderr, everything else to stdout. Docker and Kubernetes capture the two
// streams independently, so alerting can key off stderr alone.
type OutputSplitter struct{}

// Write implements io.Writer. It examines the formatted log line for the
// logrus error level marker and selects the output stream accordingly.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for all pipeline services.
// It is pre-configured with the OutputSplitter; format and level are
// adjusted at startup from the logging configuration.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies the configured level and format to the global
// logger. Unknown levels fall back to info, unknown formats to text.
func ConfigureLogger(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
