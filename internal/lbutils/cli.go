// Package lbutils holds small shared helpers: CLI parser construction,
// global logger setup, and the pooled byte slices the proxy loop copies
// through.
package lbutils

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// LoggingPurpose distinguishes a long-running daemon (logs always go to
// stderr) from one-shot CLI use (logs are discarded unless debugging).
type LoggingPurpose int

const (
	LoggingForDaemon LoggingPurpose = iota
	LoggingForCLI
)

// InitLogger configures the global logger for a given purpose / verbosity
// level.
func InitLogger(purpose LoggingPurpose, level logrus.Level) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(level)
	switch purpose {
	case LoggingForCLI:
		// If debug logging was asked for on the CLI, write logs to stderr.
		// Otherwise, discard all logs.
		if level == logrus.DebugLevel {
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			logrus.SetOutput(os.Stderr)
		} else {
			logrus.SetOutput(io.Discard)
		}
	case LoggingForDaemon:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logrus.SetOutput(os.Stderr)
	}
}

// InitLoggerForTests pins the global logger to debug level with output
// captured by the test binary.
func InitLoggerForTests() {
	logger := logrus.StandardLogger()
	logger.ReplaceHooks(make(logrus.LevelHooks))
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(os.Stderr)
}

// InitCLIParser returns a kingpin application with the house style applied:
// repeatable flags and a hidden help flag.
func InitCLIParser(appName, appHelp string) *kingpin.Application {
	app := kingpin.New(appName, appHelp)

	// make all flags repeatable, this makes the CLI easier to use.
	app.AllRepeatable(true)

	app.HelpFlag.Hidden()
	app.HelpFlag.NoEnvar()

	return app
}

// FormatErrorWithNewline returns a user-facing error message. If the error
// is a trace error with user messages embedded, those are printed;
// otherwise the plain error text.
func FormatErrorWithNewline(err error) string {
	if err == nil {
		return ""
	}
	var buf strings.Builder
	if traceErr, ok := err.(*trace.TraceErr); ok {
		for _, message := range traceErr.Messages {
			fmt.Fprintln(&buf, message)
		}
		fmt.Fprintln(&buf, trace.Unwrap(traceErr).Error())
	} else {
		fmt.Fprintln(&buf, err.Error())
	}
	return buf.String()
}
