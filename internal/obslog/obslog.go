// Package obslog wraps charmbracelet/log for structured, leveled
// logging, giving every run a single configured logger instance
// instead of ad hoc log.Println calls scattered through the daemon.
package obslog

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Logger is the process-wide structured logger.
type Logger = log.Logger

// New builds a Logger writing to w at the given level ("debug",
// "info", "warn", "error"; anything else falls back to info), with
// millisecond timestamps on every line.
func New(w io.Writer, level string) *Logger {
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02T15:04:05.000Z07:00",
	})
	logger.SetLevel(parseLevel(level))
	return logger
}

func parseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Default is a stderr logger at info level, used by code paths that
// run before the daemon's --log-level flag has been parsed.
var Default = New(os.Stderr, "info")
