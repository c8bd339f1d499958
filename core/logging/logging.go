// Package logging builds the slog loggers used by toyrt binaries and the
// runtime. The runtime labels every record with the goroutine's role and
// the id of the run it belongs to, so the package deals in derived loggers
// instead of one global: construct a base logger once, then scope it per
// run and per service goroutine.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Role identities of the runtime's goroutines. Workers are 0..n-1.
const (
	RoleComm = -1
	RoleIO   = -2
	RoleMain = -3
)

// Options selects the handler a logger is built on.
type Options struct {
	Level  slog.Level
	JSON   bool
	Output io.Writer // nil means os.Stdout
}

// FromEnv reads TOYRT_LOG_LEVEL (debug/info/warn/error) and
// TOYRT_LOG_FORMAT (json/text). Unknown values fall back to info/text.
func FromEnv() Options {
	var o Options
	switch strings.ToLower(os.Getenv("TOYRT_LOG_LEVEL")) {
	case "debug":
		o.Level = slog.LevelDebug
	case "warn":
		o.Level = slog.LevelWarn
	case "error":
		o.Level = slog.LevelError
	default:
		o.Level = slog.LevelInfo
	}
	o.JSON = strings.ToLower(os.Getenv("TOYRT_LOG_FORMAT")) == "json"
	return o
}

// New builds a logger tagged with the component name.
func (o Options) New(component string) *slog.Logger {
	out := o.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: o.Level}
	var h slog.Handler
	if o.JSON {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h).With("component", component)
}

// Setup builds a logger from the environment and installs it as the
// process default. Meant for main functions; the runtime itself never
// touches the default logger.
func Setup(component string) *slog.Logger {
	logger := FromEnv().New(component)
	slog.SetDefault(logger)
	return logger
}

// WithRun scopes a logger to one Run invocation.
func WithRun(l *slog.Logger, runID string) *slog.Logger {
	return l.With("run_id", runID)
}

// WithRole scopes a logger to one of the runtime's goroutines: a worker
// index, or one of the Role constants for the service goroutines.
func WithRole(l *slog.Logger, id int) *slog.Logger {
	return l.With("thr", roleLabel(id))
}

func roleLabel(id int) string {
	switch {
	case id == RoleComm:
		return "comm"
	case id == RoleIO:
		return "io"
	case id == RoleMain:
		return "main"
	case id >= 0:
		return "worker-" + strconv.Itoa(id)
	}
	return strconv.Itoa(id)
}
