// Package logging provides the slog-based, per-component logger used by
// all three binaries. Call sites grab a tagged logger once via
// ForComponent and attach structured fields at the call site.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names a subsystem for the purpose of structured log attribution.
type Component string

const (
	CompHub        Component = "hub"
	CompStore      Component = "store"
	CompWatch      Component = "watch"
	CompMatch      Component = "match"
	CompMode       Component = "mode"
	CompApproval   Component = "approval"
	CompDaemonLink Component = "daemonlink"
	CompDaemon     Component = "daemon"
	CompCLI        Component = "cli"
	CompAuthn      Component = "authn"
	CompREST       Component = "rest"
	CompConfig     Component = "config"
)

var (
	mu   sync.RWMutex
	base = slog.New(slog.NewJSONHandler(os.Stderr, nil))
)

// Configure installs the process-wide base logger. logPath, when non-empty,
// routes output through a rotating lumberjack.Logger instead of stderr;
// level controls the minimum emitted level.
func Configure(logPath string, level slog.Level, maxSizeMB, maxBackups, maxAgeDays int) {
	var w io.Writer = os.Stderr
	if logPath != "" {
		w = &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})

	mu.Lock()
	base = slog.New(handler)
	mu.Unlock()
}

// ForComponent returns a logger tagged with the given component name.
func ForComponent(c Component) *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With(slog.String("component", string(c)))
}
