// Package common provides shared constants and logging setup for the
// FedShare services.
package common

import (
	"log/slog"
	"os"
)

// PackageName identifies this module in metrics and logs.
const PackageName = "fedshare"

// SetupLogger creates the structured logger used by all services.
// Format is "json" or "text"; debug enables debug-level output.
func SetupLogger(service, format string, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler).With("service", service)
}
