package util

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// NewLogger creates a [log.Logger] writing to w with timestamps enabled.
// The writer defaults to [os.Stderr]. An unknown level falls back to info.
func NewLogger(w io.Writer, level string, json bool) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := log.Options{ReportTimestamp: true}
	if json {
		opts.Formatter = log.JSONFormatter
	}
	logger := log.NewWithOptions(w, opts)
	parsed, err := log.ParseLevel(level)
	if err != nil {
		parsed = log.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

// DiscardLogger returns a logger that drops everything. Used by tests.
func DiscardLogger() *log.Logger {
	return log.New(io.Discard)
}
