// Package logger builds the process-wide zerolog logger. Components and
// the broker receive a logger through their configuration; this package
// only decides the sink and format once, at bootstrap.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New returns the default logger: timestamped, writing to stderr, using
// the console writer when attached to a terminal.
func New() zerolog.Logger {
	var out io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// Debug returns New() lowered to debug level.
func Debug() zerolog.Logger {
	return New().Level(zerolog.DebugLevel)
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
