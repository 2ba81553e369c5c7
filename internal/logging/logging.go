// Package logging builds the structured logger the CLI and session layer share. The
// teacher declares github.com/samber/slog-multi in its go.mod but never wires a
// configured slog.Logger anywhere; this package is the first concrete consumer of that
// dependency, fanning events out to whatever sinks a run needs (console today, with room
// for a file or remote sink later without touching call sites).
package logging

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Options configures the logger returned by New.
type Options struct {
	// Verbose enables Debug-level output (debug-event and exception tracing).
	// Without it the logger is limited to Info and above.
	Verbose bool

	// Writer receives the console sink's output. Defaults to os.Stderr so a session's
	// stdout stays free for program output and command results.
	Writer io.Writer

	// Extra are additional handlers fanned out alongside the console sink, e.g. a file
	// handler a caller has already opened. Most callers leave this nil.
	Extra []slog.Handler
}

// New builds the session logger. Grounded on cmd/cpu/debug.go's color-coded console
// conventions for level-to-meaning mapping; output itself is plain slog text, since
// fatih/color is reserved for the CLI's own command output, not log lines.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	handlers := make([]slog.Handler, 0, 1+len(opts.Extra))
	handlers = append(handlers, slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	handlers = append(handlers, opts.Extra...)

	if len(handlers) == 1 {
		return slog.New(handlers[0])
	}
	return slog.New(slogmulti.Fanout(handlers...))
}
