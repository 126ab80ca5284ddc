// Package vtslog provides the aggregator's structured log sink:
// leveled, JSON-encoded records carrying the invoking command line,
// written to stderr and, optionally, to a log file.
package vtslog

import (
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger emits leveled, structured log records. Every record carries
// the process's argv so an on-disk log line is traceable back to the
// invocation that produced it, mirroring the original tool's log
// entry shape (type/argv/message[/stacktrace]).
type Logger struct {
	base log.Logger
	file *os.File
}

// New creates a Logger writing JSON records to stderr. If logDir is
// non-empty, records are additionally appended to
// <logDir>/vtsaggregator.log; a failure to open that file is
// returned as an error and no Logger is created.
func New(logDir string) (*Logger, error) {
	writer := io.Writer(os.Stderr)

	var file *os.File
	if logDir != "" {
		path := filepath.Join(logDir, "vtsaggregator.log")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		file = f
		writer = io.MultiWriter(os.Stderr, f)
	}

	base := log.NewJSONLogger(log.NewSyncWriter(writer))
	base = log.With(base, "ts", log.DefaultTimestampUTC, "argv", strings.Join(os.Args, " "))

	return &Logger{base: base, file: file}, nil
}

// Close releases the log file, if one was opened.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Warning records a non-fatal condition that does not indicate a bug,
// e.g. a missed scrape interval or an empty checkpoint on first run.
func (l *Logger) Warning(msg string, keyvals ...any) {
	args := append([]any{"type", "warning", "msg", msg}, keyvals...)
	_ = level.Warn(l.base).Log(args...)
}

// Error records a condition the aggregator could not proceed past for
// one backend or interval, but that is not an unexpected crash, e.g.
// a non-200 HTTP status or a malformed counter.
func (l *Logger) Error(msg string, keyvals ...any) {
	args := append([]any{"type", "error", "msg", msg}, keyvals...)
	_ = level.Error(l.base).Log(args...)
}

// Exception records an unexpected error along with a stack trace
// captured at the call site, matching the original tool's practice of
// logging a full traceback for exceptions it did not specifically
// anticipate.
func (l *Logger) Exception(err error, msg string, keyvals ...any) {
	args := append([]any{"type", "exception", "msg", msg, "err", err.Error(),
		"stacktrace", string(debug.Stack())}, keyvals...)
	_ = level.Error(l.base).Log(args...)
}
