// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cmdutil provides the shared command plumbing for the cellmap
// tools: a leveled logger that mirrors its entries into the run's JSON
// log array, progress timing for long streaming passes, and run
// identity stamping.
package cmdutil

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Logger writes leveled messages to stderr and, when a log path is
// given, to the run's log file. Every message is also retained so the
// final JSON document can echo the run's log.
type Logger struct {
	mu      sync.Mutex
	l       *log.Logger
	file    *os.File
	entries []string
}

// NewLogger builds a Logger writing to stderr, teeing into logPath
// when non-empty. The file is appended to, not truncated, so a wrapper
// can accumulate multiple stage runs in one log.
func NewLogger(logPath string) (*Logger, error) {
	var w io.Writer = os.Stderr
	var f *os.File
	if logPath != "" {
		var err error
		f, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("cmdutil: opening log %s: %w", logPath, err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}
	return &Logger{l: log.New(w, "", log.LstdFlags), file: f}, nil
}

// Close releases the log file, if any.
func (lg *Logger) Close() error {
	if lg.file == nil {
		return nil
	}
	return lg.file.Close()
}

func (lg *Logger) emit(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	lg.mu.Lock()
	lg.entries = append(lg.entries, level+": "+msg)
	lg.l.Printf("%s %s", level, msg)
	lg.mu.Unlock()
}

// Infof records an informational message.
func (lg *Logger) Infof(format string, args ...any) { lg.emit("INFO", format, args...) }

// Errorf records an error-level message.
func (lg *Logger) Errorf(format string, args ...any) { lg.emit("ERROR", format, args...) }

// Entries returns a copy of every message recorded so far, in order.
func (lg *Logger) Entries() []string {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	return append([]string(nil), lg.entries...)
}

// Traceback appends err and the current goroutine stack to the log at
// ERROR level. The CLI wrapper calls this for any failure escaping a
// subcommand before re-raising it through the process exit status.
func (lg *Logger) Traceback(err error) {
	lg.Errorf("%v\n%s", err, debug.Stack())
}

// Timer measures one stage of a run, logging throughput in the
// row-count-and-elapsed form the streaming passes report.
type Timer struct {
	lg    *Logger
	label string
	t0    time.Time
}

// StartTimer begins timing a labeled stage.
func (lg *Logger) StartTimer(label string) *Timer {
	lg.Infof("[%s]", label)
	return &Timer{lg: lg, label: label, t0: time.Now()}
}

// Done logs the stage's elapsed time and, for rows > 0, its row
// throughput.
func (t *Timer) Done(rows int) {
	elapsed := time.Since(t.t0)
	if rows > 0 {
		persec := float64(rows) / elapsed.Seconds()
		t.lg.Infof("[%s] %s rows in %v (%s rows/s)", t.label, humanize.Comma(int64(rows)), elapsed.Round(time.Millisecond), humanize.CommafWithDigits(persec, 0))
		return
	}
	t.lg.Infof("[%s] done in %v", t.label, elapsed.Round(time.Millisecond))
}

// RunID returns a fresh UUID identifying one tool invocation.
func RunID() string { return uuid.NewString() }

// Timestamp returns the RFC 3339 timestamp stamped into result
// metadata.
func Timestamp() string { return time.Now().UTC().Format(time.RFC3339) }
