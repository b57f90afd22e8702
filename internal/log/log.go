// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package log provides the leveled logger used by every engine and by the
// profiler facade. Nothing in this module calls the standard library's log
// package directly; everything funnels through the package-level Logger so
// that tests can swap in a RecordLogger and command-line users can redirect
// output to a file with loglevel=/log= tokens.
package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is a logging severity threshold.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "NONE"
	}
}

// ParseLevel maps a command-token level name (trace|debug|info|warn|error|none)
// to a Level, defaulting to LevelInfo for anything unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	case "none":
		return LevelNone
	default:
		return LevelInfo
	}
}

// Logger is the minimal sink every log call is routed through.
type Logger interface {
	Log(msg string)
}

const prefixMsg = "asprofgo"

var (
	mu             sync.Mutex
	logger         Logger = &defaultLogger{}
	levelThreshold        = LevelInfo

	errmu    sync.Mutex
	errrate  = time.Minute
	errors   = map[string]*errBucket{}
	errLimit = defaultErrorLimit
)

const defaultErrorLimit = 200

type errBucket struct {
	first string
	count int
	last  time.Time
}

// UseLogger installs l as the active logger and returns a function that
// restores the previous one, so callers can `defer log.UseLogger(old)()`.
func UseLogger(l Logger) func() {
	mu.Lock()
	old := logger
	logger = l
	mu.Unlock()
	return func() {
		mu.Lock()
		logger = old
		mu.Unlock()
	}
}

// SetLevel changes the minimum level that reaches the logger.
func SetLevel(l Level) {
	mu.Lock()
	levelThreshold = l
	mu.Unlock()
}

// DebugEnabled reports whether Debug calls are currently emitted.
func DebugEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return levelThreshold <= LevelDebug
}

func emit(level Level, lvlName, format string, args ...any) {
	mu.Lock()
	enabled := level >= levelThreshold
	l := logger
	mu.Unlock()
	if !enabled {
		return
	}
	l.Log(fmt.Sprintf("%s %s: %s", prefixMsg, lvlName, fmt.Sprintf(format, args...)))
}

func Trace(format string, args ...any) { emit(LevelTrace, "TRACE", format, args...) }
func Debug(format string, args ...any) { emit(LevelDebug, "DEBUG", format, args...) }
func Info(format string, args ...any)  { emit(LevelInfo, "INFO", format, args...) }
func Warn(format string, args ...any)  { emit(LevelWarn, "WARN", format, args...) }

// Error buckets identical (by format string) errors within an errrate window
// so a single noisy fault path never floods the sink; it is flushed by Flush
// or automatically once errrate has elapsed.
func Error(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	errmu.Lock()
	rate := errrate
	errmu.Unlock()

	if rate <= 0 {
		emit(LevelError, "ERROR", "%s", msg)
		return
	}

	errmu.Lock()
	b, ok := errors[format]
	if !ok {
		b = &errBucket{first: msg, last: time.Now()}
		errors[format] = b
	}
	b.count++
	flush := time.Since(b.last) >= rate && b.count > 0
	errmu.Unlock()

	if flush {
		flushBucket(format)
	}
	if len(errors) > errLimit {
		Flush()
	}
}

func flushBucket(format string) {
	errmu.Lock()
	b, ok := errors[format]
	if ok {
		delete(errors, format)
	}
	errmu.Unlock()
	if !ok || b.count == 0 {
		return
	}
	if b.count == 1 {
		emit(LevelError, "ERROR", "%s", b.first)
		return
	}
	emit(LevelError, "ERROR", "%s, %d additional messages skipped", b.first, b.count-1)
}

// Flush forces any buckets with pending skipped-message counts to be logged
// immediately, in a deterministic (insertion-independent) single pass.
func Flush() {
	errmu.Lock()
	formats := make([]string, 0, len(errors))
	for f := range errors {
		formats = append(formats, f)
	}
	errmu.Unlock()
	sort.Strings(formats)
	for _, f := range formats {
		flushBucket(f)
	}
}

func setLoggingRate(s string) {
	d, err := time.ParseDuration(s + "s")
	if s == "" || err != nil {
		errmu.Lock()
		errrate = time.Minute
		errmu.Unlock()
		return
	}
	if d < 0 {
		d = time.Minute
	}
	errmu.Lock()
	errrate = d
	errmu.Unlock()
}

// defaultLogger writes to stderr, the behavior before any file/command
// configuration has been applied.
type defaultLogger struct{ mu sync.Mutex }

func (d *defaultLogger) Log(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintln(os.Stderr, msg)
}

// DiscardLogger drops every message; used in benchmarks and by tests that
// don't care about log output.
type DiscardLogger struct{}

func (DiscardLogger) Log(string) {}

// RecordLogger records every message it sees, optionally filtering out lines
// containing an ignored substring. Used by tests that assert on startup
// configuration logging.
type RecordLogger struct {
	mu      sync.Mutex
	lines   []string
	ignores []string
}

func (r *RecordLogger) Log(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ig := range r.ignores {
		if strings.Contains(msg, ig) {
			return
		}
	}
	r.lines = append(r.lines, msg)
}

func (r *RecordLogger) Logs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

func (r *RecordLogger) Reset() {
	r.mu.Lock()
	r.lines = r.lines[:0]
	r.ignores = r.ignores[:0]
	r.mu.Unlock()
}

func (r *RecordLogger) Ignore(substr string) {
	r.mu.Lock()
	r.ignores = append(r.ignores, substr)
	r.mu.Unlock()
}

// WriterLogger writes each message as one line to w, the sink behind
// the command surface's log=<path> token.
type WriterLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterLogger wraps w as a Logger.
func NewWriterLogger(w io.Writer) *WriterLogger { return &WriterLogger{w: w} }

func (l *WriterLogger) Log(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, msg)
}
