// Package alog provides logging with levels and structured fields, wrapping
// log/slog.
//
// Each logging method takes a message and slog attributes. Messages should be
// constant strings, with variable data in attributes, for easier log
// processing. Log levels can be configured per originating package (attribute
// "pkg", e.g. imapserver, pgwire); the configuration is process-global.
//
// Below Debug are three trace levels used for protocol transcripts: trace
// logs protocol lines, traceauth also logs lines carrying credentials, and
// tracedata also logs bulk data (full messages). When only trace is enabled,
// traceauth lines are logged as "***" and tracedata lines as "...".
package alog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Levels for protocol transcripts, below slog.LevelDebug.
const (
	LevelTrace     slog.Level = -8
	LevelTraceauth slog.Level = -12
	LevelTracedata slog.Level = -16
)

// Levels maps names from the configuration file to levels.
var Levels = map[string]slog.Level{
	"error":     slog.LevelError,
	"warn":      slog.LevelWarn,
	"info":      slog.LevelInfo,
	"debug":     slog.LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// LevelStrings is the inverse of Levels.
var LevelStrings = map[slog.Level]string{
	slog.LevelError: "error",
	slog.LevelWarn:  "warn",
	slog.LevelInfo:  "info",
	slog.LevelDebug: "debug",
	LevelTrace:      "trace",
	LevelTraceauth:  "traceauth",
	LevelTracedata:  "tracedata",
}

// Map of package name to configured level. The empty string is the fallback.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": slog.LevelError})
}

// SetConfig atomically replaces the levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

type key string

// CidKey stores a connection/operation correlation id in a context.
var CidKey key = "cid"

// Log logs with a package name and optional additional fields.
type Log struct {
	pkg    string
	attrs  []slog.Attr
	fn     func() []slog.Attr
	logger *slog.Logger // Non-nil only when explicitly handed a logger.
}

// New returns a Log for a package. If elog is nil, the process-wide stderr
// handler is used.
func New(pkg string, elog *slog.Logger) Log {
	return Log{pkg: pkg, logger: elog}
}

// WithCid adds a field "cid" for correlating all log lines of a connection or
// operation.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds the cid from ctx, if present. Contexts are passed between
// packages; a function typically starts with log := xlog.WithContext(ctx).
func (l Log) WithContext(ctx context.Context) Log {
	v := ctx.Value(CidKey)
	if v == nil {
		return l
	}
	return l.WithCid(v.(int64))
}

// With adds attributes to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	nl := l
	nl.attrs = append(append([]slog.Attr{}, l.attrs...), attrs...)
	return nl
}

// WithFunc sets a function called just before logging, returning additional
// attributes, e.g. a time delta since the previous line.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	nl := l
	nl.fn = fn
	return nl
}

func (l Log) enabled(level slog.Level) (bool, slog.Level) {
	c := config.Load().(map[string]slog.Level)
	v, ok := c[l.pkg]
	if !ok {
		v = c[""]
	}
	return level >= v, v
}

// Trace logs protocol data at a trace level, typically with prefix "C: " or
// "S: ". Returns whether the line was logged.
func (l Log) Trace(level slog.Level, prefix string, data []byte) bool {
	ok, have := l.enabled(level)
	text := string(data)
	if !ok {
		if have > LevelTrace {
			return false
		}
		// Trace is enabled but not this more sensitive level. Log placeholders
		// so transcripts remain readable.
		if level == LevelTraceauth {
			text = "***"
		} else {
			text = "..."
		}
	}
	l.log(LevelTrace, prefix+strconv.Quote(text), nil)
	return true
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.Debugx(msg, nil, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	if ok, _ := l.enabled(slog.LevelDebug); ok {
		l.log(slog.LevelDebug, msg, err, attrs...)
	}
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.Infox(msg, nil, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	if ok, _ := l.enabled(slog.LevelInfo); ok {
		l.log(slog.LevelInfo, msg, err, attrs...)
	}
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.Errorx(msg, nil, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	if ok, _ := l.enabled(slog.LevelError); ok {
		l.log(slog.LevelError, msg, err, attrs...)
	}
}

// Print logs regardless of configured level. For startup messages and
// subcommands.
func (l Log) Print(msg string, attrs ...slog.Attr) { l.log(slog.LevelInfo, msg, nil, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelInfo, msg, err, attrs...)
}

// Fatalx logs and exits the process with code 1. For unusable configurations
// and invariant breaches.
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelError, msg, err, attrs...)
	os.Exit(1)
}

// Check logs an error at error level if err is non-nil. For operations whose
// failure is worth recording but does not change control flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func (l Log) log(level slog.Level, msg string, err error, attrs ...slog.Attr) {
	all := make([]slog.Attr, 0, 2+len(l.attrs)+len(attrs))
	if err != nil {
		all = append(all, slog.Any("err", err))
	}
	all = append(all, l.attrs...)
	all = append(all, attrs...)
	if l.fn != nil {
		all = append(all, l.fn()...)
	}
	if l.logger != nil {
		l.logger.LogAttrs(context.Background(), level, msg, all...)
		return
	}
	writeLine(level, l.pkg, msg, all)
}

var writeMutex sync.Mutex

// writeLine writes a single logfmt-ish line to stderr, under a lock so
// concurrent connections do not interleave partial lines.
func writeLine(level slog.Level, pkg, msg string, attrs []slog.Attr) {
	var b strings.Builder
	name, ok := LevelStrings[level]
	if !ok {
		name = level.String()
	}
	fmt.Fprintf(&b, "l=%s m=%s", name, logfmtValue(msg))
	if pkg != "" {
		fmt.Fprintf(&b, " pkg=%s", pkg)
	}
	for _, a := range attrs {
		writeAttr(&b, "", a)
	}
	b.WriteString("\n")
	writeMutex.Lock()
	defer writeMutex.Unlock()
	os.Stderr.WriteString(b.String())
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			writeAttr(b, prefix+a.Key+".", ga)
		}
		return
	}
	var s string
	switch v.Kind() {
	case slog.KindDuration:
		s = v.Duration().String()
	case slog.KindTime:
		s = v.Time().Format(time.RFC3339)
	case slog.KindInt64:
		if a.Key == "cid" {
			s = fmt.Sprintf("%x", v.Int64())
		} else {
			s = strconv.FormatInt(v.Int64(), 10)
		}
	default:
		s = fmt.Sprintf("%v", v.Any())
	}
	fmt.Fprintf(b, " %s%s=%s", prefix, a.Key, logfmtValue(s))
}

// logfmtValue quotes a string when needed for logfmt-style output.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	if s == "" {
		return `""`
	}
	return s
}
