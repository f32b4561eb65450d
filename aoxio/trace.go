package aoxio

import (
	"io"
	"log/slog"

	"github.com/aox/aox/alog"
)

// TraceWriter logs all writes to its log at a trace level before passing
// them on, prefixed with e.g. "S: ". The level can be changed while a
// command or authentication exchange is in progress, so credentials and bulk
// data are only logged when explicitly configured.
type TraceWriter struct {
	log    alog.Log
	prefix string
	w      io.Writer
	level  slog.Level
}

func NewTraceWriter(log alog.Log, prefix string, w io.Writer) *TraceWriter {
	return &TraceWriter{log, prefix, w, alog.LevelTrace}
}

func (w *TraceWriter) Write(buf []byte) (int, error) {
	w.log.Trace(w.level, w.prefix, buf)
	return w.w.Write(buf)
}

func (w *TraceWriter) SetTrace(level slog.Level) {
	w.level = level
}

// TraceReader is the reading counterpart of TraceWriter.
type TraceReader struct {
	log    alog.Log
	prefix string
	r      io.Reader
	level  slog.Level
}

func NewTraceReader(log alog.Log, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{log, prefix, r, alog.LevelTrace}
}

// Read does a single Read on the underlying reader, logging any data read.
func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.Trace(r.level, r.prefix, buf[:n])
	}
	return n, err
}

func (r *TraceReader) SetTrace(level slog.Level) {
	r.level = level
}
