// Package ternio has IO helpers for protocol connections: tracing of reads
// and writes, and a panic-safe wrapper around a flate writer for compressed
// connections.
package ternio

import (
	"io"
	"log/slog"

	"github.com/ternmail/tern/mlog"
)

// TraceWriter logs all writes before passing them to the underlying writer.
type TraceWriter struct {
	log    mlog.Log
	prefix string
	w      io.Writer
	level  slog.Level
}

// NewTraceWriter wraps "w" into a writer that logs all writes to "log" with
// log level trace, prefixed with "prefix".
func NewTraceWriter(log mlog.Log, prefix string, w io.Writer) *TraceWriter {
	return &TraceWriter{log, prefix, w, mlog.LevelTrace}
}

// Write logs a trace line for buf, then writes it to the underlying writer.
func (w *TraceWriter) Write(buf []byte) (int, error) {
	w.log.Trace(w.level, w.prefix, buf)
	return w.w.Write(buf)
}

// SetTrace changes the level that writes are logged at, e.g. while writing
// credentials or bulk data.
func (w *TraceWriter) SetTrace(level slog.Level) {
	w.level = level
}

// TraceReader logs all read data after reading from the underlying reader.
type TraceReader struct {
	log    mlog.Log
	prefix string
	r      io.Reader
	level  slog.Level
}

// NewTraceReader wraps reader "r" into a reader that logs all reads to "log"
// with log level trace, prefixed with "prefix".
func NewTraceReader(log mlog.Log, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{log, prefix, r, mlog.LevelTrace}
}

// Read does a single Read on the underlying reader, logging any data read.
func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.Trace(r.level, r.prefix, buf[:n])
	}
	return n, err
}

// SetTrace changes the level that reads are logged at.
func (r *TraceReader) SetTrace(level slog.Level) {
	r.level = level
}
