// Package mlog provides logging with log levels and structured fields,
// wrapping log/slog.
//
// Log is a thin wrapper around *slog.Logger, adding convenience functions for
// logging messages with an error and for writing protocol traces. Logging
// strings themselves should be constant, with variable data in fields, for
// easier log processing.
//
// Three levels below slog.LevelDebug exist for protocol traces, disabled by
// default: LevelTrace for protocol lines, LevelTraceauth for protocol lines
// containing credentials, LevelTracedata for bulk data on a protocol
// connection. A handler must be configured with a lower level explicitly to
// get them.
package mlog

import (
	"context"
	"log/slog"
	"time"
)

var (
	LevelTrace     = slog.LevelDebug - 4
	LevelTraceauth = slog.LevelDebug - 6
	LevelTracedata = slog.LevelDebug - 8
)

// Levels maps log level names to levels, for parsing configuration and
// command-line flags.
var Levels = map[string]slog.Level{
	"error":     slog.LevelError,
	"warn":      slog.LevelWarn,
	"info":      slog.LevelInfo,
	"debug":     slog.LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// LevelStrings maps levels back to their names.
var LevelStrings = map[slog.Level]string{
	slog.LevelError: "error",
	slog.LevelWarn:  "warn",
	slog.LevelInfo:  "info",
	slog.LevelDebug: "debug",
	LevelTrace:      "trace",
	LevelTraceauth:  "traceauth",
	LevelTracedata:  "tracedata",
}

// Log wraps an slog.Logger with convenience functions.
type Log struct {
	*slog.Logger
}

// New returns a Log for the given logger, adding a "pkg" field to each logged
// line. If logger is nil, slog.Default() is used.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.Default()
	}
	return Log{logger.With(slog.String("pkg", pkg))}
}

// WithPkg returns a copy of the log that adds another "pkg" field.
func (l Log) WithPkg(pkg string) Log {
	return Log{l.Logger.With(slog.String("pkg", pkg))}
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs...)
}

func (l Log) Warn(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs...)
}

func (l Log) Warnx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

// Check logs an error if err is not nil.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Trace logs data as a protocol trace at the given trace level, prefixed with
// prefix. The data is logged as-is and may contain non-printable bytes.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	if !l.Logger.Enabled(context.Background(), level) {
		return
	}
	r := slog.NewRecord(time.Now(), level, prefix+string(data), 0)
	_ = l.Logger.Handler().Handle(context.Background(), r)
}
