// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vlog is a trimmed adaptation of v.io/x/lib/vlog's glog-style
// leveled logger, backed by go.uber.org/zap instead of v.io/x/lib's
// llog sink. It keeps the call-site shape (vlog.Log.Infof,
// vlog.Log.VI(n).Infof) that the rest of this module's packages use, so
// that adapting a caller from the original vlog import was a rename,
// not a rewrite.
package vlog

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Level is a verbosity level, as in v.io/x/lib/vlog's Level: larger
// values gate progressively more detailed logging.
type Level int32

// InfoLog is the subset of v.io/x/lib/vlog's InfoLog interface this
// package implements: Info/Infof logging, without the stack-dumping
// method (internal/vlog has no goroutine-dump facility; that belongs
// to a process-wide diagnostic tool, not this library's runtime log
// sink).
type InfoLog interface {
	Info(args ...interface{})
	Infof(format string, args ...interface{})
}

// Verbosity is the subset of v.io/x/lib/vlog's Verbosity interface this
// package implements.
type Verbosity interface {
	// V reports whether level is at or below the configured verbosity.
	V(level Level) bool
	// VI returns an InfoLog that logs if level is at or below the
	// configured verbosity, or silently discards otherwise.
	VI(level Level) InfoLog
}

// Logger is the surface this package's call sites use: InfoLog plus
// Verbosity plus Error/Errorf, mirroring v.io/x/lib/vlog's Logger
// without the file-destination/flag-parsing machinery (ConfigureLogger,
// LogDir, Stats) that belongs to a standalone CLI tool, not a library
// embedded in another program's process.
type Logger struct {
	zap     *zap.SugaredLogger
	level   atomic.Int32
	discard discardLog
}

// discardLog is the InfoLog returned by VI when the configured
// verbosity is below the requested level: every call is a no-op.
type discardLog struct{}

func (discardLog) Info(args ...interface{})                 {}
func (discardLog) Infof(format string, args ...interface{}) {}

type infoLogger struct{ l *Logger }

func (i infoLogger) Info(args ...interface{})                 { i.l.Info(args...) }
func (i infoLogger) Infof(format string, args ...interface{}) { i.l.Infof(format, args...) }

// New constructs a Logger backed by a production zap.Logger (JSON to
// stderr, per zap.NewProduction's defaults), at the given initial
// verbosity level.
func New(level Level) *Logger {
	z, err := zap.NewProduction()
	if err != nil {
		// zap.NewProduction only fails on a broken encoder/sink config,
		// which never happens with its own defaults; fall back to a
		// no-op core rather than letting package initialization panic.
		z = zap.NewNop()
	}
	l := &Logger{zap: z.Sugar()}
	l.level.Store(int32(level))
	return l
}

// SetLevel adjusts the configured verbosity level, affecting subsequent
// V/VI calls. Safe for concurrent use.
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// V reports whether level is at or below l's configured verbosity.
func (l *Logger) V(level Level) bool {
	return int32(level) <= l.level.Load()
}

// VI returns an InfoLog gated on level: logging calls through it are
// live if V(level), discarded otherwise. This is the
// vlog.Log.VI(2).Infof(...) idiom this module's scheduler/channel
// packages use for high-frequency events, so that a production build
// pays no string-formatting cost for logging that is not enabled.
func (l *Logger) VI(level Level) InfoLog {
	if l.V(level) {
		return infoLogger{l}
	}
	return l.discard
}

// Info logs unconditionally at info level.
func (l *Logger) Info(args ...interface{}) {
	l.zap.Info(args...)
}

// Infof logs unconditionally at info level, with fmt.Sprintf-style
// formatting.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.zap.Infof(format, args...)
}

// Error logs unconditionally at error level.
func (l *Logger) Error(args ...interface{}) {
	l.zap.Error(args...)
}

// Errorf logs unconditionally at error level, with fmt.Sprintf-style
// formatting.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.zap.Errorf(format, args...)
}

// Sync flushes any buffered log entries, per zap.Logger.Sync.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

var (
	once sync.Once
	// Log is the package-level default Logger, analogous to the
	// teacher's package-level vlog.Log singleton that every call site
	// in v.io/x/lib logs through directly rather than plumbing a logger
	// value through every function signature.
	Log *Logger
)

func init() {
	once.Do(func() {
		Log = New(0)
	})
}
