// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package logging provides the scan executor's logging surface, in the
// shape of couchbase-query's logging package (a Level enum and a
// package-level Tracef/Debugf/.../Fatalf API with a settable level) but
// backed by go.uber.org/zap rather than a hand-rolled sink, the way the
// "tae" storage engine wires zap for its own logging.
package logging

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type Level int32

const (
	NONE Level = iota
	FATAL
	ERROR
	WARN
	INFO
	DEBUG
	TRACE
)

var levelNames = map[Level]string{
	NONE: "NONE", FATAL: "FATAL", ERROR: "ERROR", WARN: "WARN",
	INFO: "INFO", DEBUG: "DEBUG", TRACE: "TRACE",
}

func (l Level) String() string { return levelNames[l] }

var (
	mu     sync.Mutex
	base   *zap.Logger
	level  atomic.Int32
	sugar  *zap.SugaredLogger
)

func init() {
	// Let zap pass Debug so that SetLevel alone decides whether DEBUG
	// and TRACE messages are emitted.
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	base = l
	sugar = base.Sugar()
	level.Store(int32(INFO))
}

// SetLevel changes the minimum level that is actually emitted. Lower
// severities below the configured level are cheap no-ops.
func SetLevel(l Level) {
	level.Store(int32(l))
}

// CurrentLevel returns the level last set by SetLevel (INFO initially).
func CurrentLevel() Level {
	return Level(level.Load())
}

// SetLogger replaces the underlying zap logger, e.g. to redirect this
// module's logs into a host application's own zap instance.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	sugar = l.Sugar()
}

func enabled(l Level) bool { return l <= CurrentLevel() }

func Tracef(format string, args ...interface{}) {
	if enabled(TRACE) {
		sugar.Debugf("[TRACE] "+format, args...)
	}
}

func Debugf(format string, args ...interface{}) {
	if enabled(DEBUG) {
		sugar.Debugf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if enabled(INFO) {
		sugar.Infof(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if enabled(WARN) {
		sugar.Warnf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if enabled(ERROR) {
		sugar.Errorf(format, args...)
	}
}

func Fatalf(format string, args ...interface{}) {
	if enabled(FATAL) {
		sugar.Errorf("[FATAL] "+format, args...)
	}
}
