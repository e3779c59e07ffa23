// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package ngp

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler is a slog.Handler that discards every record. Enabled returns
// false so callers skip argument formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so SetLogger may
// race with logging from pipeline workers.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for ngp and all its sub-packages.
// By default ngp produces no log output. Pass nil to restore silence.
//
// Log levels used by ngp:
//   - [slog.LevelDebug]: stage sizes, per-round counters, skipped samples
//   - [slog.LevelInfo]: grid refreshes, pipeline construction
//   - [slog.LevelWarn]: GPU kernel fallback, rejected configurations
//
// Example:
//
//	ngp.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger. Sub-packages call this so they share
// one configuration without import cycles.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
