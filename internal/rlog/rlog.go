// Package rlog provides cold-path diagnostic logging for the reclamation
// engine: EXISTS/INVALID races, fork lifecycle transitions, and fatal
// conditions that precede process termination.
//
// The dispatcher's enqueue path never calls it, and a worker's drain loop
// calls it only for a drained node that carries no handler. A structured
// logger is used here because the callers of this package (registry
// lifecycle operations, fork coordination) are already cold paths where a
// few allocations are immaterial, and structured fields make fatal aborts
// diagnosable in production.
package rlog

import (
	"os"

	"go.uber.org/zap"
)

var base = newLogger()

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		// Logger construction failing is itself a sign of a broken host;
		// fall back to a no-op rather than recurse into Fatal.
		return zap.NewNop()
	}
	return l
}

// Warn logs a non-fatal, surfaced-to-caller condition: an EXISTS race on a
// per-CPU slot, a wake that raced a concurrent pause or shutdown, and
// similar benign contention the state flags already serialize.
func Warn(msg string, fields ...zap.Field) {
	base.Warn(msg, fields...)
}

// Info logs a lifecycle transition: worker creation/destruction, fork
// coordination phases.
func Info(msg string, fields ...zap.Field) {
	base.Info(msg, fields...)
}

// Fatal logs an unrecoverable host condition (mutex operation, thread spawn,
// or affinity call returning a system error) and terminates the process.
// There is no sensible recovery from within a reclamation engine for any of
// these — by contract, not by check, matching the original library's
// perror()+exit(-1) idiom.
func Fatal(msg string, fields ...zap.Field) {
	base.Error(msg, fields...)
	os.Exit(1)
}
