// Package logx provides structured logging for capsuled.
//
// It wraps zerolog behind a small Logger value with slog-like Field helpers,
// plus a Service that owns the sinks (console, file) and supports hot-reload
// via Apply(). Loggers created from the Service stay live across Apply calls.
package logx
