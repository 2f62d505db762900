// Package logging provides the reactor's background diagnostic logger.
//
// Every error the core can produce that is *not* already surfaced to an
// application callback (a pruned idle connection, a rejected accept, a
// TLS handshake failure on a connection nobody is waiting on) still needs
// to go somewhere, since the reactor itself has no caller to hand a
// *errors.Error back to in that situation. log/slog is the
// standard-library structured logger every Go project has reached for
// since 1.21; using it here is the stdlib exception called out in
// DESIGN.md, not a default.
package logging

import (
	"log/slog"
	"os"
)

// Logger is the narrow surface the reactor needs. It is satisfied by
// *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Default returns a text-handler slog.Logger writing to stderr at Info
// level, or Debug level when debug is true (the -http-debug flag).
func Default(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// Discard returns a Logger that drops everything, for tests and for
// applications that install their own Logger via echttp's Server.SetLogger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
