// Package logging defines the structured-logging interface shared by the
// session core, the auth service and the CLI. The only implementation wraps
// log/slog.
package logging

import "context"

// Logger takes a message plus alternating key/value args:
//
//	log.Info(ctx, "session refreshed", "device_id", deviceID, "attempt", n)
//
// Never pass access or refresh tokens as values.
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	// Warn is for failures the caller recovers from, e.g. a token mirror
	// write that did not persist.
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a logger that prepends args to every record.
	With(args ...any) Logger
}
