package modhub

import "log/slog"

// Logger defines the interface for runtime logging.
// The runtime uses structured logging with key-value pairs so that
// registration, dispatch and runner diagnostics can be filtered by the
// "module", "event" and "runner" keys.
//
// The Logger interface uses variadic arguments in key-value pairs:
//
//	logger.Info("message", "key1", "value1", "key2", "value2")
//
// *slog.Logger satisfies this interface directly.
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	// Used for lifecycle transitions such as registration and activation.
	//
	// Example:
	//   logger.Info("Module activated", "module", "version-checker")
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	// Used for handler failures and shutdown problems.
	//
	// Example:
	//   logger.Error("Handler failed", "module", "keyring", "event", "key.imported", "error", err)
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	// Used for recoverable conditions such as malformed payloads.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	// Used for per-dispatch tracing, typically disabled in production.
	Debug(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}
