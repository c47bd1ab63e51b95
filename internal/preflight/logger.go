package preflight

import "log/slog"

var packageLogger *slog.Logger = slog.Default()

// SetLogger configures the package logger used for precondition checks.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		packageLogger = slog.Default()
		return
	}
	packageLogger = logger
}

func getLogger() *slog.Logger {
	if packageLogger != nil {
		return packageLogger.With("stage", "preflight")
	}
	return slog.Default()
}
