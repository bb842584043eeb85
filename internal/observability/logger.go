// Package observability configures logging and Prometheus metrics for the
// worker runtime.
package observability

import (
	"log/slog"
	"os"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(service, appEnv string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// In dev, show debug level; in prod, default to info
	if appEnv == "dev" {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", service),
		slog.String("env", appEnv),
	)
	return logger
}
