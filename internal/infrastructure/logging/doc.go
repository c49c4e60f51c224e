// Package logging provides the particleserver daemon's structured logger,
// a thin wrapper over log/slog with default fields and level/format
// selection driven by config.LoggingConfig.
package logging
