// Package logging assembles structured slog loggers and formatting helpers used
// across comfyrun.
//
// It owns the console and JSON handlers, tees each run into its own JSON log
// file, and exposes context-aware helpers so attempt code automatically tags
// log lines with run IDs, job IDs, attempt numbers, and phases. A no-op logger
// is provided for tests and wiring code that cannot fail.
package logging
