// Package services defines shared utilities consumed by the run loop and its
// external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, job IDs, attempt numbers, and phase
//     names for logging.
//   - Structured error markers plus the Wrap helper so callers can tell
//     permanent failures (validation, configuration) from retryable ones.
//   - The Executor abstraction that makes external binaries such as
//     nvidia-smi testable.
package services
