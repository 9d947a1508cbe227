// Package config loads, normalizes, and validates comfyrun configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// COMFYUI_URL and NTFY_TOPIC. The Config type centralizes every knob the run
// loop needs: detector timing, retry budget, frame floor, candidate output
// directories, and telemetry source tuning.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths and clear validation errors.
package config
