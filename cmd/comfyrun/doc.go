// Package main hosts the comfyrun CLI entrypoint and command graph.
//
// The Cobra command tree turns terminal invocations into job runs against a
// ComfyUI instance, history and run inspection, done-marker production,
// preflight checks, and configuration scaffolding. Configuration resolution,
// logger construction, and collaborator wiring live here so the internal
// packages stay free of process-level concerns.
package main
