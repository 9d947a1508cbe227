// Package preflight provides readiness checks for the services and paths a
// run depends on.
//
// These checks run in two contexts:
//   - `comfyrun run` calls RunAll before the first submission and refuses to
//     start when a required check fails.
//   - `comfyrun preflight` renders every result as a table.
//
// Optional checks (nvidia-smi, the done-marker directory before the service
// has created it) report but never block.
package preflight
