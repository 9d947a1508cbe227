// Package workflow drives a batch of job definitions through the submit,
// detect, collect, and retry cycle.
//
// A Runner owns every collaborator for one run explicitly: the submitter,
// status source, GPU collector, artifact collector, telemetry recorder and
// its sinks, the run-wide metrics registry, and the notifier. Jobs run
// sequentially on the calling goroutine. Each job gets its own retry budget;
// every attempt is persisted before the retry decision is applied, and the
// run aggregate (run.json) is rewritten after each attempt so an interrupted
// run still leaves a consistent record behind.
//
// A file lock on the runs directory keeps two comfyrun processes from driving
// the same compute service at once.
package workflow
