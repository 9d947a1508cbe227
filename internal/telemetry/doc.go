// Package telemetry assembles and persists the fixed-schema record written
// for every attempt.
//
// The JSON shape of Record is a contract with external readers: every field
// is always present, unavailable values encode as null with an explanatory
// entry in fallbackNotes, and fallbackNotes is always an array. Builder
// finalizes a record exactly once; Recorder writes it atomically alongside
// the attempt's poll records and the run aggregate. A failed write is
// reported as *WriteError and is fatal for the run.
package telemetry
