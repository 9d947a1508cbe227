// Package history keeps a local SQLite index of runs and attempts.
//
// The JSON files under the runs directory remain the authoritative record;
// this store exists so `comfyrun history` and `comfyrun show` can answer
// questions across runs without walking the filesystem. Writes are made as a
// best-effort telemetry sink.
package history
