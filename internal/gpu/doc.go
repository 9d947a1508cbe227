// Package gpu samples GPU memory usage through an ordered chain of sources.
//
// The compute service's /system_stats endpoint is tried first, a few times at
// a short fixed interval; the local nvidia-smi utility is the fallback. Every
// failed source leaves one human-readable note on the snapshot. When every
// source fails the numeric fields stay nil; values are never defaulted to
// zero.
package gpu
