// Package artifacts finds the frames a job wrote into the service's output
// directories and copies them into the run directory.
//
// Output files are attributed to a job purely by file name: everything the
// job writes starts with its output prefix. Cleanup removes leftovers from a
// previous attempt before submission so a retry never double-counts, and
// Collect copies `<prefix>_*` files with a configured extension. Finding no
// frames is a normal result, not an error.
package artifacts
