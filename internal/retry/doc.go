// Package retry decides whether a finished attempt is resubmitted.
//
// Budgets are per job: a job gets one initial attempt plus Budget retries.
// An attempt is requeued when it did not end in Success or produced fewer
// frames than the floor, and only while budget remains.
package retry
