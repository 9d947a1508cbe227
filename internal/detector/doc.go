// Package detector decides when a submitted prompt is finished.
//
// The service's completion signal is ambiguous: history may report success
// before the output writer has flushed every frame. The detector therefore
// keeps polling after success until either the done-marker appears or a
// post-execution timeout elapses, and bounds the wait for success itself with
// a max-wait deadline and an optional poll attempt limit.
//
// Transition is a pure function over State so every rule can be tested
// without timers; Detector runs it on an injected Clock.
package detector
