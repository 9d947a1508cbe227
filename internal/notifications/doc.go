// Package notifications delivers run events via ntfy.
//
// NewService returns a no-op implementation when no topic is configured, so
// the run loop can publish unconditionally. Events are enumerated and each
// formats its own title, message, and tags; the [notifications] config
// section can suppress whole event groups.
package notifications
