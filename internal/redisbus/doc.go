// Package redisbus connects a run to Redis lists: job definitions are drained
// from an intake list pushed by an upstream generator, and every persisted
// attempt is published to a telemetry list for downstream consumers.
package redisbus
