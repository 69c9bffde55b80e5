// Package shmbuf implements the shared-memory event transport of the
// runtime monitor: a single-producer single-consumer ring buffer of
// fixed-size event slots in a named shared segment, an immutable control
// segment describing the event schema, a pool of auxiliary segments holding
// variable-length data behind 64-bit handles, and a bounded registry of
// dropped event-id ranges driving auxiliary garbage collection.
//
// The producer process creates and eventually destroys (unlinks) every
// segment; a monitor process attaches, drains and releases. Push and pop
// never block; only attach retries with backoff.
//
// Platform-specific helpers are in internal/shm.
package shmbuf
