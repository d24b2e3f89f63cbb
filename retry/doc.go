// Package retry provides an exponential-backoff policy for wrapping
// fallible backend operations.
//
// A Policy retries only transient failures, caps both attempt count and
// per-attempt delay, and supports optional jitter to avoid synchronized
// retries across concurrent tasks. Policies hold no mutable state, so a
// single instance is safely shared by all tasks of a run.
package retry
