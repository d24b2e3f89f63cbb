// Package ingest defines the capability every storage backend implements
// and the error severity taxonomy governing retry, skip, and halt behavior.
//
// An Ingestor persists one record at a time and finalizes any buffered
// state at the end of a run. Implementations must be safe for concurrent
// use and idempotent under at-least-once delivery: re-ingesting the same
// logical record must not create duplicate persisted entities.
package ingest
