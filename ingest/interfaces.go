package ingest

import (
	"context"

	"github.com/poiesic/convey/core"
)

// Ingestor persists records into a specific storage backend.
// Implementations must be thread-safe: IngestRecord is called
// concurrently from multiple tasks sharing one instance, and any
// connection pooling or write serialization is the implementer's
// responsibility.
type Ingestor interface {
	// IngestRecord persists a single record using the given schema.
	// It must be idempotent under at-least-once delivery: calling it
	// twice with the same logical record leaves the same persisted
	// state as calling it once. Errors are classified via the Kind
	// taxonomy (see KindOf).
	IngestRecord(ctx context.Context, record core.Record, schema *core.Schema) error

	// Finalize flushes any buffered state, e.g. commits a pending
	// batch. It is called exactly once per instance after all
	// IngestRecord calls have completed, success or failure, and must
	// itself be idempotent if the caller retries it.
	Finalize(ctx context.Context) error

	// Close releases backend connections and other resources. Safe to
	// call after Finalize, and required even when the run is halted
	// early.
	Close() error
}
