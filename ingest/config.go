package ingest

import (
	"context"
	"errors"

	"github.com/poiesic/convey/core"
)

// Config holds the connection parameters common to all backends.
// Credentials arrive here from CLI flags or environment variables; the
// orchestration core never reads them itself.
type Config struct {
	// DatabaseURL is the backend connection string or, for file-backed
	// backends, the database path.
	DatabaseURL string

	// Collection is the target collection, table, or node label.
	// Backends fall back to their own default when empty.
	Collection string

	// APIKey authenticates against the embedding service, when the
	// backend generates vectors.
	APIKey string
}

// Validate checks that the configuration is complete.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("ingest config: DatabaseURL is required")
	}
	return nil
}

// Factory constructs a backend-specific Ingestor from configuration.
// The schema carries mappings, embedding designations, and relationship
// specs the backend may need at construction time.
type Factory func(ctx context.Context, cfg Config, schema *core.Schema) (Ingestor, error)
