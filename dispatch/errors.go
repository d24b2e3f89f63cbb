package dispatch

import "errors"

var (
	// ErrIngestorRequired is returned when an ingestor is not provided.
	ErrIngestorRequired = errors.New("ingestor required")

	// ErrRegistryRequired is returned when a registry is not provided.
	ErrRegistryRequired = errors.New("registry required")

	// ErrHalted is returned by Run when a fatal condition (or any
	// failure under strict mode) stopped the run before all enumerated
	// jobs were attempted.
	ErrHalted = errors.New("run halted on fatal error")
)
