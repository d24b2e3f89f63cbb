// Package dispatch orchestrates one ingestion run: it enumerates input
// files, decodes them into records, and drives each record through an
// ingest.Ingestor under a retry policy, with bounded concurrency and
// partial-failure accounting.
//
// Concurrency is bounded by a fixed-size worker pool: submitting a file
// job blocks until a worker is free, which is the backpressure mechanism
// capping memory and connection use regardless of input size. Failures
// are appended to a shared Registry and summarized into a Report at the
// end of the run. In strict mode the first fatal condition cancels all
// outstanding work and the run halts.
package dispatch
