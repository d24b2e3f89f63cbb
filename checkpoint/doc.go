// Package checkpoint records which input files have been fully ingested
// so a re-run of the same inputs can skip them.
//
// Completion marks are keyed by file path and carry a content
// fingerprint; a file whose contents changed since it was marked is
// processed again. Marks are stored in a local BadgerDB directory.
package checkpoint
