// Package reader enumerates input files and decodes them into records.
//
// CSV files require a header row; field types are inferred from the
// values. JSON files may hold a single object, an array of objects, or
// newline-delimited objects. Decoded schemas are merged with any
// declared schema so CLI-provided mappings and type overrides win over
// inference.
package reader
