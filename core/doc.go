// Package core defines the shared domain model of the loading engine:
// records, stable content-derived identifiers, schemas with field
// types and mappings, and relationship declarations. It has no backend
// or transport dependencies; every other package builds on it.
package core
