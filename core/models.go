// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-crypt/x/blake2b"
)

// ID is a unique identifier for ingested entities.
// It is generated using content-based hashing so that re-ingesting the
// same logical record always yields the same identifier.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// This ensures that identical content produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// String returns the decimal representation used as the persisted key.
func (id ID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// Record is one decoded unit of input data (row, document, or node).
// Values are scalars (string, int64, float64, bool, nil) or nested
// maps/slices produced by the decoder. A Record is not mutated after
// the decoder produces it.
type Record map[string]any

// identityFields are checked in order when looking for a natural key.
var identityFields = []string{"id", "ID", "uuid"}

// IdentityID returns the stable identifier for the record.
// If the record carries a natural key field (id, ID, uuid) its value is
// hashed; otherwise the canonical JSON encoding of the whole record is.
// Either way the same logical record always maps to the same ID, which
// is what makes backend upserts idempotent across retries and re-runs.
func (r Record) IdentityID() ID {
	for _, field := range identityFields {
		if v, ok := r[field]; ok && v != nil {
			return IDFromContent(fmt.Sprintf("%v", v))
		}
	}
	// encoding/json sorts map keys, so this encoding is canonical.
	data, err := json.Marshal(r)
	if err != nil {
		return IDFromContent(fmt.Sprintf("%v", map[string]any(r)))
	}
	return IDFromContent(string(data))
}

// FieldType is the declared type of a schema field.
type FieldType int

const (
	// FieldString is a text field.
	FieldString FieldType = iota + 1
	// FieldInteger is a whole-number field.
	FieldInteger
	// FieldFloat is a floating-point field.
	FieldFloat
	// FieldBoolean is a true/false field.
	FieldBoolean
	// FieldReference is a field holding an identifier of another entity.
	FieldReference
)

// String returns the lowercase name of the field type.
func (t FieldType) String() string {
	switch t {
	case FieldString:
		return "string"
	case FieldInteger:
		return "integer"
	case FieldFloat:
		return "float"
	case FieldBoolean:
		return "boolean"
	case FieldReference:
		return "reference"
	default:
		return "unknown"
	}
}

// Field is one named, typed column/property of a Schema.
type Field struct {
	Name string
	Type FieldType
}

// Relationship declares a graph edge to create per record.
// SourceField holds the target's key in the ingested record.
type Relationship struct {
	SourceField string `json:"source_field"`
	TargetLabel string `json:"target_label"`
	TargetField string `json:"target_field"`
	Type        string `json:"relationship_type"`
}

// ParseRelationships decodes a JSON array of relationship declarations,
// e.g. `[{"source_field":"user_id","target_label":"User","target_field":"id","relationship_type":"BELONGS_TO"}]`.
func ParseRelationships(spec string) ([]Relationship, error) {
	if spec == "" {
		return nil, nil
	}
	var rels []Relationship
	if err := json.Unmarshal([]byte(spec), &rels); err != nil {
		return nil, fmt.Errorf("invalid relationship spec: %w", err)
	}
	for _, rel := range rels {
		if rel.SourceField == "" || rel.TargetLabel == "" || rel.Type == "" {
			return nil, ErrIncompleteRelationship
		}
	}
	return rels, nil
}

// DefaultVectorSize is the vector dimension used when a schema does not
// declare one.
const DefaultVectorSize = 4

// Schema declares the field types and mappings applied to records of one run.
// It is shared read-only across all concurrent tasks and never mutated
// during ingestion.
type Schema struct {
	Fields        []Field
	Mappings      map[string]string // source field -> target column/property
	EmbedField    string            // field whose text is embedded, if any
	VectorSize    uint64            // vector dimensionality for vector backends
	Relationships []Relationship
}

// TargetName returns the target column/property name for a source field,
// applying the configured mapping if one exists.
func (s *Schema) TargetName(field string) string {
	if s.Mappings != nil {
		if target, ok := s.Mappings[field]; ok {
			return target
		}
	}
	return field
}

// FieldType returns the declared type of the named field.
func (s *Schema) FieldType(name string) (FieldType, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Type, true
		}
	}
	return 0, false
}

// FieldNames returns the source field names in deterministic order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	sort.Strings(names)
	return names
}

// Merge overlays the declared schema onto an inferred one: declared
// field types win, and mappings, embed field, vector size, and
// relationships are carried over. The receiver is not modified.
func (s *Schema) Merge(declared *Schema) *Schema {
	if declared == nil {
		return s
	}
	merged := &Schema{
		Fields:        make([]Field, len(s.Fields)),
		Mappings:      declared.Mappings,
		EmbedField:    declared.EmbedField,
		VectorSize:    declared.VectorSize,
		Relationships: declared.Relationships,
	}
	copy(merged.Fields, s.Fields)
	for i, f := range merged.Fields {
		if t, ok := declared.FieldType(f.Name); ok {
			merged.Fields[i].Type = t
		}
	}
	return merged
}
