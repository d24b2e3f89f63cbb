package core

import (
	"encoding/json"
	"fmt"
)

// ValidateRecord checks that a record is well formed enough to ingest.
func ValidateRecord(r Record) error {
	if len(r) == 0 {
		return ErrEmptyRecord
	}
	return nil
}

// ValidateSchema checks that a schema's declared fields are consistent.
// Schemas with no fields are valid only when they carry mappings or an
// embed designation; a fully empty schema is rejected.
func ValidateSchema(s *Schema) error {
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return ErrEmptyFieldName
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateField, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	if s.EmbedField != "" && len(s.Fields) > 0 {
		if _, ok := s.FieldType(s.EmbedField); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEmbedField, s.EmbedField)
		}
	}
	return nil
}

// FlattenValue converts a record value into a scalar suitable for a
// flat column/property store. Scalars pass through; nested maps and
// slices are JSON-encoded.
func FlattenValue(v any) any {
	switch v.(type) {
	case nil, string, bool, int, int64, float64, float32, uint64:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
