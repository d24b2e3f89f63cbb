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


package reader

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/poiesic/convey/core"
)

// FileData is the decoded content of one input file: its records plus
// the schema inferred from them (merged with any declared schema).
type FileData struct {
	Records []core.Record
	Schema  *core.Schema
}

// Enumerate lists the input files for a run. A regular file yields
// itself; a directory yields all regular files beneath it, sorted for a
// deterministic job order.
func Enumerate(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat input path: %w", err)
	}

	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk input directory: %w", err)
	}

	sort.Strings(files)
	return files, nil
}

// DecodeFile decodes one input file into records, dispatching on the
// file extension. The declared schema, when non-nil, overrides inferred
// field types and contributes mappings, embedding designations, and
// relationship specs.
func DecodeFile(path string, declared *core.Schema) (*FileData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var records []core.Record
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		records, err = decodeCSV(f)
	case ".json":
		records, err = decodeJSON(f)
	case ".ndjson", ".jsonl":
		records, err = decodeNDJSON(f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	schema := InferSchema(records)
	if declared != nil {
		schema = schema.Merge(declared)
	}
	return &FileData{Records: records, Schema: schema}, nil
}

// InferSchema derives field types from decoded records. The first
// non-nil value of each field decides its type; fields seen only as
// nil default to string.
func InferSchema(records []core.Record) *core.Schema {
	types := make(map[string]core.FieldType)
	var order []string

	for _, record := range records {
		keys := make([]string, 0, len(record))
		for k := range record {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			if _, seen := types[k]; !seen {
				types[k] = 0
				order = append(order, k)
			}
			if types[k] == 0 {
				if t, ok := typeOf(record[k]); ok {
					types[k] = t
				}
			}
		}
	}

	fields := make([]core.Field, 0, len(order))
	for _, name := range order {
		t := types[name]
		if t == 0 {
			t = core.FieldString
		}
		fields = append(fields, core.Field{Name: name, Type: t})
	}
	return &core.Schema{Fields: fields}
}

func typeOf(v any) (core.FieldType, bool) {
	switch v.(type) {
	case nil:
		return 0, false
	case bool:
		return core.FieldBoolean, true
	case int64, int:
		return core.FieldInteger, true
	case float64, float32:
		return core.FieldFloat, true
	default:
		return core.FieldString, true
	}
}
