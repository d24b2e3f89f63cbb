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


// Package sqlgen builds dialect-specific DDL and upsert statements for
// the relational backends. Column order is deterministic (sorted source
// field names) so generated SQL is stable across runs.
package sqlgen

import (
	"fmt"
	"strings"

	"github.com/poiesic/convey/core"
)

// Dialect selects the SQL flavor to generate.
type Dialect int

const (
	// Postgres generates double-quoted identifiers and $n placeholders.
	Postgres Dialect = iota + 1
	// SQLite generates backtick-quoted identifiers and ? placeholders.
	SQLite
)

// IDColumn is the synthetic primary-key column holding the stable
// record identifier; upserts conflict on it.
const IDColumn = "_id"

// Quote wraps an identifier in the dialect's quoting style.
func (d Dialect) Quote(ident string) string {
	if d == SQLite {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

func (d Dialect) placeholder(n int) string {
	if d == SQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// Builder generates SQL for one (dialect, schema) pair.
type Builder struct {
	dialect Dialect
	schema  *core.Schema
}

// NewBuilder creates a builder for the given dialect and schema.
func NewBuilder(dialect Dialect, schema *core.Schema) *Builder {
	return &Builder{dialect: dialect, schema: schema}
}

// ColumnType maps a declared field type to the dialect's column type.
func (b *Builder) ColumnType(t core.FieldType) string {
	switch b.dialect {
	case SQLite:
		switch t {
		case core.FieldInteger:
			return "INTEGER"
		case core.FieldFloat:
			return "REAL"
		case core.FieldBoolean:
			return "INTEGER" // SQLite uses 0/1
		default:
			return "TEXT"
		}
	default:
		switch t {
		case core.FieldInteger:
			return "BIGINT"
		case core.FieldFloat:
			return "DOUBLE PRECISION"
		case core.FieldBoolean:
			return "BOOLEAN"
		default:
			return "TEXT"
		}
	}
}

// SourceColumns returns the schema's source field names in the
// deterministic order all generated statements use.
func (b *Builder) SourceColumns() []string {
	return b.schema.FieldNames()
}

// CreateTable generates CREATE TABLE IF NOT EXISTS with the ID column
// first, followed by the mapped schema columns.
func (b *Builder) CreateTable(table string) string {
	columns := []string{b.dialect.Quote(IDColumn) + " TEXT PRIMARY KEY"}
	for _, name := range b.SourceColumns() {
		t, _ := b.schema.FieldType(name)
		target := b.schema.TargetName(name)
		columns = append(columns, fmt.Sprintf("%s %s", b.dialect.Quote(target), b.ColumnType(t)))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", b.dialect.Quote(table), strings.Join(columns, ", "))
}

// Upsert generates an idempotent insert conflicting on the ID column:
// re-ingesting a record overwrites its previous row instead of
// duplicating it. Parameter order is ID first, then SourceColumns order.
func (b *Builder) Upsert(table string) string {
	sources := b.SourceColumns()

	insertCols := make([]string, 0, len(sources)+1)
	placeholders := make([]string, 0, len(sources)+1)
	updates := make([]string, 0, len(sources))

	insertCols = append(insertCols, b.dialect.Quote(IDColumn))
	placeholders = append(placeholders, b.dialect.placeholder(1))

	for i, name := range sources {
		target := b.dialect.Quote(b.schema.TargetName(name))
		insertCols = append(insertCols, target)
		placeholders = append(placeholders, b.dialect.placeholder(i+2))
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", target, target))
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		b.dialect.Quote(table), strings.Join(insertCols, ", "), strings.Join(placeholders, ", "))
	if len(updates) == 0 {
		return stmt + fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", b.dialect.Quote(IDColumn))
	}
	return stmt + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
		b.dialect.Quote(IDColumn), strings.Join(updates, ", "))
}

// Args assembles the parameter list matching Upsert's placeholder
// order: the record's stable ID followed by the flattened field values.
func (b *Builder) Args(record core.Record) []any {
	sources := b.SourceColumns()
	args := make([]any, 0, len(sources)+1)
	args = append(args, record.IdentityID().String())
	for _, name := range sources {
		args = append(args, core.FlattenValue(record[name]))
	}
	return args
}
