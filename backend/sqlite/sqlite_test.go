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


package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/poiesic/convey/core"
	"github.com/poiesic/convey/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *core.Schema {
	return &core.Schema{
		Fields: []core.Field{
			{Name: "id", Type: core.FieldInteger},
			{Name: "name", Type: core.FieldString},
			{Name: "score", Type: core.FieldFloat},
		},
	}
}

func openTestIngestor(t *testing.T) *Ingestor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	ing, err := New(context.Background(), ingest.Config{DatabaseURL: path}, testSchema())
	require.NoError(t, err)
	t.Cleanup(func() { ing.Close() })
	return ing
}

func TestIngestAndFinalize(t *testing.T) {
	ctx := context.Background()
	ing := openTestIngestor(t)
	schema := testSchema()

	for i := 1; i <= 3; i++ {
		record := core.Record{"id": int64(i), "name": "alice", "score": 1.5}
		require.NoError(t, ing.IngestRecord(ctx, record, schema))
	}
	require.NoError(t, ing.Finalize(ctx))

	var count int
	row := ing.db.QueryRow("SELECT COUNT(*) FROM `ingested_data`")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 3, count)
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ing := openTestIngestor(t)
	schema := testSchema()

	record := core.Record{"id": int64(1), "name": "alice", "score": 1.5}
	require.NoError(t, ing.IngestRecord(ctx, record, schema))
	require.NoError(t, ing.Finalize(ctx))

	// Same record again with a changed field: one row, updated in place.
	record["name"] = "renamed"
	require.NoError(t, ing.IngestRecord(ctx, record, schema))
	require.NoError(t, ing.Finalize(ctx))

	var count int
	require.NoError(t, ing.db.QueryRow("SELECT COUNT(*) FROM `ingested_data`").Scan(&count))
	assert.Equal(t, 1, count)

	var name string
	require.NoError(t, ing.db.QueryRow("SELECT `name` FROM `ingested_data`").Scan(&name))
	assert.Equal(t, "renamed", name)
}

func TestIngestRespectsCollectionAndMappings(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	schema := &core.Schema{
		Fields:   []core.Field{{Name: "id", Type: core.FieldInteger}, {Name: "name", Type: core.FieldString}},
		Mappings: map[string]string{"name": "full_name"},
	}

	ing, err := New(ctx, ingest.Config{DatabaseURL: path, Collection: "people"}, schema)
	require.NoError(t, err)
	defer ing.Close()

	require.NoError(t, ing.IngestRecord(ctx, core.Record{"id": int64(1), "name": "alice"}, schema))
	require.NoError(t, ing.Finalize(ctx))

	var name string
	require.NoError(t, ing.db.QueryRow("SELECT `full_name` FROM `people`").Scan(&name))
	assert.Equal(t, "alice", name)
}

func TestIngestRejectsEmptyRecord(t *testing.T) {
	ing := openTestIngestor(t)
	err := ing.IngestRecord(context.Background(), core.Record{}, testSchema())
	require.Error(t, err)
	assert.Equal(t, ingest.Permanent, ingest.KindOf(err))
}

func TestFinalizeWithEmptyBufferIsNoOp(t *testing.T) {
	ing := openTestIngestor(t)
	assert.NoError(t, ing.Finalize(context.Background()))
	assert.NoError(t, ing.Finalize(context.Background()))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		code sqlite3.ErrNo
		want ingest.Kind
	}{
		{"busy", sqlite3.ErrBusy, ingest.Transient},
		{"locked", sqlite3.ErrLocked, ingest.Transient},
		{"constraint", sqlite3.ErrConstraint, ingest.Permanent},
		{"type mismatch", sqlite3.ErrMismatch, ingest.Permanent},
		{"permission denied", sqlite3.ErrPerm, ingest.Fatal},
		{"corrupt", sqlite3.ErrCorrupt, ingest.Fatal},
		{"not a database", sqlite3.ErrNotADB, ingest.Fatal},
		{"read only", sqlite3.ErrReadonly, ingest.Fatal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify("sqlite: upsert", sqlite3.Error{Code: tc.code})
			assert.Equal(t, tc.want, ingest.KindOf(err))
		})
	}

	t.Run("unclassified falls back to message inspection", func(t *testing.T) {
		err := classify("sqlite: upsert", errors.New("database is busy"))
		assert.Equal(t, ingest.Transient, ingest.KindOf(err))
	})
}

func TestNewRejectsEmptyConfig(t *testing.T) {
	_, err := New(context.Background(), ingest.Config{}, testSchema())
	require.Error(t, err)
	assert.Equal(t, ingest.Fatal, ingest.KindOf(err))
}
