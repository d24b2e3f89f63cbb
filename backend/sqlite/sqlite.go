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


// Package sqlite implements the ingest.Ingestor capability for SQLite
// files. Writes go through a single connection and are grouped into
// transactions, one upsert per record keyed on the stable record ID.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/poiesic/convey/core"
	"github.com/poiesic/convey/ingest"
	"github.com/poiesic/convey/sqlgen"
)

const (
	defaultTable = "ingested_data"
	batchSize    = 100
)

// Ingestor ingests records into a SQLite database file.
type Ingestor struct {
	db     *sql.DB
	table  string
	logger *slog.Logger

	mu      sync.Mutex
	builder *sqlgen.Builder
	upsert  string
	ensured bool
	pending [][]any
}

var _ ingest.Ingestor = (*Ingestor)(nil)

// New opens (or creates) the SQLite database at the configured path.
// SQLite handles one writer at a time, so the pool is pinned to a
// single connection and callers serialize on the ingestor mutex.
func New(ctx context.Context, cfg ingest.Config, schema *core.Schema) (*Ingestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, ingest.FatalError("sqlite: config", err)
	}

	db, err := sql.Open("sqlite3", cfg.DatabaseURL+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, ingest.FatalError("sqlite: open", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, ingest.FatalError("sqlite: open", err)
	}

	table := cfg.Collection
	if table == "" {
		table = defaultTable
	}

	return &Ingestor{
		db:     db,
		table:  table,
		logger: slog.Default().With("component", "sqlite-ingestor"),
	}, nil
}

// IngestRecord buffers the record and flushes a transaction of upserts
// when the buffer fills.
func (i *Ingestor) IngestRecord(ctx context.Context, record core.Record, schema *core.Schema) error {
	if err := core.ValidateRecord(record); err != nil {
		return ingest.PermanentError("sqlite: validate", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.ensureTableLocked(ctx, schema); err != nil {
		return err
	}

	i.pending = append(i.pending, i.builder.Args(record))
	if len(i.pending) >= batchSize {
		return i.flushLocked(ctx)
	}
	return nil
}

// Finalize flushes the remaining buffered records.
func (i *Ingestor) Finalize(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.pending) == 0 {
		return nil
	}
	return i.flushLocked(ctx)
}

// Close closes the database.
func (i *Ingestor) Close() error {
	return i.db.Close()
}

func (i *Ingestor) ensureTableLocked(ctx context.Context, schema *core.Schema) error {
	if i.ensured {
		return nil
	}
	i.builder = sqlgen.NewBuilder(sqlgen.SQLite, schema)
	i.upsert = i.builder.Upsert(i.table)

	if _, err := i.db.ExecContext(ctx, i.builder.CreateTable(i.table)); err != nil {
		return classify("sqlite: create table", err)
	}
	i.logger.Debug("ensured table", "table", i.table)
	i.ensured = true
	return nil
}

// flushLocked writes all pending rows in one transaction. Rows remain
// pending on failure; the ID-keyed upsert makes a resend harmless.
func (i *Ingestor) flushLocked(ctx context.Context) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("sqlite: begin", err)
	}

	stmt, err := tx.PrepareContext(ctx, i.upsert)
	if err != nil {
		tx.Rollback()
		return classify("sqlite: prepare", err)
	}

	for _, args := range i.pending {
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			stmt.Close()
			tx.Rollback()
			return classify("sqlite: upsert", err)
		}
	}
	stmt.Close()

	if err := tx.Commit(); err != nil {
		return classify("sqlite: commit", err)
	}

	i.logger.Debug("flushed batch", "rows", len(i.pending), "table", i.table)
	i.pending = i.pending[:0]
	return nil
}

// classify maps sqlite3 errors onto the severity taxonomy. Busy and
// locked are lock contention (retryable); constraint and type errors
// are pinned to the record (permanent); permission, corruption, and
// read-only failures mean the target itself is unusable (fatal).
func classify(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return ingest.TransientError(op, err)
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch:
			return ingest.PermanentError(op, err)
		case sqlite3.ErrPerm, sqlite3.ErrAuth, sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrReadonly:
			return ingest.FatalError(op, err)
		}
	}
	return &ingest.Error{Kind: ingest.Classify(err), Op: op, Err: err}
}
