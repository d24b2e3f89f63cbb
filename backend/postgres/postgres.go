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


// Package postgres implements the ingest.Ingestor capability for
// PostgreSQL. Records are buffered and flushed in batches as upserts
// keyed on the stable record ID, so re-ingesting a record overwrites
// its row instead of duplicating it.
package postgres

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/poiesic/convey/core"
	"github.com/poiesic/convey/ingest"
	"github.com/poiesic/convey/retry"
	"github.com/poiesic/convey/sqlgen"
)

const (
	defaultTable = "ingested_data"
	batchSize    = 100
)

// Ingestor ingests records into a PostgreSQL table.
type Ingestor struct {
	pool    *pgxpool.Pool
	builder *sqlgen.Builder
	table   string
	logger  *slog.Logger

	mu      sync.Mutex
	pending [][]any
	ensured bool
	upsert  string
}

var _ ingest.Ingestor = (*Ingestor)(nil)

// New connects to PostgreSQL and verifies the connection with retry.
func New(ctx context.Context, cfg ingest.Config, schema *core.Schema) (*Ingestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, ingest.FatalError("postgres: config", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, ingest.FatalError("postgres: parse uri", err)
	}

	if _, err := retry.DefaultPolicy().Do(ctx, func() error {
		if err := pool.Ping(ctx); err != nil {
			return classify("postgres: ping", err)
		}
		return nil
	}); err != nil {
		pool.Close()
		return nil, ingest.FatalError("postgres: connect", err)
	}

	table := cfg.Collection
	if table == "" {
		table = defaultTable
	}

	return &Ingestor{
		pool:   pool,
		table:  table,
		logger: slog.Default().With("component", "postgres-ingestor"),
	}, nil
}

// IngestRecord buffers the record and flushes a batch upsert when the
// buffer fills. Safe for concurrent use.
func (i *Ingestor) IngestRecord(ctx context.Context, record core.Record, schema *core.Schema) error {
	if err := core.ValidateRecord(record); err != nil {
		return ingest.PermanentError("postgres: validate", err)
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

// Finalize flushes any remaining buffered records. Idempotent: a second
// call with an empty buffer is a no-op.
func (i *Ingestor) Finalize(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.pending) == 0 {
		return nil
	}
	return i.flushLocked(ctx)
}

// Close releases the connection pool.
func (i *Ingestor) Close() error {
	i.pool.Close()
	return nil
}

// ensureTableLocked creates the target table on first use. The schema
// of the first record batch wins for the whole run; schemas are shared
// per run so this is stable.
func (i *Ingestor) ensureTableLocked(ctx context.Context, schema *core.Schema) error {
	if i.ensured {
		return nil
	}
	i.builder = sqlgen.NewBuilder(sqlgen.Postgres, schema)
	i.upsert = i.builder.Upsert(i.table)

	ddl := i.builder.CreateTable(i.table)
	if _, err := i.pool.Exec(ctx, ddl); err != nil {
		return classify("postgres: create table", err)
	}
	i.logger.Debug("ensured table", "table", i.table)
	i.ensured = true
	return nil
}

// flushLocked sends the pending rows as one batch. Must be called with
// the lock held. On failure the rows stay pending so a retried call can
// resend them; the upsert keying makes duplicate sends harmless.
func (i *Ingestor) flushLocked(ctx context.Context) error {
	batch := &pgx.Batch{}
	for _, args := range i.pending {
		batch.Queue(i.upsert, args...)
	}

	results := i.pool.SendBatch(ctx, batch)
	for range i.pending {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return classify("postgres: upsert", err)
		}
	}
	if err := results.Close(); err != nil {
		return classify("postgres: upsert", err)
	}

	i.logger.Debug("flushed batch", "rows", len(i.pending), "table", i.table)
	i.pending = i.pending[:0]
	return nil
}

// classify maps pgx errors onto the severity taxonomy.
// SQLSTATE class 08 is connection trouble and class 53 resource
// exhaustion (both retryable); class 28 is authentication (fatal);
// class 22/23/42 are data, constraint, and syntax problems pinned to
// the record or generated statement (permanent).
func classify(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ingest.TransientError(op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), pgErr.Code == "57P03":
			return ingest.TransientError(op, err)
		case strings.HasPrefix(pgErr.Code, "28"):
			return ingest.FatalError(op, err)
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "42"):
			return ingest.PermanentError(op, err)
		}
	}

	return &ingest.Error{Kind: ingest.Classify(err), Op: op, Err: err}
}
