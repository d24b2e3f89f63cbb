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


// Package mongo implements the ingest.Ingestor capability for MongoDB.
// Records buffer into replace-with-upsert models flushed through
// unordered bulk writes, keyed on the stable record ID in _id.
package mongo

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/poiesic/convey/core"
	"github.com/poiesic/convey/ingest"
	"github.com/poiesic/convey/retry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	defaultDatabase   = "scm_db"
	defaultCollection = "ingested_data"
	batchSize         = 100
)

// Ingestor ingests records into a MongoDB collection.
type Ingestor struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger

	mu      sync.Mutex
	pending []mongo.WriteModel
}

var _ ingest.Ingestor = (*Ingestor)(nil)

// New connects to MongoDB and verifies reachability with retry.
func New(ctx context.Context, cfg ingest.Config, schema *core.Schema) (*Ingestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, ingest.FatalError("mongo: config", err)
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DatabaseURL))
	if err != nil {
		return nil, ingest.FatalError("mongo: connect", err)
	}

	if _, err := retry.DefaultPolicy().Do(ctx, func() error {
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			return classify("mongo: ping", err)
		}
		return nil
	}); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, ingest.FatalError("mongo: connect", err)
	}

	name := cfg.Collection
	if name == "" {
		name = defaultCollection
	}

	return &Ingestor{
		client:     client,
		collection: client.Database(defaultDatabase).Collection(name),
		logger:     slog.Default().With("component", "mongo-ingestor"),
	}, nil
}

// IngestRecord buffers an upsert for the record's document and flushes
// a bulk write when the buffer fills.
func (i *Ingestor) IngestRecord(ctx context.Context, record core.Record, schema *core.Schema) error {
	if err := core.ValidateRecord(record); err != nil {
		return ingest.PermanentError("mongo: validate", err)
	}

	doc := bson.M{"_id": record.IdentityID().String()}
	for name := range record {
		doc[schema.TargetName(name)] = record[name]
	}

	model := mongo.NewReplaceOneModel().
		SetFilter(bson.M{"_id": doc["_id"]}).
		SetReplacement(doc).
		SetUpsert(true)

	i.mu.Lock()
	defer i.mu.Unlock()

	i.pending = append(i.pending, model)
	if len(i.pending) >= batchSize {
		return i.flushLocked(ctx)
	}
	return nil
}

// Finalize flushes the remaining buffered documents.
func (i *Ingestor) Finalize(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.pending) == 0 {
		return nil
	}
	return i.flushLocked(ctx)
}

// Close disconnects the client.
func (i *Ingestor) Close() error {
	return i.client.Disconnect(context.Background())
}

// flushLocked sends the pending models as one unordered bulk write.
// Models remain pending on failure; upserts keyed on _id make a resend
// harmless.
func (i *Ingestor) flushLocked(ctx context.Context) error {
	opts := options.BulkWrite().SetOrdered(false)
	if _, err := i.collection.BulkWrite(ctx, i.pending, opts); err != nil {
		return classify("mongo: bulk write", err)
	}

	i.logger.Debug("flushed batch", "docs", len(i.pending), "collection", i.collection.Name())
	i.pending = i.pending[:0]
	return nil
}

// classify maps driver errors onto the severity taxonomy. Timeouts,
// network failures, and server selection count as retryable; duplicate
// keys are pinned to the document; authentication failures mean the
// credentials are wrong for the whole run.
func classify(op string, err error) error {
	switch {
	case mongo.IsTimeout(err), mongo.IsNetworkError(err):
		return ingest.TransientError(op, err)
	case mongo.IsDuplicateKeyError(err):
		return ingest.PermanentError(op, err)
	case isAuthError(err):
		return ingest.FatalError(op, err)
	}
	return &ingest.Error{Kind: ingest.Classify(err), Op: op, Err: err}
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "auth error") ||
		strings.Contains(msg, "authentication failed") ||
		strings.Contains(msg, "unauthorized")
}
