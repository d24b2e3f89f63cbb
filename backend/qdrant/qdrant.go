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


// Package qdrant implements the ingest.Ingestor capability for Qdrant.
// Each record becomes a point whose numeric ID is derived from the
// stable record ID, so re-ingesting a record overwrites its point.
// When the schema names an embed field, vectors come from the
// configured embedder; otherwise points carry a zero vector so payload
// filtering still works without an embedding provider.
package qdrant

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/poiesic/convey/core"
	"github.com/poiesic/convey/embed"
	"github.com/poiesic/convey/ingest"
	"github.com/poiesic/convey/retry"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection = "ingested_data"
	defaultPort       = 6334
)

// Ingestor ingests records as Qdrant points.
type Ingestor struct {
	client     *qdrant.Client
	collection string
	embedField string
	vectorSize uint64
	embedder   embed.Embedder
	logger     *slog.Logger
}

var _ ingest.Ingestor = (*Ingestor)(nil)

// New connects to Qdrant, verifies health with retry, and ensures the
// target collection exists with the schema's vector size.
func New(ctx context.Context, cfg ingest.Config, schema *core.Schema) (*Ingestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, ingest.FatalError("qdrant: config", err)
	}

	host, port, useTLS, err := splitHostPort(cfg.DatabaseURL)
	if err != nil {
		return nil, ingest.FatalError("qdrant: parse uri", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port, UseTLS: useTLS})
	if err != nil {
		return nil, ingest.FatalError("qdrant: client", err)
	}

	if _, err := retry.DefaultPolicy().Do(ctx, func() error {
		if _, err := client.HealthCheck(ctx); err != nil {
			return classify("qdrant: health check", err)
		}
		return nil
	}); err != nil {
		_ = client.Close()
		return nil, ingest.FatalError("qdrant: connect", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = defaultCollection
	}

	size := schema.VectorSize
	if size == 0 {
		size = core.DefaultVectorSize
	}

	var embedder embed.Embedder
	if schema.EmbedField != "" {
		e, err := embed.NewOpenAIEmbedder(cfg.APIKey, "")
		if err != nil {
			_ = client.Close()
			return nil, ingest.FatalError("qdrant: embedder", err)
		}
		embedder = e
	}

	ing := &Ingestor{
		client:     client,
		collection: collection,
		embedField: schema.EmbedField,
		vectorSize: size,
		embedder:   embedder,
		logger:     slog.Default().With("component", "qdrant-ingestor"),
	}

	if err := ing.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return ing, nil
}

// IngestRecord upserts the record's point. Point IDs derive from the
// stable record ID, making the upsert idempotent.
func (i *Ingestor) IngestRecord(ctx context.Context, record core.Record, schema *core.Schema) error {
	if err := core.ValidateRecord(record); err != nil {
		return ingest.PermanentError("qdrant: validate", err)
	}

	vector, err := i.vectorFor(ctx, record)
	if err != nil {
		return err
	}

	payload := make(map[string]any, len(record))
	for name := range record {
		payload[schema.TargetName(name)] = core.FlattenValue(record[name])
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDNum(uint64(record.IdentityID())),
		Vectors: qdrant.NewVectors(vector...),
		Payload: qdrant.NewValueMap(payload),
	}

	if _, err := i.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: i.collection,
		Points:         []*qdrant.PointStruct{point},
		Wait:           qdrant.PtrOf(true),
	}); err != nil {
		return classify("qdrant: upsert", err)
	}
	return nil
}

// Finalize is a no-op; upserts are acknowledged individually.
func (i *Ingestor) Finalize(ctx context.Context) error {
	return nil
}

// Close shuts down the gRPC connection.
func (i *Ingestor) Close() error {
	return i.client.Close()
}

func (i *Ingestor) ensureCollection(ctx context.Context) error {
	exists, err := i.client.CollectionExists(ctx, i.collection)
	if err != nil {
		return classify("qdrant: collection exists", err)
	}
	if exists {
		return nil
	}

	err = i.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: i.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     i.vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return classify("qdrant: create collection", err)
	}
	i.logger.Info("created collection", "collection", i.collection, "vector_size", i.vectorSize)
	return nil
}

// vectorFor embeds the record's embed field when one is configured and
// the field holds text; all other cases get a zero vector.
func (i *Ingestor) vectorFor(ctx context.Context, record core.Record) ([]float32, error) {
	if i.embedder != nil && i.embedField != "" {
		if text, ok := record[i.embedField].(string); ok && text != "" {
			vectors, err := i.embedder.EmbedTexts(ctx, []string{text})
			if err != nil {
				return nil, ingest.TransientError("qdrant: embed", err)
			}
			if len(vectors) == 1 {
				return vectors[0], nil
			}
			return nil, ingest.PermanentError("qdrant: embed",
				fmt.Errorf("expected 1 vector, got %d", len(vectors)))
		}
	}
	return make([]float32, i.vectorSize), nil
}

// splitHostPort extracts the gRPC host and port from a URL or bare
// host:port string. TLS is inferred from an https scheme.
func splitHostPort(raw string) (string, int, bool, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", 0, false, err
	}

	port := defaultPort
	if p := parsed.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, false, err
		}
	}
	return parsed.Hostname(), port, parsed.Scheme == "https", nil
}

// classify maps gRPC status codes onto the severity taxonomy.
func classify(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return ingest.TransientError(op, err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return ingest.FatalError(op, err)
	case codes.InvalidArgument, codes.FailedPrecondition:
		return ingest.PermanentError(op, err)
	}
	return &ingest.Error{Kind: ingest.Classify(err), Op: op, Err: err}
}
