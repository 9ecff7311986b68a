// Package mongo persists validated records as MongoDB documents keyed by storage key.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

// Config locates the target collection.
type Config struct {
	URI        string
	Database   string
	Collection string
}

// Connect dials MongoDB, pings the primary and returns the configured collection.
func Connect(ctx context.Context, cfg Config) (*mongo.Collection, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, fmt.Errorf("mongo uri and database are required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "records"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client.Database(cfg.Database).Collection(cfg.Collection), nil
}

// RecordStore upserts one document per storage key.
type RecordStore struct {
	coll *mongo.Collection
}

// NewRecordStore wraps coll.
func NewRecordStore(coll *mongo.Collection) (*RecordStore, error) {
	if coll == nil {
		return nil, fmt.Errorf("collection is required")
	}
	return &RecordStore{coll: coll}, nil
}

// Name identifies the connector.
func (s *RecordStore) Name() string {
	return "mongo"
}

// Upsert sets the record's schema and fields on the document with _id = key.
// Provenance is only written when the document is created, so an unchanged
// redelivery modifies nothing.
func (s *RecordStore) Upsert(ctx context.Context, record pipeline.ValidatedRecord) (pipeline.UpsertResult, error) {
	const op = "mongo upsert"
	if record.Key == "" {
		return pipeline.UpsertResult{}, pipeline.Constraint(op, errors.New("empty storage key"))
	}
	filter := bson.D{{Key: "_id", Value: string(record.Key)}}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "schema", Value: record.Schema},
			{Key: "fields", Value: record.Fields},
		}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "source_job_id", Value: record.SourceJobID},
			{Key: "fetched_at", Value: record.FetchedAt},
		}},
	}
	res, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return pipeline.UpsertResult{}, classify(op, err)
	}
	return pipeline.UpsertResult{
		Key:     record.Key,
		Written: res.UpsertedCount > 0 || res.ModifiedCount > 0,
	}, nil
}

// Close disconnects the underlying client.
func (s *RecordStore) Close(ctx context.Context) error {
	return s.coll.Database().Client().Disconnect(ctx)
}

// classify treats document-level write errors as constraint violations and
// everything else (network, timeouts, server state) as unavailability.
func classify(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return pipeline.Constraint(op, err)
	}
	var we mongo.WriteException
	if errors.As(err, &we) && len(we.WriteErrors) > 0 {
		return pipeline.Constraint(op, err)
	}
	return pipeline.Unavailable(op, err)
}
