// Package gcs archives validated records as JSON objects in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

// Config captures the bucket layout.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name, e.g. "records/".
	Prefix string
}

// ArchiveStore writes each record once, under an object named by its storage key.
// Objects are immutable: the first write wins and later upserts of the same
// key report Written=false.
type ArchiveStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewClient opens a storage client and checks that the bucket is reachable.
func NewClient(ctx context.Context, bucket string, logger *zap.Logger, opts ...option.ClientOption) (*storage.Client, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close gcs client after bucket check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("get gcs bucket %q attributes: %w", bucket, err)
	}
	return client, nil
}

// New creates a GCS-backed archive store.
func New(client *storage.Client, cfg Config) (*ArchiveStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ArchiveStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Name identifies the connector.
func (s *ArchiveStore) Name() string {
	return "gcs"
}

// ObjectName returns the object path used for key.
func (s *ArchiveStore) ObjectName(key pipeline.StorageKey) string {
	return s.prefix + string(key)
}

// Upsert uploads the record unless an object for its key already exists.
func (s *ArchiveStore) Upsert(ctx context.Context, record pipeline.ValidatedRecord) (pipeline.UpsertResult, error) {
	const op = "gcs upsert"
	if strings.TrimSpace(string(record.Key)) == "" {
		return pipeline.UpsertResult{}, pipeline.Constraint(op, errors.New("empty storage key"))
	}
	data, err := json.Marshal(record)
	if err != nil {
		return pipeline.UpsertResult{}, pipeline.Constraint(op, fmt.Errorf("marshal record: %w", err))
	}

	// Retries belong to the pipeline, not the client.
	obj := s.client.Bucket(s.bucket).
		Object(s.ObjectName(record.Key)).
		If(storage.Conditions{DoesNotExist: true}).
		Retryer(storage.WithPolicy(storage.RetryNever))
	wc := obj.NewWriter(ctx)
	wc.ContentType = "application/json"
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return pipeline.UpsertResult{}, classify(op, record.Key, err)
	}
	if err := wc.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return pipeline.UpsertResult{Key: record.Key, Written: false}, nil
		}
		return pipeline.UpsertResult{}, classify(op, record.Key, err)
	}
	return pipeline.UpsertResult{Key: record.Key, Written: true}, nil
}

// Close releases the client.
func (s *ArchiveStore) Close() error {
	return s.client.Close()
}

func classify(op string, key pipeline.StorageKey, err error) error {
	wrapped := fmt.Errorf("object %s: %w", key, err)
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
		return pipeline.Constraint(op, wrapped)
	}
	return pipeline.Unavailable(op, wrapped)
}
