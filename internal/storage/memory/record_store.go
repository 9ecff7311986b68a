// Package memory provides an in-process record store for local runs and tests.
package memory

import (
	"context"
	"reflect"
	"sync"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

// RecordStore keeps the latest version of each record by storage key.
type RecordStore struct {
	name string

	mu      sync.Mutex
	records map[pipeline.StorageKey]pipeline.ValidatedRecord
	calls   int
	// failures queues errors returned by the next Upsert calls, in order.
	failures []error
}

// NewRecordStore creates an empty store identified by name.
func NewRecordStore(name string) *RecordStore {
	if name == "" {
		name = "memory"
	}
	return &RecordStore{name: name, records: make(map[pipeline.StorageKey]pipeline.ValidatedRecord)}
}

// Name identifies the connector.
func (s *RecordStore) Name() string {
	return s.name
}

// Upsert stores record under its key. Written is false when an identical
// record is already present.
func (s *RecordStore) Upsert(ctx context.Context, record pipeline.ValidatedRecord) (pipeline.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return pipeline.UpsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return pipeline.UpsertResult{}, pipeline.Unavailable("memory upsert", err)
	}
	if record.Key == "" {
		return pipeline.UpsertResult{}, pipeline.Errorf(pipeline.KindConstraintViolation, "memory upsert", "record has no key")
	}
	existing, ok := s.records[record.Key]
	if ok && existing.Schema == record.Schema && reflect.DeepEqual(existing.Fields, record.Fields) {
		return pipeline.UpsertResult{Key: record.Key}, nil
	}
	s.records[record.Key] = record
	return pipeline.UpsertResult{Key: record.Key, Written: true}, nil
}

// FailNext makes the following Upsert calls return errs, one per call.
func (s *RecordStore) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Get returns the record stored under key.
func (s *RecordStore) Get(key pipeline.StorageKey) (pipeline.ValidatedRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	return r, ok
}

// Len reports the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Calls reports how many times Upsert was invoked.
func (s *RecordStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Ping always succeeds.
func (s *RecordStore) Ping(context.Context) error {
	return nil
}
