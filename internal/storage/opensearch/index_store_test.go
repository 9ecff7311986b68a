package opensearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

func record() pipeline.ValidatedRecord {
	return pipeline.ValidatedRecord{
		SourceJobID: "job-1",
		Schema:      "prices",
		Key:         "prices:milk",
		Fields:      map[string]any{"sku": "milk"},
		FetchedAt:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestStore(t *testing.T, handler http.HandlerFunc) *IndexStore {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := New(Config{Addresses: []string{srv.URL}, Index: "records"})
	require.NoError(t, err)
	return store
}

func TestUpsertResults(t *testing.T) {
	t.Parallel()

	cases := []struct {
		result  string
		written bool
	}{
		{"created", true},
		{"updated", true},
		{"noop", false},
	}
	for _, tc := range cases {
		var (
			mu   sync.Mutex
			path string
			body updateBody
		)
		store := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			path = r.URL.Path
			_ = json.NewDecoder(r.Body).Decode(&body)
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"_index":"records","_id":"prices:milk","result":%q}`, tc.result)
		})

		res, err := store.Upsert(context.Background(), record())
		require.NoError(t, err)
		require.Equal(t, tc.written, res.Written, tc.result)
		require.Equal(t, pipeline.StorageKey("prices:milk"), res.Key)

		mu.Lock()
		require.Equal(t, "/records/_update/prices:milk", path)
		require.True(t, body.DetectNoop)
		require.Equal(t, "prices", body.Doc["schema"])
		require.Equal(t, "job-1", body.Upsert.SourceJobID)
		mu.Unlock()
	}
}

func TestUpsertClassifiesStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		kind   pipeline.Kind
	}{
		{http.StatusBadRequest, pipeline.KindConstraintViolation},
		{http.StatusTooManyRequests, pipeline.KindStorageUnavailable},
		{http.StatusServiceUnavailable, pipeline.KindStorageUnavailable},
	}
	for _, tc := range cases {
		store := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			fmt.Fprintln(w, `{"error":{"type":"mapper_parsing_exception"}}`)
		})
		_, err := store.Upsert(context.Background(), record())
		require.Equal(t, tc.kind, pipeline.KindOf(err), "status %d", tc.status)
	}
}

func TestUpsertTransportFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	store, err := New(Config{Addresses: []string{addr}})
	require.NoError(t, err)
	require.Equal(t, "opensearch", store.Name())

	_, err = store.Upsert(context.Background(), record())
	require.Equal(t, pipeline.KindStorageUnavailable, pipeline.KindOf(err))
	require.Error(t, store.Ping(context.Background()))
}

func TestNewRequiresAddresses(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
