package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/config"
	dlmemory "github.com/JakeFAU/realtime-cpi-pipeline/internal/deadletter/memory"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
	storagememory "github.com/JakeFAU/realtime-cpi-pipeline/internal/storage/memory"
)

const schemaYAML = `
schemas:
  - name: price
    key: [sku]
    fields:
      sku: {type: string, required: true}
      price: {type: float, required: true}
defaults:
  api: price
  scrape: price
`

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(schemaYAML), 0o600))

	return config.Config{
		Server:  config.ServerConfig{Port: 0},
		Broker:  config.BrokerConfig{Kind: config.BrokerMemory},
		Retry:   config.RetryConfig{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond},
		Worker:  config.WorkerConfig{PoolSize: 2, FetchTimeout: 5 * time.Second, DrainTimeout: time.Second},
		Schemas: config.SchemasConfig{Path: path},
		Collectors: config.CollectorsConfig{
			API:    config.APICollectorConfig{Enabled: true, Timeout: 5 * time.Second},
			Scrape: config.ScrapeCollectorConfig{Enabled: true, Timeout: 5 * time.Second},
		},
		Storage:    config.StorageConfig{Memory: config.MemoryConfig{Enabled: true}},
		DeadLetter: config.DeadLetterConfig{Kind: config.DeadLetterMemory},
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Broker.Kind = "kafka"
	_, err := New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown broker kind")

	cfg = memoryConfig(t)
	cfg.Schemas.Path = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "load schemas")

	cfg = memoryConfig(t)
	cfg.DeadLetter.Kind = "s3"
	_, err = New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown dead-letter kind")
}

func TestPipelineEndToEnd(t *testing.T) {
	t.Parallel()

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/prices":
			_, _ = io.WriteString(w, `[{"sku":"milk","price":2.5},{"sku":"bread","price":"3"}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer source.Close()

	a, err := New(context.Background(), memoryConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer a.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	submit := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusAccepted, submit(`{"job_type":"api","parameters":{"url":"`+source.URL+`/prices"}}`))
	require.Equal(t, http.StatusAccepted, submit(`{"job_type":"api","parameters":{"url":"`+source.URL+`/gone"}}`))

	store, ok := a.Stores()[0].(*storagememory.RecordStore)
	require.True(t, ok)
	sink, ok := a.DeadLetter().(*dlmemory.Sink)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return store.Len() == 2 && len(sink.List()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec, found := store.Get("price:bread")
	require.True(t, found)
	require.InDelta(t, 3.0, rec.Fields["price"], 0.0001)
	require.Equal(t, pipeline.KindPermanentFetch, sink.List()[0].Reason)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
