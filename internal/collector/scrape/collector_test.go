package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/clock/manual"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

const listing = `<html><body>
<div class="product"><h2>Milk</h2><span class="price">$2.49</span><a href="/milk">more</a></div>
<div class="product"><h2>Bread</h2><span class="price">$3.10</span><a href="/bread">more</a></div>
<div class="product"><h2>Eggs</h2><a href="/eggs">more</a></div>
</body></html>`

type fakeRenderer struct {
	mu    sync.Mutex
	calls int
	page  page
	err   error
}

func (f *fakeRenderer) render(_ context.Context, url string) (page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	p := f.page
	p.URL = url
	return p, f.err
}

func (f *fakeRenderer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := New(Config{Timeout: 2 * time.Second}, manual.New(time.Unix(1700000000, 0)), zap.NewNop())
	require.NoError(t, err)
	return c
}

func scrapeJob(url string, extra map[string]any) pipeline.Job {
	payload := map[string]any{
		"url":           url,
		"item_selector": "div.product",
		"fields": map[string]any{
			"name":  "h2",
			"price": "span.price",
			"link":  "a@href",
		},
	}
	for k, v := range extra {
		payload[k] = v
	}
	return pipeline.Job{ID: "scrape-1", Type: pipeline.JobTypeScrape, Payload: payload}
}

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != DefaultUserAgent {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchExtractsItemsStatically(t *testing.T) {
	t.Parallel()

	srv := serve(t, http.StatusOK, listing)
	c := newTestCollector(t)
	records, err := c.Fetch(context.Background(), scrapeJob(srv.URL, nil))
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "Milk", records[0].Fields["name"])
	require.Equal(t, "$2.49", records[0].Fields["price"])
	require.Equal(t, "/milk", records[0].Fields["link"])
	_, hasPrice := records[2].Fields["price"]
	require.False(t, hasPrice, "missing elements are omitted, not blanked")
	require.Equal(t, "scrape-1", records[2].SourceJobID)
}

func TestFetchCanBeRepeated(t *testing.T) {
	t.Parallel()

	srv := serve(t, http.StatusOK, listing)
	c := newTestCollector(t)
	for i := 0; i < 2; i++ {
		records, err := c.Fetch(context.Background(), scrapeJob(srv.URL, nil))
		require.NoError(t, err, "attempt %d", i)
		require.Len(t, records, 3)
	}
}

func TestFetchStatusClassification(t *testing.T) {
	t.Parallel()

	for status, kind := range map[int]pipeline.Kind{
		http.StatusNotFound:            pipeline.KindPermanentFetch,
		http.StatusForbidden:           pipeline.KindPermanentFetch,
		http.StatusServiceUnavailable:  pipeline.KindTransientFetch,
		http.StatusTooManyRequests:     pipeline.KindTransientFetch,
		http.StatusInternalServerError: pipeline.KindTransientFetch,
	} {
		srv := serve(t, status, "nope")
		_, err := newTestCollector(t).Fetch(context.Background(), scrapeJob(srv.URL, nil))
		require.Error(t, err)
		require.Equal(t, kind, pipeline.KindOf(err), fmt.Sprintf("status %d", status))
	}
}

func TestFetchMalformedPayloadIsPermanent(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	bad := []pipeline.Job{
		scrapeJob("not a url", nil),
		scrapeJob("https://example.com", map[string]any{"fields": "h2"}),
		scrapeJob("https://example.com", map[string]any{"fields": map[string]any{"name": 7}}),
		scrapeJob("https://example.com", map[string]any{"render": true}),
	}
	for _, job := range bad {
		_, err := c.Fetch(context.Background(), job)
		require.Equal(t, pipeline.KindPermanentFetch, pipeline.KindOf(err), "payload %v", job.Payload)
	}
}

func TestFetchPromotesSPAShellToRenderer(t *testing.T) {
	t.Parallel()

	srv := serve(t, http.StatusOK, `<html><body><div id="root"></div></body></html>`)
	c := newTestCollector(t)
	fr := &fakeRenderer{page: page{StatusCode: http.StatusOK, Body: []byte(listing), Rendered: true}}
	c.render = fr

	records, err := c.Fetch(context.Background(), scrapeJob(srv.URL, nil))
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, 1, fr.callCount())
	require.True(t, c.Capabilities().RequiresSession)
}

func TestFetchFallsBackToStaticWhenPromotionFails(t *testing.T) {
	t.Parallel()

	srv := serve(t, http.StatusOK, `<html><body><div id="app"></div></body></html>`)
	c := newTestCollector(t)
	c.render = &fakeRenderer{err: fmt.Errorf("chrome crashed")}

	records, err := c.Fetch(context.Background(), scrapeJob(srv.URL, nil))
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestForcedRenderTimeoutIsRenderTimeout(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.render = &fakeRenderer{err: fmt.Errorf("%w: slow page", errRenderTimeout)}

	_, err := c.Fetch(context.Background(), scrapeJob("https://example.com", map[string]any{"render": true}))
	require.Equal(t, pipeline.KindRenderTimeout, pipeline.KindOf(err))
	require.True(t, pipeline.KindRenderTimeout.Retryable())
}

func TestRenderedErrorStatusIsClassified(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.render = &fakeRenderer{page: page{StatusCode: http.StatusNotFound}}
	_, err := c.Fetch(context.Background(), scrapeJob("https://example.com", map[string]any{"render": true}))
	require.Equal(t, pipeline.KindPermanentFetch, pipeline.KindOf(err))
}

func TestParseFieldSelector(t *testing.T) {
	t.Parallel()

	require.Equal(t, fieldSelector{css: "a.more", attr: "href"}, parseFieldSelector("a.more@href"))
	require.Equal(t, fieldSelector{attr: "data-sku"}, parseFieldSelector("@data-sku"))
	require.Equal(t, fieldSelector{css: "h2"}, parseFieldSelector(" h2 "))
}
