package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/collector"
	dlmemory "github.com/JakeFAU/realtime-cpi-pipeline/internal/deadletter/memory"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/queue/memory"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/retry"
	storememory "github.com/JakeFAU/realtime-cpi-pipeline/internal/storage/memory"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/validation"
)

type nackCall struct {
	JobID   string
	Requeue bool
	Delay   time.Duration
	Attempt int
}

// recordingQueue wraps the memory broker and records settlements.
type recordingQueue struct {
	*memory.Queue
	mu    sync.Mutex
	acks  []pipeline.Job
	nacks []nackCall
}

func (q *recordingQueue) Ack(ctx context.Context, d pipeline.Delivery) error {
	q.mu.Lock()
	q.acks = append(q.acks, d.Job.Clone())
	q.mu.Unlock()
	return q.Queue.Ack(ctx, d)
}

func (q *recordingQueue) Nack(ctx context.Context, d pipeline.Delivery, requeue bool, delay time.Duration) error {
	q.mu.Lock()
	q.nacks = append(q.nacks, nackCall{JobID: d.Job.ID, Requeue: requeue, Delay: delay, Attempt: d.Job.AttemptCount})
	q.mu.Unlock()
	return q.Queue.Nack(ctx, d, requeue, delay)
}

func (q *recordingQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acks)
}

func (q *recordingQueue) nackCalls() []nackCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]nackCall(nil), q.nacks...)
}

type fetchResult struct {
	records []map[string]any
	err     error
}

// scriptedCollector returns results in order, repeating the last one.
type scriptedCollector struct {
	mu      sync.Mutex
	results []fetchResult
	jobs    []pipeline.Job
	times   []time.Time
	block   time.Duration
}

func (c *scriptedCollector) Fetch(ctx context.Context, job pipeline.Job) ([]pipeline.RawRecord, error) {
	c.mu.Lock()
	c.jobs = append(c.jobs, job.Clone())
	c.times = append(c.times, time.Now())
	i := min(len(c.jobs)-1, len(c.results)-1)
	res := c.results[i]
	block := c.block
	c.mu.Unlock()

	if block > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(block):
		}
	}
	if res.err != nil {
		return nil, res.err
	}
	out := make([]pipeline.RawRecord, 0, len(res.records))
	for _, fields := range res.records {
		out = append(out, pipeline.RawRecord{SourceJobID: job.ID, Fields: fields, FetchedAt: time.Now()})
	}
	return out, nil
}

func (c *scriptedCollector) Capabilities() pipeline.Capabilities {
	return pipeline.Capabilities{}
}

func (c *scriptedCollector) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func (c *scriptedCollector) firstCallAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.times[0]
}

func (c *scriptedCollector) seen() []pipeline.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pipeline.Job(nil), c.jobs...)
}

type harness struct {
	queue     *recordingQueue
	collector *scriptedCollector
	stores    []*storememory.RecordStore
	sink      *dlmemory.Sink
	orch      *Orchestrator
}

type harnessOpts struct {
	maxAttempts int
	stores      []string
	poolSize    int
	drain       time.Duration
}

func newHarness(t *testing.T, coll *scriptedCollector, opts harnessOpts) *harness {
	t.Helper()

	if opts.maxAttempts == 0 {
		opts.maxAttempts = 5
	}
	if len(opts.stores) == 0 {
		opts.stores = []string{"primary"}
	}
	if opts.poolSize == 0 {
		opts.poolSize = 2
	}

	q := &recordingQueue{Queue: memory.NewQueue()}
	t.Cleanup(func() { _ = q.Close() })

	collectors := collector.NewRegistry()
	require.NoError(t, collectors.Register(pipeline.JobTypeAPI, coll))

	schemas, err := validation.NewRegistry([]validation.Schema{{
		Name: "prices",
		Key:  []string{"sku"},
		Fields: map[string]validation.Field{
			"sku":   {Type: validation.TypeString, Required: true},
			"price": {Type: validation.TypeFloat, Required: true},
		},
	}}, map[pipeline.JobType]string{
		pipeline.JobTypeAPI:    "prices",
		pipeline.JobTypeScrape: "prices",
	})
	require.NoError(t, err)

	policy, err := retry.New(retry.Config{MaxAttempts: opts.maxAttempts, BaseDelay: 5 * time.Millisecond, MaxDelay: time.Second})
	require.NoError(t, err)

	h := &harness{queue: q, collector: coll, sink: dlmemory.New()}
	stores := make([]pipeline.Storage, 0, len(opts.stores))
	for _, name := range opts.stores {
		s := storememory.NewRecordStore(name)
		h.stores = append(h.stores, s)
		stores = append(stores, s)
	}

	h.orch, err = New(Dependencies{
		Queue:      q,
		Collectors: collectors,
		Schemas:    schemas,
		Validator:  validation.New(sha256.New()),
		Stores:     stores,
		DeadLetter: h.sink,
		Policy:     policy,
		Clock:      system.New(),
	}, Config{
		PoolSize:     opts.poolSize,
		FetchTimeout: 5 * time.Second,
		DrainTimeout: opts.drain,
		RestartDelay: 5 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return h
}

// start runs the orchestrator and returns a stop func that waits for Run to return.
func (h *harness) start(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("orchestrator did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func (h *harness) submit(t *testing.T, job pipeline.Job) {
	t.Helper()
	if job.Type == "" {
		job.Type = pipeline.JobTypeAPI
	}
	if job.Payload == nil {
		job.Payload = map[string]any{"url": "https://example.com/prices"}
	}
	require.NoError(t, h.queue.Publish(context.Background(), job))
}

func TestMixedBatchStoresValidRecordsWithoutRetry(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{results: []fetchResult{{records: []map[string]any{
		{"sku": "milk", "price": 2.5},
		{"sku": "bread", "price": "3"},
		{"sku": "eggs"},
	}}}}
	h := newHarness(t, coll, harnessOpts{})
	h.start(t)
	h.submit(t, pipeline.Job{ID: "job-mixed"})

	require.Eventually(t, func() bool { return h.queue.ackCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, h.stores[0].Len())
	_, ok := h.stores[0].Get("prices:milk")
	require.True(t, ok)
	require.Empty(t, h.queue.nackCalls())
	require.Empty(t, h.sink.List())
	require.Equal(t, 1, coll.calls())
}

func TestTransientFailuresRetryWithIncreasingDelays(t *testing.T) {
	t.Parallel()

	transient := pipeline.Transient("api fetch", errors.New("http status 503"))
	coll := &scriptedCollector{results: []fetchResult{
		{err: transient},
		{err: transient},
		{records: []map[string]any{{"sku": "milk", "price": 2.5}}},
	}}
	h := newHarness(t, coll, harnessOpts{maxAttempts: 5})
	h.start(t)
	h.submit(t, pipeline.Job{ID: "job-flaky"})

	require.Eventually(t, func() bool { return h.queue.ackCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 3, coll.calls())

	nacks := h.queue.nackCalls()
	require.Len(t, nacks, 2)
	require.True(t, nacks[0].Requeue)
	require.Equal(t, 5*time.Millisecond, nacks[0].Delay)
	require.Equal(t, 10*time.Millisecond, nacks[1].Delay)
	require.Less(t, nacks[0].Delay, nacks[1].Delay)
	require.Equal(t, 1, nacks[0].Attempt)
	require.Equal(t, 2, nacks[1].Attempt)

	seen := coll.seen()
	require.Equal(t, []int{1, 2, 3}, []int{seen[0].Attempt(), seen[1].Attempt(), seen[2].Attempt()})
	require.Len(t, seen[2].Failures, 2)
	require.Equal(t, pipeline.KindTransientFetch, seen[2].Failures[0].Kind)
	require.Empty(t, h.sink.List())
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{results: []fetchResult{{err: pipeline.Errorf(pipeline.KindPermanentFetch, "api fetch", "http status 404")}}}
	h := newHarness(t, coll, harnessOpts{maxAttempts: 5})
	h.start(t)
	h.submit(t, pipeline.Job{ID: "job-gone"})

	require.Eventually(t, func() bool { return len(h.sink.List()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.queue.ackCount() == 1 }, time.Second, 5*time.Millisecond)

	dl := h.sink.List()[0]
	require.Equal(t, pipeline.KindPermanentFetch, dl.Reason)
	require.Equal(t, 1, dl.Job.AttemptCount)
	require.Len(t, dl.Failures, 1)
	require.Equal(t, 1, dl.Failures[0].Attempt)
	require.Contains(t, dl.Failures[0].Message, "404")

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, coll.calls())
	require.Empty(t, h.queue.nackCalls())
	ready, inflight := h.queue.Depth()
	require.Zero(t, ready+inflight)
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{results: []fetchResult{{err: pipeline.Transient("api fetch", errors.New("timeout"))}}}
	h := newHarness(t, coll, harnessOpts{maxAttempts: 3})
	h.start(t)
	h.submit(t, pipeline.Job{ID: "job-exhausted"})

	require.Eventually(t, func() bool { return len(h.sink.List()) == 1 }, 2*time.Second, 5*time.Millisecond)
	dl := h.sink.List()[0]
	require.Equal(t, pipeline.KindTransientFetch, dl.Reason)
	require.Equal(t, 3, dl.Job.AttemptCount)
	require.Len(t, dl.Failures, 3)
	require.Equal(t, 3, coll.calls())
	require.Len(t, h.queue.nackCalls(), 2)
}

func TestCollectorCancellationCountsAsAttempt(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{results: []fetchResult{{err: fmt.Errorf("chromedp run: %w", context.Canceled)}}}
	h := newHarness(t, coll, harnessOpts{maxAttempts: 3})
	h.start(t)
	h.submit(t, pipeline.Job{ID: "job-browser-died"})

	require.Eventually(t, func() bool { return len(h.sink.List()) == 1 }, 2*time.Second, 5*time.Millisecond)
	dl := h.sink.List()[0]
	require.Equal(t, pipeline.KindTransientFetch, dl.Reason)
	require.Equal(t, 3, dl.Job.AttemptCount)
	require.Equal(t, 3, coll.calls())
	for _, n := range h.queue.nackCalls() {
		require.Positive(t, n.Delay)
	}
}

func TestPartialStorageFailureSkipsWrittenConnectors(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{results: []fetchResult{{records: []map[string]any{
		{"sku": "milk", "price": 2.5},
		{"sku": "bread", "price": 3.0},
	}}}}
	h := newHarness(t, coll, harnessOpts{stores: []string{"primary", "secondary"}})
	primary, secondary := h.stores[0], h.stores[1]
	secondary.FailNext(pipeline.Unavailable("upsert", errors.New("connection refused")))

	h.start(t)
	h.submit(t, pipeline.Job{ID: "job-partial"})

	require.Eventually(t, func() bool { return h.queue.ackCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, coll.calls())

	// primary accepted both records on the first attempt and is skipped on the retry.
	require.Equal(t, 2, primary.Calls())
	// secondary: failed milk, stored bread, then milk again on the retry.
	require.Equal(t, 3, secondary.Calls())

	for _, key := range []pipeline.StorageKey{"prices:milk", "prices:bread"} {
		a, ok := primary.Get(key)
		require.True(t, ok)
		b, ok := secondary.Get(key)
		require.True(t, ok)
		require.Equal(t, a.Key, b.Key)
	}

	nacks := h.queue.nackCalls()
	require.Len(t, nacks, 1)
	seen := coll.seen()
	require.ElementsMatch(t, []pipeline.StorageKey{"prices:milk", "prices:bread"}, seen[1].Written["primary"])
	require.Equal(t, []pipeline.StorageKey{"prices:bread"}, seen[1].Written["secondary"])
	require.Equal(t, pipeline.KindStorageUnavailable, seen[1].Failures[0].Kind)
}

func TestAllRecordsRejectedDeadLetters(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{results: []fetchResult{{records: []map[string]any{{"sku": "milk"}, {"price": 1.0}}}}}
	h := newHarness(t, coll, harnessOpts{})
	h.start(t)
	h.submit(t, pipeline.Job{ID: "job-invalid"})

	require.Eventually(t, func() bool { return len(h.sink.List()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, pipeline.KindValidation, h.sink.List()[0].Reason)
	require.Zero(t, h.stores[0].Len())
	require.Equal(t, 1, coll.calls())
}

func TestConstraintViolationRejectsOnlyThatRecord(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{results: []fetchResult{{records: []map[string]any{
		{"sku": "milk", "price": 2.5},
		{"sku": "bread", "price": 3.0},
	}}}}
	h := newHarness(t, coll, harnessOpts{})
	h.stores[0].FailNext(pipeline.Constraint("upsert", errors.New("value too long")))
	h.start(t)
	h.submit(t, pipeline.Job{ID: "job-constraint"})

	require.Eventually(t, func() bool { return h.queue.ackCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.stores[0].Len())
	require.Empty(t, h.queue.nackCalls())
	require.Empty(t, h.sink.List())
}

func TestEmptyBatchSucceeds(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{results: []fetchResult{{}}}
	h := newHarness(t, coll, harnessOpts{})
	h.start(t)
	h.submit(t, pipeline.Job{ID: "job-empty"})

	require.Eventually(t, func() bool { return h.queue.ackCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, h.stores[0].Calls())
}

func TestUnknownJobTypeDeadLetters(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{results: []fetchResult{{}}}
	h := newHarness(t, coll, harnessOpts{})
	h.start(t)
	h.submit(t, pipeline.Job{ID: "job-scrape", Type: pipeline.JobTypeScrape})

	require.Eventually(t, func() bool { return len(h.sink.List()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, pipeline.KindPermanentFetch, h.sink.List()[0].Reason)
	require.Zero(t, coll.calls())
}

func TestFutureNotBeforeIsRescheduledWithoutAttempt(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{results: []fetchResult{{records: []map[string]any{{"sku": "milk", "price": 2.5}}}}}
	h := newHarness(t, coll, harnessOpts{})
	h.start(t)
	notBefore := time.Now().Add(80 * time.Millisecond)
	h.submit(t, pipeline.Job{ID: "job-later", NotBefore: notBefore})

	require.Eventually(t, func() bool { return h.queue.ackCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, coll.calls())
	require.False(t, coll.firstCallAt().Before(notBefore))
	require.Equal(t, 0, coll.seen()[0].AttemptCount)

	nacks := h.queue.nackCalls()
	require.NotEmpty(t, nacks)
	require.Positive(t, nacks[0].Delay)
	require.Equal(t, 0, nacks[0].Attempt)
}

func TestDeadLetterWriteFailureKeepsJobLive(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{results: []fetchResult{{err: pipeline.Errorf(pipeline.KindPermanentFetch, "api fetch", "http status 410")}}}
	h := newHarness(t, coll, harnessOpts{})
	h.sink.FailNext(errors.New("sink unavailable"))
	h.start(t)
	h.submit(t, pipeline.Job{ID: "job-sink"})

	require.Eventually(t, func() bool { return len(h.sink.List()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, coll.calls())
	require.Len(t, h.sink.List()[0].Failures, 2)
	nacks := h.queue.nackCalls()
	require.Len(t, nacks, 1)
	require.True(t, nacks[0].Requeue)
}

func TestShutdownWaitsForInFlightJob(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{
		results: []fetchResult{{records: []map[string]any{{"sku": "milk", "price": 2.5}}}},
		block:   50 * time.Millisecond,
	}
	h := newHarness(t, coll, harnessOpts{poolSize: 1, drain: 2 * time.Second})
	stop := h.start(t)
	h.submit(t, pipeline.Job{ID: "job-drain"})

	require.Eventually(t, func() bool { return coll.calls() == 1 }, time.Second, time.Millisecond)
	stop()

	require.Equal(t, 1, h.queue.ackCount())
	require.Equal(t, 1, h.stores[0].Len())
}

func TestShutdownReleasesJobsPastDrainTimeout(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{
		results: []fetchResult{{records: []map[string]any{{"sku": "milk", "price": 2.5}}}},
		block:   time.Minute,
	}
	h := newHarness(t, coll, harnessOpts{poolSize: 1, drain: 20 * time.Millisecond})
	stop := h.start(t)
	h.submit(t, pipeline.Job{ID: "job-stuck"})

	require.Eventually(t, func() bool { return coll.calls() == 1 }, time.Second, time.Millisecond)
	stop()

	nacks := h.queue.nackCalls()
	require.Len(t, nacks, 1)
	require.True(t, nacks[0].Requeue)
	require.Zero(t, nacks[0].Delay)
	require.Zero(t, nacks[0].Attempt)
	require.Zero(t, h.queue.ackCount())
	require.Empty(t, h.sink.List())

	ready, inflight := h.queue.Depth()
	require.Equal(t, 1, ready)
	require.Zero(t, inflight)
}

func TestWorkersRestartAfterConnectionLoss(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{results: []fetchResult{{records: []map[string]any{{"sku": "milk", "price": 2.5}}}}}
	h := newHarness(t, coll, harnessOpts{})
	h.start(t)

	time.Sleep(20 * time.Millisecond)
	h.queue.Disconnect()
	h.submit(t, pipeline.Job{ID: "job-after-drop"})

	require.Eventually(t, func() bool { return h.queue.ackCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.stores[0].Len())
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Dependencies{}, Config{PoolSize: 1}, nil)
	require.Error(t, err)

	policy, err := retry.New(retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	require.NoError(t, err)
	schemas, err := validation.NewRegistry(nil, nil)
	require.NoError(t, err)
	deps := Dependencies{
		Queue:      memory.NewQueue(),
		Collectors: collector.NewRegistry(),
		Schemas:    schemas,
		Validator:  validation.New(sha256.New()),
		Stores:     []pipeline.Storage{storememory.NewRecordStore("a"), storememory.NewRecordStore("a")},
		DeadLetter: dlmemory.New(),
		Policy:     policy,
		Clock:      system.New(),
	}
	_, err = New(deps, Config{PoolSize: 1}, nil)
	require.ErrorContains(t, err, "duplicate storage connector")

	deps.Stores = deps.Stores[:1]
	_, err = New(deps, Config{PoolSize: 0}, nil)
	require.Error(t, err)

	o, err := New(deps, Config{PoolSize: 1, FetchTimeouts: map[pipeline.JobType]time.Duration{pipeline.JobTypeScrape: time.Minute}}, nil)
	require.NoError(t, err)
	require.Equal(t, time.Minute, o.fetchTimeout(pipeline.JobTypeScrape))
	require.Equal(t, 30*time.Second, o.fetchTimeout(pipeline.JobTypeAPI))
	require.Equal(t, time.Second, o.restartDelay(1))
	require.Equal(t, 4*time.Second, o.restartDelay(3))
	require.Equal(t, 30*time.Second, o.restartDelay(20))
}
