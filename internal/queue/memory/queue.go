// Package memory provides an in-process broker for local development and tests.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

type message struct {
	job        pipeline.Job
	deliveries int
	visibleAt  time.Time
	seq        uint64
	index      int
}

// readyHeap orders messages by visibility time, then publish order.
type readyHeap []*message

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].visibleAt.Equal(h[j].visibleAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].visibleAt.Before(h[j].visibleAt)
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	m := x.(*message)
	m.index = len(*h)
	*h = append(*h, m)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}

// Queue is an at-least-once broker with delayed redelivery. Each Consume
// stream holds at most one unacknowledged delivery at a time.
type Queue struct {
	mu         sync.Mutex
	ready      readyHeap
	inflight   map[uint64]*message
	nextSeq    uint64
	nextTag    uint64
	generation uint64
	changed    chan struct{}
	lost       chan struct{}
	closed     bool
	dropped    int
	now        func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		inflight: make(map[uint64]*message),
		changed:  make(chan struct{}),
		lost:     make(chan struct{}),
		now:      time.Now,
	}
}

// signal wakes every waiting consumer. Callers hold q.mu.
func (q *Queue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Publish enqueues job for immediate delivery.
func (q *Queue) Publish(ctx context.Context, job pipeline.Job) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish canceled: %w", err)
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.push(job.Clone(), 0, q.now())
	return nil
}

// push adds a message to the ready set. Callers hold q.mu.
func (q *Queue) push(job pipeline.Job, deliveries int, visibleAt time.Time) {
	q.nextSeq++
	heap.Push(&q.ready, &message{job: job, deliveries: deliveries, visibleAt: visibleAt, seq: q.nextSeq})
	q.signal()
}

// Consume opens a delivery stream. The stream closes when ctx ends, the
// queue closes, or Disconnect is called.
func (q *Queue) Consume(ctx context.Context) (<-chan pipeline.Delivery, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	lost := q.lost
	q.mu.Unlock()

	out := make(chan pipeline.Delivery)
	go q.serve(ctx, out, lost)
	return out, nil
}

func (q *Queue) serve(ctx context.Context, out chan<- pipeline.Delivery, lost <-chan struct{}) {
	defer close(out)
	for {
		d, ok := q.next(ctx, lost)
		if !ok {
			return
		}
		select {
		case out <- d:
		case <-ctx.Done():
			q.release(d)
			return
		case <-lost:
			return
		}
	}
}

// next blocks until a message is visible and moves it in flight.
func (q *Queue) next(ctx context.Context, lost <-chan struct{}) (pipeline.Delivery, bool) {
	for {
		q.mu.Lock()
		if q.closed || q.lost != lost {
			q.mu.Unlock()
			return pipeline.Delivery{}, false
		}
		var wait <-chan time.Time
		if q.ready.Len() > 0 {
			head := q.ready[0]
			now := q.now()
			if !head.visibleAt.After(now) {
				heap.Pop(&q.ready)
				head.deliveries++
				q.nextTag++
				q.inflight[q.nextTag] = head
				d := pipeline.Delivery{
					Job:           head.job.Clone(),
					DeliveryCount: head.deliveries,
					Tag:           q.nextTag,
					Generation:    q.generation,
				}
				q.mu.Unlock()
				return d, true
			}
			wait = time.After(head.visibleAt.Sub(now))
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return pipeline.Delivery{}, false
		case <-lost:
			return pipeline.Delivery{}, false
		case <-changed:
		case <-wait:
		}
	}
}

// release returns an undelivered message to the front of the ready set.
func (q *Queue) release(d pipeline.Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.inflight[d.Tag]
	if !ok || d.Generation != q.generation {
		return
	}
	delete(q.inflight, d.Tag)
	m.deliveries--
	heap.Push(&q.ready, m)
	q.signal()
}

// take removes the in-flight message behind d. Callers hold q.mu.
func (q *Queue) take(d pipeline.Delivery) (*message, error) {
	if q.closed {
		return nil, ErrClosed
	}
	if d.Generation != q.generation {
		return nil, pipeline.Errorf(pipeline.KindConnectionLost, "settle delivery",
			"delivery %d belongs to a lost connection", d.Tag)
	}
	m, ok := q.inflight[d.Tag]
	if !ok {
		return nil, fmt.Errorf("unknown delivery tag %d", d.Tag)
	}
	delete(q.inflight, d.Tag)
	return m, nil
}

// Ack removes the delivery permanently.
func (q *Queue) Ack(_ context.Context, d pipeline.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.take(d)
	return err
}

// Nack releases the delivery. With requeue, the Job carried by d is made
// visible again after delay; otherwise the message is dropped.
func (q *Queue) Nack(_ context.Context, d pipeline.Delivery, requeue bool, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, err := q.take(d)
	if err != nil {
		return err
	}
	if !requeue {
		q.dropped++
		return nil
	}
	if delay < 0 {
		delay = 0
	}
	q.push(d.Job.Clone(), m.deliveries, q.now().Add(delay))
	return nil
}

// Disconnect simulates a broker connection drop: open streams close and
// unacknowledged messages return to the ready set.
func (q *Queue) Disconnect() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	for tag, m := range q.inflight {
		delete(q.inflight, tag)
		heap.Push(&q.ready, m)
	}
	q.generation++
	close(q.lost)
	q.lost = make(chan struct{})
	q.signal()
}

// Depth reports the number of ready and in-flight messages.
func (q *Queue) Depth() (ready, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len(), len(q.inflight)
}

// Dropped reports how many deliveries were nacked without requeue.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close shuts the queue down and ends every stream. Pending messages are discarded.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.lost)
	q.signal()
	return nil
}
