package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("amqp queue closed")

// Config controls the RabbitMQ connector.
type Config struct {
	URL       string
	Queue     string
	Prefetch  int
	Reconnect ReconnectConfig
}

// ReconnectConfig bounds redial attempts. MaxAttempts of 0 retries until the context ends.
type ReconnectConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Queue publishes and consumes jobs on a durable queue. Delayed redelivery is
// implemented with per-delay holding queues whose messages expire back into
// the work queue.
type Queue struct {
	cfg    Config
	dial   dialFunc
	logger *zap.Logger

	mu         sync.Mutex
	conn       connection
	pub        channel
	delays     map[int64]bool
	streams    map[uint64]*stream
	nextStream uint64
	closed     bool
}

type stream struct {
	ch   channel
	tag  string
	mu   sync.Mutex
	dead bool
}

func (s *stream) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

func (s *stream) kill() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

// New connects to the broker and declares the work queue.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	return newQueue(ctx, cfg, dialAMQP, logger)
}

func newQueue(ctx context.Context, cfg Config, dial dialFunc, logger *zap.Logger) (*Queue, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("amqp queue name is required")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		cfg.Reconnect.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		cfg.Reconnect.MaxDelay = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		cfg:     cfg,
		dial:    dial,
		logger:  logger,
		delays:  make(map[int64]bool),
		streams: make(map[uint64]*stream),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.connectLocked(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// connectLocked returns a live connection, redialing with exponential backoff
// when the previous one dropped. Callers hold q.mu.
func (q *Queue) connectLocked(ctx context.Context) (connection, error) {
	if q.closed {
		return nil, ErrClosed
	}
	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn, nil
	}
	q.conn, q.pub = nil, nil
	q.delays = make(map[int64]bool)

	delay := q.cfg.Reconnect.BaseDelay
	var lastErr error
	for attempt := 1; q.cfg.Reconnect.MaxAttempts == 0 || attempt <= q.cfg.Reconnect.MaxAttempts; attempt++ {
		conn, err := q.dial(q.cfg.URL)
		if err == nil {
			if err := q.declareWorkQueue(conn); err != nil {
				_ = conn.Close()
				return nil, err
			}
			q.conn = conn
			q.watch(conn)
			q.logger.Info("connected to rabbitmq", zap.String("queue", q.cfg.Queue), zap.Int("attempt", attempt))
			return conn, nil
		}
		lastErr = err
		q.logger.Warn("rabbitmq dial failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_after", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, pipeline.ConnectionLost("amqp dial", fmt.Errorf("%w: %w", ctx.Err(), lastErr))
		case <-time.After(delay):
		}
		delay *= 2
		if delay > q.cfg.Reconnect.MaxDelay {
			delay = q.cfg.Reconnect.MaxDelay
		}
	}
	return nil, pipeline.ConnectionLost("amqp dial",
		fmt.Errorf("giving up after %d attempts: %w", q.cfg.Reconnect.MaxAttempts, lastErr))
}

func (q *Queue) declareWorkQueue(conn connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open declare channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	if _, err := ch.QueueDeclare(q.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.cfg.Queue, err)
	}
	return nil
}

func (q *Queue) watch(conn connection) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-notify; ok && err != nil {
			q.logger.Warn("rabbitmq connection closed", zap.String("reason", err.Reason), zap.Int("code", err.Code))
		}
	}()
}

// publishChannelLocked returns the shared publishing channel. Callers hold q.mu.
func (q *Queue) publishChannelLocked(ctx context.Context) (channel, error) {
	conn, err := q.connectLocked(ctx)
	if err != nil {
		return nil, err
	}
	if q.pub != nil {
		return q.pub, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, pipeline.ConnectionLost("amqp open channel", err)
	}
	q.pub = ch
	return ch, nil
}

// Publish sends job to the work queue as a persistent message.
func (q *Queue) Publish(ctx context.Context, job pipeline.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return q.publish(ctx, q.cfg.Queue, job, "")
}

func (q *Queue) publish(ctx context.Context, routingKey string, job pipeline.Job, expiration string) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, err := q.publishChannelLocked(ctx)
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now(),
		Expiration:   expiration,
		Body:         body,
	})
	if err != nil {
		q.pub = nil
		return pipeline.ConnectionLost("amqp publish", fmt.Errorf("publish job %s: %w", job.ID, err))
	}
	return nil
}

// holdingQueue declares the queue that parks messages for delay before
// dead-lettering them back to the work queue. Callers hold q.mu.
func (q *Queue) holdingQueueLocked(ctx context.Context, delay time.Duration) (string, error) {
	ms := holdMillis(delay)
	name := q.cfg.Queue + ".delay." + strconv.FormatInt(ms, 10)
	if q.delays[ms] {
		return name, nil
	}
	ch, err := q.publishChannelLocked(ctx)
	if err != nil {
		return "", err
	}
	_, err = ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.cfg.Queue,
		"x-expires":                 ms*2 + int64(time.Minute/time.Millisecond),
	})
	if err != nil {
		q.pub = nil
		return "", pipeline.ConnectionLost("amqp declare holding queue", fmt.Errorf("declare %s: %w", name, err))
	}
	q.delays[ms] = true
	return name, nil
}

// maxHold is the longest holding-queue TTL. Longer waits come back early and
// the consumer parks the job again for the remainder of its NotBefore.
const maxHold = 4096 * time.Second

// holdMillis rounds delay up to a power-of-two number of seconds, capped at
// maxHold, so arbitrary waits share a small set of holding queues and never
// expire before delay has passed.
func holdMillis(delay time.Duration) int64 {
	hold := time.Second
	for hold < delay && hold < maxHold {
		hold *= 2
	}
	return hold.Milliseconds()
}

// Consume opens a dedicated channel with the configured prefetch and streams
// decoded jobs until ctx ends or the channel closes. Malformed messages are
// rejected without requeue.
func (q *Queue) Consume(ctx context.Context) (<-chan pipeline.Delivery, error) {
	q.mu.Lock()
	conn, err := q.connectLocked(ctx)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		q.mu.Unlock()
		return nil, pipeline.ConnectionLost("amqp open channel", err)
	}
	q.nextStream++
	id := q.nextStream
	s := &stream{ch: ch, tag: "pipeline-" + strconv.FormatUint(id, 10)}
	q.streams[id] = s
	q.mu.Unlock()

	if err := ch.Qos(q.cfg.Prefetch, 0, false); err != nil {
		q.dropStream(id)
		return nil, pipeline.ConnectionLost("amqp qos", err)
	}
	deliveries, err := ch.Consume(q.cfg.Queue, s.tag, false, false, false, false, nil)
	if err != nil {
		q.dropStream(id)
		return nil, pipeline.ConnectionLost("amqp consume", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	out := make(chan pipeline.Delivery)
	go q.forward(ctx, id, s, deliveries, closed, out)
	q.logger.Info("rabbitmq consumer started", zap.String("consumer_tag", s.tag), zap.Int("prefetch", q.cfg.Prefetch))
	return out, nil
}

func (q *Queue) forward(
	ctx context.Context,
	id uint64,
	s *stream,
	deliveries <-chan amqp.Delivery,
	closed <-chan *amqp.Error,
	out chan<- pipeline.Delivery,
) {
	defer close(out)
	go func() {
		<-closed
		q.dropStream(id)
	}()
	canceled := false
	for {
		var done <-chan struct{}
		if !canceled {
			done = ctx.Done()
		}
		select {
		case <-done:
			// Stop new deliveries but keep the channel open so in-flight
			// work can still settle. Prefetched messages are drained below.
			canceled = true
			if err := s.ch.Cancel(s.tag, false); err != nil {
				q.logger.Warn("rabbitmq consumer cancel failed", zap.String("consumer_tag", s.tag), zap.Error(err))
				return
			}
		case raw, ok := <-deliveries:
			if !ok {
				return
			}
			if canceled {
				if err := s.ch.Nack(raw.DeliveryTag, false, true); err != nil {
					q.logger.Warn("rabbitmq requeue on shutdown failed", zap.Error(err))
				}
				continue
			}
			d, err := decode(raw, id)
			if err != nil {
				q.logger.Error("rejecting malformed message",
					zap.Uint64("delivery_tag", raw.DeliveryTag),
					zap.Error(err),
				)
				if nackErr := s.ch.Nack(raw.DeliveryTag, false, false); nackErr != nil {
					q.logger.Error("failed to reject malformed message", zap.Error(nackErr))
				}
				continue
			}
			select {
			case out <- d:
			case <-ctx.Done():
				if err := s.ch.Nack(raw.DeliveryTag, false, true); err != nil {
					q.logger.Warn("rabbitmq requeue on shutdown failed", zap.Error(err))
				}
			}
		}
	}
}

func decode(raw amqp.Delivery, streamID uint64) (pipeline.Delivery, error) {
	var job pipeline.Job
	if err := json.Unmarshal(raw.Body, &job); err != nil {
		return pipeline.Delivery{}, fmt.Errorf("decode job: %w", err)
	}
	if err := job.Validate(); err != nil {
		return pipeline.Delivery{}, err
	}
	return pipeline.Delivery{
		Job:           job,
		DeliveryCount: deliveryCount(raw),
		Tag:           raw.DeliveryTag,
		Generation:    streamID,
	}, nil
}

// deliveryCount prefers the quorum-queue x-delivery-count header, which counts
// prior deliveries, and falls back to the redelivered flag.
func deliveryCount(raw amqp.Delivery) int {
	switch v := raw.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	if raw.Redelivered {
		return 2
	}
	return 1
}

func (q *Queue) dropStream(id uint64) {
	q.mu.Lock()
	s, ok := q.streams[id]
	delete(q.streams, id)
	q.mu.Unlock()
	if ok {
		s.kill()
	}
}

func (q *Queue) streamFor(d pipeline.Delivery) (*stream, error) {
	q.mu.Lock()
	closed := q.closed
	s, ok := q.streams[d.Generation]
	q.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok || !s.alive() {
		return nil, pipeline.Errorf(pipeline.KindConnectionLost, "settle delivery",
			"channel for delivery %d is gone", d.Tag)
	}
	return s, nil
}

// Ack acknowledges the delivery on the channel that received it.
func (q *Queue) Ack(_ context.Context, d pipeline.Delivery) error {
	s, err := q.streamFor(d)
	if err != nil {
		return err
	}
	if err := s.ch.Ack(d.Tag, false); err != nil {
		return pipeline.ConnectionLost("amqp ack", err)
	}
	return nil
}

// Nack releases the delivery. A requeue with a positive delay republishes the
// Job carried by d to a holding queue and acknowledges the original.
func (q *Queue) Nack(ctx context.Context, d pipeline.Delivery, requeue bool, delay time.Duration) error {
	s, err := q.streamFor(d)
	if err != nil {
		return err
	}
	if !requeue || delay <= 0 {
		if err := s.ch.Nack(d.Tag, false, requeue); err != nil {
			return pipeline.ConnectionLost("amqp nack", err)
		}
		return nil
	}

	q.mu.Lock()
	name, err := q.holdingQueueLocked(ctx, delay)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	if err := q.publish(ctx, name, d.Job, ""); err != nil {
		return err
	}
	if err := s.ch.Ack(d.Tag, false); err != nil {
		return pipeline.ConnectionLost("amqp ack after delay", err)
	}
	return nil
}

// Close closes every channel and the connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, s := range q.streams {
		s.kill()
		if err := s.ch.Close(); err != nil {
			q.logger.Debug("close consumer channel", zap.String("consumer_tag", s.tag), zap.Error(err))
		}
		delete(q.streams, id)
	}
	if q.pub != nil {
		_ = q.pub.Close()
		q.pub = nil
	}
	if q.conn == nil {
		return nil
	}
	if err := q.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}
	return nil
}
