// Package orchestrator runs the worker pool that moves jobs from the queue
// through collection, validation and storage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/collector"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/retry"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/validation"
)

// Config controls pool size and per-stage deadlines.
type Config struct {
	PoolSize int
	// FetchTimeout applies to job types without an entry in FetchTimeouts.
	FetchTimeout  time.Duration
	FetchTimeouts map[pipeline.JobType]time.Duration
	StoreTimeout  time.Duration
	// DrainTimeout bounds how long in-flight jobs may run after shutdown starts.
	DrainTimeout time.Duration
	// SettleTimeout bounds ack, nack and dead-letter writes.
	SettleTimeout time.Duration
	// RestartDelay and MaxRestartDelay bound the backoff before a worker
	// reopens a lost consume stream.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 5 * time.Second
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = time.Second
	}
	if c.MaxRestartDelay < c.RestartDelay {
		c.MaxRestartDelay = 30 * c.RestartDelay
	}
}

// Dependencies are the components a worker drives.
type Dependencies struct {
	Queue      pipeline.Queue
	Collectors *collector.Registry
	Schemas    *validation.Registry
	Validator  *validation.Validator
	Stores     []pipeline.Storage
	DeadLetter pipeline.DeadLetterSink
	Policy     *retry.Policy
	Clock      pipeline.Clock
}

func (d Dependencies) check() error {
	switch {
	case d.Queue == nil:
		return errors.New("queue is required")
	case d.Collectors == nil:
		return errors.New("collector registry is required")
	case d.Schemas == nil:
		return errors.New("schema registry is required")
	case d.Validator == nil:
		return errors.New("validator is required")
	case len(d.Stores) == 0:
		return errors.New("at least one storage connector is required")
	case d.DeadLetter == nil:
		return errors.New("dead-letter sink is required")
	case d.Policy == nil:
		return errors.New("retry policy is required")
	case d.Clock == nil:
		return errors.New("clock is required")
	}
	seen := make(map[string]bool, len(d.Stores))
	for _, s := range d.Stores {
		if seen[s.Name()] {
			return fmt.Errorf("duplicate storage connector %q", s.Name())
		}
		seen[s.Name()] = true
	}
	return nil
}

// Orchestrator coordinates the worker pool.
type Orchestrator struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
}

// New validates deps and cfg.
func New(deps Dependencies, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if err := deps.check(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if cfg.PoolSize < 1 {
		return nil, fmt.Errorf("orchestrator: pool size must be >= 1")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run starts PoolSize workers and blocks until ctx ends and the pool has
// drained. Jobs still running DrainTimeout after ctx ends are canceled and
// their deliveries released.
func (o *Orchestrator) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	o.logger.Info("starting worker pool", zap.Int("pool_size", o.cfg.PoolSize))
	var wg sync.WaitGroup
	for i := range o.cfg.PoolSize {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			o.worker(ctx, jobCtx, o.logger.With(zap.Int("worker", id)))
		}(i)
	}

	<-ctx.Done()
	o.logger.Info("shutdown requested, draining in-flight jobs", zap.Duration("drain_timeout", o.cfg.DrainTimeout))
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(o.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		o.logger.Warn("drain timeout elapsed, canceling in-flight jobs")
		cancelJobs()
		<-done
	}
	o.logger.Info("worker pool stopped")
	return nil
}

// worker consumes until ctx ends, reopening the stream after a backoff when
// it closes underneath it.
func (o *Orchestrator) worker(ctx, jobCtx context.Context, logger *zap.Logger) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	restarts := 0
	for {
		stream, err := o.deps.Queue.Consume(ctx)
		if err == nil {
			if o.consume(ctx, jobCtx, stream, logger) {
				restarts = 0
			}
			if ctx.Err() != nil {
				return
			}
			err = pipeline.ConnectionLost("consume", errors.New("delivery stream closed"))
		}
		if ctx.Err() != nil {
			return
		}
		restarts++
		delay := o.restartDelay(restarts)
		logger.Warn("consume stream lost, restarting worker",
			zap.Error(err),
			zap.String("kind", string(pipeline.Classify(err, pipeline.KindConnectionLost))),
			zap.Int("restarts", restarts),
			zap.Duration("delay", delay),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume handles deliveries until the stream closes or ctx ends. It reports
// whether at least one delivery was handled.
func (o *Orchestrator) consume(ctx, jobCtx context.Context, stream <-chan pipeline.Delivery, logger *zap.Logger) bool {
	handled := false
	for {
		select {
		case <-ctx.Done():
			return handled
		case d, ok := <-stream:
			if !ok {
				return handled
			}
			handled = true
			o.handle(jobCtx, d, logger)
		}
	}
}

func (o *Orchestrator) restartDelay(restarts int) time.Duration {
	delay := o.cfg.RestartDelay
	for i := 1; i < restarts && delay < o.cfg.MaxRestartDelay; i++ {
		delay *= 2
	}
	return min(delay, o.cfg.MaxRestartDelay)
}

func (o *Orchestrator) fetchTimeout(t pipeline.JobType) time.Duration {
	if d, ok := o.cfg.FetchTimeouts[t]; ok && d > 0 {
		return d
	}
	return o.cfg.FetchTimeout
}
