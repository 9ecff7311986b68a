package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/retry"
)

// handle runs one delivery to a settled state: acked, requeued with a delay,
// dead-lettered, or released.
func (o *Orchestrator) handle(ctx context.Context, d pipeline.Delivery, logger *zap.Logger) {
	job := d.Job.Clone()
	log := logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.Int("attempt", job.Attempt()),
		zap.Int("delivery_count", d.DeliveryCount),
	)

	now := o.deps.Clock.Now()
	if job.NotBefore.After(now) {
		wait := job.NotBefore.Sub(now)
		log.Debug("job not yet due, rescheduling", zap.Duration("delay", wait))
		o.nack(d, true, wait, log)
		return
	}

	start := time.Now()
	err := o.process(ctx, &job, log)
	metrics.ObserveStage("job", time.Since(start))
	if err == nil {
		o.ack(d, log)
		metrics.ObserveJob(string(retry.StateSucceeded))
		log.Info("job succeeded", zap.Duration("elapsed", time.Since(start)))
		return
	}

	kind := pipeline.Classify(err, pipeline.KindTransientFetch)
	switch {
	case ctx.Err() != nil:
		kind = pipeline.KindCanceled
	case kind == pipeline.KindCanceled:
		// Only shutdown releases a job uncounted. A collector whose own
		// session was canceled (e.g. a dead browser) failed this attempt.
		kind = pipeline.KindTransientFetch
	}
	attempt := job.Attempt()
	decision := o.deps.Policy.Decide(attempt, kind)
	log = log.With(zap.String("kind", string(kind)), zap.String("state", string(decision.Next())))

	switch decision.Action {
	case retry.ActionDiscard:
		log.Info("job interrupted, releasing delivery", zap.Error(err))
		o.nack(d, true, 0, log)
		metrics.ObserveJob("released")

	case retry.ActionRetry:
		o.recordFailure(&job, attempt, kind, err)
		job.NotBefore = o.deps.Clock.Now().Add(decision.Delay)
		d.Job = job
		log.Warn("job failed, retry scheduled", zap.Error(err), zap.Duration("delay", decision.Delay))
		o.nack(d, true, decision.Delay, log)
		metrics.ObserveRetry(string(kind))
		metrics.ObserveJob(string(retry.StateRetryScheduled))

	case retry.ActionDeadLetter:
		o.recordFailure(&job, attempt, kind, err)
		dl := pipeline.DeadLetter{
			Job:            job,
			Failures:       job.Failures,
			Reason:         kind,
			DeadLetteredAt: o.deps.Clock.Now(),
		}
		settleCtx, cancel := context.WithTimeout(context.Background(), o.cfg.SettleTimeout)
		werr := o.deps.DeadLetter.Write(settleCtx, dl)
		cancel()
		if werr != nil {
			// Keep the job live until the sink accepts it.
			delay := o.deps.Policy.Backoff(attempt)
			job.NotBefore = o.deps.Clock.Now().Add(delay)
			d.Job = job
			log.Error("dead-letter write failed, requeueing job", zap.Error(err), zap.NamedError("sink_error", werr))
			o.nack(d, true, delay, log)
			return
		}
		o.ack(d, log)
		metrics.ObserveDeadLetter(string(kind))
		metrics.ObserveJob(string(retry.StateDeadLettered))
		log.Error("job dead-lettered", zap.Error(err), zap.Int("attempts", job.AttemptCount))
	}
}

func (o *Orchestrator) recordFailure(job *pipeline.Job, attempt int, kind pipeline.Kind, err error) {
	job.AttemptCount++
	job.Failures = append(job.Failures, pipeline.FailureEntry{
		Attempt: attempt,
		Kind:    kind,
		Message: err.Error(),
		At:      o.deps.Clock.Now(),
	})
}

// process fetches, validates and stores one job's records. Written markers
// are added to job as connectors accept records.
func (o *Orchestrator) process(ctx context.Context, job *pipeline.Job, log *zap.Logger) error {
	coll, err := o.deps.Collectors.For(*job)
	if err != nil {
		return err
	}
	schema, err := o.deps.Schemas.For(*job)
	if err != nil {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout(job.Type))
	start := time.Now()
	raws, err := coll.Fetch(fetchCtx, *job)
	cancel()
	metrics.ObserveStage("fetch", time.Since(start))
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if len(raws) == 0 {
		log.Info("collector returned no records")
		return nil
	}

	var (
		stored      int
		rejected    int
		lastReject  error
		unavailable error
	)
	for _, raw := range raws {
		rec, err := o.deps.Validator.Validate(raw, schema)
		if err != nil {
			rejected++
			lastReject = err
			metrics.ObserveRecord("rejected")
			log.Warn("record rejected", zap.String("kind", string(pipeline.KindOf(err))), zap.Error(err))
			continue
		}
		switch err := o.store(ctx, job, rec, log); {
		case err == nil:
			stored++
		case ctx.Err() != nil:
			return err
		case pipeline.IsKind(err, pipeline.KindConstraintViolation):
			rejected++
			lastReject = err
			metrics.ObserveRecord("rejected")
			log.Warn("record rejected by storage", zap.String("key", string(rec.Key)), zap.Error(err))
		default:
			unavailable = err
		}
	}

	if unavailable != nil {
		return unavailable
	}
	if stored == 0 && rejected > 0 {
		return pipeline.NewError(pipeline.KindOf(lastReject), "process batch",
			fmt.Errorf("all %d records rejected: %w", rejected, lastReject))
	}
	if rejected > 0 {
		log.Info("batch stored with rejections", zap.Int("stored", stored), zap.Int("rejected", rejected))
	}
	return nil
}

// store upserts rec into every connector that has not yet accepted its key.
// A constraint violation from any connector wins over unavailability.
func (o *Orchestrator) store(ctx context.Context, job *pipeline.Job, rec pipeline.ValidatedRecord, log *zap.Logger) error {
	var constraint, unavailable error
	for _, s := range o.deps.Stores {
		name := s.Name()
		if job.HasWritten(name, rec.Key) {
			continue
		}
		storeCtx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
		start := time.Now()
		res, err := s.Upsert(storeCtx, rec)
		cancel()
		metrics.ObserveStage("store", time.Since(start))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			kind := pipeline.Classify(err, pipeline.KindStorageUnavailable)
			if kind == pipeline.KindConstraintViolation {
				constraint = err
				continue
			}
			unavailable = pipeline.NewError(pipeline.KindStorageUnavailable, "store "+name, err)
			log.Warn("storage upsert failed", zap.String("connector", name), zap.String("key", string(rec.Key)), zap.Error(err))
			continue
		}
		job.MarkWritten(name, rec.Key)
		if res.Written {
			metrics.ObserveRecord("stored")
		} else {
			metrics.ObserveRecord("unchanged")
		}
	}
	if constraint != nil {
		return constraint
	}
	return unavailable
}

func (o *Orchestrator) ack(d pipeline.Delivery, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SettleTimeout)
	defer cancel()
	if err := o.deps.Queue.Ack(ctx, d); err != nil {
		log.Warn("ack failed, broker will redeliver", zap.Error(err))
	}
}

func (o *Orchestrator) nack(d pipeline.Delivery, requeue bool, delay time.Duration, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SettleTimeout)
	defer cancel()
	if err := o.deps.Queue.Nack(ctx, d, requeue, delay); err != nil {
		log.Warn("nack failed, broker will redeliver", zap.Error(err))
	}
}
