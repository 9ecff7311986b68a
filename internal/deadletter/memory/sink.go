// Package memory provides an in-process dead-letter sink for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

// Sink stores dead letters in arrival order.
type Sink struct {
	mu      sync.RWMutex
	letters []pipeline.DeadLetter
	failErr []error
}

// New returns an empty Sink.
func New() *Sink {
	return &Sink{}
}

// Write appends dl unless a queued failure is pending.
func (s *Sink) Write(ctx context.Context, dl pipeline.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failErr) > 0 {
		err := s.failErr[0]
		s.failErr = s.failErr[1:]
		return err
	}
	dl.Job = dl.Job.Clone()
	s.letters = append(s.letters, dl)
	return nil
}

// FailNext makes the next len(errs) writes return errs in order.
func (s *Sink) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = append(s.failErr, errs...)
}

// List returns a copy of the stored dead letters.
func (s *Sink) List() []pipeline.DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.DeadLetter, len(s.letters))
	copy(out, s.letters)
	return out
}

// ListDeadLetters returns dead letters newest first, optionally filtered by reason.
func (s *Sink) ListDeadLetters(_ context.Context, reason pipeline.Kind, limit, offset int) ([]pipeline.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.DeadLetter, 0, limit)
	skipped := 0
	for i := len(s.letters) - 1; i >= 0 && len(out) < limit; i-- {
		dl := s.letters[i]
		if reason != "" && dl.Reason != reason {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}
