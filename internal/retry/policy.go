// Package retry decides the disposition of a failed job attempt.
package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

// State is a job lifecycle state.
type State string

// Lifecycle states.
const (
	StatePending        State = "pending"
	StateInFlight       State = "in_flight"
	StateSucceeded      State = "succeeded"
	StateRetryScheduled State = "retry_scheduled"
	StateDeadLettered   State = "dead_lettered"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateDeadLettered
}

// Action is the outcome chosen for a failed attempt.
type Action string

// Decision actions.
const (
	ActionRetry      Action = "retry"
	ActionDeadLetter Action = "dead_letter"
	// ActionDiscard drops the attempt without counting it; the message is
	// released for immediate redelivery.
	ActionDiscard Action = "discard"
)

// Decision is the result of Policy.Decide.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Next returns the lifecycle state a decision moves an in-flight job into.
func (d Decision) Next() State {
	switch d.Action {
	case ActionRetry:
		return StateRetryScheduled
	case ActionDeadLetter:
		return StateDeadLettered
	default:
		return StatePending
	}
}

// Config bounds the policy.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Policy implements capped exponential backoff over classified failures.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// New validates cfg and builds a Policy.
func New(cfg Config) (*Policy, error) {
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1")
	}
	if cfg.BaseDelay <= 0 {
		return nil, fmt.Errorf("base delay must be > 0")
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		return nil, fmt.Errorf("max delay must be >= base delay")
	}
	return &Policy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}, nil
}

// MaxAttempts returns the configured attempt bound.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Decide picks the disposition for the attempt-th (1-based) attempt failing with kind.
func (p *Policy) Decide(attempt int, kind pipeline.Kind) Decision {
	switch {
	case kind == pipeline.KindCanceled, kind == pipeline.KindConnectionLost:
		return Decision{Action: ActionDiscard}
	case !kind.Retryable():
		return Decision{Action: ActionDeadLetter}
	case attempt >= p.maxAttempts:
		return Decision{Action: ActionDeadLetter}
	default:
		return Decision{Action: ActionRetry, Delay: p.Backoff(attempt)}
	}
}

// Backoff returns base * 2^(attempt-1), capped at the maximum delay.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay >= float64(p.maxDelay) || math.IsInf(delay, 0) {
		return p.maxDelay
	}
	return time.Duration(delay)
}
