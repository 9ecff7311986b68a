// Package pipeline defines the core types and contracts shared across the
// collection pipeline: jobs, records, queue deliveries, and dead letters.
package pipeline

import (
	"fmt"
	"time"
)

// JobType selects which collector handles a job.
type JobType string

// Supported job types.
const (
	JobTypeAPI    JobType = "api"
	JobTypeScrape JobType = "scrape"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeAPI, JobTypeScrape:
		return true
	default:
		return false
	}
}

// StorageKey is the deterministic identity of a validated record.
type StorageKey string

// Job is one unit of collection work carried through the queue.
type Job struct {
	ID           string                  `json:"job_id"`
	Type         JobType                 `json:"job_type"`
	Payload      map[string]any          `json:"parameters"`
	AttemptCount int                     `json:"attempt_count"`
	EnqueuedAt   time.Time               `json:"enqueued_at"`
	NotBefore    time.Time               `json:"not_before,omitzero"`
	Failures     []FailureEntry          `json:"failures,omitempty"`
	Written      map[string][]StorageKey `json:"written,omitempty"`
}

// Attempt returns the 1-based number of the attempt currently being made.
func (j Job) Attempt() int {
	return j.AttemptCount + 1
}

// HasWritten reports whether connector already persisted key on an earlier attempt.
func (j Job) HasWritten(connector string, key StorageKey) bool {
	for _, k := range j.Written[connector] {
		if k == key {
			return true
		}
	}
	return false
}

// MarkWritten records that connector persisted key.
func (j *Job) MarkWritten(connector string, key StorageKey) {
	if j.HasWritten(connector, key) {
		return
	}
	if j.Written == nil {
		j.Written = make(map[string][]StorageKey)
	}
	j.Written[connector] = append(j.Written[connector], key)
}

// PayloadString returns a string parameter or "" when absent or not a string.
func (j Job) PayloadString(name string) string {
	v, ok := j.Payload[name]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// Validate checks the fields a producer must supply.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job_id is required")
	}
	if !j.Type.Valid() {
		return fmt.Errorf("unknown job_type %q", j.Type)
	}
	return nil
}

// Clone returns a deep copy of the mutable bookkeeping fields.
func (j Job) Clone() Job {
	cp := j
	if j.Payload != nil {
		cp.Payload = make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			cp.Payload[k] = v
		}
	}
	cp.Failures = append([]FailureEntry(nil), j.Failures...)
	if j.Written != nil {
		cp.Written = make(map[string][]StorageKey, len(j.Written))
		for k, v := range j.Written {
			cp.Written[k] = append([]StorageKey(nil), v...)
		}
	}
	return cp
}

// FailureEntry records one failed attempt.
type FailureEntry struct {
	Attempt int       `json:"attempt"`
	Kind    Kind      `json:"error_kind"`
	Message string    `json:"message"`
	At      time.Time `json:"timestamp"`
}

// RawRecord is unvalidated collector output.
type RawRecord struct {
	SourceJobID string
	Fields      map[string]any
	FetchedAt   time.Time
}

// ValidatedRecord is a RawRecord that satisfied its schema.
type ValidatedRecord struct {
	SourceJobID string         `json:"source_job_id"`
	Schema      string         `json:"schema"`
	Key         StorageKey     `json:"key"`
	Fields      map[string]any `json:"fields"`
	FetchedAt   time.Time      `json:"fetched_at"`
}

// UpsertResult is returned by a storage connector.
type UpsertResult struct {
	Key     StorageKey
	Written bool
}

// DeadLetter is a terminally failed job plus its failure history.
type DeadLetter struct {
	Job            Job            `json:"job"`
	Failures       []FailureEntry `json:"failures"`
	Reason         Kind           `json:"reason"`
	DeadLetteredAt time.Time      `json:"dead_lettered_at"`
}

// Capabilities describes collector behavior relevant to scheduling.
type Capabilities struct {
	RateLimited     bool
	RequiresSession bool
}

// Delivery is one consumed message together with its broker handle.
type Delivery struct {
	Job           Job
	DeliveryCount int
	// Tag and Generation identify the message within the connection that delivered it.
	Tag        uint64
	Generation uint64
}

// Submission is a producer's request for a new job.
type Submission struct {
	Type      JobType        `json:"job_type"`
	Payload   map[string]any `json:"parameters"`
	NotBefore *time.Time     `json:"not_before,omitempty"`
}

// NewJob turns s into a publishable Job with the given id and enqueue time.
func NewJob(id string, s Submission, now time.Time) (Job, error) {
	if s.Payload == nil {
		return Job{}, fmt.Errorf("parameters are required")
	}
	job := Job{
		ID:         id,
		Type:       s.Type,
		Payload:    s.Payload,
		EnqueuedAt: now,
	}
	if s.NotBefore != nil {
		job.NotBefore = *s.NotBefore
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}
