// Package collector routes jobs to the collector registered for their type.
package collector

import (
	"fmt"
	"sync"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

// Registry maps job types to collectors. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	collectors map[pipeline.JobType]pipeline.Collector
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{collectors: make(map[pipeline.JobType]pipeline.Collector)}
}

// Register binds c to jobType, replacing any previous binding.
func (r *Registry) Register(jobType pipeline.JobType, c pipeline.Collector) error {
	if !jobType.Valid() {
		return fmt.Errorf("unknown job type %q", jobType)
	}
	if c == nil {
		return fmt.Errorf("collector for %s is nil", jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[jobType] = c
	return nil
}

// For returns the collector for the job's type. A job type with no collector
// can never succeed, so the error is permanent.
func (r *Registry) For(job pipeline.Job) (pipeline.Collector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[job.Type]
	if !ok {
		return nil, pipeline.Errorf(pipeline.KindPermanentFetch, "resolve collector",
			"no collector registered for %q", job.Type)
	}
	return c, nil
}

// Types lists the registered job types.
func (r *Registry) Types() []pipeline.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]pipeline.JobType, 0, len(r.collectors))
	for t := range r.collectors {
		out = append(out, t)
	}
	return out
}
