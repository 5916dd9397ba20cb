package cron

import "context"

// Job is one billing sweep: renewals, dunning retries, grace expiry, trial
// conversion, stale invoices, or outbox retention. Run must be safe to call
// again after a partial failure; every sweep works off authoritative rows.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry holds the sweeps the worker executes, in registration order.
// Renewal runs before dunning on purpose: a sub the renewal sweep just
// flipped to past_due should wait a full cycle before its first retry.
type Registry struct {
	jobs []Job
	seen map[string]bool
}

// NewRegistry builds a registry preloaded with the provided jobs.
func NewRegistry(jobs ...Job) *Registry {
	registry := &Registry{seen: map[string]bool{}}
	for _, job := range jobs {
		registry.Register(job)
	}
	return registry
}

// Register appends a job. Nil jobs and repeated names are ignored so a
// sweep can never run twice in one cycle.
func (r *Registry) Register(job Job) {
	if job == nil || r.seen[job.Name()] {
		return
	}
	if r.seen == nil {
		r.seen = map[string]bool{}
	}
	r.seen[job.Name()] = true
	r.jobs = append(r.jobs, job)
}

// Jobs returns a copy of the registered jobs in registration order.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}
