// Package pending tracks jobs that were invoiced and are awaiting payment
// or delivery.
package pending

import (
	"errors"
	"sort"
	"sync"
	"time"

	"jobvend/internal/dvm/protocol"
)

var ErrExists = errors.New("pending: job already registered")

// Job is a registry entry. Values handed out by the registry are copies.
type Job struct {
	Request         protocol.Request
	Invoice         string
	PaymentID       string
	InvoiceExpires  time.Time
	PriceSats       int64
	EstimatedTokens int
	CreatedAt       time.Time
	Prompt          string
	Encrypted       bool

	LastPolledAt time.Time
	Attempts     int

	// Paid is set once settlement has been observed.
	Paid bool
	// Executing marks a job handed to the executor; sweeps leave it alone.
	Executing    bool
	ExecAttempts int
	LastError    string
}

func (j Job) ID() string { return j.Request.ID }

// Registry is an in-memory table of pending jobs keyed by job id.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Put registers a new job. A job id can be registered only once.
func (r *Registry) Put(job Job) error {
	id := job.ID()
	if id == "" {
		return errors.New("pending: job id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; ok {
		return ErrExists
	}
	cp := job
	r.jobs[id] = &cp
	return nil
}

func (r *Registry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Update applies fn to the stored job under the registry lock. If fn returns
// false the entry is left unchanged. It returns the resulting job and
// whether the update was applied.
func (r *Registry) Update(id string, fn func(*Job) bool) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	cp := *j
	if !fn(&cp) {
		return *j, false
	}
	r.jobs[id] = &cp
	return cp, true
}

// UpdatePollState records a poll. It only applies when attempts is exactly
// one more than the stored counter, so two racing pollers cannot both win.
func (r *Registry) UpdatePollState(id string, now time.Time, attempts int) (Job, bool) {
	return r.Update(id, func(j *Job) bool {
		if j.Executing || attempts != j.Attempts+1 {
			return false
		}
		j.Attempts = attempts
		j.LastPolledAt = now
		return true
	})
}

func (r *Registry) Delete(id string) (Job, bool) {
	return r.DeleteIf(id, nil)
}

// DeleteIf removes the job when pred (if non-nil) accepts its current value.
func (r *Registry) DeleteIf(id string, pred func(Job) bool) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	if pred != nil && !pred(*j) {
		return Job{}, false
	}
	delete(r.jobs, id)
	return *j, true
}

// Keys returns a snapshot of registered ids, oldest job first.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	type kv struct {
		id string
		at time.Time
	}
	entries := make([]kv, 0, len(r.jobs))
	for id, j := range r.jobs {
		entries = append(entries, kv{id: id, at: j.CreatedAt})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, k int) bool {
		if !entries[i].at.Equal(entries[k].at) {
			return entries[i].at.Before(entries[k].at)
		}
		return entries[i].id < entries[k].id
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

// Snapshot returns copies of all jobs, oldest first.
func (r *Registry) Snapshot() []Job {
	ids := r.Keys()
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := r.Get(id); ok {
			out = append(out, j)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
