// Package ledger keeps a record of paid jobs that were delivered.
package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrMissingJobID = errors.New("ledger: job id is required")

// Entry is one delivered job.
type Entry struct {
	JobID           string
	Requester       string
	Kind            int
	Invoice         string
	PaymentID       string
	PriceSats       int64
	EstimatedTokens int
	ActualTokens    int
	ResultID        string
	DeliveredAt     time.Time
}

// Memory is a process-local ledger.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// Record stores e. Recording the same job twice keeps the first entry.
func (m *Memory) Record(_ context.Context, e Entry) error {
	id := strings.TrimSpace(e.JobID)
	if id == "" {
		return ErrMissingJobID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; ok {
		return nil
	}
	e.JobID = id
	m.entries[id] = e
	return nil
}

func (m *Memory) Delivered(_ context.Context, jobID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[strings.TrimSpace(jobID)]
	return ok, nil
}

func (m *Memory) Get(jobID string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[strings.TrimSpace(jobID)]
	return e, ok
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
