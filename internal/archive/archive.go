// Package archive keeps copies of delivered job outputs.
package archive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("archive: object not found")

// Object is one archived output.
type Object struct {
	JobID       string
	ContentType string
	Content     []byte
}

// Memory is an in-process archive.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]Object
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

func (m *Memory) Put(_ context.Context, jobID string, content []byte, contentType string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[jobID] = Object{
		JobID:       jobID,
		ContentType: contentTypeOrDefault(contentType),
		Content:     append([]byte(nil), content...),
	}
	return nil
}

func (m *Memory) Get(_ context.Context, jobID string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[strings.TrimSpace(jobID)]
	if !ok {
		return Object{}, ErrNotFound
	}
	obj.Content = append([]byte(nil), obj.Content...)
	return obj, nil
}

func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.objects))
	for id := range m.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func contentTypeOrDefault(ct string) string {
	if ct = strings.TrimSpace(ct); ct == "" {
		return "text/plain"
	}
	return ct
}
