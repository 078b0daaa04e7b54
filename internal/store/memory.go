// Package store provides run record persistence backends.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/gantry/internal/pipeline"
)

// Memory keeps run records in process memory. Records do not survive a
// restart; it is the default backend and the right one for tests and
// single-shot CLI use.
type Memory struct {
	mu   sync.RWMutex
	runs map[string][]byte
}

// NewMemory creates an in-memory run store.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string][]byte)}
}

// Save implements pipeline.Store. Runs are stored serialized, so later
// mutation of the caller's run cannot corrupt stored state.
func (m *Memory) Save(_ context.Context, run *pipeline.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run has no id")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = data
	return nil
}

// Get implements pipeline.Store.
func (m *Memory) Get(_ context.Context, id string) (*pipeline.Run, error) {
	m.mu.RLock()
	data, ok := m.runs[id]
	m.mu.RUnlock()

	if !ok {
		return nil, pipeline.ErrRunNotFound
	}

	var run pipeline.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", id, err)
	}
	return &run, nil
}

// List implements pipeline.Store.
func (m *Memory) List(_ context.Context) ([]*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*pipeline.Run, 0, len(m.runs))
	for id, data := range m.runs {
		var run pipeline.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("decoding run %s: %w", id, err)
		}
		out = append(out, &run)
	}

	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out, nil
}
