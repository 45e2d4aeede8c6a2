package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// memStore is an in-memory Store with the same ordering rules as the SQLite store
type memStore struct {
	mu   sync.Mutex
	runs map[string]*Run

	// appendErr, when set, is returned by the append of this index
	failIndex int
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]*Run), failIndex: -1}
}

func (m *memStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	cp := *run
	cp.Results = nil
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) AppendResult(_ context.Context, runID string, result *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status != StatusInProgress {
		return ErrRunFinalized
	}
	if result.Index != len(run.Results) {
		return ErrOutOfOrder
	}
	if result.Index == m.failIndex {
		return m.appendErr
	}

	cp := *result
	run.Results = append(run.Results, &cp)
	return nil
}

func (m *memStore) FinalizeRun(_ context.Context, runID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status != StatusInProgress {
		return ErrRunFinalized
	}
	run.Status = status
	return nil
}

func (m *memStore) LoadRun(_ context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}

	cp := *run
	cp.Results = make([]*Result, len(run.Results))
	for i, r := range run.Results {
		rc := *r
		cp.Results[i] = &rc
	}
	return &cp, nil
}

func (m *memStore) ReopenRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status != StatusAborted {
		return errors.New("only aborted runs can be reopened")
	}
	run.Status = StatusInProgress
	return nil
}
