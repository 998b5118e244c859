// Package memstore provides an in-memory implementation of run.Store.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/linnemanlabs/useir/internal/run"
	"github.com/linnemanlabs/useir/internal/seir"
)

// Store holds runs and their trajectories in memory. Suitable for dev/testing
// and single-instance deployments without a database.
type Store struct {
	mu    sync.RWMutex
	runs  map[string]*run.Run   // run ID -> run
	seen  map[string]string     // fingerprint -> latest run ID (dedup)
	trajs map[string][]seir.Row // run ID -> rows
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		runs:  make(map[string]*run.Run),
		seen:  make(map[string]string),
		trajs: make(map[string][]seir.Row),
	}
}

// Get retrieves a run by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*run.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// GetByFingerprint retrieves the most recently stored run for a fingerprint. Returns a copy.
func (s *Store) GetByFingerprint(_ context.Context, fp string) (*run.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.seen[fp]
	if !ok {
		return nil, false, nil
	}
	cp := *s.runs[id]
	return &cp, true, nil
}

// Put stores a copy of the run.
func (s *Store) Put(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.ID] = &cp
	s.seen[r.Fingerprint] = r.ID
	return nil
}

// PutTrajectory stores a copy of rows for an existing run.
func (s *Store) PutTrajectory(_ context.Context, id string, rows []seir.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return fmt.Errorf("memstore: unknown run %q", id)
	}
	s.trajs[id] = append([]seir.Row(nil), rows...)
	return nil
}

// Trajectory returns a copy of the stored rows of a run.
func (s *Store) Trajectory(_ context.Context, id string) ([]seir.Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.trajs[id]
	if !ok {
		return nil, false, nil
	}
	return append([]seir.Row(nil), rows...), true, nil
}
