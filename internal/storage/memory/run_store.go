package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/draftforge/webintel/internal/intel"
)

// RunStore is an in-memory intel.RunStore.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]intel.ScraperRun
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]intel.ScraperRun)}
}

// CreateRun stores a new run in running status.
func (s *RunStore) CreateRun(_ context.Context, run intel.ScraperRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("run already exists")
	}
	s.runs[run.ID] = run
	return nil
}

// CompleteRun overwrites the run with its terminal state.
func (s *RunStore) CompleteRun(_ context.Context, run intel.ScraperRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		return errors.New("run not found")
	}
	s.runs[run.ID] = run
	return nil
}

// BySession returns all runs recorded for a session.
func (s *RunStore) BySession(sessionID string) []intel.ScraperRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []intel.ScraperRun
	for _, run := range s.runs {
		if run.SessionID == sessionID {
			out = append(out, run)
		}
	}
	return out
}
