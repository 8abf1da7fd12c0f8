// Package session manages bounded in-flight working state for acquisition
// jobs and synchronizes it to the persistent session store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/draftforge/webintel/internal/intel"
)

// Config tunes manager behavior.
type Config struct {
	// StageWindow is how many stages' data stay resident in memory.
	StageWindow int
	// RunHistory caps the in-memory scraper run window per session.
	RunHistory int
	// SyncRetries bounds the read-compute-write cycle on version conflicts.
	SyncRetries int
}

// Manager deduplicates concurrent session initialization, caches stage data
// in a sliding window, and synchronizes mutations through optimistic
// concurrency on the session version.
type Manager struct {
	cfg    Config
	store  intel.SessionStore
	idGen  intel.IDGenerator
	clock  intel.Clock
	logger *zap.Logger

	// flight collapses concurrent fetch-or-create calls for the same domain
	// into one underlying request.
	flight singleflight.Group

	// workMu guards the per-session working state below. Stage data and run
	// windows belong to exactly one session; concurrent jobs never observe
	// each other's entries.
	workMu sync.Mutex
	stages map[string]*stageCache
	runs   map[string]*intel.RunHistory
}

// New builds a Manager.
func New(cfg Config, store intel.SessionStore, idGen intel.IDGenerator, clock intel.Clock, logger *zap.Logger) *Manager {
	if cfg.StageWindow <= 0 {
		cfg.StageWindow = 3
	}
	if cfg.RunHistory <= 0 {
		cfg.RunHistory = 10
	}
	if cfg.SyncRetries <= 0 {
		cfg.SyncRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		idGen:  idGen,
		clock:  clock,
		logger: logger,
		stages: make(map[string]*stageCache),
		runs:   make(map[string]*intel.RunHistory),
	}
}

// InitializeDomain ensures a session exists for the domain, creating one if
// needed. It shares FetchOrCreateSession's deduplication guard.
func (m *Manager) InitializeDomain(ctx context.Context, domain, userID string) (intel.Session, error) {
	return m.FetchOrCreateSession(ctx, domain, userID)
}

// FetchOrCreateSession returns the session for a domain, creating it when
// absent. Concurrent callers for the same domain share a single in-flight
// request; the flight entry clears on completion either way so a failure
// never wedges future calls.
func (m *Manager) FetchOrCreateSession(ctx context.Context, domain, userID string) (intel.Session, error) {
	key := domain + "|" + userID
	v, err, _ := m.flight.Do(key, func() (any, error) {
		return m.fetchOrCreate(ctx, domain, userID)
	})
	if err != nil {
		return intel.Session{}, err
	}
	return v.(intel.Session), nil
}

func (m *Manager) fetchOrCreate(ctx context.Context, domain, userID string) (intel.Session, error) {
	existing, err := m.store.GetSessionByDomain(ctx, domain, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, intel.ErrNotFound) {
		return intel.Session{}, fmt.Errorf("lookup session: %w", err)
	}

	id, err := m.idGen.NewID()
	if err != nil {
		return intel.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	now := m.clock.Now()
	created := intel.Session{
		ID:        id,
		Domain:    domain,
		UserID:    userID,
		Phase:     intel.PhaseDiscovering,
		Merged:    intel.MergedData{Pages: map[string]intel.PageData{}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateSession(ctx, created); err != nil {
		return intel.Session{}, fmt.Errorf("create session: %w", err)
	}
	m.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("domain", domain),
	)
	return created, nil
}

// SyncSession applies mutate through a bounded read-compute-write cycle: read
// the current version, apply the patch, write with the expected version, and
// on conflict re-read and retry. Conflict exhaustion is a session-level fault.
func (m *Manager) SyncSession(ctx context.Context, id string, mutate func(*intel.Session)) (intel.Session, error) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.SyncRetries; attempt++ {
		current, err := m.store.GetSession(ctx, id)
		if err != nil {
			return intel.Session{}, fmt.Errorf("read session: %w", err)
		}
		mutate(&current)
		updated, err := m.store.UpdateSession(ctx, id, intel.SessionPatch{
			Phase:  current.Phase,
			Merged: current.Merged,
		}, current.Version)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, intel.ErrVersionConflict) {
			return intel.Session{}, fmt.Errorf("update session: %w", err)
		}
		lastErr = err
		m.logger.Debug("session version conflict, retrying",
			zap.String("session_id", id),
			zap.Int("attempt", attempt+1),
		)
	}
	return intel.Session{}, fmt.Errorf("session update conflicts exhausted: %w", lastErr)
}

// ExecutePhase advances a session to the given phase through the optimistic
// sync cycle, rejecting transitions the phase machine does not allow.
func (m *Manager) ExecutePhase(ctx context.Context, id string, to intel.Phase) (intel.Session, error) {
	var illegal intel.Phase
	sess, err := m.SyncSession(ctx, id, func(s *intel.Session) {
		illegal = ""
		if !intel.CanTransition(s.Phase, to) {
			illegal = s.Phase
			return
		}
		s.Phase = to
	})
	if err != nil {
		return sess, err
	}
	if illegal != "" {
		return sess, fmt.Errorf("illegal phase transition %s -> %s", illegal, to)
	}
	return sess, nil
}

// DeleteSession soft-deletes a session. The record stays behind for audit;
// only an already-deleted session rejects the transition.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	var illegal bool
	_, err := m.SyncSession(ctx, id, func(s *intel.Session) {
		illegal = false
		if !intel.CanTransition(s.Phase, intel.PhaseDeleted) {
			illegal = true
			return
		}
		s.Phase = intel.PhaseDeleted
	})
	if err != nil {
		return err
	}
	if illegal {
		return fmt.Errorf("session %s already deleted", id)
	}
	m.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// stagesFor returns the session's stage cache, creating it on first use.
func (m *Manager) stagesFor(sessionID string) *stageCache {
	m.workMu.Lock()
	defer m.workMu.Unlock()
	cache, ok := m.stages[sessionID]
	if !ok {
		cache = newStageCache(m.cfg.StageWindow)
		m.stages[sessionID] = cache
	}
	return cache
}

// runsFor returns the session's run window, creating it on first use.
func (m *Manager) runsFor(sessionID string) *intel.RunHistory {
	m.workMu.Lock()
	defer m.workMu.Unlock()
	history, ok := m.runs[sessionID]
	if !ok {
		history = intel.NewRunHistory(m.cfg.RunHistory)
		m.runs[sessionID] = history
	}
	return history
}

// SetStageData caches one stage's working data and persists it into the
// session's merged blob so cache eviction can never lose it.
func (m *Manager) SetStageData(ctx context.Context, sessionID string, stage int, data json.RawMessage) error {
	m.stagesFor(sessionID).set(stage, data)
	_, err := m.SyncSession(ctx, sessionID, func(s *intel.Session) {
		if s.Merged.Extracted == nil {
			s.Merged.Extracted = map[string]json.RawMessage{}
		}
		s.Merged.Extracted[stageKey(stage)] = data
	})
	if err != nil {
		return fmt.Errorf("persist stage %d: %w", stage, err)
	}
	return nil
}

// GetStageData reads a stage from the cache, falling back to the persistent
// record for stages the sliding window evicted.
func (m *Manager) GetStageData(ctx context.Context, sessionID string, stage int) (json.RawMessage, error) {
	if data, ok := m.stagesFor(sessionID).get(stage); ok {
		return data, nil
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	data, ok := s.Merged.Extracted[stageKey(stage)]
	if !ok {
		return nil, fmt.Errorf("stage %d: %w", stage, intel.ErrNotFound)
	}
	return data, nil
}

// ClearStageData frees one stage of one session from the cache.
func (m *Manager) ClearStageData(sessionID string, stage int) {
	m.stagesFor(sessionID).clear(stage)
}

// ClearAllStageData frees one session's whole stage cache. Other sessions'
// entries are untouched.
func (m *Manager) ClearAllStageData(sessionID string) {
	m.workMu.Lock()
	defer m.workMu.Unlock()
	delete(m.stages, sessionID)
}

// CachedStages reports how many of a session's stages are currently resident.
func (m *Manager) CachedStages(sessionID string) int {
	return m.stagesFor(sessionID).len()
}

// RecordRun adds a run to the capped window of the session that spawned it.
func (m *Manager) RecordRun(run intel.ScraperRun) {
	m.runsFor(run.SessionID).Add(run)
}

// RecentRuns returns one session's retained run window, oldest first.
func (m *Manager) RecentRuns(sessionID string) []intel.ScraperRun {
	return m.runsFor(sessionID).Recent()
}

// ReleaseSession frees a finished session's working state, both stage cache
// and run window. Durable copies in the stores survive.
func (m *Manager) ReleaseSession(sessionID string) {
	m.workMu.Lock()
	defer m.workMu.Unlock()
	delete(m.stages, sessionID)
	delete(m.runs, sessionID)
}

func stageKey(stage int) string {
	return "stage:" + strconv.Itoa(stage)
}
