package postgres

import (
	"context"
	"fmt"

	"github.com/draftforge/webintel/internal/intel"
)

// RunStore persists scraper run records in Postgres.
type RunStore struct {
	db db
}

// NewRunStore constructs a RunStore over an existing pool or mock.
func NewRunStore(db db) *RunStore {
	return &RunStore{db: db}
}

// CreateRun inserts a run row in running status.
func (s *RunStore) CreateRun(ctx context.Context, run intel.ScraperRun) error {
	query := `
INSERT INTO scraper_runs (id, session_id, scraper_id, pages_scraped, data_points, discovered_links, duration_ms, status, extracted_data, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.Exec(ctx, query,
		run.ID,
		run.SessionID,
		string(run.BackendID),
		run.PagesScraped,
		run.DataPoints,
		run.DiscoveredLinks,
		run.DurationMs,
		string(run.Status),
		run.Extracted,
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// CompleteRun records the run's terminal state and counters.
func (s *RunStore) CompleteRun(ctx context.Context, run intel.ScraperRun) error {
	query := `
UPDATE scraper_runs
SET pages_scraped = $2, data_points = $3, discovered_links = $4, duration_ms = $5, status = $6, extracted_data = $7
WHERE id = $1`
	tag, err := s.db.Exec(ctx, query,
		run.ID,
		run.PagesScraped,
		run.DataPoints,
		run.DiscoveredLinks,
		run.DurationMs,
		string(run.Status),
		run.Extracted,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}
