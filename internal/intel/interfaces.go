package intel

import (
	"context"
	"errors"
	"time"
)

// ErrVersionConflict is returned by SessionStore.UpdateSession when the
// expected version no longer matches the stored record. Callers re-read and
// retry the merge rather than treating it as fatal.
var ErrVersionConflict = errors.New("session version conflict")

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Backend is a uniform interface over scraper tiers of increasing cost and
// rendering capability.
type Backend interface {
	ID() BackendID
	// Capability orders backends; a higher value renders more.
	Capability() int
	DiscoverURLs(ctx context.Context, domain string) ([]string, error)
	Scrape(ctx context.Context, urls []string) ([]PageResult, error)
}

// SessionStore persists session records with optimistic concurrency.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	GetSessionByDomain(ctx context.Context, domain, userID string) (Session, error)
	// UpdateSession applies the patch only if expectedVersion still matches,
	// returning ErrVersionConflict otherwise.
	UpdateSession(ctx context.Context, id string, patch SessionPatch, expectedVersion int64) (Session, error)
}

// SessionPatch carries the mutable fields of a session update.
type SessionPatch struct {
	Phase  Phase
	Merged MergedData
}

// RunStore persists scraper run records.
type RunStore interface {
	CreateRun(ctx context.Context, run ScraperRun) error
	CompleteRun(ctx context.Context, run ScraperRun) error
}

// BillingStore is the billing collaborator. RecordTransaction must be atomic
// relative to concurrent debits for the same user.
type BillingStore interface {
	GetUserBalance(ctx context.Context, userID string) (int, error)
	RecordTransaction(ctx context.Context, tx CreditTransaction) (CreditTransaction, error)
}

// SnapshotStore archives raw page payloads and returns a URI.
type SnapshotStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher hands finalized session snapshots to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session and run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
