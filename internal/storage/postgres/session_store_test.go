package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/draftforge/webintel/internal/intel"
)

func sessionRows(t *testing.T, sess intel.Session) *pgxmock.Rows {
	t.Helper()
	merged, err := json.Marshal(sess.Merged)
	require.NoError(t, err)
	return pgxmock.NewRows([]string{"id", "domain", "user_id", "phase", "merged_data", "version", "created_at", "updated_at"}).
		AddRow(sess.ID, sess.Domain, sess.UserID, string(sess.Phase), merged, sess.Version, sess.CreatedAt, sess.UpdatedAt)
}

func TestSessionStore_CreateSession(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewSessionStore(mock)
	now := time.Unix(1700000000, 0).UTC()
	sess := intel.Session{
		ID: "s1", Domain: "example.com", UserID: "u1",
		Phase: intel.PhaseDiscovering, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	merged, err := json.Marshal(sess.Merged)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("s1", "example.com", "u1", "discovering", merged, int64(1), now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateSession(context.Background(), sess))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_GetSession_NotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewSessionStore(mock)
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.GetSession(context.Background(), "ghost")
	require.ErrorIs(t, err, intel.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_UpdateSession_Success(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewSessionStore(mock)
	now := time.Unix(1700000000, 0).UTC()
	patch := intel.SessionPatch{Phase: intel.PhaseExtracting}
	merged, err := json.Marshal(patch.Merged)
	require.NoError(t, err)

	updated := intel.Session{
		ID: "s1", Domain: "example.com", UserID: "u1",
		Phase: intel.PhaseExtracting, Version: 2, CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery("UPDATE sessions").
		WithArgs("extracting", merged, "s1", int64(1)).
		WillReturnRows(sessionRows(t, updated))

	got, err := store.UpdateSession(context.Background(), "s1", patch, 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.Version)
	require.Equal(t, intel.PhaseExtracting, got.Phase)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_UpdateSession_StaleVersionConflicts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewSessionStore(mock)
	patch := intel.SessionPatch{Phase: intel.PhaseExtracting}
	merged, err := json.Marshal(patch.Merged)
	require.NoError(t, err)

	// Zero rows from the guarded update, then the session still exists at a
	// newer version: that is a conflict, not a missing row.
	mock.ExpectQuery("UPDATE sessions").
		WithArgs("extracting", merged, "s1", int64(1)).
		WillReturnError(pgx.ErrNoRows)
	current := intel.Session{ID: "s1", Domain: "example.com", UserID: "u1", Phase: intel.PhaseExtracting, Version: 4}
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("s1").
		WillReturnRows(sessionRows(t, current))

	_, err = store.UpdateSession(context.Background(), "s1", patch, 1)
	require.ErrorIs(t, err, intel.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_UpdateSession_MissingSession(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewSessionStore(mock)
	patch := intel.SessionPatch{Phase: intel.PhaseExtracting}
	merged, err := json.Marshal(patch.Merged)
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE sessions").
		WithArgs("extracting", merged, "ghost", int64(1)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.UpdateSession(context.Background(), "ghost", patch, 1)
	require.ErrorIs(t, err, intel.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_GetSessionByDomain(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewSessionStore(mock)
	sess := intel.Session{ID: "s1", Domain: "example.com", UserID: "u1", Phase: intel.PhaseDiscovering, Version: 1}
	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WithArgs("example.com", "u1").
		WillReturnRows(sessionRows(t, sess))

	got, err := store.GetSessionByDomain(context.Background(), "example.com", "u1")
	require.NoError(t, err)
	require.Equal(t, "s1", got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
