package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/draftforge/webintel/internal/intel"
)

func TestLedgerStore_GetUserBalance(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewLedgerStore(mock)
	mock.ExpectQuery("SELECT balance FROM credit_balances").
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(120))

	balance, err := store.GetUserBalance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 120, balance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_RecordTransaction_Debit(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewLedgerStore(mock)
	txn := intel.CreditTransaction{UserID: "u1", Amount: 40, Reason: "extraction:example.com"}

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE credit_balances").
		WithArgs("u1", 40).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(60))
	mock.ExpectQuery("INSERT INTO credit_transactions").
		WithArgs("u1", 40, "extraction:example.com", txn.Metadata, 60, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("tx-1"))
	mock.ExpectCommit()

	recorded, err := store.RecordTransaction(context.Background(), txn)
	require.NoError(t, err)
	require.Equal(t, "tx-1", recorded.ID)
	require.Equal(t, 60, recorded.Balance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_RecordTransaction_OverdraftRejected(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewLedgerStore(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE credit_balances").
		WithArgs("u1", 500).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err = store.RecordTransaction(context.Background(), intel.CreditTransaction{UserID: "u1", Amount: 500})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_RecordTransaction_RefundPassesGuard(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewLedgerStore(mock)
	txn := intel.CreditTransaction{UserID: "u1", Amount: -25, Reason: "refund:extraction:example.com"}

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE credit_balances").
		WithArgs("u1", -25).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(85))
	mock.ExpectQuery("INSERT INTO credit_transactions").
		WithArgs("u1", -25, "refund:extraction:example.com", txn.Metadata, 85, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("tx-2"))
	mock.ExpectCommit()

	recorded, err := store.RecordTransaction(context.Background(), txn)
	require.NoError(t, err)
	require.Equal(t, 85, recorded.Balance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStore_CreateAndCompleteRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewRunStore(mock)
	run := intel.ScraperRun{ID: "r1", SessionID: "s1", BackendID: intel.BackendStatic, Status: intel.RunRunning}

	mock.ExpectExec("INSERT INTO scraper_runs").
		WithArgs("r1", "s1", "static", 0, 0, 0, int64(0), "running", run.Extracted, run.StartedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CreateRun(context.Background(), run))

	run.Status = intel.RunComplete
	run.PagesScraped = 7
	mock.ExpectExec("UPDATE scraper_runs").
		WithArgs("r1", 7, 0, 0, int64(0), "complete", run.Extracted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.CompleteRun(context.Background(), run))

	mock.ExpectExec("UPDATE scraper_runs").
		WithArgs("ghost", 7, 0, 0, int64(0), "complete", run.Extracted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	run.ID = "ghost"
	require.Error(t, store.CompleteRun(context.Background(), run))

	require.NoError(t, mock.ExpectationsWereMet())
}
