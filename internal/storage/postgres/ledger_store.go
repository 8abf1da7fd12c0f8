package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/draftforge/webintel/internal/intel"
)

// ErrInsufficientBalance is returned when a debit would overdraw the account.
var ErrInsufficientBalance = errors.New("insufficient balance")

// LedgerStore implements intel.BillingStore on Postgres. The balance update
// and the append-only ledger insert happen in one transaction, with the debit
// guarded by a conditional update so concurrent deductions for the same user
// cannot lose an update.
type LedgerStore struct {
	db db
}

// NewLedgerStore constructs a LedgerStore over an existing pool or mock.
func NewLedgerStore(db db) *LedgerStore {
	return &LedgerStore{db: db}
}

// GetUserBalance returns the user's current balance.
func (s *LedgerStore) GetUserBalance(ctx context.Context, userID string) (int, error) {
	var balance int
	query := `SELECT balance FROM credit_balances WHERE user_id = $1`
	if err := s.db.QueryRow(ctx, query, userID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("user %s: no balance record", userID)
		}
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

// RecordTransaction debits (positive amount) or refunds (negative amount) and
// appends the ledger entry. The conditional update rejects overdrafts.
func (s *LedgerStore) RecordTransaction(ctx context.Context, txn intel.CreditTransaction) (intel.CreditTransaction, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return intel.CreditTransaction{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance int
	update := `
UPDATE credit_balances
SET balance = balance - $2, updated_at = NOW()
WHERE user_id = $1 AND ($2 <= 0 OR balance >= $2)
RETURNING balance`
	if err := tx.QueryRow(ctx, update, txn.UserID, txn.Amount).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return intel.CreditTransaction{}, ErrInsufficientBalance
		}
		return intel.CreditTransaction{}, fmt.Errorf("update balance: %w", err)
	}

	insert := `
INSERT INTO credit_transactions (user_id, amount, reason, metadata, balance, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`
	now := time.Now().UTC()
	var id string
	if err := tx.QueryRow(ctx, insert, txn.UserID, txn.Amount, txn.Reason, txn.Metadata, balance, now).Scan(&id); err != nil {
		return intel.CreditTransaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return intel.CreditTransaction{}, fmt.Errorf("commit tx: %w", err)
	}

	txn.ID = id
	txn.Balance = balance
	txn.At = now
	return txn, nil
}
