package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/draftforge/webintel/internal/intel"
)

// ErrInsufficientBalance is returned when a debit would overdraw the account.
var ErrInsufficientBalance = errors.New("insufficient balance")

// BillingStore is an in-memory intel.BillingStore. Debits are serialized
// under one lock so concurrent deductions never lose an update.
type BillingStore struct {
	mu           sync.Mutex
	balances     map[string]int
	transactions []intel.CreditTransaction
}

// NewBillingStore constructs a BillingStore.
func NewBillingStore() *BillingStore {
	return &BillingStore{balances: make(map[string]int)}
}

// SetBalance seeds a user's balance.
func (s *BillingStore) SetBalance(userID string, balance int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = balance
}

// GetUserBalance returns the user's current balance.
func (s *BillingStore) GetUserBalance(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[userID]
	if !ok {
		return 0, fmt.Errorf("user %s: no balance record", userID)
	}
	return balance, nil
}

// RecordTransaction appends a ledger entry and adjusts the balance. A debit
// that would overdraw fails without mutating anything.
func (s *BillingStore) RecordTransaction(_ context.Context, tx intel.CreditTransaction) (intel.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[tx.UserID]
	if !ok {
		return intel.CreditTransaction{}, fmt.Errorf("user %s: no balance record", tx.UserID)
	}
	if tx.Amount > 0 && balance < tx.Amount {
		return intel.CreditTransaction{}, ErrInsufficientBalance
	}
	balance -= tx.Amount
	s.balances[tx.UserID] = balance
	tx.Balance = balance
	tx.At = time.Now().UTC()
	s.transactions = append(s.transactions, tx)
	return tx, nil
}

// Transactions returns a copy of the ledger, oldest first.
func (s *BillingStore) Transactions() []intel.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]intel.CreditTransaction, len(s.transactions))
	copy(out, s.transactions)
	return out
}
