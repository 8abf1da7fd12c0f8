package orchestrator

import "sync"

// creditTracker accounts for credits debited up front for a job. Reserved
// credits become spent as pages complete; pages that fail get their share
// refunded; an abort releases whatever remains reserved.
type creditTracker struct {
	mu       sync.Mutex
	reserved int
	spent    int
}

// reserve records an up-front debit.
func (t *creditTracker) reserve(amount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reserved += amount
}

// consume moves credits from reserved to spent as work completes.
func (t *creditTracker) consume(amount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if amount > t.reserved {
		amount = t.reserved
	}
	t.reserved -= amount
	t.spent += amount
}

// release withdraws credits from the reservation so the caller can refund
// them. It returns how much was actually reserved.
func (t *creditTracker) release(amount int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if amount > t.reserved {
		amount = t.reserved
	}
	t.reserved -= amount
	return amount
}

// releaseAll drains the reservation, returning the amount to refund.
func (t *creditTracker) releaseAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	amount := t.reserved
	t.reserved = 0
	return amount
}

// total reports net credits spent so far.
func (t *creditTracker) total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent
}
