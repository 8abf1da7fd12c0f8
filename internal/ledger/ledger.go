// Package ledger computes operation cost in credits and performs balance
// checks, debits, and refunds against the billing store.
package ledger

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/draftforge/webintel/internal/intel"
)

// Depth selects how far discovery and extraction reach into a domain.
type Depth string

// Supported crawl depths.
const (
	DepthShallow  Depth = "shallow"
	DepthStandard Depth = "standard"
	DepthDeep     Depth = "deep"
)

var depthMultipliers = map[Depth]float64{
	DepthShallow:  1.0,
	DepthStandard: 1.5,
	DepthDeep:     2.0,
}

// CostOptions is the closed set of knobs affecting operation cost. Unknown
// depths are rejected up front.
type CostOptions struct {
	ExtractSchema bool
	Premium       bool
	Depth         Depth
}

// Validate rejects option values outside the enumerated set.
func (o CostOptions) Validate() error {
	if o.Depth == "" {
		return nil
	}
	if _, ok := depthMultipliers[o.Depth]; !ok {
		return fmt.Errorf("unknown depth %q", o.Depth)
	}
	return nil
}

// Config sets per-backend base costs and the global multipliers.
type Config struct {
	BaseCostPerPage   map[intel.BackendID]int
	PremiumMultiplier float64
	SchemaSurcharge   int
}

// Ledger prices operations and moves credits through the billing store.
type Ledger struct {
	cfg     Config
	billing intel.BillingStore
	logger  *zap.Logger
}

// CreditCheck is the result of a read-only balance lookup.
type CreditCheck struct {
	Sufficient bool
	Balance    int
}

// New builds a Ledger. Missing base costs fall back to defaults that keep the
// tiers strictly ordered by price.
func New(cfg Config, billing intel.BillingStore, logger *zap.Logger) *Ledger {
	if cfg.BaseCostPerPage == nil {
		cfg.BaseCostPerPage = map[intel.BackendID]int{}
	}
	if cfg.BaseCostPerPage[intel.BackendStatic] <= 0 {
		cfg.BaseCostPerPage[intel.BackendStatic] = 1
	}
	if cfg.BaseCostPerPage[intel.BackendHeadless] <= 0 {
		cfg.BaseCostPerPage[intel.BackendHeadless] = 5
	}
	if cfg.BaseCostPerPage[intel.BackendManaged] <= 0 {
		cfg.BaseCostPerPage[intel.BackendManaged] = 10
	}
	if cfg.PremiumMultiplier <= 1 {
		cfg.PremiumMultiplier = 1.5
	}
	if cfg.SchemaSurcharge <= 0 {
		cfg.SchemaSurcharge = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{cfg: cfg, billing: billing, logger: logger}
}

// CalculateCost prices a backend invocation. The result is rounded up so the
// platform never under-charges.
func (l *Ledger) CalculateCost(backendID intel.BackendID, pageCount int, opts CostOptions) int {
	if pageCount <= 0 {
		return 0
	}
	base := l.cfg.BaseCostPerPage[backendID]
	if base <= 0 {
		base = 1
	}
	cost := float64(base) * float64(pageCount)
	if mult, ok := depthMultipliers[opts.Depth]; ok {
		cost *= mult
	}
	if opts.Premium {
		cost *= l.cfg.PremiumMultiplier
	}
	total := int(math.Ceil(cost))
	if opts.ExtractSchema {
		total += l.cfg.SchemaSurcharge * pageCount
	}
	return total
}

// CheckSufficientCredits looks up the balance. A lookup failure fails closed:
// the operation is reported unaffordable rather than silently permitted.
func (l *Ledger) CheckSufficientCredits(ctx context.Context, userID string, required int) (CreditCheck, error) {
	balance, err := l.billing.GetUserBalance(ctx, userID)
	if err != nil {
		l.logger.Warn("balance lookup failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return CreditCheck{Sufficient: false}, fmt.Errorf("get balance: %w", err)
	}
	return CreditCheck{Sufficient: balance >= required, Balance: balance}, nil
}

// DeductCredits debits the user atomically. It returns false on any failure
// and the caller must not proceed with the paid operation.
func (l *Ledger) DeductCredits(ctx context.Context, userID string, amount int, reason string, metadata map[string]any) bool {
	if amount <= 0 {
		return true
	}
	tx := intel.CreditTransaction{
		UserID:   userID,
		Amount:   amount,
		Reason:   reason,
		Metadata: metadata,
	}
	recorded, err := l.billing.RecordTransaction(ctx, tx)
	if err != nil {
		l.logger.Warn("credit deduction failed",
			zap.String("user_id", userID),
			zap.Int("amount", amount),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return false
	}
	l.logger.Info("credits deducted",
		zap.String("user_id", userID),
		zap.Int("amount", amount),
		zap.Int("balance", recorded.Balance),
		zap.String("reason", reason),
	)
	return true
}

// RefundCredits appends a negative-amount entry tagged with the original
// reason. The original transaction is never mutated.
func (l *Ledger) RefundCredits(ctx context.Context, userID string, amount int, reason string, metadata map[string]any) bool {
	if amount <= 0 {
		return true
	}
	tx := intel.CreditTransaction{
		UserID:   userID,
		Amount:   -amount,
		Reason:   "refund:" + reason,
		Metadata: metadata,
	}
	recorded, err := l.billing.RecordTransaction(ctx, tx)
	if err != nil {
		l.logger.Warn("credit refund failed",
			zap.String("user_id", userID),
			zap.Int("amount", amount),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return false
	}
	l.logger.Info("credits refunded",
		zap.String("user_id", userID),
		zap.Int("amount", amount),
		zap.Int("balance", recorded.Balance),
		zap.String("reason", reason),
	)
	return true
}
