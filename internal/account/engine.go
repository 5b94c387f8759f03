// Package account guards the balance/margin read path: the highest-value,
// highest-churn entity in the cache. It classifies cached records as stale,
// refreshes them from the relational store, and never lets an obviously
// wrong amount (negative, non-numeric) reach a caller.
package account

import (
	"context"
	"time"

	"main/internal/cache"
	"main/internal/codec"
	"main/internal/store"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var ErrUserNotFound = errors.New("account: user not found")

// Policy tunes the staleness heuristic. Zero margin usually means the cache
// was never repopulated after positions opened, but deployments with many
// flat accounts can disable that check to avoid needless refreshes.
type Policy struct {
	ZeroMarginIsStale bool
}

// DefaultPolicy keeps the conservative zero-margin heuristic on.
func DefaultPolicy() Policy {
	return Policy{ZeroMarginIsStale: true}
}

// Metrics receives the engine's degradation signals. The default
// implementation only logs; deployments wire a real counter here.
type Metrics interface {
	VerifyRetried(userID int64)
	FallbackUsed(userID int64)
}

type logMetrics struct{}

func (logMetrics) VerifyRetried(userID int64) {
	logs.Warnf("balance/margin cache verification retried for user %d", userID)
}

func (logMetrics) FallbackUsed(userID int64) {
	logs.Warnf("balance/margin served from relational fallback for user %d", userID)
}

// BalanceCache is the slice of the cache store the engine needs.
type BalanceCache interface {
	GetBalanceMargin(ctx context.Context, userType string, userID int64) (cache.BalanceMargin, bool)
	SetBalanceMargin(ctx context.Context, userType string, userID int64, balance, margin codec.Number) bool
}

// UserSource loads authoritative account rows.
type UserSource interface {
	GetByID(ctx context.Context, id int64, userType string) (store.UserRow, error)
}

// MarginCalculator aggregates total margin across a user's open positions.
// External collaborator; the engine clamps whatever it returns.
type MarginCalculator interface {
	TotalMargin(ctx context.Context, userID int64, userType string) (decimal.Decimal, error)
}

// Result is a balance/margin read outcome. Fallback marks values served
// straight from the relational row after a refresh failure.
type Result struct {
	WalletBalance codec.Number
	Margin        codec.Number
	UpdatedAt     time.Time
	Fallback      bool
}

// Engine refreshes the balance/margin cache with database fallback.
type Engine struct {
	cache   BalanceCache
	users   UserSource
	margins MarginCalculator
	policy  Policy
	metrics Metrics
}

// NewEngine builds a freshness engine. A nil metrics hook falls back to
// logging.
func NewEngine(balances BalanceCache, users UserSource, margins MarginCalculator, policy Policy, metrics Metrics) *Engine {
	if metrics == nil {
		metrics = logMetrics{}
	}
	return &Engine{cache: balances, users: users, margins: margins, policy: policy, metrics: metrics}
}

// IsStale classifies a cached record. Absent, negative, or (by policy)
// zero-margin records must be refreshed. False positives are accepted as
// the safer failure mode.
func (e *Engine) IsStale(rec cache.BalanceMargin, present bool) bool {
	if !present {
		return true
	}
	if rec.WalletBalance.IsNegative() || rec.Margin.IsNegative() {
		return true
	}
	if e.policy.ZeroMarginIsStale && rec.Margin.IsZero() {
		return true
	}
	return false
}

// Fresh returns a usable balance/margin for the user, refreshing through
// the relational store when the cached record is stale.
func (e *Engine) Fresh(ctx context.Context, userID int64, userType string) (Result, error) {
	rec, ok := e.cache.GetBalanceMargin(ctx, userType, userID)
	if !e.IsStale(rec, ok) {
		return Result{WalletBalance: rec.WalletBalance, Margin: rec.Margin, UpdatedAt: rec.UpdatedAt}, nil
	}
	return e.RefreshWithFallback(ctx, userID, userType)
}

// RefreshWithFallback rebuilds the cached balance/margin from the
// relational store. The cached record wins if it is still valid; a missing
// user is terminal; any later failure degrades to the raw row values
// flagged Fallback rather than failing the caller.
func (e *Engine) RefreshWithFallback(ctx context.Context, userID int64, userType string) (Result, error) {
	if rec, ok := e.cache.GetBalanceMargin(ctx, userType, userID); ok && rec.Valid() {
		return Result{WalletBalance: rec.WalletBalance, Margin: rec.Margin, UpdatedAt: rec.UpdatedAt}, nil
	}

	logs.Infof("refreshing balance/margin cache for user %d (%s) from database", userID, userType)
	row, err := e.users.GetByID(ctx, userID, userType)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return Result{}, ErrUserNotFound
		}
		return Result{}, errors.Wrap(err, "load user for balance refresh")
	}

	total, err := e.margins.TotalMargin(ctx, userID, userType)
	if err != nil {
		logs.Errorf("margin aggregation failed for user %d, serving relational fallback, err: %+v", userID, err)
		return e.fallback(row), nil
	}
	if total.IsNegative() {
		logs.Warnf("aggregated negative margin %s for user %d, clamping to 0", total, userID)
		total = decimal.Zero
	}

	balance := codec.FromDecimal(clampNonNegative(row.WalletBalance))
	margin := codec.FromDecimal(total)
	e.cache.SetBalanceMargin(ctx, userType, userID, balance, margin)

	// Read-your-write check: retry the write exactly once, then accept
	// whatever state results.
	verify, ok := e.cache.GetBalanceMargin(ctx, userType, userID)
	if !ok || !verify.WalletBalance.Equal(balance) || !verify.Margin.Equal(margin) {
		e.metrics.VerifyRetried(userID)
		e.cache.SetBalanceMargin(ctx, userType, userID, balance, margin)
	}

	return Result{WalletBalance: balance, Margin: margin, UpdatedAt: time.Now().UTC()}, nil
}

func (e *Engine) fallback(row store.UserRow) Result {
	e.metrics.FallbackUsed(row.ID)
	return Result{
		WalletBalance: codec.FromDecimal(clampNonNegative(row.WalletBalance)),
		Margin:        codec.FromDecimal(clampNonNegative(row.Margin)),
		UpdatedAt:     time.Now().UTC(),
		Fallback:      true,
	}
}

func clampNonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
