package account

import (
	"context"
	"testing"

	"main/internal/cache"
	"main/internal/codec"
	"main/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

type fakeBalanceCache struct {
	rec       *cache.BalanceMargin
	writes    int
	dropFirst bool
}

func (f *fakeBalanceCache) GetBalanceMargin(_ context.Context, _ string, _ int64) (cache.BalanceMargin, bool) {
	if f.rec == nil {
		return cache.BalanceMargin{}, false
	}
	return *f.rec, true
}

func (f *fakeBalanceCache) SetBalanceMargin(_ context.Context, _ string, _ int64, balance, margin codec.Number) bool {
	f.writes++
	if f.dropFirst && f.writes == 1 {
		return true
	}
	f.rec = &cache.BalanceMargin{WalletBalance: balance, Margin: margin}
	return true
}

type fakeUsers struct {
	row   store.UserRow
	err   error
	calls int
}

func (f *fakeUsers) GetByID(_ context.Context, _ int64, _ string) (store.UserRow, error) {
	f.calls++
	return f.row, f.err
}

type fakeMargins struct {
	total decimal.Decimal
	err   error
}

func (f *fakeMargins) TotalMargin(_ context.Context, _ int64, _ string) (decimal.Decimal, error) {
	return f.total, f.err
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRefreshClampsNegativeAggregatedMargin(t *testing.T) {
	balances := &fakeBalanceCache{}
	users := &fakeUsers{row: store.UserRow{ID: 42, WalletBalance: dec("1000.00"), Margin: dec("200")}}
	margins := &fakeMargins{total: dec("-5")}
	engine := NewEngine(balances, users, margins, DefaultPolicy(), nil)

	res, err := engine.RefreshWithFallback(context.Background(), 42, "live")
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.Equal(t, "1000.00", res.WalletBalance.String())
	assert.True(t, res.Margin.IsZero())
	require.NotNil(t, balances.rec)
	assert.True(t, balances.rec.Margin.IsZero())
}

func TestRefreshUserNotFoundIsTerminal(t *testing.T) {
	balances := &fakeBalanceCache{}
	users := &fakeUsers{err: store.ErrUserNotFound}
	engine := NewEngine(balances, users, &fakeMargins{}, DefaultPolicy(), nil)

	_, err := engine.RefreshWithFallback(context.Background(), 7, "live")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUserNotFound))
}

func TestRefreshFallsBackOnMarginFailure(t *testing.T) {
	balances := &fakeBalanceCache{}
	users := &fakeUsers{row: store.UserRow{ID: 9, WalletBalance: dec("50.5"), Margin: dec("-3")}}
	margins := &fakeMargins{err: errors.New("aggregation down")}
	engine := NewEngine(balances, users, margins, DefaultPolicy(), nil)

	res, err := engine.RefreshWithFallback(context.Background(), 9, "demo")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, "50.5", res.WalletBalance.String())
	assert.True(t, res.Margin.IsZero(), "negative row margin must be clamped even on fallback")
}

func TestFreshServesValidCacheWithoutDB(t *testing.T) {
	balances := &fakeBalanceCache{rec: &cache.BalanceMargin{
		WalletBalance: codec.MustNumber("10.00"),
		Margin:        codec.MustNumber("2.50"),
	}}
	users := &fakeUsers{}
	engine := NewEngine(balances, users, &fakeMargins{}, DefaultPolicy(), nil)

	res, err := engine.Fresh(context.Background(), 1, "live")
	require.NoError(t, err)
	assert.Equal(t, "2.50", res.Margin.String())
	assert.Zero(t, users.calls, "valid cache must not touch the relational store")
}

func TestZeroMarginStalenessIsTunable(t *testing.T) {
	rec := cache.BalanceMargin{
		WalletBalance: codec.MustNumber("10.00"),
		Margin:        codec.MustNumber("0"),
	}
	strict := NewEngine(&fakeBalanceCache{}, &fakeUsers{}, &fakeMargins{}, DefaultPolicy(), nil)
	relaxed := NewEngine(&fakeBalanceCache{}, &fakeUsers{}, &fakeMargins{}, Policy{ZeroMarginIsStale: false}, nil)

	assert.True(t, strict.IsStale(rec, true))
	assert.False(t, relaxed.IsStale(rec, true))
	assert.True(t, relaxed.IsStale(cache.BalanceMargin{}, false), "absent is always stale")
}

func TestRefreshVerifiesAndRetriesWriteOnce(t *testing.T) {
	balances := &fakeBalanceCache{dropFirst: true}
	users := &fakeUsers{row: store.UserRow{ID: 3, WalletBalance: dec("100"), Margin: dec("1")}}
	margins := &fakeMargins{total: dec("4")}
	engine := NewEngine(balances, users, margins, DefaultPolicy(), nil)

	res, err := engine.RefreshWithFallback(context.Background(), 3, "live")
	require.NoError(t, err)
	assert.Equal(t, 2, balances.writes, "verification mismatch must retry the write exactly once")
	assert.Equal(t, "4", res.Margin.String())
}
