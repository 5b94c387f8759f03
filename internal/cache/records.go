package cache

import (
	"context"
	"time"

	"main/internal/codec"

	"github.com/yanun0323/logs"
)

// CacheVersion tags balance/margin blobs so a future format change can
// invalidate old entries wholesale.
const CacheVersion = "2.0"

// BalanceMargin is the minimal balance/margin record used by the websocket
// balance updates and the order placement path. Both amounts are
// non-negative by invariant; a cached instance violating that is treated as
// absent by readers.
type BalanceMargin struct {
	WalletBalance codec.Number `json:"wallet_balance"`
	Margin        codec.Number `json:"margin"`
	UpdatedAt     time.Time    `json:"updated_at"`
	Version       string       `json:"cache_version"`
}

// Valid reports whether the record satisfies the non-negative invariant.
func (b BalanceMargin) Valid() bool {
	return !b.WalletBalance.IsNegative() && !b.Margin.IsNegative()
}

// AdjustedPrice is the group-specific derived price for one symbol: the
// upstream price plus the group's spread.
type AdjustedPrice struct {
	Buy         codec.Number `json:"buy"`
	Sell        codec.Number `json:"sell"`
	Spread      codec.Number `json:"spread"`
	SpreadValue codec.Number `json:"spread_value"`
}

// LastPrice mirrors the upstream tick shape: at least one of bid (b) or
// ask (o) is present.
type LastPrice struct {
	Bid       *codec.Number `json:"b,omitempty"`
	Ask       *codec.Number `json:"o,omitempty"`
	Timestamp int64         `json:"_timestamp,omitempty"`
}

// UserData is the relatively static per-user record (group, leverage).
type UserData struct {
	ID            int64        `json:"id"`
	Email         string       `json:"email"`
	GroupName     string       `json:"group_name"`
	Leverage      codec.Number `json:"leverage"`
	UserType      string       `json:"user_type"`
	AccountNumber string       `json:"account_number,omitempty"`
	WalletBalance codec.Number `json:"wallet_balance"`
	Margin        codec.Number `json:"margin"`
}

// GroupSettings holds general per-group settings.
type GroupSettings struct {
	Name          string `json:"name"`
	SendingOrders string `json:"sending_orders"`
}

// GroupSymbolSettings holds per-(group, symbol) trading settings.
type GroupSymbolSettings struct {
	Spread    codec.Number `json:"spread"`
	SpreadPip codec.Number `json:"spread_pip"`
	Margin    codec.Number `json:"margin"`
}

// GetBalanceMargin returns the cached balance/margin record. Records
// violating the non-negative invariant, and blobs that fail to decode, are
// reported as misses.
func (s *Store) GetBalanceMargin(ctx context.Context, userType string, userID int64) (BalanceMargin, bool) {
	var rec BalanceMargin
	raw, ok := s.Get(ctx, BalanceMarginKey(userType, userID))
	if !ok {
		return rec, false
	}
	if err := codec.Unmarshal(raw, &rec); err != nil {
		logs.Warnf("non-numeric balance/margin cached for user %d, treating as miss, err: %+v", userID, err)
		return BalanceMargin{}, false
	}
	if !rec.Valid() {
		logs.Warnf("invalid balance/margin cached for user %d: balance=%s margin=%s", userID, rec.WalletBalance, rec.Margin)
		return BalanceMargin{}, false
	}
	return rec, true
}

// SetBalanceMargin writes the balance/margin record, clamping negative
// amounts to zero before they can poison readers.
func (s *Store) SetBalanceMargin(ctx context.Context, userType string, userID int64, balance, margin codec.Number) bool {
	if balance.IsNegative() {
		logs.Warnf("caching negative balance %s for user %d, using 0", balance, userID)
		balance = codec.MustNumber("0.0")
	}
	if margin.IsNegative() {
		logs.Warnf("caching negative margin %s for user %d, using 0", margin, userID)
		margin = codec.MustNumber("0.0")
	}
	rec := BalanceMargin{
		WalletBalance: balance,
		Margin:        margin,
		UpdatedAt:     time.Now().UTC(),
		Version:       CacheVersion,
	}
	raw, err := codec.Marshal(rec)
	if err != nil {
		logs.Errorf("marshal balance/margin for user %d, err: %+v", userID, err)
		return false
	}
	return s.Set(ctx, BalanceMarginKey(userType, userID), raw, BalanceMarginTTL)
}

// GetUserData returns the cached static user record.
func (s *Store) GetUserData(ctx context.Context, userType string, userID int64) (UserData, bool) {
	var rec UserData
	raw, ok := s.Get(ctx, UserDataKey(userType, userID))
	if !ok {
		return rec, false
	}
	if err := codec.Unmarshal(raw, &rec); err != nil {
		logs.Warnf("corrupt user data cached for user %d, treating as miss, err: %+v", userID, err)
		return UserData{}, false
	}
	return rec, true
}

// SetUserData caches the static user record.
func (s *Store) SetUserData(ctx context.Context, rec UserData) bool {
	raw, err := codec.Marshal(rec)
	if err != nil {
		logs.Errorf("marshal user data for user %d, err: %+v", rec.ID, err)
		return false
	}
	return s.Set(ctx, UserDataKey(rec.UserType, rec.ID), raw, UserDataTTL)
}

// GetAdjustedPrice returns the derived price for (group, symbol).
func (s *Store) GetAdjustedPrice(ctx context.Context, group, symbol string) (AdjustedPrice, bool) {
	var rec AdjustedPrice
	raw, ok := s.Get(ctx, AdjustedPriceKey(group, symbol))
	if !ok {
		return rec, false
	}
	if err := codec.Unmarshal(raw, &rec); err != nil {
		logs.Warnf("corrupt adjusted price cached for %s:%s, err: %+v", group, symbol, err)
		return AdjustedPrice{}, false
	}
	return rec, true
}

// SetAdjustedPrice caches the derived price for (group, symbol).
func (s *Store) SetAdjustedPrice(ctx context.Context, group, symbol string, rec AdjustedPrice) bool {
	raw, err := codec.Marshal(rec)
	if err != nil {
		logs.Errorf("marshal adjusted price for %s:%s, err: %+v", group, symbol, err)
		return false
	}
	return s.Set(ctx, AdjustedPriceKey(group, symbol), raw, AdjustedPriceTTL)
}

// GetLastPrice returns the most recent upstream tick for symbol.
func (s *Store) GetLastPrice(ctx context.Context, symbol string) (LastPrice, bool) {
	var rec LastPrice
	raw, ok := s.Get(ctx, LastPriceKey(symbol))
	if !ok {
		return rec, false
	}
	if err := codec.Unmarshal(raw, &rec); err != nil {
		logs.Warnf("corrupt last price cached for %s, err: %+v", symbol, err)
		return LastPrice{}, false
	}
	return rec, true
}

// SetLastPrice caches the most recent upstream tick for symbol.
func (s *Store) SetLastPrice(ctx context.Context, symbol string, rec LastPrice) bool {
	raw, err := codec.Marshal(rec)
	if err != nil {
		logs.Errorf("marshal last price for %s, err: %+v", symbol, err)
		return false
	}
	return s.Set(ctx, LastPriceKey(symbol), raw, LastPriceTTL)
}

// GetGroupSettings returns the cached general settings for a group.
func (s *Store) GetGroupSettings(ctx context.Context, group string) (GroupSettings, bool) {
	var rec GroupSettings
	raw, ok := s.Get(ctx, GroupSettingsKey(group))
	if !ok {
		return rec, false
	}
	if err := codec.Unmarshal(raw, &rec); err != nil {
		logs.Warnf("corrupt group settings cached for %s, err: %+v", group, err)
		return GroupSettings{}, false
	}
	return rec, true
}

// SetGroupSettings caches the general settings for a group.
func (s *Store) SetGroupSettings(ctx context.Context, group string, rec GroupSettings) bool {
	raw, err := codec.Marshal(rec)
	if err != nil {
		logs.Errorf("marshal group settings for %s, err: %+v", group, err)
		return false
	}
	return s.Set(ctx, GroupSettingsKey(group), raw, GroupSettingsTTL)
}

// DeleteGroupSettings actively invalidates a group's general settings.
func (s *Store) DeleteGroupSettings(ctx context.Context, group string) bool {
	return s.Delete(ctx, GroupSettingsKey(group))
}

// GetGroupSymbolSettings returns per-(group, symbol) settings.
func (s *Store) GetGroupSymbolSettings(ctx context.Context, group, symbol string) (GroupSymbolSettings, bool) {
	var rec GroupSymbolSettings
	raw, ok := s.Get(ctx, GroupSymbolSettingsKey(group, symbol))
	if !ok {
		return rec, false
	}
	if err := codec.Unmarshal(raw, &rec); err != nil {
		logs.Warnf("corrupt group symbol settings cached for %s:%s, err: %+v", group, symbol, err)
		return GroupSymbolSettings{}, false
	}
	return rec, true
}

// SetGroupSymbolSettings caches per-(group, symbol) settings.
func (s *Store) SetGroupSymbolSettings(ctx context.Context, group, symbol string, rec GroupSymbolSettings) bool {
	raw, err := codec.Marshal(rec)
	if err != nil {
		logs.Errorf("marshal group symbol settings for %s:%s, err: %+v", group, symbol, err)
		return false
	}
	return s.Set(ctx, GroupSymbolSettingsKey(group, symbol), raw, GroupSymbolTTL)
}

// DeleteAllGroupSymbolSettings invalidates every symbol entry for a group,
// used when group settings change.
func (s *Store) DeleteAllGroupSymbolSettings(ctx context.Context, group string) int {
	return s.DeleteByPrefix(ctx, GroupSymbolSettingsPrefix(group))
}
