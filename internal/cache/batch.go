package cache

import (
	"context"
	"strings"
	"time"

	"main/internal/codec"

	"github.com/yanun0323/logs"
)

// PlacementData bundles the five cache entries an order placement request
// needs, fetched in a single round trip.
type PlacementData struct {
	UserData            *UserData
	GroupSettings       *GroupSettings
	GroupSymbolSettings *GroupSymbolSettings
	AdjustedPrice       *AdjustedPrice
	LastPrice           *LastPrice
	CacheHits           int
}

// GetPlacementData batch-fetches everything order placement needs for one
// (user, group, symbol). Missing or corrupt entries are nil; the caller
// falls back to the relational store per entry.
func (s *Store) GetPlacementData(ctx context.Context, userType string, userID int64, group, symbol string) PlacementData {
	keys := []string{
		UserDataKey(userType, userID),
		GroupSettingsKey(group),
		GroupSymbolSettingsKey(group, symbol),
		AdjustedPriceKey(group, symbol),
		LastPriceKey(symbol),
	}
	raws := s.BatchGet(ctx, keys)

	var out PlacementData
	out.UserData = decodeSlot[UserData](raws[0], keys[0], &out.CacheHits)
	out.GroupSettings = decodeSlot[GroupSettings](raws[1], keys[1], &out.CacheHits)
	out.GroupSymbolSettings = decodeSlot[GroupSymbolSettings](raws[2], keys[2], &out.CacheHits)
	out.AdjustedPrice = decodeSlot[AdjustedPrice](raws[3], keys[3], &out.CacheHits)
	out.LastPrice = decodeSlot[LastPrice](raws[4], keys[4], &out.CacheHits)
	return out
}

// SetPlacementData writes the bundle back in one pipelined round trip,
// skipping nil entries.
func (s *Store) SetPlacementData(ctx context.Context, userType string, userID int64, group, symbol string, data PlacementData) bool {
	var entries []Entry
	appendEntry := func(key string, v any, ttl time.Duration) {
		raw, err := codec.Marshal(v)
		if err != nil {
			logs.Errorf("marshal placement entry %s, err: %+v", key, err)
			return
		}
		entries = append(entries, Entry{Key: key, Value: raw, TTL: ttl})
	}
	if data.UserData != nil {
		appendEntry(UserDataKey(userType, userID), data.UserData, UserDataTTL)
	}
	if data.GroupSettings != nil {
		appendEntry(GroupSettingsKey(group), data.GroupSettings, GroupSettingsTTL)
	}
	if data.GroupSymbolSettings != nil {
		appendEntry(GroupSymbolSettingsKey(group, symbol), data.GroupSymbolSettings, GroupSymbolTTL)
	}
	if data.AdjustedPrice != nil {
		appendEntry(AdjustedPriceKey(group, symbol), data.AdjustedPrice, AdjustedPriceTTL)
	}
	if data.LastPrice != nil {
		appendEntry(LastPriceKey(symbol), data.LastPrice, LastPriceTTL)
	}
	return s.PipelineSet(ctx, entries)
}

// PriceForOrderSide resolves the execution price for an order side: the
// group-adjusted price first, then the supplied raw tick, then the last
// known price. Returns false when no source has a usable price.
func (s *Store) PriceForOrderSide(ctx context.Context, group, symbol, orderType string, rawTick *LastPrice) (codec.Number, bool) {
	buySide := isBuySide(orderType)

	if adj, ok := s.GetAdjustedPrice(ctx, group, symbol); ok {
		if buySide && !adj.Buy.IsZero() {
			return adj.Buy, true
		}
		if !buySide && !adj.Sell.IsZero() {
			return adj.Sell, true
		}
	}

	if price, ok := tickPrice(rawTick, buySide); ok {
		return price, true
	}

	if last, ok := s.GetLastPrice(ctx, symbol); ok {
		if price, ok := tickPrice(&last, buySide); ok {
			return price, true
		}
	}
	return codec.Number{}, false
}

func isBuySide(orderType string) bool {
	switch strings.ToUpper(orderType) {
	case "BUY", "BUY_LIMIT", "BUY_STOP":
		return true
	default:
		return false
	}
}

func tickPrice(tick *LastPrice, buySide bool) (codec.Number, bool) {
	if tick == nil {
		return codec.Number{}, false
	}
	if buySide {
		if tick.Ask != nil && !tick.Ask.IsZero() {
			return *tick.Ask, true
		}
		return codec.Number{}, false
	}
	if tick.Bid != nil && !tick.Bid.IsZero() {
		return *tick.Bid, true
	}
	return codec.Number{}, false
}

func decodeSlot[T any](raw []byte, key string, hits *int) *T {
	if raw == nil {
		return nil
	}
	var v T
	if err := codec.Unmarshal(raw, &v); err != nil {
		logs.Warnf("corrupt cache entry %s, treating as miss, err: %+v", key, err)
		return nil
	}
	*hits++
	return &v
}
