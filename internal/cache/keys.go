package cache

import (
	"fmt"
	"strings"
	"time"
)

// Key prefixes. Every entry lives under a namespaced key of the form
// {category}:{scope}:{id}.
const (
	userDataKeyPrefix         = "user_data"
	userPortfolioKeyPrefix    = "user_portfolio"
	userStaticOrdersKeyPrefix = "user_static_orders"
	userDynamicKeyPrefix      = "user_dynamic_portfolio"
	balanceMarginKeyPrefix    = "user_balance_margin"
	groupSymbolKeyPrefix      = "group_symbol_settings"
	groupSettingsKeyPrefix    = "group_settings"
	adjustedPriceKeyPrefix    = "adjusted_market_price"
	lastPriceKeyPrefix        = "last_price"
	symbolInfoKeyPrefix       = "external_symbol_info"
)

// Publish channels shared with the upstream feed and the rest of the backend.
const (
	MarketDataChannel          = "market_data_updates"
	OrderUpdatesChannel        = "order_updates"
	UserDataUpdatesChannel     = "user_data_updates"
	GroupSettingsUpdateChannel = "group_settings_updates"
)

// Per-category TTLs. Adjusted prices are derived and churn with every tick;
// symbol metadata barely changes.
const (
	UserDataTTL         = 7 * 24 * time.Hour
	UserPortfolioTTL    = 5 * time.Minute
	UserStaticOrdersTTL = 24 * time.Hour
	UserDynamicTTL      = 2 * time.Minute
	BalanceMarginTTL    = 5 * time.Minute
	GroupSymbolTTL      = 30 * 24 * time.Hour
	GroupSettingsTTL    = 30 * 24 * time.Hour
	AdjustedPriceTTL    = 30 * time.Second
	LastPriceTTL        = 30 * 24 * time.Hour
	SymbolInfoTTL       = 30 * 24 * time.Hour
)

func UserDataKey(userType string, userID int64) string {
	return fmt.Sprintf("%s:%s:%d", userDataKeyPrefix, strings.ToLower(userType), userID)
}

func UserPortfolioKey(userID int64) string {
	return fmt.Sprintf("%s:%d", userPortfolioKeyPrefix, userID)
}

func UserStaticOrdersKey(userType string, userID int64) string {
	return fmt.Sprintf("%s:%s:%d", userStaticOrdersKeyPrefix, strings.ToLower(userType), userID)
}

func UserDynamicPortfolioKey(userType string, userID int64) string {
	return fmt.Sprintf("%s:%s:%d", userDynamicKeyPrefix, strings.ToLower(userType), userID)
}

func BalanceMarginKey(userType string, userID int64) string {
	return fmt.Sprintf("%s:%s:%d", balanceMarginKeyPrefix, strings.ToLower(userType), userID)
}

func GroupSymbolSettingsKey(group, symbol string) string {
	return fmt.Sprintf("%s:%s:%s", groupSymbolKeyPrefix, strings.ToLower(group), strings.ToUpper(symbol))
}

func GroupSymbolSettingsPrefix(group string) string {
	return fmt.Sprintf("%s:%s:", groupSymbolKeyPrefix, strings.ToLower(group))
}

func GroupSettingsKey(group string) string {
	return fmt.Sprintf("%s:%s", groupSettingsKeyPrefix, strings.ToLower(group))
}

func AdjustedPriceKey(group, symbol string) string {
	return fmt.Sprintf("%s:%s:%s", adjustedPriceKeyPrefix, strings.ToLower(group), strings.ToUpper(symbol))
}

func LastPriceKey(symbol string) string {
	return fmt.Sprintf("%s:%s", lastPriceKeyPrefix, strings.ToUpper(symbol))
}

func SymbolInfoKey(symbol string) string {
	return fmt.Sprintf("%s:%s", symbolInfoKeyPrefix, strings.ToUpper(symbol))
}
