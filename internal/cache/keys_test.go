package cache

import (
	"testing"

	"main/internal/codec"
)

func TestKeyNamespaces(t *testing.T) {
	for _, tc := range []struct {
		got  string
		want string
	}{
		{BalanceMarginKey("Live", 42), "user_balance_margin:live:42"},
		{UserDataKey("DEMO", 7), "user_data:demo:7"},
		{GroupSymbolSettingsKey("Gold", "xauusd"), "group_symbol_settings:gold:XAUUSD"},
		{GroupSettingsKey("Gold"), "group_settings:gold"},
		{AdjustedPriceKey("Gold", "xauusd"), "adjusted_market_price:gold:XAUUSD"},
		{LastPriceKey("btcusd"), "last_price:BTCUSD"},
		{GroupSymbolSettingsPrefix("Gold"), "group_symbol_settings:gold:"},
	} {
		if tc.got != tc.want {
			t.Fatalf("key mismatch: got %q want %q", tc.got, tc.want)
		}
	}
}

func TestBalanceMarginValid(t *testing.T) {
	rec := BalanceMargin{
		WalletBalance: codec.MustNumber("1000.00"),
		Margin:        codec.MustNumber("0"),
	}
	if !rec.Valid() {
		t.Fatalf("zero margin with positive balance should be valid")
	}
	rec.Margin = codec.MustNumber("-5")
	if rec.Valid() {
		t.Fatalf("negative margin must be invalid")
	}
	rec = BalanceMargin{
		WalletBalance: codec.MustNumber("-0.01"),
		Margin:        codec.MustNumber("10"),
	}
	if rec.Valid() {
		t.Fatalf("negative balance must be invalid")
	}
}

func TestPriceSideSelection(t *testing.T) {
	bid := codec.MustNumber("1950.10")
	ask := codec.MustNumber("1950.40")
	tick := &LastPrice{Bid: &bid, Ask: &ask}

	price, ok := tickPrice(tick, true)
	if !ok || price.String() != "1950.40" {
		t.Fatalf("buy side should take ask: got %v %s", ok, price)
	}
	price, ok = tickPrice(tick, false)
	if !ok || price.String() != "1950.10" {
		t.Fatalf("sell side should take bid: got %v %s", ok, price)
	}

	bidOnly := &LastPrice{Bid: &bid}
	if _, ok := tickPrice(bidOnly, true); ok {
		t.Fatalf("buy side with no ask should report no price")
	}
	if !isBuySide("BUY_LIMIT") || isBuySide("SELL_STOP") {
		t.Fatalf("order side classification mismatch")
	}
}
