package cache

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
)

type fakePublisher struct {
	channels []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channels = append(f.channels, channel)
	if raw, ok := message.([]byte); ok {
		f.payloads = append(f.payloads, raw)
	}
	return redis.NewIntResult(1, nil)
}

func TestEventsRouteToTheRightChannels(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	events := NewEvents(pub)

	events.PublishTick(ctx, []byte(`{"XAUUSD":{"b":"2400.5"}}`))
	events.PublishOrderUpdate(ctx, 42)
	events.PublishUserDataUpdate(ctx, 42)
	events.PublishGroupSettingsUpdate(ctx, "vip")

	want := []string{MarketDataChannel, OrderUpdatesChannel, UserDataUpdatesChannel, GroupSettingsUpdateChannel}
	if len(pub.channels) != len(want) {
		t.Fatalf("expected %d publishes, got %d", len(want), len(pub.channels))
	}
	for i, ch := range want {
		if pub.channels[i] != ch {
			t.Fatalf("publish %d went to %s, want %s", i, pub.channels[i], ch)
		}
	}
}

func TestOrderUpdatePayloadShape(t *testing.T) {
	pub := &fakePublisher{}
	NewEvents(pub).PublishOrderUpdate(context.Background(), 42)

	if len(pub.payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(pub.payloads))
	}
	var msg map[string]any
	if err := json.Unmarshal(pub.payloads[0], &msg); err != nil {
		t.Fatalf("decode payload, err: %+v", err)
	}
	if msg["type"] != "ORDER_UPDATE" {
		t.Fatalf("type: %v", msg["type"])
	}
	if msg["user_id"] != float64(42) {
		t.Fatalf("user_id: %v", msg["user_id"])
	}
	if _, ok := msg["timestamp"].(string); !ok {
		t.Fatalf("timestamp missing: %v", msg)
	}
}
