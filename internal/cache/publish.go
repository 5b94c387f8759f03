package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/logs"
)

// Publisher is the publish side of the shared key-value service.
// *redis.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Events notifies the rest of the backend through the shared publish
// channels. Best-effort, same as the store.
type Events struct {
	pub Publisher
}

// NewEvents wraps a publisher.
func NewEvents(pub Publisher) *Events {
	return &Events{pub: pub}
}

// PublishTick forwards a raw tick batch onto the market data channel.
func (e *Events) PublishTick(ctx context.Context, payload []byte) {
	if err := e.pub.Publish(ctx, MarketDataChannel, payload).Err(); err != nil {
		logs.Errorf("publish market data tick, err: %+v", err)
	}
}

// PublishOrderUpdate signals that a user's orders changed.
func (e *Events) PublishOrderUpdate(ctx context.Context, userID int64) {
	e.publishUserEvent(ctx, OrderUpdatesChannel, "ORDER_UPDATE", userID)
}

// PublishUserDataUpdate signals that a user's account structure changed.
func (e *Events) PublishUserDataUpdate(ctx context.Context, userID int64) {
	e.publishUserEvent(ctx, UserDataUpdatesChannel, "USER_DATA_UPDATE", userID)
}

// PublishGroupSettingsUpdate signals that a group's settings changed and
// downstream caches must be rebuilt.
func (e *Events) PublishGroupSettingsUpdate(ctx context.Context, group string) {
	payload, err := json.Marshal(map[string]any{
		"type":       "GROUP_SETTINGS_UPDATE",
		"group_name": group,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logs.Errorf("marshal group settings event for %s, err: %+v", group, err)
		return
	}
	if err := e.pub.Publish(ctx, GroupSettingsUpdateChannel, payload).Err(); err != nil {
		logs.Errorf("publish group settings update for %s, err: %+v", group, err)
	}
}

func (e *Events) publishUserEvent(ctx context.Context, channel, kind string, userID int64) {
	payload, err := json.Marshal(map[string]any{
		"type":      kind,
		"user_id":   userID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logs.Errorf("marshal %s event for user %d, err: %+v", kind, userID, err)
		return
	}
	if err := e.pub.Publish(ctx, channel, payload).Err(); err != nil {
		logs.Errorf("publish %s for user %d, err: %+v", kind, userID, err)
	}
}
