// Package broadcast fans market data out to websocket subscribers.
//
// The broadcaster is lazy: the upstream subscription only exists while at
// least one client is connected. The first Connect starts the fan-in loop,
// the last Disconnect cancels it and waits for it to stop, so an idle
// backend costs the shared feed nothing.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"main/internal/cache"

	"github.com/yanun0323/logs"
)

const sourceRetryDelay = time.Second

// Symbols is the distribution whitelist. Ticks for anything else are
// dropped before they reach a subscriber.
var Symbols = []string{
	"AUDJPY", "AUDCAD", "AUDUSD", "JP225", "US30",
	"D30", "CADJPY", "BTCUSD", "XAUUSD", "XAGUSD",
}

// Conn is one subscriber. Implemented by the websocket server's client
// wrapper; fakes implement it in tests.
type Conn interface {
	ID() string
	Send(payload []byte) error
	Close() error
}

// TickSource yields raw market data payloads. Next blocks until a payload
// arrives or ctx is cancelled. Close releases the underlying subscription;
// the broadcaster calls it whenever the fan-in loop stops.
type TickSource interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// SnapshotSource provides the last known price per symbol for the initial
// snapshot. *cache.Store satisfies it.
type SnapshotSource interface {
	GetLastPrice(ctx context.Context, symbol string) (cache.LastPrice, bool)
}

// Quote is the client-facing shape of one symbol's price.
type Quote struct {
	Bid       *json.RawMessage `json:"bid"`
	Ask       *json.RawMessage `json:"ask"`
	Timestamp int64            `json:"timestamp,omitempty"`
}

// Message is the envelope every subscriber receives.
type Message struct {
	Type string           `json:"type"`
	Data map[string]Quote `json:"data"`
}

// Broadcaster owns the subscriber set and the fan-in loop lifecycle.
type Broadcaster struct {
	source    TickSource
	snapshots SnapshotSource
	whitelist map[string]struct{}

	mu     sync.Mutex
	subs   map[string]Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBroadcaster builds an idle broadcaster. A nil symbols slice means the
// default whitelist.
func NewBroadcaster(source TickSource, snapshots SnapshotSource, symbols []string) *Broadcaster {
	if len(symbols) == 0 {
		symbols = Symbols
	}
	wl := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wl[s] = struct{}{}
	}
	return &Broadcaster{
		source:    source,
		snapshots: snapshots,
		whitelist: wl,
		subs:      map[string]Conn{},
	}
}

// Connect sends conn the current snapshot and registers it for updates.
// The first subscriber wakes the fan-in loop.
func (b *Broadcaster) Connect(ctx context.Context, conn Conn) error {
	snap := b.snapshot(ctx)
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := conn.Send(payload); err != nil {
		return err
	}

	b.mu.Lock()
	b.subs[conn.ID()] = conn
	for b.cancel == nil {
		if prev := b.done; prev != nil {
			// A cancelled loop is still draining. Starting another now
			// would double-consume the feed, so wait it out first.
			b.mu.Unlock()
			<-prev
			b.mu.Lock()
			continue
		}
		loopCtx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		b.done = make(chan struct{})
		go b.run(loopCtx, b.done)
		logs.Info("first subscriber connected, market data fan-in started")
	}
	b.mu.Unlock()
	return nil
}

// Disconnect removes conn from the subscriber set. When the set empties the
// fan-in loop is stopped and awaited, so after Disconnect returns no more
// sends can happen.
func (b *Broadcaster) Disconnect(conn Conn) {
	b.mu.Lock()
	if _, ok := b.subs[conn.ID()]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, conn.ID())
	var done chan struct{}
	if len(b.subs) == 0 && b.cancel != nil {
		b.cancel()
		b.cancel = nil
		done = b.done
		b.done = nil
	}
	b.mu.Unlock()

	if done != nil {
		<-done
		logs.Info("last subscriber left, market data fan-in stopped")
	}
}

// SubscriberCount reports the current subscriber set size.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) run(ctx context.Context, done chan struct{}) {
	defer func() {
		if err := b.source.Close(); err != nil {
			logs.Warnf("close market data source, err: %+v", err)
		}
		b.mu.Lock()
		if b.done == done {
			b.done = nil
		}
		b.mu.Unlock()
		close(done)
	}()
	for {
		// Checked before Next so an eviction that emptied the set during
		// fanOut stops the loop here, leaving buffered ticks for the loop
		// the next subscriber starts.
		if ctx.Err() != nil {
			return
		}
		payload, err := b.source.Next(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logs.Errorf("read market data payload, err: %+v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(sourceRetryDelay):
			}
			continue
		}
		msg, ok := b.filter(payload)
		if !ok {
			continue
		}
		out, err := json.Marshal(msg)
		if err != nil {
			logs.Errorf("marshal market data update, err: %+v", err)
			continue
		}
		b.fanOut(out)
	}
}

// filter keeps whitelisted symbols that carry at least one side of the
// price and reshapes them into the client quote form.
func (b *Broadcaster) filter(payload []byte) (Message, bool) {
	var batch map[string]struct {
		Bid       *json.RawMessage `json:"b"`
		Ask       *json.RawMessage `json:"o"`
		Timestamp int64            `json:"_timestamp"`
	}
	if err := json.Unmarshal(payload, &batch); err != nil {
		logs.Warnf("drop malformed market data payload, err: %+v", err)
		return Message{}, false
	}

	data := make(map[string]Quote, len(batch))
	for symbol, tick := range batch {
		if _, ok := b.whitelist[symbol]; !ok {
			continue
		}
		if tick.Bid == nil && tick.Ask == nil {
			continue
		}
		data[symbol] = Quote{Bid: tick.Bid, Ask: tick.Ask, Timestamp: tick.Timestamp}
	}
	if len(data) == 0 {
		return Message{}, false
	}
	return Message{Type: "update", Data: data}, true
}

// snapshot assembles the last known quote for every whitelisted symbol.
// Symbols with no cached price are simply absent; an empty snapshot is
// still a valid message so a fresh client always hears something.
func (b *Broadcaster) snapshot(ctx context.Context) Message {
	data := make(map[string]Quote, len(b.whitelist))
	for symbol := range b.whitelist {
		rec, ok := b.snapshots.GetLastPrice(ctx, symbol)
		if !ok {
			continue
		}
		q := Quote{Timestamp: rec.Timestamp}
		if rec.Bid != nil {
			raw, err := json.Marshal(rec.Bid)
			if err == nil {
				msg := json.RawMessage(raw)
				q.Bid = &msg
			}
		}
		if rec.Ask != nil {
			raw, err := json.Marshal(rec.Ask)
			if err == nil {
				msg := json.RawMessage(raw)
				q.Ask = &msg
			}
		}
		if q.Bid == nil && q.Ask == nil {
			continue
		}
		data[symbol] = q
	}
	return Message{Type: "snapshot", Data: data}
}

// fanOut delivers one update to every subscriber. A failed send evicts the
// subscriber through the normal disconnect path so its slot and counter
// are released by the owning read loop.
func (b *Broadcaster) fanOut(payload []byte) {
	b.mu.Lock()
	conns := make([]Conn, 0, len(b.subs))
	for _, c := range b.subs {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(payload); err != nil {
			logs.Warnf("send to subscriber %s failed, evicting, err: %+v", c.ID(), err)
			if cerr := c.Close(); cerr != nil {
				logs.Warnf("close subscriber %s, err: %+v", c.ID(), cerr)
			}
			b.evict(c)
		}
	}
}

// evict removes a dead subscriber without blocking on the fan-in loop.
// Awaiting done here would deadlock: eviction runs on the loop's own call
// stack. When the set empties the loop is cancelled but done stays set, so
// Connect knows a loop is still draining and waits before starting the
// next one.
func (b *Broadcaster) evict(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[conn.ID()]; !ok {
		return
	}
	delete(b.subs, conn.ID())
	if len(b.subs) == 0 && b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}
