package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"main/internal/admission"
	"main/internal/broadcast"
	"main/internal/cache"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
)

type memCounters struct {
	mu     sync.Mutex
	counts map[string]int64
	fail   bool
}

func (m *memCounters) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errors.New("counter store down")
	}
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memCounters) Decr(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts[key] > 0 {
		m.counts[key]--
	}
	return nil
}

type stubSource struct{ payloads chan []byte }

func (s *stubSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p := <-s.payloads:
		return p, nil
	}
}

func (s *stubSource) Close() error { return nil }

type stubSnapshots struct{}

func (stubSnapshots) GetLastPrice(context.Context, string) (cache.LastPrice, bool) {
	return cache.LastPrice{}, false
}

func newTestServer(t *testing.T, counters admission.CounterStore, maxConns int) (*httptest.Server, *stubSource) {
	t.Helper()
	source := &stubSource{payloads: make(chan []byte, 4)}
	b := broadcast.NewBroadcaster(source, stubSnapshots{}, nil)
	gate := admission.NewController(counters, admission.Config{MaxConnections: maxConns})
	s, err := NewServer(Config{Addr: "ignored:0"}, b, gate)
	if err != nil {
		t.Fatalf("new server, err: %+v", err)
	}
	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, source
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/market-data"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial, err: %+v", err)
	}
	return conn
}

func TestWSHandshakeDeliversSnapshotThenUpdates(t *testing.T) {
	ts, source := newTestServer(t, &memCounters{counts: map[string]int64{}}, 5)

	conn := dial(t, ts)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot, err: %+v", err)
	}
	var msg broadcast.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode snapshot, err: %+v", err)
	}
	if msg.Type != "snapshot" {
		t.Fatalf("first frame must be the snapshot, got %s", msg.Type)
	}

	source.payloads <- []byte(`{"XAUUSD": {"b": "2400.5", "o": "2400.7"}}`)
	_, payload, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read update, err: %+v", err)
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode update, err: %+v", err)
	}
	if msg.Type != "update" {
		t.Fatalf("expected update, got %s", msg.Type)
	}
}

func TestWSRejectsOverLimitWithPolicyViolation(t *testing.T) {
	ts, _ := newTestServer(t, &memCounters{counts: map[string]int64{}}, 1)

	first := dial(t, ts)
	defer first.Close()
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err != nil {
		t.Fatalf("first connection should get its snapshot, err: %+v", err)
	}

	second := dial(t, ts)
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	if err == nil {
		t.Fatalf("second connection should be closed")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected close 1008, err: %+v", err)
	}
}

func TestWSFailsClosedWhenCounterStoreDown(t *testing.T) {
	ts, _ := newTestServer(t, &memCounters{fail: true}, 5)

	conn := dial(t, ts)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("connection should be refused when the counter store is down")
	}
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("expected close 1011, err: %+v", err)
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, &memCounters{counts: map[string]int64{}}, 5)
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz, err: %+v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
