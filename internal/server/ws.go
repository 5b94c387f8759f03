package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"main/internal/admission"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from the trading frontends; origin policy is
	// enforced at the edge proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClient adapts one websocket connection to the broadcaster's subscriber
// surface. Writes are serialized; gorilla allows one concurrent writer.
type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{id: uuid.NewString(), conn: conn}
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsClient) Close() error {
	return c.conn.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := admission.ClientIP(r.RemoteAddr, r.Header.Get("X-Forwarded-For"))
	admitErr := s.gate.TryAdmit(r.Context(), ip)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warnf("upgrade from %s failed, err: %+v", ip, err)
		if admitErr == nil {
			s.gate.Release(context.Background(), ip)
		}
		return
	}

	if admitErr != nil {
		code := websocket.CloseInternalServerErr
		reason := "internal error"
		if errors.Is(admitErr, admission.ErrLimitExceeded) {
			code = websocket.ClosePolicyViolation
			reason = "connection limit reached"
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	client := newWSClient(conn)
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			s.broadcaster.Disconnect(client)
			s.gate.Release(context.Background(), ip)
			_ = conn.Close()
		})
	}

	if err := s.broadcaster.Connect(r.Context(), client); err != nil {
		logs.Warnf("subscribe %s from %s failed, err: %+v", client.ID(), ip, err)
		teardown()
		return
	}

	// Inbound frames carry nothing; the read loop only detects closure.
	conn.SetReadLimit(maxMessageSize)
	go func() {
		defer teardown()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
