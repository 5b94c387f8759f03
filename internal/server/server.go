// Package server exposes the market data websocket endpoint.
package server

import (
	"context"
	"net/http"
	"time"

	"main/internal/admission"
	"main/internal/broadcast"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const shutdownTimeout = 10 * time.Second

// Config holds the http listener settings.
type Config struct {
	Addr string
}

// Server ties the websocket endpoint, the admission gate and the
// broadcaster together behind one listener.
type Server struct {
	cfg         Config
	broadcaster *broadcast.Broadcaster
	gate        *admission.Controller
	httpServer  *http.Server
}

// NewServer builds the server.
func NewServer(cfg Config, b *broadcast.Broadcaster, gate *admission.Controller) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("server: empty listen address")
	}
	if b == nil || gate == nil {
		return nil, errors.New("server: nil broadcaster or admission controller")
	}
	s := &Server{cfg: cfg, broadcaster: b, gate: gate}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/market-data", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	s.httpServer = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s, nil
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("websocket server listening on %s", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	logs.Info("websocket server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
