// Package monitor serves run progress over HTTP while a dispatch is in
// flight: Prometheus text on /metrics and a live event feed on /ws.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"wasender/internal/domain"
	"wasender/internal/metrics"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Config configures the monitor server.
type Config struct {
	Host    string
	Port    int
	Path    string                      // WebSocket endpoint path (default: /ws)
	History func() []domain.StatusEvent // replayed to each new client
	Logger  *slog.Logger
}

// Server pushes StatusEvents to connected WebSocket clients.
type Server struct {
	addr    string
	path    string
	history func() []domain.StatusEvent
	logger  *slog.Logger
	server  *http.Server

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn     *websocket.Conn
	mu       sync.Mutex
	replayed uint64 // highest Seq sent during history replay
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // bound to localhost by default
	},
}

// New creates a monitor server. It does not listen until Start.
func New(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 9464
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		path:    cfg.Path,
		history: cfg.History,
		logger:  cfg.Logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Addr is the listen address.
func (s *Server) Addr() string { return s.addr }

// Handler returns the routes served by the monitor.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", metrics.Collector.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","clients":%d}`, s.ClientCount())
	})
	mux.HandleFunc(s.path, s.handleUpgrade)
	return mux
}

// Start serves until ctx is cancelled, then closes all clients.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("monitor starting", "addr", s.addr, "ws", s.path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("monitor listen %s: %w", s.addr, err)
	}
}

// Broadcast is a bus subscriber that fans ev out to every client.
func (s *Server) Broadcast(ev domain.StatusEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if err := c.send(ev.Seq, data); err != nil {
			s.logger.Debug("websocket write failed", "err", err)
		}
	}
}

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{conn: conn}

	// Hold the client lock across registration and replay so live events
	// queue behind the history.
	client.mu.Lock()
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	metrics.MonitorClients.Inc()
	if s.history != nil {
		for _, ev := range s.history() {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				break
			}
			client.replayed = max(client.replayed, ev.Seq)
		}
	}
	client.mu.Unlock()

	s.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		metrics.MonitorClients.Dec()
		conn.Close()
		s.logger.Debug("websocket client disconnected", "remote", r.RemoteAddr)
	}()

	// The feed is one-way; reading only detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "err", err)
			}
			return
		}
	}
}

// send writes one live event, skipping it when the history replay
// already delivered it.
func (c *wsClient) send(seq uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != 0 && seq <= c.replayed {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) closeAllClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.conn.Close()
		delete(s.clients, c)
	}
}
