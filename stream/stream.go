// Package stream serves finished telemetry reports to WebSocket clients in
// real time, for dashboards that want results without polling the store.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/cartelemetry/errors"
	"github.com/c360/cartelemetry/pkg/bundle"
)

// Defaults for the stream server.
const (
	DefaultPort = 8093
	DefaultPath = "/stream"

	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
)

// Envelope wraps every message sent to a client.
type Envelope struct {
	Type      string          `json:"type"`
	Config    string          `json:"config,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Options configures a Server.
type Options struct {
	Port   int
	Path   string
	Logger *slog.Logger
}

// Server is a WebSocket fan-out for final reports. Broadcast is wired as
// the broker's final-result hook.
type Server struct {
	port   int
	path   string
	logger *slog.Logger

	server   *http.Server
	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]*client

	started  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// client is one connected consumer. The write mutex serializes writes;
// gorilla panics on concurrent writes to the same connection.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewServer creates a stream server. Zero options pick defaults.
func NewServer(opts Options) *Server {
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		port:   opts.Port,
		path:   opts.Path,
		logger: opts.Logger.With("component", "stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]*client),
		shutdown: make(chan struct{}),
	}
}

// Start launches the HTTP server and the client keepalive loop.
func (s *Server) Start(_ context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.runServer()
	go s.pingLoop()

	s.logger.Info("stream server listening", "port", s.port, "path", s.path)
	return nil
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.started.Load() {
		return nil
	}
	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.server.Shutdown(ctx)

	s.clientsMu.Lock()
	for conn, c := range s.clients {
		c.closed.Store(true)
		_ = conn.Close()
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	s.wg.Wait()
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown HTTP server")
	}
	return nil
}

// ClientCount returns the number of connected consumers.
func (s *Server) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// Broadcast sends one final report to every connected client. Clients that
// fail the write are dropped.
func (s *Server) Broadcast(configName string, final *bundle.Bundle) {
	payload, err := json.Marshal(final)
	if err != nil {
		s.logger.Warn("cannot encode final report", "config", configName, "error", err)
		return
	}
	s.broadcast("final_report", configName, payload)
}

// BroadcastError fans out a script error record to every connected client.
func (s *Server) BroadcastError(configName, kind, message, trace string) {
	payload, err := json.Marshal(map[string]string{
		"kind":    kind,
		"message": message,
		"trace":   trace,
	})
	if err != nil {
		s.logger.Warn("cannot encode script error", "config", configName, "error", err)
		return
	}
	s.broadcast("script_error", configName, payload)
}

func (s *Server) broadcast(envType, configName string, payload json.RawMessage) {
	data, err := json.Marshal(Envelope{
		Type:      envType,
		Config:    configName,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		s.logger.Warn("cannot encode envelope", "config", configName, "error", err)
		return
	}

	for conn, c := range s.snapshot() {
		if err := c.write(websocket.TextMessage, data); err != nil {
			s.removeClient(conn, c)
		}
	}
}

func (s *Server) snapshot() map[*websocket.Conn]*client {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	out := make(map[*websocket.Conn]*client, len(s.clients))
	for conn, c := range s.clients {
		if !c.closed.Load() {
			out[conn] = c
		}
	}
	return out
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (s *Server) runServer() {
	defer s.wg.Done()
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("stream server failed", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{conn: conn}
	s.clientsMu.Lock()
	s.clients[conn] = c
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("stream client connected", "remote", r.RemoteAddr, "clients", count)

	s.wg.Add(1)
	go s.readLoop(conn, c)
}

// readLoop drains and discards client frames so pings are answered and
// closes are noticed. Clients never send application data.
func (s *Server) readLoop(conn *websocket.Conn, c *client) {
	defer s.wg.Done()
	defer s.removeClient(conn, c)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn, c *client) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	s.clientsMu.Lock()
	delete(s.clients, conn)
	s.clientsMu.Unlock()
	_ = conn.Close()
}

func (s *Server) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			for conn, c := range s.snapshot() {
				if err := c.write(websocket.PingMessage, nil); err != nil {
					s.removeClient(conn, c)
				}
			}
		}
	}
}
