package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/coderoom/internal/logger"
	"github.com/codefionn/coderoom/internal/registry"
)

// Server exposes the WebSocket endpoint and owns the hub
type Server struct {
	addr       string
	httpServer *http.Server
	handler    Handler
	hub        *Hub
	debug      bool
}

// NewServer creates a server dispatching traffic to reg. The hub is
// handed back to the registry as its broadcaster.
func NewServer(addr string, reg *registry.Registry, debug bool) *Server {
	hub := NewHub(nil)
	handler := NewDispatcher(reg, hub)
	hub.onDisconnect = handler.HandleDisconnect
	reg.SetBroadcaster(hub)
	return &Server{
		addr:    addr,
		handler: handler,
		hub:     hub,
		debug:   debug,
	}
}

// Hub returns the server's fan-out hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return s.addr
}

// Start starts the hub and the HTTP server
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:        s.addr,
		Handler:     mux,
		ReadTimeout: 60 * time.Second,
	}

	go s.hub.Run()

	go func() {
		logger.Info("Server listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server and the hub
func (s *Server) Stop() error {
	logger.Info("Stopping server...")

	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

// handleWebSocket upgrades a connection and starts its pumps
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade WebSocket: %v", err)
		return
	}

	client := NewClient(s.hub, conn, s.handler, s.debug)
	s.hub.Register(client)

	logger.Info("User connected: %s", client.ID)

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ok %d clients\n", s.hub.ClientCount())
}
