// Package server provides HTTP and WebSocket server infrastructure for the
// storage card agent. Connected clients receive selection outcomes, memory
// snapshots and transaction results as JSON messages.
package server

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/dotside-studios/storagecard-agent/card"
)

// WebsocketMessage represents a message sent to WebSocket clients.
type WebsocketMessage struct {
	ID      string `json:"id,omitempty"` // Server-generated message ID for correlation
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Config holds the server configuration
type Config struct {
	Port       int
	APISecret  string // Optional API secret for WebSocket connection
	EnableMDNS bool   // Register the agent for auto-discovery
}

// Server manages the HTTP and WebSocket server
type Server struct {
	config     Config
	httpServer *http.Server

	// Client WebSocket management
	clients    map[*websocket.Conn]string // conn -> client ID
	clientsMux sync.RWMutex
	upgrader   websocket.Upgrader

	// Last broadcast selection, served to late-joining clients
	lastSelection *WebsocketMessage
	lastMux       sync.RWMutex

	// mDNS service for auto-discovery
	mdnsServer *zeroconf.Server
}

// New creates a new server instance
func New(config Config) *Server {
	return &Server{
		config:  config,
		clients: make(map[*websocket.Conn]string),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}
}

// clientCount returns the number of connected WebSocket clients.
func (s *Server) clientCount() int {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()
	return len(s.clients)
}

// broadcast sends a message to all connected clients
func (s *Server) broadcast(message *WebsocketMessage) {
	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()

	for client, id := range s.clients {
		if err := client.WriteJSON(message); err != nil {
			log.Printf("WebSocket write error for client %s: %v", id, err)
			client.Close()
			delete(s.clients, client)
		}
	}
}

// BroadcastSelection sends a selection outcome to all connected clients.
func (s *Server) BroadcastSelection(outcome *card.SelectionOutcome) {
	payload := map[string]any{
		"kind":      outcome.Kind.String(),
		"candidate": outcome.Candidate,
	}
	switch outcome.Kind {
	case card.KindFileBasedCard:
		payload["serialNumber"] = hex.EncodeToString(outcome.FileBased.SerialNumber)
		payload["prefetchedRecord"] = hex.EncodeToString(outcome.FileBased.PrefetchedRecord)
	case card.KindStorageCard:
		payload["blockSize"] = outcome.Storage.Profile.BlockSize
		payload["blockCount"] = outcome.Storage.Profile.BlockCount
	}

	msg := &WebsocketMessage{
		ID:      uuid.New().String(),
		Type:    WSMessageTypeSelection,
		Payload: payload,
	}

	s.lastMux.Lock()
	s.lastSelection = msg
	s.lastMux.Unlock()

	s.broadcast(msg)
}

// BroadcastMemory sends a full memory snapshot to all connected clients.
func (s *Server) BroadcastMemory(image *card.MemoryImage) {
	content, err := image.Blocks(0, image.BlockCount()-1)
	if err != nil {
		log.Printf("Failed to flatten memory image: %v", err)
		return
	}
	s.broadcast(&WebsocketMessage{
		ID:   uuid.New().String(),
		Type: WSMessageTypeMemory,
		Payload: map[string]any{
			"blockSize":  image.BlockSize(),
			"blockCount": image.BlockCount(),
			"content":    hex.EncodeToString(content),
		},
	})
}

// BroadcastTransactionResult sends the result of a transaction batch. A nil
// err reports success.
func (s *Server) BroadcastTransactionResult(err error) {
	payload := map[string]any{"success": err == nil}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.broadcast(&WebsocketMessage{
		ID:      uuid.New().String(),
		Type:    WSMessageTypeTransaction,
		Payload: payload,
	})
}

// enableCORS is a middleware that adds CORS headers to responses
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// handler builds the HTTP routes.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok"}`)
	}))
	return mux
}

// handleWebSocket upgrades HTTP connections to WebSocket connections and
// manages the client connection lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
	w.Header().Set("Access-Control-Allow-Credentials", "true")

	// Validate optional API secret if configured
	if s.config.APISecret != "" {
		if r.URL.Query().Get("secret") != s.config.APISecret {
			log.Printf("WebSocket connection rejected: invalid API secret")
			http.Error(w, "Unauthorized: Invalid API secret", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	clientID := uuid.New().String()
	s.clientsMux.Lock()
	s.clients[conn] = clientID
	s.clientsMux.Unlock()
	log.Printf("WebSocket client connected: %s", clientID)

	// Replay the last selection so late joiners see the current card.
	s.lastMux.RLock()
	last := s.lastSelection
	s.lastMux.RUnlock()
	if last != nil {
		conn.WriteJSON(last)
	}

	// Drain incoming frames until the client goes away.
	go func() {
		defer func() {
			s.clientsMux.Lock()
			delete(s.clients, conn)
			s.clientsMux.Unlock()
			conn.Close()
			log.Printf("WebSocket client disconnected: %s", clientID)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// startMDNS registers the agent as an mDNS service for auto-discovery
func (s *Server) startMDNS() error {
	txtRecords := []string{
		"version=1.0",
		"protocol=websocket",
		"path=/ws",
	}

	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, s.config.Port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	s.mdnsServer = server
	log.Printf("mDNS service registered: %s on port %d", MDNSServiceName, s.config.Port)
	return nil
}

// Start starts the HTTP server and begins handling requests. It blocks
// until Stop is called or the listener fails.
func (s *Server) Start() error {
	if s.config.EnableMDNS {
		if err := s.startMDNS(); err != nil {
			log.Printf("mDNS registration failed: %v", err)
		}
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("Server listening on port %d", s.config.Port)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts down the HTTP server and unregisters the mDNS service.
func (s *Server) Stop() {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
	}
	if s.httpServer != nil {
		if err := s.httpServer.Close(); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		s.httpServer = nil
	}

	s.clientsMux.Lock()
	for client := range s.clients {
		client.Close()
		delete(s.clients, client)
	}
	s.clientsMux.Unlock()
}
