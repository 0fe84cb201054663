// Package dashboard exposes a local WebSocket server broadcasting sync state.
//
// Observers on the device (debug tooling, a desktop tray widget) connect to
// /ws and receive queue and sync status updates as they happen, without
// polling the CLI.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/boxkite-io/boxkite/internal/syncer"
	"github.com/coder/websocket"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeStatus carries the full derived sync status.
	MessageTypeStatus MessageType = "status"

	// MessageTypeActionUpdate indicates a queue mutation (enqueue,
	// delivery, failure, discard).
	MessageTypeActionUpdate MessageType = "action_update"

	// MessageTypeSyncComplete indicates a drain pass finished.
	MessageTypeSyncComplete MessageType = "sync_complete"
)

// Message is one dashboard broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ActionUpdateData describes a queue mutation.
type ActionUpdateData struct {
	ActionID int64  `json:"action_id"`
	Resource string `json:"resource"`
	Change   string `json:"change"` // enqueued, delivered, failed, discarded
}

// SyncCompleteData describes a finished drain pass.
type SyncCompleteData struct {
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"duration"`
}

// StatusSource supplies the current derived status for /status and for
// status broadcasts. Satisfied by the sync engine.
type StatusSource interface {
	Status(ctx context.Context) (syncer.Status, error)
}

// Server manages WebSocket connections and broadcasts sync messages.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	status   StatusSource

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8490).
	Port int

	// Logger for server activity (default: log.Default()).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8490,
		Logger: log.Default(),
	}
}

// NewServer creates a dashboard server over the given status source.
func NewServer(status StatusSource, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf("127.0.0.1:%d", config.Port),
		status:    status,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins serving. It binds the listener synchronously so port errors
// surface to the caller, then serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Dashboard server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("dashboard shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Broadcast sends a message to all connected clients. Never blocks: the
// message is dropped if the channel is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// BroadcastStatus captures the current status and broadcasts it.
func (s *Server) BroadcastStatus(ctx context.Context) {
	st, err := s.status.Status(ctx)
	if err != nil {
		s.logger.Printf("Failed to read status for broadcast: %v", err)
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		s.logger.Printf("Failed to marshal status: %v", err)
		return
	}
	s.Broadcast(Message{Type: MessageTypeStatus, Data: data})
}

// BroadcastActionUpdate reports a queue mutation to connected clients.
func (s *Server) BroadcastActionUpdate(update ActionUpdateData) {
	data, err := json.Marshal(update)
	if err != nil {
		s.logger.Printf("Failed to marshal action update: %v", err)
		return
	}
	s.Broadcast(Message{Type: MessageTypeActionUpdate, Data: data})
}

// BroadcastSyncComplete reports a finished drain pass to connected clients.
func (s *Server) BroadcastSyncComplete(result SyncCompleteData) {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Printf("Failed to marshal sync result: %v", err)
		return
	}
	s.Broadcast(Message{Type: MessageTypeSyncComplete, Data: data})
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the read lock so a slow client
			// does not block broadcasts.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // local-only listener
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Dashboard client connected (total: %d)", clientCount)

	// Greet the client with the current status.
	s.BroadcastStatus(r.Context())

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and notices client disconnects.
// Client messages are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Dashboard client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": clientCount,
	})
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
