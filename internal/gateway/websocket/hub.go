// Package websocket provides the WebSocket gateway that carries the desktop
// protocol between connected UIs and the session broker.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/pkg/protocol"
)

// Hub manages all WebSocket client connections and their session bindings.
type Hub struct {
	// All registered clients, keyed by connection ID
	clients map[string]*Client

	// Clients grouped by the session they are bound to
	sessions map[string]map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Channel for fan-out to every connected client
	broadcast chan *protocol.Message

	// Message dispatcher
	dispatcher *protocol.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(dispatcher *protocol.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		sessions:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *protocol.Message, 256),
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("connection_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

// closeAllClients closes all client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, client := range h.clients {
		close(client.send)
		delete(h.clients, id)
	}
	h.sessions = make(map[string]map[*Client]bool)
}

// removeClient removes a client from the hub and its session group.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.send)

	if client.sessionID != "" {
		if clients, ok := h.sessions[client.sessionID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.sessions, client.sessionID)
			}
		}
	}
	h.logger.Debug("Client unregistered",
		zap.String("connection_id", client.ID),
		zap.String("session_id", client.sessionID))
}

// broadcastMessage sends a message to every connected client.
func (h *Hub) broadcastMessage(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	dropped := h.sendToClientsLocked(data, h.clients)
	h.mu.RUnlock()

	h.dropClients(dropped)
}

// sendToClientsLocked enqueues data on each client, returning the clients
// whose buffers were full. Callers must hold at least a read lock; the lock
// is what excludes a concurrent close of the send channels.
func (h *Hub) sendToClientsLocked(data []byte, clients map[string]*Client) []*Client {
	var dropped []*Client
	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			dropped = append(dropped, client)
		}
	}
	return dropped
}

// dropClients unregisters clients that could not keep up. A stalled
// connection must not hold back the rest of its session.
func (h *Hub) dropClients(dropped []*Client) {
	for _, client := range dropped {
		h.logger.Warn("Dropping slow client",
			zap.String("connection_id", client.ID),
			zap.String("session_id", client.sessionID))
		go h.Unregister(client)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe binds a client to a session so session-scoped events reach it.
func (h *Hub) Subscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bindLocked(client, sessionID)
}

// Rebind moves a connection onto another session, dropping its current
// binding. Returns false when the connection is unknown.
func (h *Hub) Rebind(connectionID, sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connectionID]
	if !ok {
		return false
	}
	h.bindLocked(client, sessionID)
	return true
}

func (h *Hub) bindLocked(client *Client, sessionID string) {
	if client.sessionID != "" {
		if clients, ok := h.sessions[client.sessionID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.sessions, client.sessionID)
			}
		}
	}
	client.sessionID = sessionID
	if _, ok := h.sessions[sessionID]; !ok {
		h.sessions[sessionID] = make(map[*Client]bool)
	}
	h.sessions[sessionID][client] = true

	h.logger.Debug("Client bound to session",
		zap.String("connection_id", client.ID),
		zap.String("session_id", sessionID))
}

// Unsubscribe detaches a client from its session without closing it.
func (h *Hub) Unsubscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.sessionID == "" {
		return
	}
	if clients, ok := h.sessions[client.sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessions, client.sessionID)
		}
	}
	client.sessionID = ""
}

// Broadcast queues a notification for every connected client.
func (h *Hub) Broadcast(msg *protocol.Message) {
	h.broadcast <- msg
}

// PublishToConnection sends a message to a single connection. Returns false
// when the connection is unknown or its buffer is full.
func (h *Hub) PublishToConnection(connectionID string, msg *protocol.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return false
	}

	h.mu.RLock()
	client, ok := h.clients[connectionID]
	var dropped []*Client
	if ok {
		select {
		case client.send <- data:
		default:
			dropped = append(dropped, client)
			ok = false
		}
	}
	h.mu.RUnlock()

	h.dropClients(dropped)
	return ok
}

// PublishToSession sends a message to every connection bound to a session and
// returns the number of connections it reached.
func (h *Hub) PublishToSession(sessionID string, msg *protocol.Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	var dropped []*Client
	delivered := 0
	for client := range h.sessions[sessionID] {
		select {
		case client.send <- data:
			delivered++
		default:
			dropped = append(dropped, client)
		}
	}
	h.mu.RUnlock()

	h.dropClients(dropped)
	return delivered
}

// CloseSessionConnections force-closes every connection bound to a session.
// Used on session retirement.
func (h *Hub) CloseSessionConnections(sessionID string) {
	h.mu.Lock()
	clients := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	for client := range clients {
		if _, ok := h.clients[client.ID]; ok {
			delete(h.clients, client.ID)
			close(client.send)
		}
	}
	h.mu.Unlock()

	if len(clients) > 0 {
		h.logger.Debug("Session connections closed",
			zap.String("session_id", sessionID),
			zap.Int("count", len(clients)))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionConnectionCount returns the number of connections bound to a session.
func (h *Hub) SessionConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Dispatcher returns the message dispatcher.
func (h *Hub) Dispatcher() *protocol.Dispatcher {
	return h.dispatcher
}
