// Package websocket pushes file lifecycle events to connected clients.
package websocket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/lifecycle"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub maintains the set of active clients and fans file events out to them
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	logger     *zap.Logger

	mu    sync.RWMutex
	stats HubStats
}

// HubStats tracks WebSocket hub statistics
type HubStats struct {
	TotalConnections  int64     `json:"total_connections"`
	ActiveConnections int64     `json:"active_connections"`
	TotalMessages     int64     `json:"total_messages"`
	DroppedEvents     int64     `json:"dropped_events"`
	LastBroadcastTime time.Time `json:"last_broadcast_time"`
}

// NewHub creates a new WebSocket hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run handles registrations and broadcasts until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket hub")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

// FileChanged forwards a lifecycle event; it never blocks the caller
func (h *Hub) FileChanged(e lifecycle.Event) {
	h.BroadcastEvent(Event{
		Type:      EventTypeFile,
		Timestamp: time.Now(),
		Data:      e,
	})
}

// BroadcastEvent queues an event for every interested client
func (h *Hub) BroadcastEvent(event Event) {
	select {
	case h.broadcast <- event:
	default:
		h.mu.Lock()
		h.stats.DroppedEvents++
		h.mu.Unlock()
		h.logger.Warn("Broadcast channel full, dropping event",
			zap.String("event_type", string(event.Type)))
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.stats.TotalConnections++
	h.stats.ActiveConnections++
	active := h.stats.ActiveConnections
	h.mu.Unlock()

	h.logger.Info("Client connected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int64("active_connections", active))

	client.mu.RLock()
	subscription := client.subscription
	client.mu.RUnlock()
	client.Send <- Event{
		Type:      EventTypeConnection,
		Timestamp: time.Now(),
		Data:      ConnectionEvent{ClientID: client.ID, Subscription: subscription},
	}
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.Send)
	h.stats.ActiveConnections--

	h.logger.Info("Client disconnected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int64("active_connections", h.stats.ActiveConnections))
}

func (h *Hub) broadcastEvent(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.LastBroadcastTime = time.Now()
	for client := range h.clients {
		if !client.wants(event) {
			continue
		}
		select {
		case client.Send <- event:
			h.stats.TotalMessages++
		default:
			// Slow consumer; its writer notices the closed channel and hangs up
			delete(h.clients, client)
			close(client.Send)
			h.stats.ActiveConnections--
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.Send)
	}
	h.stats.ActiveConnections = 0
}

// HandleWebSocket upgrades the request. The query parameters "file"
// (repeatable) and "owner" set the initial subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	subscription, err := parseSubscription(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:           uuid.NewString(),
		Conn:         conn,
		Send:         make(chan Event, 256),
		ConnectedAt:  time.Now(),
		IP:           clientIP(r),
		UserAgent:    r.UserAgent(),
		subscription: subscription,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go h.handleClientWrite(client)
	go h.handleClientRead(client)
}

// handleClientWrite handles writing messages to the client
func (h *Hub) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteJSON(event); err != nil {
				h.logger.Debug("Failed to write WebSocket message",
					zap.String("client_id", client.ID),
					zap.Error(err))
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientRead handles subscription changes and pings from the client
func (h *Hub) handleClientRead(client *Client) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ClientMessage
		if err := client.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket error",
					zap.String("client_id", client.ID),
					zap.Error(err))
			}
			return
		}
		h.handleClientMessage(client, msg)
	}
}

func (h *Hub) handleClientMessage(client *Client, msg ClientMessage) {
	var reply Event
	switch msg.Type {
	case "subscribe":
		var subscription Subscription
		if err := json.Unmarshal(msg.Data, &subscription); err != nil {
			h.logger.Debug("Ignoring malformed subscription",
				zap.String("client_id", client.ID), zap.Error(err))
			return
		}
		client.setSubscription(subscription)
		reply = Event{Type: EventTypeSubscribed, Timestamp: time.Now(), Data: subscription}
	case "ping":
		reply = Event{Type: EventTypePong, Timestamp: time.Now(), Data: map[string]string{"message": "pong"}}
	default:
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	// Send is closed once the client is no longer registered
	if h.clients[client] {
		select {
		case client.Send <- reply:
		default:
		}
	}
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

func parseSubscription(r *http.Request) (Subscription, error) {
	query := r.URL.Query()
	subscription := Subscription{Owner: query.Get("owner")}
	for _, raw := range query["file"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Subscription{}, err
		}
		subscription.FileIDs = append(subscription.FileIDs, id)
	}
	return subscription, nil
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
