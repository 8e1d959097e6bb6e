package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raaihank/datamask/internal/lifecycle"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeFile carries a lifecycle.Event
	EventTypeFile EventType = "file"
	// EventTypeConnection confirms a new connection
	EventTypeConnection EventType = "connection"
	// EventTypeSubscribed acknowledges a subscription change
	EventTypeSubscribed EventType = "subscribed"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ConnectionEvent is sent to a client once it is registered
type ConnectionEvent struct {
	ClientID     string       `json:"client_id"`
	Subscription Subscription `json:"subscription"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Subscription narrows the file events a client receives. Empty fields
// match everything. A file id also matches the members of that archive.
type Subscription struct {
	FileIDs []int64 `json:"file_ids,omitempty"`
	Owner   string  `json:"owner,omitempty"`
}

func (s Subscription) matches(e lifecycle.Event) bool {
	if s.Owner != "" && s.Owner != e.Owner {
		return false
	}
	if len(s.FileIDs) == 0 {
		return true
	}
	for _, id := range s.FileIDs {
		if id == e.FileID || (e.ParentArchiveID != nil && *e.ParentArchiveID == id) {
			return true
		}
	}
	return false
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	mu           sync.RWMutex
	subscription Subscription
}

func (c *Client) setSubscription(s Subscription) {
	c.mu.Lock()
	c.subscription = s
	c.mu.Unlock()
}

func (c *Client) wants(event Event) bool {
	fileEvent, ok := event.Data.(lifecycle.Event)
	if !ok {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscription.matches(fileEvent)
}
