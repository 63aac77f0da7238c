package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/klingon-htlcd/pkg/logging"
)

// WebSocket configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 4096
	wsSendBuffer = 256
)

// EventType represents the type of WebSocket event.
type EventType string

const (
	// Tick events
	EventTickStep     EventType = "tick_step"
	EventTickFinished EventType = "tick_finished"
	EventTickFailed   EventType = "tick_failed"

	// Task events
	EventTaskAdded EventType = "task_added"
)

// WSEvent is a WebSocket event message.
type WSEvent struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// WSSubscription represents a subscription request.
type WSSubscription struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Events []string `json:"events"`
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[EventType]bool
	mu            sync.RWMutex
	hub           *WSHub
}

// subscribed reports whether the client wants events of type t. A client
// with no subscriptions receives everything.
func (c *WSClient) subscribed(t EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

// WSHub manages all WebSocket connections.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan *WSEvent
	register   chan *WSClient
	unregister chan *WSClient
	quit       chan struct{}
	stopOnce   sync.Once
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(log *logging.Logger) *WSHub {
	if log == nil {
		log = logging.Nop()
	}
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan *WSEvent, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		quit:       make(chan struct{}),
		log:        log.Component("ws"),
	}
}

// Run starts the hub event loop. It returns after Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client connected", "clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client disconnected", "clients", n)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("Failed to marshal event", "error", err)
				continue
			}

			var slow []*WSClient
			h.mu.RLock()
			for client := range h.clients {
				if !client.subscribed(event.Type) {
					continue
				}
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
				h.log.Warn("Dropped slow WebSocket clients", "count", len(slow))
			}
		}
	}
}

// Stop ends Run and disconnects every client.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Broadcast sends an event to all subscribed clients.
func (h *WSHub) Broadcast(eventType EventType, data interface{}) {
	event := &WSEvent{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("Broadcast channel full, dropping event", "type", eventType)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWS handles WebSocket connections.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn:          conn,
		send:          make(chan []byte, wsSendBuffer),
		subscriptions: make(map[EventType]bool),
		hub:           s.wsHub,
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.quit:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription messages from the connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "error", err)
			}
			break
		}

		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

// writePump writes queued events to the connection, one JSON object per
// frame.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleSubscription processes subscription requests.
func (c *WSClient) handleSubscription(sub *WSSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, eventStr := range sub.Events {
		eventType := EventType(eventStr)
		switch sub.Action {
		case "subscribe":
			c.subscriptions[eventType] = true
		case "unsubscribe":
			delete(c.subscriptions, eventType)
		}
	}
}
