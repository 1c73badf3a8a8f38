// Package debugsink is a reference render-sink implementation: a
// websocket hub that fans every FrameResult out to connected debug
// viewers as JSON, in the same HTTP+websocket-hub and per-client
// fan-out-with-drop shape used elsewhere in this codebase's server and
// broadcaster code.
package debugsink

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected debug-viewer websocket clients and fans broadcast
// messages out to all of them, dropping slow clients rather than letting
// them back-pressure the whole engine.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]bool
	register chan *client
	unregister chan *client
	broadcast  chan []byte
	logger     *zap.Logger
}

// NewHub builds an unstarted Hub; call Run in its own goroutine.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		logger:     logger,
	}
}

// Run services registration, unregistration, and broadcast events in a
// loop that never returns; there is no way to stop it.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("debugsink: dropping slow client")
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish marshals v to JSON and fans it out to every connected client.
// Errors marshaling v are logged and swallowed, since a debug sink must
// never fail the frame it is merely observing.
func (h *Hub) Publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("debugsink: marshal failed", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("debugsink: broadcast channel full, dropping frame")
	}
}

func (c *client) writePump() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.Close()
}

// readPump drains and discards inbound messages, since this sink is
// publish-only, and unregisters the client once a read fails.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
