// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package diag

import (
	"context"
	"sync"

	"github.com/avolente/stagehand/internal/logging"
)

// Telemetry message types pushed over the websocket stream.
const (
	MessageTypeHealth    = "health_snapshot"
	MessageTypeLifecycle = "lifecycle"
	MessageTypeResponse  = "response"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
)

// Message is one telemetry frame on the websocket stream.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of connected telemetry clients and broadcasts
// messages to them. It implements suture.Service; its Serve loop owns all
// client registration state.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Broadcast queues a message for every connected client. Telemetry is
// best-effort: when the hub's buffer is full the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		logging.Debug().Str("type", msg.Type).Msg("telemetry broadcast dropped, hub buffer full")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// String names the service in suture event logs.
func (h *Hub) String() string {
	return "diag/ws-hub"
}

// Serve runs the hub loop until ctx is canceled, then disconnects every
// client.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		// Lifecycle events take priority over broadcasts so client state
		// is consistent before messages fan out.
		select {
		case c := <-h.register:
			h.addClient(c)
			continue
		case c := <-h.unregister:
			h.removeClient(c)
			continue
		default:
		}

		select {
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case msg := <-h.broadcast:
			h.fanOut(msg)
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	logging.Info().Int("total_clients", total).Msg("telemetry client connected")
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	logging.Info().Int("total_clients", total).Msg("telemetry client disconnected")
}

// fanOut delivers one message to every client, skipping clients whose send
// buffer is full. A stalled client must never stall the hub.
func (h *Hub) fanOut(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
