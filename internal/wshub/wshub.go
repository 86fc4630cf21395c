// Package wshub fans live Transfer events out to websocket clients. It
// implements the tailer's Sink contract: delivery is best-effort and
// one-way — a slow or gone client is dropped from the registry and
// never blocks the caller.
package wshub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/emmick4/eth-event-indexer/internal/store"
)

const (
	clientSendBuffer = 16
	writeTimeout     = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub tracks connected websocket clients and broadcasts to them.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan store.TransferEvent
}

// New constructs an empty Hub.
func New() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// ServeHTTP upgrades the connection and registers it with the hub
// until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("wshub: upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan store.TransferEvent, clientSendBuffer)}
	h.register(c)
	defer h.unregister(c)

	go c.writeLoop()

	// The hub doesn't expect inbound messages; draining reads is the
	// documented way to notice the peer closing the connection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
	c.conn.Close()
}

// Broadcast is the tailer.Sink this hub exposes: fan the event out to
// every connected client without blocking on any single one.
func (h *Hub) Broadcast(event store.TransferEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			// Backpressure: the client isn't draining fast enough.
			// Drop it rather than block the rest of the fan-out.
			delete(h.clients, c)
			close(c.send)
			go c.conn.Close()
		}
	}
	return nil
}

func (c *client) writeLoop() {
	for event := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		payload, err := json.Marshal(event)
		if err != nil {
			log.Error().Err(err).Msg("wshub: marshal event failed")
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
