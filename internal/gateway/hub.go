package gateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

// ChannelKey is the logical delivery address of a connection: role:userID.
// A customer and a driver with the same physical id land in different
// channels.
func ChannelKey(role models.Role, userID string) string {
	return string(role) + ":" + userID
}

// Client wraps one websocket connection. gorilla allows a single
// concurrent writer, so every send goes through the client's mutex.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *Client) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Client) Close() error { return c.conn.Close() }

// Hub holds this instance's connections grouped by channel. Cross-instance
// reach comes from the backplane, not from the hub.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Client // channel -> connID -> client
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[string]*Client)}
}

func (h *Hub) Add(channel, connID string, conn *websocket.Conn) *Client {
	c := &Client{conn: conn}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[string]*Client)
	}
	h.channels[channel][connID] = c
	return c
}

func (h *Hub) Remove(channel, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.channels, channel)
	}
}

// Deliver writes the message to every local connection in the channel and
// returns how many writes succeeded. Failed connections are left for their
// read loops to tear down.
func (h *Hub) Deliver(channel string, msg interface{}) int {
	h.mu.RLock()
	clients := make([]*Client, 0, 4)
	for _, c := range h.channels[channel] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if err := c.Send(msg); err == nil {
			sent++
		}
	}
	return sent
}

// CloseAll drops every connection, used on process shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel, conns := range h.channels {
		for _, c := range conns {
			_ = c.Close()
		}
		delete(h.channels, channel)
	}
}
