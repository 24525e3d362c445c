// Package gateway pushes bus events to browsers over a websocket. Clients
// subscribe to individual video IDs; events without a video ID are global and
// go to every connected client.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/vodforge/transcode-api/events"
	"github.com/vodforge/transcode-api/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The HTTP API is open to any origin, so the socket is too.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientCommand is what clients send upstream.
type clientCommand struct {
	Type    string `json:"type"`
	VideoID string `json:"videoId"`
}

// envelope is what the gateway sends downstream.
type envelope struct {
	Type  string       `json:"type"`
	Event events.Event `json:"event"`
}

type Hub struct {
	bus *events.Bus

	mu      sync.Mutex
	clients map[*client]bool
}

func NewHub(bus *events.Bus) *Hub {
	return &Hub{bus: bus, clients: map[*client]bool{}}
}

// Run consumes the event bus until ctx is cancelled, fanning each event out
// to the clients that want it.
func (h *Hub) Run(ctx context.Context) error {
	ch, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev events.Event) {
	kind := "video-event"
	if ev.VideoID == "" {
		kind = "global-event"
	}
	payload, err := json.Marshal(envelope{Type: kind, Event: ev})
	if err != nil {
		log.LogError(ev.VideoID, "error encoding websocket event", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if ev.VideoID != "" && !c.subscribed(ev.VideoID) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Slow consumer. Drop the connection rather than the event stream.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Handle upgrades the request and serves the connection until either side
// closes it.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.LogNoVideoID("error upgrading websocket", "err", err)
		return
	}
	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{},
	}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump(h)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
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

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]bool
}

func (c *client) subscribed(videoID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[videoID]
}

// readPump consumes subscribe and unsubscribe commands until the connection
// drops. Malformed commands are ignored.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(message, &cmd); err != nil || cmd.VideoID == "" {
			continue
		}
		c.mu.Lock()
		switch cmd.Type {
		case "subscribe":
			c.subs[cmd.VideoID] = true
		case "unsubscribe":
			delete(c.subs, cmd.VideoID)
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
