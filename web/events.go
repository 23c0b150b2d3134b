package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultMaxEventClients = 16
	eventBuffer            = 32
	writeWait              = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local control surface
	},
}

// Event is one entry of the live event stream.
type Event struct {
	Type     string            `json:"type"`
	Command  string            `json:"command,omitempty"`
	Status   map[string]string `json:"status,omitempty"`
	Detected *bool             `json:"detected,omitempty"`
	Message  string            `json:"message,omitempty"`
	Time     int64             `json:"time"`
}

type eventClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *eventClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// EventHub fans events out to websocket clients. Slow clients lose events
// instead of holding up the rest.
type EventHub struct {
	mu         sync.RWMutex
	clients    map[string]*eventClient
	maxClients int
	closed     bool
}

func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[string]*eventClient),
		maxClients: DefaultMaxEventClients,
	}
}

func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to encode event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		select {
		case c.send <- data:
		default:
			slog.Warn("Dropped event for slow client", "client", id)
		}
	}
}

func (h *EventHub) add(c *eventClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) >= h.maxClients {
		return false
	}
	h.clients[c.id] = c
	return true
}

func (h *EventHub) remove(c *eventClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
}

func (h *EventHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*eventClient)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// HandleEvents upgrades to a websocket and streams events until the client
// goes away.
func (w *WebClient) HandleEvents(wr http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(wr, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	c := &eventClient{
		id:   "ws-" + uuid.NewString(),
		conn: conn,
		send: make(chan []byte, eventBuffer),
		done: make(chan struct{}),
	}
	if !w.events.add(c) {
		slog.Warn("Max event clients reached, rejecting connection", "remote_addr", r.RemoteAddr)
		conn.Close()
		return
	}
	slog.Info("Event client connected", "addr", r.RemoteAddr, "id", c.id)

	go w.events.writePump(c)
	w.events.readPump(c)
	slog.Info("Event client disconnected", "addr", r.RemoteAddr, "id", c.id)
}

// readPump discards client frames and notices when the client leaves.
func (h *EventHub) readPump(c *eventClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Event client connection error", "id", c.id, "error", err)
			}
			return
		}
	}
}

func (h *EventHub) writePump(c *eventClient) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("Event write failed", "id", c.id, "error", err)
				h.remove(c)
				return
			}
		}
	}
}
