package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"marketrush/internal/feed"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The CLI dials from arbitrary hosts; auth happens before upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	tables map[string]bool
}

func (c *wsClient) wants(table string) bool {
	return len(c.tables) == 0 || c.tables[table]
}

// Hub relays change-feed events to websocket subscribers. One redis
// subscription fans out to every connected client, filtered by the
// tables each requested.
type Hub struct {
	log        *slog.Logger
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan feed.Event
	clients    map[*wsClient]bool
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:        logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan feed.Event, 64),
		clients:    make(map[*wsClient]bool),
	}
}

// Run owns the client set until the context ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
		case ev := <-h.broadcast:
			payload, err := ev.Encode()
			if err != nil {
				h.log.Warn("cannot encode feed event", "table", ev.Table, "err", err)
				continue
			}
			for c := range h.clients {
				if !c.wants(ev.Table) {
					continue
				}
				select {
				case c.send <- payload:
				default:
					// Slow consumer; drop it rather than stall the hub.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Forward is the subscriber handler feeding the hub.
func (h *Hub) Forward(ev feed.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("feed broadcast buffer full, dropping event", "table", ev.Table, "row_id", ev.RowID())
	}
}

// ServeWS upgrades the request and streams matching events. Tables come
// from the `tables` query parameter, comma separated; empty means all.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	tables := make(map[string]bool)
	for _, t := range strings.Split(r.URL.Query().Get("tables"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tables[t] = true
		}
	}
	c := &wsClient{conn: conn, send: make(chan []byte, 32), tables: tables}
	h.register <- c

	go c.writePump()
	go c.readPump(h)
}

func (c *wsClient) writePump() {
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

// readPump discards inbound frames; the feed is one-way. It exists to
// notice closes and keep pong handling alive.
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
