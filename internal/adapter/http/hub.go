package adapthttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket" //nolint:staticcheck // maintained fork is github.com/coder/websocket

	"weighsplit/internal/domain"
)

// ErrHubBusy is returned when the broadcast queue is full.
var ErrHubBusy = errors.New("websocket broadcast queue full")

// Hub streams notifications to connected websocket clients. It implements
// domain.Notifier.
type Hub struct {
	log            *slog.Logger
	originPatterns []string

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	done       chan struct{}
	clients    atomic.Int64
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

var _ domain.Notifier = (*Hub)(nil)

// NewHub creates a hub. originPatterns lists the hosts allowed to connect
// cross-origin; same-origin clients are always accepted. Call Run to start it.
func NewHub(logger *slog.Logger, originPatterns ...string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:            logger,
		originPatterns: originPatterns,
		register:       make(chan *wsClient),
		unregister:     make(chan *wsClient),
		broadcast:      make(chan []byte, 256),
		done:           make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*wsClient]struct{})
	defer func() {
		for c := range clients {
			close(c.send)
		}
		h.clients.Store(0)
		close(h.done)
	}()

	for {
		select {
		case c := <-h.register:
			clients[c] = struct{}{}
			h.clients.Store(int64(len(clients)))
			h.log.Debug("websocket client connected", "clients", len(clients))

		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
			}
			h.clients.Store(int64(len(clients)))
			h.log.Debug("websocket client disconnected", "clients", len(clients))

		case msg := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer; drop it.
					delete(clients, c)
					close(c.send)
				}
			}
			h.clients.Store(int64(len(clients)))

		case <-ctx.Done():
			return
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

// Notify implements domain.Notifier by queueing n for every client.
func (h *Hub) Notify(_ context.Context, n domain.Notification) error {
	data, err := json.Marshal(map[string]any{"type": "new_person", "notification": n})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
		return nil
	case <-h.done:
		return nil
	default:
		return ErrHubBusy
	}
}

// ServeHTTP upgrades the request and attaches the client to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 16)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *wsClient) {
	defer c.conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck

	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			h.log.Debug("websocket write failed", "error", err)
			h.leave(c)
			return
		}
	}
}

// readPump drains client messages to notice disconnects.
func (h *Hub) readPump(c *wsClient) {
	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil {
			h.leave(c)
			return
		}
	}
}

func (h *Hub) leave(c *wsClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
