package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/workmesh/exo/exchange"
)

// WebSocket timing per the Gorilla chat example.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// A slow consumer with a full send buffer is dropped rather than
	// allowed to stall the hub.
	clientSendBuffer = 16
	maxClients       = 256
)

// eventMessage is the wire envelope for the /ws/events feed.
type eventMessage struct {
	Type    string                   `json:"type"`
	Payload exchange.AssignmentEvent `json:"payload"`
}

// Hub fans assignment events out to connected WebSocket clients. It is the
// coordinator's Notifier: AssignmentCreated enqueues, the run loop
// delivers.
type Hub struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	events     chan exchange.AssignmentEvent
	ctx        context.Context
	logger     *zap.SugaredLogger

	mu    sync.RWMutex
	count int
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub(ctx context.Context, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     make(chan exchange.AssignmentEvent, 64),
		ctx:        ctx,
		logger:     logger,
	}
}

// AssignmentCreated implements exchange.Notifier. Non-blocking: if the hub
// backlog is full the event is dropped, the registry remains the source of
// truth.
func (h *Hub) AssignmentCreated(event exchange.AssignmentEvent) {
	select {
	case h.events <- event:
	default:
		h.logger.Warnw("Event feed backlog full, dropping event",
			"assignment_id", event.AssignmentID)
	}
}

// run is the hub loop. Exits when the server context is canceled.
func (h *Hub) run() {
	for {
		select {
		case <-h.ctx.Done():
			for client := range h.clients {
				close(client.send)
			}
			return
		case client := <-h.register:
			if len(h.clients) >= maxClients {
				h.logger.Warnw("Client limit reached, rejecting connection")
				close(client.send)
				continue
			}
			h.clients[client] = true
			h.setCount(len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.setCount(len(h.clients))
			}
		case event := <-h.events:
			data, err := json.Marshal(eventMessage{Type: "assignment_created", Payload: event})
			if err != nil {
				h.logger.Errorw("Failed to encode event", "error", err)
				continue
			}
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					delete(h.clients, client)
					close(client.send)
					h.setCount(len(h.clients))
				}
			}
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// handleEventsWebSocket upgrades the connection and attaches it to the hub.
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}
	select {
	case s.hub.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s.hub)
}

// writePump delivers hub messages and keepalive pings to one client.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// readPump discards client messages; the feed is one-way. It exists to
// process pongs and detect disconnects.
func (c *wsClient) readPump(hub *Hub) {
	defer func() {
		select {
		case hub.unregister <- c:
		case <-hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
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
