package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/voicesearch/internal/protocol"
	"github.com/loqalabs/voicesearch/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendQueueSize  = 32
	broadcastSize  = 64
)

// Commander executes control actions received from clients.
type Commander interface {
	Execute(ctx context.Context, action string) protocol.CommandReply
}

// Hub fans controller events out to websocket clients.
type Hub struct {
	cmd      Commander
	log      *slog.Logger
	upgrader websocket.Upgrader

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	count      atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub(parent context.Context, cmd Commander, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	return &Hub{
		cmd: cmd,
		log: logger.With(slog.String("component", "live-hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, broadcastSize),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
}

func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Publish queues a controller event for every client. It is a session.Listener
// and drops the event when the hub is backed up.
func (h *Hub) Publish(ev session.Event) {
	data, err := json.Marshal(messageFor(ev))
	if err != nil {
		h.log.Warn("failed to marshal live event", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("live broadcast queue full, dropping event", slog.String("kind", string(ev.Kind)))
	}
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			h.log.Debug("live client connected", slog.Int("clients", len(h.clients)))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
				h.count.Store(int64(len(h.clients)))
				h.log.Debug("live client disconnected", slog.Int("clients", len(h.clients)))
			}
		case data := <-h.broadcast:
			for c := range h.clients {
				if !c.trySend(data) {
					h.log.Warn("dropping slow live client", slog.String("remote", c.conn.RemoteAddr().String()))
					delete(h.clients, c)
					c.close()
				}
			}
			h.count.Store(int64(len(h.clients)))
		case <-h.ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				c.close()
			}
			h.count.Store(0)
			return
		}
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendQueueSize)}
	select {
	case h.register <- c:
	case <-h.ctx.Done():
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump handles commands from one connection. It is the only reader.
func (c *client) readPump() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("live client read failed", slog.String("error", err.Error()))
			}
			return
		}
		var cmd protocol.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.reply(protocol.CommandReply{Error: "invalid command: " + err.Error()})
			continue
		}
		ctx, cancel := context.WithTimeout(c.hub.ctx, writeWait)
		reply := c.hub.cmd.Execute(ctx, cmd.Action)
		cancel()
		c.reply(reply)
	}
}

func (c *client) reply(r protocol.CommandReply) {
	data, err := json.Marshal(Message{Type: TypeReply, Reply: &r})
	if err != nil {
		return
	}
	if !c.trySend(data) {
		c.hub.log.Warn("live client reply dropped")
	}
}

// writePump is the only writer on the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
