package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"devicebroker/internal/devicemgr"
)

// Hub fans outbound devicemgr events out to every connected client. One
// logical client session is assumed per Manager (per the core's own
// non-goals); a second physical connection simply observes the same event
// stream.
type Hub struct {
	clients map[*client]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	done     chan struct{}
	stopOnce sync.Once
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a new event fanout hub. Call Run in its own goroutine.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		logger:     logger,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub's single event loop goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case data := <-h.broadcast:
			h.mu.Lock()
			var slow []*client
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					slow = append(slow, c)
				}
			}
			for _, c := range slow {
				delete(h.clients, c)
				close(c.send)
				h.logger.Warn("transport client evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast enqueues already-encoded bytes for delivery to every client.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("transport broadcast channel full, dropping message")
	}
}

// Server accepts WebSocket connections, decodes inbound batches into
// devicemgr calls, and writes replies and fanout events back out in the
// same wire envelope.
type Server struct {
	mgr            *devicemgr.Manager
	hub            *Hub
	logger         *slog.Logger
	allowedOrigins []string
	unsubEvents    func()
}

// Option configures a Server at construction.
type Option func(*Server)

// WithAllowedOrigins restricts the WebSocket handshake's origin check, the
// same nhooyr.io/websocket AcceptOptions.OriginPatterns knob the teacher's
// server uses.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// NewServer wires the hub to the manager's outbound event bus and starts
// the hub's event loop.
func NewServer(mgr *devicemgr.Manager, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{mgr: mgr, hub: NewHub(logger), logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	go s.hub.Run()
	s.unsubEvents = mgr.Events.OnAll(func(ev devicemgr.Event) {
		data, err := EncodeEvent(ev)
		if err != nil {
			s.logger.Error("encode event", "type", ev.Type, "err", err)
			return
		}
		s.hub.Broadcast(data)
	})
	return s
}

// Stop unsubscribes from the manager's event bus and stops the hub.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.hub.Stop()
}

// Routes registers the WebSocket endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	c := &client{conn: conn, send: make(chan []byte, 64)}

	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) writePump(c *client) {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) readPump(c *client) {
	defer func() {
		select {
		case s.hub.unregister <- c:
		case <-s.hub.done:
			c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.hub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleBatch(ctx, c, data)
	}
}

func (s *Server) handleBatch(ctx context.Context, c *client, data []byte) {
	batch, err := DecodeBatch(data)
	if err != nil {
		s.logger.Warn("discarding malformed batch", "err", err)
		return
	}
	for _, msg := range batch {
		var reply devicemgr.Reply
		if msg.IsGlobal {
			reply = s.mgr.SendGlobal(ctx, msg.ID, msg.Global)
		} else {
			reply = s.mgr.SendDevice(ctx, devicemgr.DeviceCommand{
				ID:          msg.ID,
				DeviceIndex: msg.DeviceIndex,
				Kind:        msg.Kind,
				Payload:     msg.Payload,
			})
		}

		encoded, err := EncodeReply(reply)
		if err != nil {
			s.logger.Error("encode reply", "err", err)
			continue
		}
		select {
		case c.send <- encoded:
		default:
			s.logger.Warn("client too slow to receive its own reply, dropping")
		}
	}
}
