package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"livescribe/internal/domain"
	"livescribe/internal/observe"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Pages only send control frames.
	maxMessageSize = 4 * 1024

	sendQueueSize      = 64
	broadcastQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub broadcasts host messages to every connected page.
type Hub struct {
	clients    map[string]*pageClient
	register   chan *pageClient
	unregister chan *pageClient
	broadcast  chan []byte
	count      chan chan int
	done       chan struct{}

	// dropped counts messages lost since the last gap notice reached the queue.
	dropMu  sync.Mutex
	dropped int

	logger  *zap.Logger
	metrics *observe.Metrics
}

type pageClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger *zap.Logger, metrics *observe.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observe.NopMetrics()
	}
	return &Hub{
		clients:    make(map[string]*pageClient),
		register:   make(chan *pageClient),
		unregister: make(chan *pageClient),
		broadcast:  make(chan []byte, broadcastQueueSize),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		logger:     logger,
		metrics:    metrics,
	}
}

// Run owns the client set until ctx is cancelled, then disconnects every page.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for id, client := range h.clients {
			delete(h.clients, id)
			close(client.send)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client.id] = client
			h.logger.Info("page connected", zap.String("client_id", client.id))

		case client := <-h.unregister:
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
				h.logger.Info("page disconnected", zap.String("client_id", client.id))
			}

		case payload := <-h.broadcast:
			for id, client := range h.clients {
				select {
				case client.send <- payload:
				default:
					delete(h.clients, id)
					close(client.send)
					h.logger.Warn("dropping slow page", zap.String("client_id", id))
				}
			}

		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

// Publish queues msg for every connected page. It never blocks the caller;
// when the broadcast queue is full the message is dropped, and the next
// message that fits is preceded by a debug line reporting the gap.
func (h *Hub) Publish(msg domain.HostMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode host message", zap.Error(err))
		return
	}

	h.dropMu.Lock()
	defer h.dropMu.Unlock()

	if h.dropped > 0 {
		notice, _ := json.Marshal(domain.DebugMessage(fmt.Sprintf("host message queue overflow: %d dropped", h.dropped)))
		if !h.enqueue(notice) {
			h.drop()
			return
		}
		h.dropped = 0
	}
	if !h.enqueue(payload) {
		h.drop()
	}
}

func (h *Hub) enqueue(payload []byte) bool {
	select {
	case h.broadcast <- payload:
		return true
	default:
		return false
	}
}

func (h *Hub) drop() {
	h.dropped++
	h.metrics.HostMessagesDropped.Add(context.Background(), 1)
	h.logger.Warn("broadcast queue full; dropping host message", zap.Int("dropped", h.dropped))
}

// Clients reports the number of connected pages.
func (h *Hub) Clients(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
	case <-h.done:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ServeWS upgrades the request and registers the page with the hub.
func (h *Hub) ServeWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return err
	}

	client := &pageClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return nil
	}

	go h.writePump(client)
	go h.readPump(client)
	return nil
}

// readPump only services control frames; pages never send data.
func (h *Hub) readPump(client *pageClient) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
		_ = client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("page connection error", zap.String("client_id", client.id), zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(client *pageClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Debug("failed to write to page", zap.String("client_id", client.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
