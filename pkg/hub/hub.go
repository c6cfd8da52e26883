// Package hub multiplexes live events and request/response traffic to
// connected UI clients over WebSocket. Each client owns a bounded outbox;
// a client that cannot keep up is disconnected rather than queued without
// bound. Client failures never affect other clients.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/unsgate/unsgate/pkg/metrics"
	"github.com/unsgate/unsgate/pkg/models"
)

const (
	// outboxCap bounds each client's send queue. On overflow the client
	// is disconnected and must reconnect.
	outboxCap = 256

	// initialHistoryLimit is the size of the most-recent window sent on
	// connect.
	initialHistoryLimit = 100

	// requestRatePerSecond caps inbound client requests.
	requestRatePerSecond = 10

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second

	maxMessageSize = 64 * 1024
)

// DataSource serves the hub's initial snapshot and client queries.
// Implemented by an adapter over the event store and mapper engine.
type DataSource interface {
	RecentEvents(ctx context.Context, limit int) ([]models.Event, error)
	TopicHistory(ctx context.Context, brokerID, topic string, limit int) ([]models.Event, error)
	RangeEvents(ctx context.Context, start, end time.Time, pattern string, limit int) ([]models.Event, error)
	MapperConfig(ctx context.Context) *models.MapperConfig
	StoreStats() models.StoreStats
}

// Hub tracks connected clients and fans live traffic out to them.
type Hub struct {
	source DataSource

	mu      sync.RWMutex
	clients map[*Client]struct{}

	upgrader websocket.Upgrader
}

// New creates a hub backed by the given data source.
func New(source DataSource) *Hub {
	return &Hub{
		source:  source,
		clients: make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin access is governed by the identity layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleUpgrade upgrades an HTTP request and runs the client until it
// disconnects. userID is the authenticated identity of the caller.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ID:      uuid.NewString(),
		UserID:  userID,
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, outboxCap),
		ctx:     ctx,
		cancel:  cancel,
		limiter: newTokenBucket(requestRatePerSecond),
	}

	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	c.sendInitialState()
	c.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	metrics.HubClients.Set(float64(total))
	slog.Info("Hub client connected", "client_id", c.ID, "user_id", c.UserID, "total", total)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()

	if !present {
		return
	}
	c.cancel()
	_ = c.conn.Close()

	metrics.HubClients.Set(float64(total))
	slog.Info("Hub client disconnected", "client_id", c.ID, "total", total)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// snapshotClients copies the client set so sends happen without the lock.
func (h *Hub) snapshotClients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// BroadcastEvent forwards a live event to every client whose subscription
// filter matches its topic.
func (h *Hub) BroadcastEvent(e models.Event) {
	data, err := json.Marshal(envelope{Type: MsgEvent, Data: wireEvent(e)})
	if err != nil {
		return
	}
	for _, c := range h.snapshotClients() {
		if !c.wantsTopic(e.Topic) {
			continue
		}
		c.trySend(data)
	}
}

// Broadcast sends a typed message to every connected client.
func (h *Hub) Broadcast(msgType string, payload any) {
	data, err := json.Marshal(envelope{Type: msgType, Data: payload})
	if err != nil {
		slog.Warn("Failed to marshal hub broadcast", "type", msgType, "error", err)
		return
	}
	for _, c := range h.snapshotClients() {
		c.trySend(data)
	}
}

// SendToUser sends a typed message to every connection of one user.
// Used to mirror chat streams onto the hub channel.
func (h *Hub) SendToUser(userID, msgType string, payload any) {
	data, err := json.Marshal(envelope{Type: msgType, Data: payload})
	if err != nil {
		return
	}
	for _, c := range h.snapshotClients() {
		if c.UserID == userID {
			c.trySend(data)
		}
	}
}

// disconnectOverflowed drops a client whose outbox is full. Runs from the
// sender's goroutine; the actual teardown happens via unregister.
func (h *Hub) disconnectOverflowed(c *Client) {
	slog.Warn("Hub client outbox overflow, disconnecting",
		"client_id", c.ID, "user_id", c.UserID)
	h.unregister(c)
}
