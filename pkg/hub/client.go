package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unsgate/unsgate/pkg/store"
	"github.com/unsgate/unsgate/pkg/topic"
)

// Client is one connected WebSocket peer. It owns no persistent state;
// everything dies with the connection.
type Client struct {
	ID     string
	UserID string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// filter holds the client's optional topic subscription filter.
	filter atomic.Pointer[topic.Pattern]

	limiter *tokenBucket

	ctx    context.Context
	cancel context.CancelFunc

	// reqWG tracks in-flight request handlers so disconnect can reason
	// about them; handlers observe ctx and abort promptly.
	reqWG sync.WaitGroup
}

// wantsTopic applies the client's subscription filter.
func (c *Client) wantsTopic(t string) bool {
	f := c.filter.Load()
	return f == nil || f.Match(t)
}

// trySend enqueues data without blocking. A full outbox disconnects the
// client: reconnect-and-refetch is cheaper than unbounded queueing.
func (c *Client) trySend(data []byte) {
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		c.hub.disconnectOverflowed(c)
	}
}

func (c *Client) sendJSON(msgType string, payload any) {
	data, err := json.Marshal(envelope{Type: msgType, Data: payload})
	if err != nil {
		slog.Warn("Failed to marshal hub message", "type", msgType, "error", err)
		return
	}
	c.trySend(data)
}

// sendInitialState delivers the connect-time batch: the most recent event
// window, the current mapper config and the store status.
func (c *Client) sendInitialState() {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	events, err := c.hub.source.RecentEvents(ctx, initialHistoryLimit)
	if err != nil {
		slog.Warn("Failed to load initial history for hub client",
			"client_id", c.ID, "error", err)
	}
	c.sendJSON(MsgInit, initPayload{
		Events:       wireEvents(events),
		MapperConfig: c.hub.source.MapperConfig(ctx),
		DBStatus:     c.hub.source.StoreStats(),
	})
}

// writePump owns all writes to the connection. The send channel is never
// closed; disconnect is signaled through ctx.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// readPump processes inbound client requests until the connection closes.
func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendJSON(MsgError, errorPayload{Message: "invalid message"})
			continue
		}

		if !c.limiter.allow() {
			c.sendJSON(MsgError, errorPayload{Message: "rate limit exceeded", RetryAfter: 1})
			continue
		}

		c.handleRequest(req)
	}
}

// handleRequest dispatches one client request. Query requests run on their
// own goroutine under the client context, so a disconnect aborts them
// without touching other clients.
func (c *Client) handleRequest(req request) {
	switch req.Type {
	case MsgSetFilter:
		if req.Filter == "" {
			c.filter.Store(nil)
			return
		}
		pat, err := topic.Compile(req.Filter)
		if err != nil {
			c.sendJSON(MsgError, errorPayload{Message: err.Error()})
			return
		}
		c.filter.Store(pat)

	case MsgGetTopicHistory:
		c.runQuery(func(ctx context.Context) {
			limit := req.Limit
			if limit <= 0 {
				limit = 20
			}
			events, err := c.hub.source.TopicHistory(ctx, req.BrokerID, req.Topic, limit)
			if err != nil {
				c.sendQueryError(req.Type, err)
				return
			}
			c.sendJSON(MsgGetTopicHistory+dataSuffix, topicHistoryPayload{
				BrokerID: req.BrokerID,
				Topic:    req.Topic,
				Events:   wireEvents(events),
			})
		})

	case MsgGetHistoryRange:
		c.runQuery(func(ctx context.Context) {
			events, err := c.hub.source.RangeEvents(ctx, req.Start, req.End, req.Filter, req.Limit)
			if err != nil {
				c.sendQueryError(req.Type, err)
				return
			}
			c.sendJSON(MsgGetHistoryRange+dataSuffix, historyRangePayload{
				Start:  req.Start,
				End:    req.End,
				Filter: req.Filter,
				Events: wireEvents(events),
			})
		})

	case MsgPing:
		c.sendJSON(MsgPong, nil)

	default:
		c.sendJSON(MsgError, errorPayload{Message: "unknown request type: " + req.Type})
	}
}

func (c *Client) runQuery(fn func(ctx context.Context)) {
	c.reqWG.Add(1)
	go func() {
		defer c.reqWG.Done()
		fn(c.ctx)
	}()
}

func (c *Client) sendQueryError(reqType string, err error) {
	if c.ctx.Err() != nil {
		return
	}
	msg := "query failed"
	if store.IsValidationError(err) {
		msg = err.Error()
	}
	c.sendJSON(MsgError, errorPayload{Message: msg, Request: reqType})
}

// tokenBucket is a minimal per-client request limiter.
type tokenBucket struct {
	mu     sync.Mutex
	rate   float64
	tokens float64
	last   time.Time
}

func newTokenBucket(perSecond int) *tokenBucket {
	return &tokenBucket{
		rate:   float64(perSecond),
		tokens: float64(perSecond),
		last:   time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.rate {
		b.tokens = b.rate
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
