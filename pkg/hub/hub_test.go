package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsgate/unsgate/pkg/models"
)

type fakeSource struct {
	recent []models.Event
	config *models.MapperConfig
	stats  models.StoreStats
}

func (f *fakeSource) RecentEvents(context.Context, int) ([]models.Event, error) {
	return f.recent, nil
}

func (f *fakeSource) TopicHistory(_ context.Context, brokerID, topicName string, limit int) ([]models.Event, error) {
	var out []models.Event
	for _, e := range f.recent {
		if e.Topic == topicName && (brokerID == "" || e.BrokerID == brokerID) {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) RangeEvents(_ context.Context, start, end time.Time, _ string, _ int) ([]models.Event, error) {
	var out []models.Event
	for _, e := range f.recent {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) MapperConfig(context.Context) *models.MapperConfig { return f.config }
func (f *fakeSource) StoreStats() models.StoreStats                     { return f.stats }

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialTestHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleUpgrade(w, r, "user-1")
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil skips messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) wsMessage {
	t.Helper()
	for i := 0; i < 50; i++ {
		msg := readMessage(t, conn)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("never received message of type %q", msgType)
	return wsMessage{}
}

func testSource() *fakeSource {
	return &fakeSource{
		recent: []models.Event{
			{BrokerID: "b1", Topic: "plant/a/temp", Payload: []byte(`{"value":22.5}`), Timestamp: time.Now().UTC()},
		},
		config: &models.MapperConfig{ActiveVersionID: "v_1", Versions: []models.MapperVersion{{ID: "v_1", Name: "default"}}},
		stats:  models.StoreStats{TotalRows: 1, Bytes: 14},
	}
}

func TestInitialStateOnConnect(t *testing.T) {
	h := New(testSource())
	conn := dialTestHub(t, h)

	msg := readMessage(t, conn)
	require.Equal(t, MsgInit, msg.Type)

	var init struct {
		Events       []eventPayload       `json:"events"`
		MapperConfig *models.MapperConfig `json:"mapper_config"`
		DBStatus     models.StoreStats    `json:"db_status"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &init))
	require.Len(t, init.Events, 1)
	assert.Equal(t, "plant/a/temp", init.Events[0].Topic)
	require.NotNil(t, init.MapperConfig)
	assert.Equal(t, "v_1", init.MapperConfig.ActiveVersionID)
	assert.Equal(t, int64(1), init.DBStatus.TotalRows)
}

func TestBroadcastEventDelivery(t *testing.T) {
	h := New(testSource())
	conn := dialTestHub(t, h)
	readMessage(t, conn) // init

	require.Eventually(t, func() bool { return h.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	h.BroadcastEvent(models.Event{
		BrokerID: "b1", Topic: "plant/b/rpm",
		Payload: []byte(`{"rpm":900}`), Timestamp: time.Now().UTC(),
	})

	msg := readUntil(t, conn, MsgEvent)
	var ev eventPayload
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "plant/b/rpm", ev.Topic)
	assert.Equal(t, `{"rpm":900}`, ev.Payload)
}

func TestSubscriptionFilter(t *testing.T) {
	h := New(testSource())
	conn := dialTestHub(t, h)
	readMessage(t, conn) // init

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": MsgSetFilter, "filter": "factory/#",
	}))
	// Round-trip a ping so the filter is definitely applied.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": MsgPing}))
	readUntil(t, conn, MsgPong)

	h.BroadcastEvent(models.Event{BrokerID: "b1", Topic: "plant/a/temp", Payload: []byte("x"), Timestamp: time.Now().UTC()})
	h.BroadcastEvent(models.Event{BrokerID: "b1", Topic: "factory/1/temp", Payload: []byte("y"), Timestamp: time.Now().UTC()})

	msg := readUntil(t, conn, MsgEvent)
	var ev eventPayload
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "factory/1/temp", ev.Topic, "filtered topic must not be delivered")
}

func TestTopicHistoryRequestResponse(t *testing.T) {
	h := New(testSource())
	conn := dialTestHub(t, h)
	readMessage(t, conn) // init

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": MsgGetTopicHistory, "topic": "plant/a/temp", "limit": 10,
	}))

	msg := readUntil(t, conn, MsgGetTopicHistory+dataSuffix)
	var resp topicHistoryPayload
	require.NoError(t, json.Unmarshal(msg.Data, &resp))
	assert.Equal(t, "plant/a/temp", resp.Topic)
	require.Len(t, resp.Events, 1)
}

func TestHistoryRangeEchoesBounds(t *testing.T) {
	h := New(testSource())
	conn := dialTestHub(t, h)
	readMessage(t, conn) // init

	start := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	end := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": MsgGetHistoryRange, "start": start, "end": end, "filter": "plant/#",
	}))

	msg := readUntil(t, conn, MsgGetHistoryRange+dataSuffix)
	var resp historyRangePayload
	require.NoError(t, json.Unmarshal(msg.Data, &resp))
	assert.True(t, resp.Start.Equal(start), "response must echo the requested start")
	assert.True(t, resp.End.Equal(end))
	assert.Equal(t, "plant/#", resp.Filter)
}

func TestRequestRateCap(t *testing.T) {
	h := New(testSource())
	conn := dialTestHub(t, h)
	readMessage(t, conn) // init

	for i := 0; i < requestRatePerSecond*3; i++ {
		require.NoError(t, conn.WriteJSON(map[string]string{"type": MsgPing}))
	}

	sawRateLimit := false
	for i := 0; i < requestRatePerSecond*3 && !sawRateLimit; i++ {
		msg := readMessage(t, conn)
		if msg.Type == MsgError {
			var e errorPayload
			require.NoError(t, json.Unmarshal(msg.Data, &e))
			sawRateLimit = strings.Contains(e.Message, "rate limit")
		}
	}
	assert.True(t, sawRateLimit, "burst above the cap must produce a rate limit error")
}

func TestOutboxOverflowDisconnects(t *testing.T) {
	h := New(testSource())
	conn := dialTestHub(t, h)
	_ = conn // connected but never reads

	require.Eventually(t, func() bool { return h.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	// Flood with payloads large enough to exhaust socket buffers and
	// then the bounded outbox.
	payload := []byte(strings.Repeat("x", 16*1024))
	for i := 0; i < 2*outboxCap; i++ {
		h.BroadcastEvent(models.Event{
			BrokerID: "b1", Topic: "flood/x", Payload: payload, Timestamp: time.Now().UTC(),
		})
	}

	assert.Eventually(t, func() bool { return h.ClientCount() == 0 },
		5*time.Second, 20*time.Millisecond, "unread client must be disconnected on overflow")
}
