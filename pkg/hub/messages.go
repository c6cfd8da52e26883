package hub

import (
	"time"

	"github.com/unsgate/unsgate/pkg/models"
)

// Server→client message types.
const (
	MsgInit                = "init"
	MsgEvent               = "event"
	MsgDBStatus            = "db-status"
	MsgMapperMetrics       = "mapper-metrics"
	MsgMapperConfigUpdated = "mapper-config-updated"
	MsgAlertsUpdated       = "alerts-updated"
	MsgChatChunk           = "chat-chunk"
	MsgError               = "error"
	MsgPong                = "pong"
)

// Client→server request types. Responses echo the request type with a
// "-data" suffix and carry the original bounds for correlation.
const (
	MsgSetFilter       = "set-filter"
	MsgGetTopicHistory = "get-topic-history"
	MsgGetHistoryRange = "get-history-range"
	MsgPing            = "ping"

	dataSuffix = "-data"
)

// envelope is the outer shape of every server→client message.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// request is the union of all client→server messages.
type request struct {
	Type     string    `json:"type"`
	Filter   string    `json:"filter,omitempty"`
	BrokerID string    `json:"broker_id,omitempty"`
	Topic    string    `json:"topic,omitempty"`
	Limit    int       `json:"limit,omitempty"`
	Start    time.Time `json:"start,omitempty"`
	End      time.Time `json:"end,omitempty"`
}

// eventPayload is the wire shape of one live event.
type eventPayload struct {
	BrokerID  string    `json:"broker_id"`
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Generated bool      `json:"generated,omitempty"`
}

func wireEvent(e models.Event) eventPayload {
	return eventPayload{
		BrokerID:  e.BrokerID,
		Topic:     e.Topic,
		Payload:   e.PayloadString(),
		Timestamp: e.Timestamp,
		Generated: e.Generated,
	}
}

func wireEvents(events []models.Event) []eventPayload {
	out := make([]eventPayload, 0, len(events))
	for _, e := range events {
		out = append(out, wireEvent(e))
	}
	return out
}

type initPayload struct {
	Events       []eventPayload       `json:"events"`
	MapperConfig *models.MapperConfig `json:"mapper_config"`
	DBStatus     models.StoreStats    `json:"db_status"`
}

type topicHistoryPayload struct {
	BrokerID string         `json:"broker_id,omitempty"`
	Topic    string         `json:"topic"`
	Events   []eventPayload `json:"events"`
}

type historyRangePayload struct {
	Start  time.Time      `json:"start"`
	End    time.Time      `json:"end"`
	Filter string         `json:"filter,omitempty"`
	Events []eventPayload `json:"events"`
}

type errorPayload struct {
	Message    string `json:"message"`
	Request    string `json:"request,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}
