// Package models holds the shared domain types exchanged between the
// ingest edge, the event store, the engines and the API surface.
package models

import (
	"encoding/json"
	"time"
)

// Event is an immutable record written by the ingest edge for every
// successful inbound MQTT message.
type Event struct {
	ID        int64
	BrokerID  string
	Topic     string
	Payload   []byte
	Timestamp time.Time

	// Hop counts how many mapper republishes produced this message.
	// Zero for messages originating outside the gateway. Not persisted.
	Hop int

	// QoS and Retained carry the inbound delivery flags so mapper
	// republishes can mirror them. Not persisted.
	QoS      byte
	Retained bool

	// Generated marks mapper-produced messages for the UI.
	Generated bool
}

// PayloadString returns the payload as a string for JSON-facing surfaces.
func (e Event) PayloadString() string { return string(e.Payload) }

// eventWire is the client-facing JSON shape of an event. The payload
// crosses as a string; ingest-side fields stay internal.
type eventWire struct {
	BrokerID  string    `json:"broker_id"`
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Generated bool      `json:"generated,omitempty"`
}

// MarshalJSON serializes the event for HTTP responses and tool results,
// matching the broadcast hub's wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventWire{
		BrokerID:  e.BrokerID,
		Topic:     e.Topic,
		Payload:   e.PayloadString(),
		Timestamp: e.Timestamp,
		Generated: e.Generated,
	})
}

// StoreStats is the event store status snapshot exposed via /context/status
// and the broadcast hub.
type StoreStats struct {
	TotalRows     int64 `json:"total_rows"`
	Bytes         int64 `json:"bytes"`
	PruningActive bool  `json:"pruning_active"`
}

// TopicInfo is one known (broker_id, topic) pair.
type TopicInfo struct {
	BrokerID string `json:"broker_id"`
	Topic    string `json:"topic"`
}

// BrokerStatus describes one broker connection for /context/status.
type BrokerStatus struct {
	ID        string `json:"id"`
	Endpoint  string `json:"endpoint"`
	Connected bool   `json:"connected"`
}
