package models

import "time"

// MapperConfig is the authoritative, versioned catalogue of mapper rules.
// Exactly one version is active at a time.
type MapperConfig struct {
	ActiveVersionID string          `json:"active_version_id"`
	Versions        []MapperVersion `json:"versions"`
}

// MapperVersion is one saved snapshot of the rule set.
type MapperVersion struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	CreatedAt time.Time    `json:"created_at"`
	Rules     []MapperRule `json:"rules"`
}

// MapperRule binds one exact source topic to its transformation targets.
// At most one rule per source topic exists within a version.
type MapperRule struct {
	SourceTopic string         `json:"source_topic"`
	Targets     []MapperTarget `json:"targets"`
}

// MapperTarget is one output binding: a script fragment that transforms the
// inbound message and the topic (and optionally broker) it republishes to.
type MapperTarget struct {
	ID             string  `json:"id"`
	Enabled        bool    `json:"enabled"`
	OutputTopic    string  `json:"output_topic"`
	Code           string  `json:"code"`
	TargetBrokerID *string `json:"target_broker_id"`
}

// ActiveVersion returns the version referenced by ActiveVersionID, or nil.
func (c *MapperConfig) ActiveVersion() *MapperVersion {
	for i := range c.Versions {
		if c.Versions[i].ID == c.ActiveVersionID {
			return &c.Versions[i]
		}
	}
	return nil
}

// MapperLogEntry is one ring-buffered execution record for a target.
type MapperLogEntry struct {
	Timestamp  time.Time `json:"ts"`
	InTopic    string    `json:"in_topic"`
	OutTopic   string    `json:"out_topic,omitempty"`
	OutPayload string    `json:"out_payload,omitempty"`
	Error      string    `json:"error,omitempty"`
	Trace      string    `json:"trace,omitempty"`
}

// TargetMetrics is the per-(source_topic, target_id) observability snapshot.
type TargetMetrics struct {
	SourceTopic string           `json:"source_topic"`
	TargetID    string           `json:"target_id"`
	Count       int64            `json:"count"`
	Logs        []MapperLogEntry `json:"logs"`
}
