// Package mapper is the rule-driven transformation engine. It matches
// inbound events against the active rule version, runs each enabled
// target's script fragment in the sandbox and republishes the result,
// keeping per-target execution counters and ring-buffered logs.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unsgate/unsgate/pkg/codec"
	"github.com/unsgate/unsgate/pkg/metrics"
	"github.com/unsgate/unsgate/pkg/models"
	"github.com/unsgate/unsgate/pkg/sandbox"
	"github.com/unsgate/unsgate/pkg/store"
)

// Publisher republishes mapper outputs through the broker pool.
type Publisher interface {
	PublishGenerated(brokerID, topic string, payload []byte, qos byte, retain bool, hop int) error
	Broker(id string) bool
}

// ConfigStore persists the configuration document.
type ConfigStore interface {
	GetMapperConfig(ctx context.Context) (*models.MapperConfig, error)
	SaveMapperConfig(ctx context.Context, cfg *models.MapperConfig) error
}

// Broadcaster mirrors engine activity to connected UI clients.
// Satisfied by *hub.Hub.
type Broadcaster interface {
	Broadcast(msgType string, payload any)
}

// Hub message types emitted by the engine.
const (
	msgMetrics       = "mapper-metrics"
	msgConfigUpdated = "mapper-config-updated"
)

// Engine is the topic mapper. Readers of the configuration take an atomic
// snapshot; in-flight evaluations against an old snapshot complete against
// its target code while new events observe the swapped one.
type Engine struct {
	configStore ConfigStore
	publisher   Publisher
	runtime     *sandbox.Runtime
	hub         Broadcaster

	maxHops     int
	maxVersions int

	snap  atomic.Pointer[snapshot]
	stats *metricsTable

	// saveMu is the single-writer lock over config mutation and save.
	saveMu sync.Mutex
}

// New creates the engine. Start must be called before events flow.
func New(configStore ConfigStore, publisher Publisher, runtime *sandbox.Runtime, hub Broadcaster, maxHops, maxVersions int) *Engine {
	return &Engine{
		configStore: configStore,
		publisher:   publisher,
		runtime:     runtime,
		hub:         hub,
		maxHops:     maxHops,
		maxVersions: maxVersions,
		stats:       newMetricsTable(),
	}
}

// Start loads the persisted configuration, creating the default empty
// version on first run.
func (e *Engine) Start(ctx context.Context) error {
	cfg, err := e.configStore.GetMapperConfig(ctx)
	if errors.Is(err, store.ErrNotFound) {
		cfg = defaultConfig()
		if err := e.configStore.SaveMapperConfig(ctx, cfg); err != nil {
			return fmt.Errorf("failed to save initial mapper config: %w", err)
		}
	} else if err != nil {
		return err
	}

	if err := validateAndNormalize(cfg); err != nil {
		return fmt.Errorf("persisted mapper config is invalid: %w", err)
	}
	e.snap.Store(newSnapshot(cfg))

	active := cfg.ActiveVersion()
	slog.Info("Mapper engine started",
		"active_version", cfg.ActiveVersionID, "rules", len(active.Rules))
	return nil
}

// Config returns a deep copy of the current configuration document.
func (e *Engine) Config() *models.MapperConfig {
	snap := e.snap.Load()
	if snap == nil {
		return nil
	}
	cfg, err := cloneConfig(snap.config)
	if err != nil {
		return nil
	}
	return cfg
}

// UpdateConfig validates, persists and atomically activates a replacement
// configuration document.
func (e *Engine) UpdateConfig(ctx context.Context, cfg *models.MapperConfig) error {
	cfg, err := cloneConfig(cfg)
	if err != nil {
		return err
	}
	if err := validateAndNormalize(cfg); err != nil {
		return err
	}
	if err := e.validateTargetBrokers(cfg); err != nil {
		return err
	}

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	enforceVersionCap(cfg, e.maxVersions)
	if err := e.configStore.SaveMapperConfig(ctx, cfg); err != nil {
		return err
	}

	snap := newSnapshot(cfg)
	e.snap.Store(snap)
	e.stats.prune(liveTargetKeys(snap))

	if e.hub != nil {
		e.hub.Broadcast(msgConfigUpdated, snap.config)
	}
	slog.Info("Mapper config updated",
		"active_version", cfg.ActiveVersionID, "versions", len(cfg.Versions))
	return nil
}

// validateTargetBrokers rejects targets pointing at unconfigured brokers.
func (e *Engine) validateTargetBrokers(cfg *models.MapperConfig) error {
	if e.publisher == nil {
		return nil
	}
	for _, v := range cfg.Versions {
		for _, rule := range v.Rules {
			for _, t := range rule.Targets {
				if t.TargetBrokerID != nil && *t.TargetBrokerID != "" && !e.publisher.Broker(*t.TargetBrokerID) {
					return store.NewValidationError("target_broker_id",
						fmt.Sprintf("unknown broker %q", *t.TargetBrokerID))
				}
			}
		}
	}
	return nil
}

func liveTargetKeys(snap *snapshot) map[metricKey]bool {
	live := make(map[metricKey]bool)
	for source, rule := range snap.rules {
		for _, t := range rule.Targets {
			live[metricKey{sourceTopic: source, targetID: t.ID}] = true
		}
	}
	return live
}

// Metrics returns the current per-target metrics snapshot.
func (e *Engine) Metrics() []models.TargetMetrics {
	return e.stats.Snapshot()
}

// HandleEvent evaluates an inbound event against the active rules.
// Exactly one sandbox invocation is attempted per enabled target,
// regardless of outcome; no failure propagates to the caller.
func (e *Engine) HandleEvent(ctx context.Context, ev models.Event) {
	if ev.Hop >= e.maxHops {
		slog.Warn("Dropping message above mapper hop ceiling",
			"topic", ev.Topic, "hop", ev.Hop, "max_hops", e.maxHops)
		return
	}

	snap := e.snap.Load()
	if snap == nil {
		return
	}
	rule, ok := snap.rules[ev.Topic]
	if !ok {
		return
	}

	decoded := codec.Decode(ev.Topic, ev.Payload)
	msg := sandbox.Message{
		Topic:    ev.Topic,
		Payload:  decoded.Value(),
		BrokerID: ev.BrokerID,
	}

	for _, target := range rule.Targets {
		if !target.Enabled {
			continue
		}
		e.runTarget(ctx, ev, rule, target, msg)
	}
}

func (e *Engine) runTarget(ctx context.Context, ev models.Event, rule models.MapperRule, target models.MapperTarget, msg sandbox.Message) {
	key := metricKey{sourceTopic: rule.SourceTopic, targetID: target.ID}
	result := e.runtime.Evaluate(ctx, target.Code, msg)
	metrics.SandboxInvocations.WithLabelValues(string(result.Outcome)).Inc()

	entry := models.MapperLogEntry{
		Timestamp: time.Now().UTC(),
		InTopic:   ev.Topic,
	}
	isError := false

	switch result.Outcome {
	case sandbox.OutcomeOK:
		payload, err := encodeResult(result.Value)
		if err != nil {
			entry.Error = fmt.Sprintf("failed to serialize result: %v", err)
			isError = true
			break
		}
		dest := ev.BrokerID
		if target.TargetBrokerID != nil && *target.TargetBrokerID != "" {
			dest = *target.TargetBrokerID
		}
		if err := e.publisher.PublishGenerated(dest, target.OutputTopic, payload, ev.QoS, ev.Retained, ev.Hop+1); err != nil {
			entry.Error = err.Error()
			isError = true
			slog.Warn("Mapper republish failed",
				"source_topic", ev.Topic, "output_topic", target.OutputTopic,
				"broker_id", dest, "error", err)
			break
		}
		entry.OutTopic = target.OutputTopic
		entry.OutPayload = string(payload)

	case sandbox.OutcomeSkipped:
		entry.Trace = "skipped: script returned nil"

	case sandbox.OutcomeTimeout:
		entry.Error = "Timeout"
		isError = true

	case sandbox.OutcomeSQLError, sandbox.OutcomeSandboxError:
		entry.Error = result.Err
		isError = true
	}

	stats := e.stats.get(key)
	if stats.record(entry, isError) && e.hub != nil {
		e.hub.Broadcast(msgMetrics, []models.TargetMetrics{stats.snapshot(key)})
	}
}

// encodeResult serializes a script result back to bytes. A full msg shape
// contributes its payload field; a bare value is the payload itself.
func encodeResult(value any) ([]byte, error) {
	if m, ok := value.(map[string]any); ok {
		if payload, exists := m["payload"]; exists {
			return codec.Encode(payload)
		}
	}
	return codec.Encode(value)
}
