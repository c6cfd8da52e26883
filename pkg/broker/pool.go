// Package broker maintains one MQTT connection per configured upstream
// broker. Inbound messages are tagged with their origin and receive time
// and handed to a single fan-out handler; outbound publishes are checked
// against each broker's allow-list.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/unsgate/unsgate/pkg/config"
	"github.com/unsgate/unsgate/pkg/metrics"
	"github.com/unsgate/unsgate/pkg/models"
	"github.com/unsgate/unsgate/pkg/topic"
)

var (
	// ErrUnknownBroker is returned for a broker ID that is not configured.
	ErrUnknownBroker = errors.New("unknown broker")

	// ErrNotAllowed is returned when a publish topic is outside the
	// broker's publish allow-list.
	ErrNotAllowed = errors.New("topic not in publish allow list")

	// ErrUnavailable is returned when the broker connection is down.
	ErrUnavailable = errors.New("broker connection unavailable")
)

const (
	connectTimeout       = 10 * time.Second
	publishTimeout       = 10 * time.Second
	maxReconnectInterval = 30 * time.Second
	subscribeQoS         = 1
)

// Handler consumes every inbound message accepted by the pool. Called on
// the receiving connection's goroutine, so per-broker arrival order is
// preserved end to end.
type Handler func(event models.Event)

// Pool owns the configured broker connections.
type Pool struct {
	handler Handler
	conns   []*conn
	byID    map[string]*conn

	generated *generatedTracker

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type conn struct {
	cfg    config.BrokerConfig
	allow  []*topic.Pattern
	client mqtt.Client

	// lost is signalled by the paho connection-lost callback so the
	// connection loop can run its own cancellable reconnect back-off.
	lost chan struct{}
}

// NewPool compiles the broker configurations into a pool. Connections are
// not opened until StartAll.
func NewPool(cfgs []config.BrokerConfig, handler Handler) (*Pool, error) {
	if handler == nil {
		return nil, fmt.Errorf("broker pool requires a message handler")
	}
	p := &Pool{
		handler:   handler,
		byID:      make(map[string]*conn, len(cfgs)),
		generated: newGeneratedTracker(),
	}
	for _, cfg := range cfgs {
		allow := make([]*topic.Pattern, 0, len(cfg.PublishAllow))
		for _, raw := range cfg.PublishAllow {
			pat, err := topic.Compile(raw)
			if err != nil {
				return nil, fmt.Errorf("broker %q: %w", cfg.ID, err)
			}
			allow = append(allow, pat)
		}
		c := &conn{cfg: cfg, allow: allow, lost: make(chan struct{}, 1)}
		p.conns = append(p.conns, c)
		p.byID[cfg.ID] = c
	}
	return p, nil
}

// StartAll opens every broker connection. Each connection runs its own
// supervision loop: connect with exponential back-off, subscribe, wait for
// loss, repeat. Returns immediately; connection failures are retried in
// the background and visible through Status.
func (p *Pool) StartAll(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		for _, c := range p.conns {
			c.client = mqtt.NewClient(p.clientOptions(c))
			p.wg.Add(1)
			go p.supervise(ctx, c)
		}
		slog.Info("Broker pool started", "brokers", len(p.conns))
	})
}

// StopAll disconnects every broker and cancels pending reconnect waits.
// Idempotent; blocks until all supervision loops have exited.
func (p *Pool) StopAll() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		for _, c := range p.conns {
			if c.client != nil && c.client.IsConnected() {
				c.client.Disconnect(250)
			}
		}
		slog.Info("Broker pool stopped")
	})
}

func (p *Pool) clientOptions(c *conn) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.URL).
		SetClientID("unsgate-" + c.cfg.ID + "-" + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(false).
		SetConnectTimeout(connectTimeout)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
		p.dispatch(c, m)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("Broker connection lost", "broker_id", c.cfg.ID, "error", err)
		select {
		case c.lost <- struct{}{}:
		default:
		}
	})
	return opts
}

// supervise keeps one broker connected until the pool stops. The back-off
// wait observes ctx, so StopAll interrupts pending retries promptly.
func (p *Pool) supervise(ctx context.Context, c *conn) {
	defer p.wg.Done()

	for {
		policy := backoff.WithContext(backoff.NewExponentialBackOff(
			backoff.WithMaxInterval(maxReconnectInterval),
			backoff.WithMaxElapsedTime(0),
		), ctx)

		err := backoff.RetryNotify(func() error {
			return p.connect(c)
		}, policy, func(err error, next time.Duration) {
			slog.Warn("Broker connect failed, retrying",
				"broker_id", c.cfg.ID, "error", err, "next_try_in", next)
		})
		if err != nil {
			// Back-off only stops on context cancellation.
			return
		}

		slog.Info("Broker connected", "broker_id", c.cfg.ID, "endpoint", c.cfg.URL)

		select {
		case <-ctx.Done():
			return
		case <-c.lost:
		}
	}
}

// connect opens the connection and installs the declared subscriptions.
func (p *Pool) connect(c *conn) error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout + time.Second) {
		return fmt.Errorf("connect to %s timed out", c.cfg.URL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", c.cfg.URL, err)
	}

	for _, filter := range c.cfg.Subscribe {
		sub := c.client.Subscribe(filter, subscribeQoS, func(_ mqtt.Client, m mqtt.Message) {
			p.dispatch(c, m)
		})
		if !sub.WaitTimeout(connectTimeout) || sub.Error() != nil {
			c.client.Disconnect(0)
			return fmt.Errorf("subscribe %q on %s: %v", filter, c.cfg.ID, sub.Error())
		}
	}
	return nil
}

// dispatch tags an inbound message and hands it to the fan-out handler.
func (p *Pool) dispatch(c *conn, m mqtt.Message) {
	ev := models.Event{
		BrokerID:  c.cfg.ID,
		Topic:     m.Topic(),
		Payload:   m.Payload(),
		Timestamp: time.Now().UTC(),
		QoS:       m.Qos(),
		Retained:  m.Retained(),
	}
	if hop, ok := p.generated.consume(c.cfg.ID, m.Topic(), m.Payload()); ok {
		ev.Generated = true
		ev.Hop = hop
	}
	metrics.IngestedMessages.WithLabelValues(c.cfg.ID).Inc()
	p.handler(ev)
}

// Publish sends a message through the given broker. The topic must be
// inside the broker's publish allow-list and must not contain wildcards.
func (p *Pool) Publish(brokerID, topicName string, payload []byte, qos byte, retain bool) error {
	c, ok := p.byID[brokerID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBroker, brokerID)
	}
	if !c.allowed(topicName) {
		return fmt.Errorf("%w: %q on broker %q", ErrNotAllowed, topicName, brokerID)
	}
	if c.client == nil || !c.client.IsConnectionOpen() {
		return fmt.Errorf("%w: %q", ErrUnavailable, brokerID)
	}

	token := c.client.Publish(topicName, qos, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: publish to %q timed out", ErrUnavailable, brokerID)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %q: %w", brokerID, err)
	}
	return nil
}

// PublishGenerated publishes a mapper-produced message, tagging it so the
// ingest edge can recognize it on the way back in and carry its hop count.
func (p *Pool) PublishGenerated(brokerID, topicName string, payload []byte, qos byte, retain bool, hop int) error {
	p.generated.record(brokerID, topicName, payload, hop)
	if err := p.Publish(brokerID, topicName, payload, qos, retain); err != nil {
		p.generated.consume(brokerID, topicName, payload)
		return err
	}
	metrics.MapperPublishes.WithLabelValues(brokerID).Inc()
	return nil
}

// ClearRetained publishes a zero-byte retained message to purge a topic's
// broker-retained state. Silently skipped when the allow-list forbids it.
func (p *Pool) ClearRetained(brokerID, topicName string) error {
	err := p.Publish(brokerID, topicName, nil, 0, true)
	if errors.Is(err, ErrNotAllowed) {
		return nil
	}
	return err
}

func (c *conn) allowed(topicName string) bool {
	for _, pat := range c.allow {
		if pat.Match(topicName) {
			return true
		}
	}
	return false
}

// Status reports every configured connection's current state.
func (p *Pool) Status() []models.BrokerStatus {
	out := make([]models.BrokerStatus, 0, len(p.conns))
	for _, c := range p.conns {
		connected := c.client != nil && c.client.IsConnectionOpen()
		out = append(out, models.BrokerStatus{
			ID:        c.cfg.ID,
			Endpoint:  c.cfg.URL,
			Connected: connected,
		})
	}
	return out
}

// Broker reports whether a broker ID is configured.
func (p *Pool) Broker(id string) bool {
	_, ok := p.byID[id]
	return ok
}
