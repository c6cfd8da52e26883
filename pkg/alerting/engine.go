// Package alerting evaluates pattern-keyed alert rules against inbound
// events, materializes alert records with duplicate suppression, and runs
// the optional webhook and LLM-enrichment follow-ups.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unsgate/unsgate/pkg/codec"
	"github.com/unsgate/unsgate/pkg/metrics"
	"github.com/unsgate/unsgate/pkg/models"
	"github.com/unsgate/unsgate/pkg/sandbox"
	"github.com/unsgate/unsgate/pkg/topic"
)

// DefaultDebounce is the duplicate-suppression window for (rule, topic).
const DefaultDebounce = 60 * time.Second

// MsgAlertsUpdated is the hub message type emitted whenever an alert row
// changes.
const MsgAlertsUpdated = "alerts-updated"

// Store is the persistence surface the engine needs. Implemented by
// *store.Store.
type Store interface {
	ListAlertRules(ctx context.Context) ([]models.AlertRule, error)
	CreateAlertRule(ctx context.Context, r *models.AlertRule) error
	UpdateAlertRule(ctx context.Context, r *models.AlertRule) error
	DeleteAlertRule(ctx context.Context, id string) error
	GetAlertRule(ctx context.Context, id string) (*models.AlertRule, error)

	InsertAlert(ctx context.Context, a *models.Alert) error
	LatestAlertForRuleTopic(ctx context.Context, ruleID, topic string) (*models.Alert, error)
	TouchAlert(ctx context.Context, id, triggerValue string) error
	SetAlertAnalyzing(ctx context.Context, id string) error
	CompleteAlertAnalysis(ctx context.Context, id, analysis string) error
}

// Analyzer produces the enrichment text for fired alerts. Implemented by
// the LLM client; nil disables enrichment.
type Analyzer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Broadcaster mirrors alert activity to connected UI clients.
type Broadcaster interface {
	Broadcast(msgType string, payload any)
}

// compiledRule pairs a rule with its matcher, built once per refresh.
type compiledRule struct {
	rule    models.AlertRule
	pattern *topic.Pattern
}

type ruleIndex struct {
	rules []compiledRule
}

// Engine is the alert evaluator. The rule set is a copy-on-write snapshot:
// CRUD paths rebuild and swap it, evaluation reads it lock-free.
type Engine struct {
	store    Store
	runtime  *sandbox.Runtime
	hub      Broadcaster
	analyzer Analyzer
	webhooks *webhookSender
	debounce time.Duration

	index atomic.Pointer[ruleIndex]

	// tasks tracks in-flight webhook and enrichment goroutines so
	// shutdown can drain them.
	tasks sync.WaitGroup
}

// New creates the engine. A zero debounce selects DefaultDebounce; a nil
// analyzer disables enrichment.
func New(store Store, runtime *sandbox.Runtime, hub Broadcaster, analyzer Analyzer, debounce time.Duration) *Engine {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Engine{
		store:    store,
		runtime:  runtime,
		hub:      hub,
		analyzer: analyzer,
		webhooks: newWebhookSender(),
		debounce: debounce,
	}
}

// Start loads and compiles the persisted rule set.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load alert rules: %w", err)
	}
	slog.Info("Alert engine started", "rules", len(e.index.Load().rules))
	return nil
}

// Refresh rebuilds the compiled rule snapshot from the store.
func (e *Engine) Refresh(ctx context.Context) error {
	rules, err := e.store.ListAlertRules(ctx)
	if err != nil {
		return err
	}
	idx := &ruleIndex{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		p, err := topic.Compile(r.TopicPattern)
		if err != nil {
			// Persisted rules are validated on write; a bad pattern here
			// means manual table edits. Skip rather than poison the set.
			slog.Warn("Skipping alert rule with invalid pattern",
				"rule_id", r.ID, "pattern", r.TopicPattern, "error", err)
			continue
		}
		idx.rules = append(idx.rules, compiledRule{rule: r, pattern: p})
	}
	e.index.Store(idx)
	return nil
}

// Wait blocks until all in-flight webhook and enrichment tasks finish.
func (e *Engine) Wait() {
	e.tasks.Wait()
}

// HandleEvent evaluates every matching rule's condition against an inbound
// event. Sandbox failures suppress that rule for this event and never
// propagate.
func (e *Engine) HandleEvent(ctx context.Context, ev models.Event) {
	idx := e.index.Load()
	if idx == nil || len(idx.rules) == 0 {
		return
	}

	var msg *sandbox.Message
	for _, cr := range idx.rules {
		if !cr.pattern.Match(ev.Topic) {
			continue
		}
		if msg == nil {
			decoded := codec.Decode(ev.Topic, ev.Payload)
			msg = &sandbox.Message{
				Topic:    ev.Topic,
				Payload:  decoded.Value(),
				BrokerID: ev.BrokerID,
			}
		}

		result := e.runtime.Evaluate(ctx, cr.rule.ConditionCode, *msg)
		metrics.SandboxInvocations.WithLabelValues(string(result.Outcome)).Inc()
		switch result.Outcome {
		case sandbox.OutcomeOK, sandbox.OutcomeSkipped:
		default:
			slog.Warn("Alert condition failed to evaluate",
				"rule_id", cr.rule.ID, "topic", ev.Topic,
				"outcome", result.Outcome, "error", result.Err)
			continue
		}
		if !result.Truthy() {
			continue
		}
		e.fire(ctx, cr.rule, ev)
	}
}

// fire materializes a firing, honoring the debounce window, then kicks off
// the webhook and enrichment follow-ups.
func (e *Engine) fire(ctx context.Context, rule models.AlertRule, ev models.Event) {
	trigger := ev.PayloadString()

	latest, err := e.store.LatestAlertForRuleTopic(ctx, rule.ID, ev.Topic)
	if err == nil && latest.Status != models.AlertStatusResolved &&
		time.Since(latest.CreatedAt) < e.debounce {
		if err := e.store.TouchAlert(ctx, latest.ID, trigger); err != nil {
			slog.Warn("Failed to refresh debounced alert", "alert_id", latest.ID, "error", err)
			return
		}
		e.broadcastUpdated()
		return
	}

	alert := &models.Alert{
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		Topic:        ev.Topic,
		TriggerValue: trigger,
		Severity:     rule.Severity,
	}
	if err := e.store.InsertAlert(ctx, alert); err != nil {
		slog.Error("Failed to insert alert", "rule_id", rule.ID, "topic", ev.Topic, "error", err)
		return
	}
	metrics.AlertsFired.WithLabelValues(string(rule.Severity)).Inc()
	slog.Info("Alert fired",
		"alert_id", alert.ID, "rule", rule.Name, "topic", ev.Topic, "severity", rule.Severity)
	e.broadcastUpdated()

	if rule.Notifications.Webhook != "" {
		e.tasks.Add(1)
		go func() {
			defer e.tasks.Done()
			e.webhooks.send(rule.Notifications.Webhook, alert)
		}()
	}
	if rule.WorkflowPrompt != "" && e.analyzer != nil {
		e.tasks.Add(1)
		go func() {
			defer e.tasks.Done()
			e.enrich(rule, alert)
		}()
	}
}

const enrichmentTimeout = 2 * time.Minute

const analysisSystemPrompt = `You are an industrial operations assistant. Analyze the alert below and respond with a concise assessment: likely cause, severity justification, and recommended next steps. Plain text only.`

// enrich runs the LLM analysis workflow for one alert. The alert sits in
// "analyzing" for the duration; operator transitions win races.
func (e *Engine) enrich(rule models.AlertRule, alert *models.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), enrichmentTimeout)
	defer cancel()

	if err := e.store.SetAlertAnalyzing(ctx, alert.ID); err != nil {
		// An operator already moved the alert on; nothing to analyze.
		slog.Debug("Skipping enrichment", "alert_id", alert.ID, "error", err)
		return
	}
	e.broadcastUpdated()

	user := fmt.Sprintf("Alert: %s\nSeverity: %s\nTopic: %s\nTrigger payload: %s\n\nOperator instructions: %s",
		rule.Name, rule.Severity, alert.Topic, alert.TriggerValue, rule.WorkflowPrompt)

	analysis, err := e.analyzer.Complete(ctx, analysisSystemPrompt, user)
	if err != nil {
		slog.Error("Alert enrichment failed", "alert_id", alert.ID, "error", err)
		analysis = fmt.Sprintf("analysis failed: %v", err)
	}
	if err := e.store.CompleteAlertAnalysis(ctx, alert.ID, analysis); err != nil {
		slog.Error("Failed to record alert analysis", "alert_id", alert.ID, "error", err)
		return
	}
	e.broadcastUpdated()
}

func (e *Engine) broadcastUpdated() {
	if e.hub != nil {
		e.hub.Broadcast(MsgAlertsUpdated, nil)
	}
}
