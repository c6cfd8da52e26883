package models

import "time"

// Severity classifies alert rules.
type Severity string

// Alert rule severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// AlertStatus is the lifecycle state of a materialized alert.
type AlertStatus string

// Alert lifecycle states. "resolved" is terminal and absorbing.
const (
	AlertStatusNew          AlertStatus = "new"
	AlertStatusAnalyzing    AlertStatus = "analyzing"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Valid reports whether s is a known alert status.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertStatusNew, AlertStatusAnalyzing, AlertStatusAcknowledged, AlertStatusResolved:
		return true
	}
	return false
}

// CanTransitionTo reports whether the operator transition s → next is legal.
// new → acknowledged; {new, acknowledged} → resolved; resolved is absorbing.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	switch s {
	case AlertStatusNew, AlertStatusAnalyzing:
		return next == AlertStatusAcknowledged || next == AlertStatusResolved
	case AlertStatusAcknowledged:
		return next == AlertStatusResolved
	default:
		return false
	}
}

// AlertNotifications configures delivery of rule firings.
type AlertNotifications struct {
	Webhook string `json:"webhook,omitempty"`
}

// AlertRule is a pattern-keyed predicate evaluated against inbound messages.
type AlertRule struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	TopicPattern   string             `json:"topic_pattern"`
	Severity       Severity           `json:"severity"`
	ConditionCode  string             `json:"condition_code"`
	WorkflowPrompt string             `json:"workflow_prompt,omitempty"`
	Notifications  AlertNotifications `json:"notifications"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Alert is a materialized rule firing.
type Alert struct {
	ID             string      `json:"id"`
	RuleID         string      `json:"rule_id"`
	RuleName       string      `json:"rule_name"`
	Topic          string      `json:"topic"`
	TriggerValue   string      `json:"trigger_value"`
	Severity       Severity    `json:"severity"`
	Status         AlertStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	HandledBy      string      `json:"handled_by,omitempty"`
	AnalysisResult string      `json:"analysis_result,omitempty"`
}
