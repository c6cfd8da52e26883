// Package metrics exposes the gateway's Prometheus collectors. All series
// carry the "unsgate" namespace; the registry is the default one so the
// /metrics endpoint needs no extra wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestedMessages counts inbound MQTT messages per broker.
	IngestedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unsgate",
		Name:      "ingested_messages_total",
		Help:      "Inbound MQTT messages accepted by the ingest edge.",
	}, []string{"broker_id"})

	// MapperPublishes counts mapper republishes per destination broker.
	MapperPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unsgate",
		Name:      "mapper_publishes_total",
		Help:      "Messages republished by the topic mapper engine.",
	}, []string{"broker_id"})

	// SandboxInvocations counts sandbox executions by outcome.
	SandboxInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unsgate",
		Name:      "sandbox_invocations_total",
		Help:      "Sandbox script invocations by outcome (ok, skipped, timeout, sandbox_error, sql_error).",
	}, []string{"outcome"})

	// AlertsFired counts materialized alerts per severity.
	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unsgate",
		Name:      "alerts_fired_total",
		Help:      "Alerts materialized by the alert engine.",
	}, []string{"severity"})

	// HubClients tracks currently connected broadcast hub clients.
	HubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "unsgate",
		Name:      "hub_clients",
		Help:      "Connected broadcast hub clients.",
	})

	// StoreBytes tracks the event store's accounted payload bytes.
	StoreBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "unsgate",
		Name:      "store_bytes",
		Help:      "Payload bytes currently accounted to the event store budget.",
	})

	// StorePruning is 1 while the retention loop is actively pruning.
	StorePruning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "unsgate",
		Name:      "store_pruning_active",
		Help:      "Whether byte-budget pruning is in progress.",
	})
)
