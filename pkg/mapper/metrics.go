package mapper

import (
	"sort"
	"sync"
	"time"

	"github.com/unsgate/unsgate/pkg/models"
)

const (
	// logRingCap is the per-target execution log depth.
	logRingCap = 50

	// emitThrottle bounds how often one target's metrics are pushed to
	// the hub outside of errors.
	emitThrottle = 500 * time.Millisecond
)

type metricKey struct {
	sourceTopic string
	targetID    string
}

// targetStats is the mutable per-(source, target) record. Counts are
// monotonic since process start; logs are a most-recent-first ring.
type targetStats struct {
	mu       sync.Mutex
	count    int64
	logs     []models.MapperLogEntry // ring storage
	next     int
	lastEmit time.Time
}

// record appends a log entry, bumps the counter and reports whether the
// throttle allows an immediate broadcast. Errors always pass the throttle.
func (s *targetStats) record(entry models.MapperLogEntry, isError bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	if len(s.logs) < logRingCap {
		s.logs = append(s.logs, entry)
	} else {
		s.logs[s.next] = entry
		s.next = (s.next + 1) % logRingCap
	}

	now := time.Now()
	if isError || now.Sub(s.lastEmit) >= emitThrottle {
		s.lastEmit = now
		return true
	}
	return false
}

// snapshot copies the record, newest log first.
func (s *targetStats) snapshot(key metricKey) models.TargetMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	logs := make([]models.MapperLogEntry, 0, len(s.logs))
	if len(s.logs) < logRingCap {
		// Ring has not wrapped: entries sit in arrival order.
		for i := len(s.logs) - 1; i >= 0; i-- {
			logs = append(logs, s.logs[i])
		}
	} else {
		// s.next points at the oldest slot; walk backwards from the newest.
		for i := 1; i <= logRingCap; i++ {
			logs = append(logs, s.logs[(s.next-i+logRingCap)%logRingCap])
		}
	}

	return models.TargetMetrics{
		SourceTopic: key.sourceTopic,
		TargetID:    key.targetID,
		Count:       s.count,
		Logs:        logs,
	}
}

// metricsTable holds all per-target records.
type metricsTable struct {
	mu      sync.Mutex
	entries map[metricKey]*targetStats
}

func newMetricsTable() *metricsTable {
	return &metricsTable{entries: make(map[metricKey]*targetStats)}
}

func (t *metricsTable) get(key metricKey) *targetStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.entries[key]
	if !ok {
		s = &targetStats{}
		t.entries[key] = s
	}
	return s
}

// Snapshot returns all records, ordered for stable output.
func (t *metricsTable) Snapshot() []models.TargetMetrics {
	t.mu.Lock()
	keys := make([]metricKey, 0, len(t.entries))
	stats := make([]*targetStats, 0, len(t.entries))
	for k, s := range t.entries {
		keys = append(keys, k)
		stats = append(stats, s)
	}
	t.mu.Unlock()

	out := make([]models.TargetMetrics, 0, len(keys))
	for i, k := range keys {
		out = append(out, stats[i].snapshot(k))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceTopic != out[j].SourceTopic {
			return out[i].SourceTopic < out[j].SourceTopic
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out
}

// prune drops records whose target no longer exists in the active config.
func (t *metricsTable) prune(live map[metricKey]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.entries {
		if !live[k] {
			delete(t.entries, k)
		}
	}
}
