package broker

import (
	"hash/fnv"
	"sync"
	"time"
)

// generatedTTL bounds how long a published tag waits for its echo. A tag
// that never comes back (e.g. the destination broker is not subscribed to
// by this gateway) is dropped on the next sweep.
const generatedTTL = 10 * time.Second

type genTag struct {
	hop     int
	expires time.Time
}

// generatedTracker remembers mapper-produced publishes so the ingest edge
// can recognize their echo and propagate the hop count in-process. Keys
// are a hash of (broker, topic, payload); a tag is consumed by the first
// matching inbound message.
type generatedTracker struct {
	mu   sync.Mutex
	tags map[uint64][]genTag
}

func newGeneratedTracker() *generatedTracker {
	return &generatedTracker{tags: make(map[uint64][]genTag)}
}

func tagKey(brokerID, topic string, payload []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(brokerID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(topic))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(payload)
	return h.Sum64()
}

func (t *generatedTracker) record(brokerID, topic string, payload []byte, hop int) {
	key := tagKey(brokerID, topic, payload)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(now)
	t.tags[key] = append(t.tags[key], genTag{hop: hop, expires: now.Add(generatedTTL)})
}

func (t *generatedTracker) consume(brokerID, topic string, payload []byte) (int, bool) {
	key := tagKey(brokerID, topic, payload)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	queue := t.tags[key]
	for i, tag := range queue {
		if tag.expires.Before(now) {
			continue
		}
		rest := append(queue[:i:i], queue[i+1:]...)
		if len(rest) == 0 {
			delete(t.tags, key)
		} else {
			t.tags[key] = rest
		}
		return tag.hop, true
	}
	delete(t.tags, key)
	return 0, false
}

func (t *generatedTracker) sweepLocked(now time.Time) {
	for key, queue := range t.tags {
		kept := queue[:0]
		for _, tag := range queue {
			if tag.expires.After(now) {
				kept = append(kept, tag)
			}
		}
		if len(kept) == 0 {
			delete(t.tags, key)
		} else {
			t.tags[key] = kept
		}
	}
}
