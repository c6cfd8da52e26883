// Package codec decodes MQTT payloads into a tagged union: raw bytes,
// a structured JSON tree, or a Sparkplug-B metric list. It is the only
// entry point that constructs the structured variants; decode failures
// degrade to raw bytes and never propagate upward.
package codec

import (
	"encoding/json"
	"strings"
)

// Kind tags the decoded payload variant.
type Kind string

// Payload kinds.
const (
	KindRaw        Kind = "raw"
	KindJSON       Kind = "json"
	KindSparkplugB Kind = "sparkplug_b"
)

// sparkplugPrefix selects Sparkplug-B decoding by topic namespace.
const sparkplugPrefix = "spBv1.0/"

// Decoded is the tagged payload union. Exactly one structured field is set
// according to Kind; Raw always carries the original bytes.
type Decoded struct {
	Kind      Kind
	Raw       []byte
	JSON      any
	Sparkplug *SparkplugPayload
}

// Decode decodes payload according to the topic namespace: spBv1.0/ topics
// are decoded as Sparkplug-B, everything else is attempted as JSON with a
// raw fallback.
func Decode(topic string, payload []byte) Decoded {
	if strings.HasPrefix(topic, sparkplugPrefix) {
		if sp, err := DecodeSparkplug(payload); err == nil {
			return Decoded{Kind: KindSparkplugB, Raw: payload, Sparkplug: sp}
		}
		return Decoded{Kind: KindRaw, Raw: payload}
	}

	var v any
	if err := json.Unmarshal(payload, &v); err == nil {
		return Decoded{Kind: KindJSON, Raw: payload, JSON: v}
	}
	return Decoded{Kind: KindRaw, Raw: payload}
}

// IsSparkplugTopic reports whether the topic is in the Sparkplug-B namespace.
func IsSparkplugTopic(topic string) bool {
	return strings.HasPrefix(topic, sparkplugPrefix)
}

// Value returns the payload as a plain Go value for script consumption:
// the JSON tree, the Sparkplug structure as a map, or the raw string.
func (d Decoded) Value() any {
	switch d.Kind {
	case KindJSON:
		return d.JSON
	case KindSparkplugB:
		return d.Sparkplug.AsMap()
	default:
		return string(d.Raw)
	}
}

// Encode serializes a script-produced payload value back to bytes: JSON for
// structured values, raw bytes for strings. Structured inputs that came from
// Sparkplug-B are serialized as their JSON representation.
func Encode(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(v)
}
