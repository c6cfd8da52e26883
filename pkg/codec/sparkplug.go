package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Sparkplug-B payload field numbers (org.eclipse.tahu.protobuf.Payload).
// Only the fields this system relies on are decoded: timestamp, seq and the
// metric name/value/type triple. Everything else is skipped wire-compatibly.
const (
	fieldPayloadTimestamp = 1
	fieldPayloadMetrics   = 2
	fieldPayloadSeq       = 3

	fieldMetricName     = 1
	fieldMetricDatatype = 4

	fieldMetricIntValue     = 10
	fieldMetricLongValue    = 11
	fieldMetricFloatValue   = 12
	fieldMetricDoubleValue  = 13
	fieldMetricBooleanValue = 14
	fieldMetricStringValue  = 15
	fieldMetricBytesValue   = 16
)

// Sparkplug-B datatype codes → canonical type names.
var sparkplugTypes = map[uint32]string{
	1:  "Int8",
	2:  "Int16",
	3:  "Int32",
	4:  "Int64",
	5:  "UInt8",
	6:  "UInt16",
	7:  "UInt32",
	8:  "UInt64",
	9:  "Float",
	10: "Double",
	11: "Boolean",
	12: "String",
	13: "DateTime",
	14: "Text",
	15: "UUID",
}

// SparkplugMetric is one decoded metric.
type SparkplugMetric struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	Type  string `json:"type"`

	datatype uint32
}

// SparkplugPayload is the decoded subset of a Sparkplug-B payload.
type SparkplugPayload struct {
	Timestamp uint64            `json:"timestamp"`
	Seq       uint64            `json:"seq"`
	Metrics   []SparkplugMetric `json:"metrics"`
}

// AsMap returns the payload as a generic map for script consumption.
func (p *SparkplugPayload) AsMap() map[string]any {
	metrics := make([]any, 0, len(p.Metrics))
	for _, m := range p.Metrics {
		metrics = append(metrics, map[string]any{
			"name":  m.Name,
			"value": m.Value,
			"type":  m.Type,
		})
	}
	return map[string]any{
		"timestamp": p.Timestamp,
		"seq":       p.Seq,
		"metrics":   metrics,
	}
}

// DecodeSparkplug decodes a Sparkplug-B protobuf payload.
func DecodeSparkplug(data []byte) (*SparkplugPayload, error) {
	p := &SparkplugPayload{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("sparkplug: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldPayloadTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("sparkplug: malformed timestamp: %w", protowire.ParseError(n))
			}
			p.Timestamp = v
			data = data[n:]
		case num == fieldPayloadSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("sparkplug: malformed seq: %w", protowire.ParseError(n))
			}
			p.Seq = v
			data = data[n:]
		case num == fieldPayloadMetrics && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("sparkplug: malformed metric: %w", protowire.ParseError(n))
			}
			m, err := decodeMetric(raw)
			if err != nil {
				return nil, err
			}
			p.Metrics = append(p.Metrics, m)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("sparkplug: malformed field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return p, nil
}

// decodeMetric decodes one Payload.Metric message.
func decodeMetric(data []byte) (SparkplugMetric, error) {
	var m SparkplugMetric
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, fmt.Errorf("sparkplug: malformed metric tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		consumed := -1
		switch {
		case num == fieldMetricName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n >= 0 {
				m.Name = string(v)
			}
			consumed = n
		case num == fieldMetricDatatype && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n >= 0 {
				m.datatype = uint32(v)
				m.Type = typeName(m.datatype)
			}
			consumed = n
		case num == fieldMetricIntValue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n >= 0 {
				m.Value = signedInt(uint32(v), m.datatype)
			}
			consumed = n
		case num == fieldMetricLongValue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n >= 0 {
				if m.datatype == 4 { // Int64
					m.Value = int64(v)
				} else {
					m.Value = v
				}
			}
			consumed = n
		case num == fieldMetricFloatValue && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n >= 0 {
				m.Value = math.Float32frombits(v)
			}
			consumed = n
		case num == fieldMetricDoubleValue && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n >= 0 {
				m.Value = math.Float64frombits(v)
			}
			consumed = n
		case num == fieldMetricBooleanValue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n >= 0 {
				m.Value = v != 0
			}
			consumed = n
		case num == fieldMetricStringValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n >= 0 {
				m.Value = string(v)
			}
			consumed = n
		case num == fieldMetricBytesValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n >= 0 {
				m.Value = append([]byte(nil), v...)
			}
			consumed = n
		default:
			consumed = protowire.ConsumeFieldValue(num, typ, data)
		}
		if consumed < 0 {
			return m, fmt.Errorf("sparkplug: malformed metric field %d: %w", num, protowire.ParseError(consumed))
		}
		data = data[consumed:]
	}
	return m, nil
}

// signedInt maps an int_value varint back to a signed value for the small
// signed datatypes (the Sparkplug encoder widens them into uint32).
func signedInt(v uint32, datatype uint32) any {
	switch datatype {
	case 1, 2, 3: // Int8, Int16, Int32
		return int32(v)
	default:
		return v
	}
}

// typeName resolves a datatype code; unknown codes keep a stable label.
func typeName(code uint32) string {
	if name, ok := sparkplugTypes[code]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", code)
}

// EncodeSparkplug encodes a payload back to Sparkplug-B wire format.
// Round-tripping preserves the metric list semantically; byte equality with
// an arbitrary source encoding is not guaranteed.
func EncodeSparkplug(p *SparkplugPayload) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldPayloadTimestamp, protowire.VarintType)
	out = protowire.AppendVarint(out, p.Timestamp)
	for _, m := range p.Metrics {
		out = protowire.AppendTag(out, fieldPayloadMetrics, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeMetric(m))
	}
	out = protowire.AppendTag(out, fieldPayloadSeq, protowire.VarintType)
	out = protowire.AppendVarint(out, p.Seq)
	return out
}

func encodeMetric(m SparkplugMetric) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldMetricName, protowire.BytesType)
	out = protowire.AppendString(out, m.Name)
	if m.datatype != 0 {
		out = protowire.AppendTag(out, fieldMetricDatatype, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(m.datatype))
	}

	switch v := m.Value.(type) {
	case int32:
		out = protowire.AppendTag(out, fieldMetricIntValue, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(uint32(v)))
	case uint32:
		out = protowire.AppendTag(out, fieldMetricIntValue, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(v))
	case int64:
		out = protowire.AppendTag(out, fieldMetricLongValue, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(v))
	case uint64:
		out = protowire.AppendTag(out, fieldMetricLongValue, protowire.VarintType)
		out = protowire.AppendVarint(out, v)
	case float32:
		out = protowire.AppendTag(out, fieldMetricFloatValue, protowire.Fixed32Type)
		out = protowire.AppendFixed32(out, math.Float32bits(v))
	case float64:
		out = protowire.AppendTag(out, fieldMetricDoubleValue, protowire.Fixed64Type)
		out = protowire.AppendFixed64(out, math.Float64bits(v))
	case bool:
		out = protowire.AppendTag(out, fieldMetricBooleanValue, protowire.VarintType)
		if v {
			out = protowire.AppendVarint(out, 1)
		} else {
			out = protowire.AppendVarint(out, 0)
		}
	case string:
		out = protowire.AppendTag(out, fieldMetricStringValue, protowire.BytesType)
		out = protowire.AppendString(out, v)
	case []byte:
		out = protowire.AppendTag(out, fieldMetricBytesValue, protowire.BytesType)
		out = protowire.AppendBytes(out, v)
	}
	return out
}
