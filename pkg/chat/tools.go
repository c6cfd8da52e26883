package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/unsgate/unsgate/pkg/config"
	"github.com/unsgate/unsgate/pkg/llm"
	"github.com/unsgate/unsgate/pkg/models"
	"github.com/unsgate/unsgate/pkg/sandbox"
)

// Identity is the authenticated caller a tool runs as.
type Identity struct {
	UserID string
	Admin  bool
}

// Tool is one callable function in the agent's catalogue.
type Tool struct {
	Spec   llm.ToolSpec
	Handle func(ctx context.Context, ident Identity, args json.RawMessage) (string, error)
}

// ToolStore is the event-store surface tools read from.
type ToolStore interface {
	Topics(ctx context.Context) ([]models.TopicInfo, error)
	GetLatest(ctx context.Context, brokerID, topicName string) (*models.Event, error)
	GetHistory(ctx context.Context, brokerID, topicName string, limit int) ([]models.Event, error)
	SearchFulltext(ctx context.Context, q, brokerID string, start, end *time.Time, limit int) ([]models.Event, error)
	SearchByTemplate(ctx context.Context, pattern string, filters map[string]any, brokerID string, limit int) ([]models.Event, error)
	PrunePattern(ctx context.Context, pattern, brokerID string) (int64, error)
	ListUsers(ctx context.Context) ([]models.User, error)
}

// Publisher sends tool-initiated messages through the broker pool.
type Publisher interface {
	Publish(brokerID, topic string, payload []byte, qos byte, retain bool) error
}

// MapperService is the mapper engine surface tools use.
type MapperService interface {
	Config() *models.MapperConfig
	UpdateConfig(ctx context.Context, cfg *models.MapperConfig) error
}

// StatusSource reports the live gateway status.
type StatusSource interface {
	Status(ctx context.Context) any
}

// Deps carries everything the tool catalogue can reach.
type Deps struct {
	Store     ToolStore
	Publisher Publisher
	Mapper    MapperService
	Sandbox   *sandbox.Runtime
	Status    StatusSource
}

var errAdminOnly = errors.New("this tool requires admin privileges")

func jsonResult(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool result: %w", err)
	}
	return string(raw), nil
}

func schema(s string) json.RawMessage { return json.RawMessage(s) }

// Catalogue builds the tool set allowed by the capability flags. The model
// only ever sees the tools returned here; disabled families are invisible,
// not rejected at call time.
func Catalogue(flags config.ToolFlags, deps Deps) []Tool {
	var tools []Tool
	if flags.Read {
		tools = append(tools, readTools(deps)...)
	}
	if flags.Semantic {
		tools = append(tools, semanticTools(deps)...)
	}
	if flags.Publish {
		tools = append(tools, publishTools(deps)...)
	}
	if flags.Mapper {
		tools = append(tools, mapperTools(deps)...)
	}
	if flags.Admin {
		tools = append(tools, adminTools(deps)...)
	}
	// Files and Simulator are accepted flags with no in-process backing.
	return tools
}

func readTools(deps Deps) []Tool {
	return []Tool{
		{
			Spec: llm.ToolSpec{
				Name:        "get_status",
				Description: "Get gateway status: broker connections, store usage, connected clients, active mapper version.",
				Parameters:  schema(`{"type":"object","properties":{}}`),
			},
			Handle: func(ctx context.Context, _ Identity, _ json.RawMessage) (string, error) {
				return jsonResult(deps.Status.Status(ctx))
			},
		},
		{
			Spec: llm.ToolSpec{
				Name:        "list_topics",
				Description: "List all (broker, topic) pairs known to the store.",
				Parameters:  schema(`{"type":"object","properties":{}}`),
			},
			Handle: func(ctx context.Context, _ Identity, _ json.RawMessage) (string, error) {
				topics, err := deps.Store.Topics(ctx)
				if err != nil {
					return "", err
				}
				return jsonResult(topics)
			},
		},
		{
			Spec: llm.ToolSpec{
				Name:        "get_latest",
				Description: "Get the most recent message on a topic.",
				Parameters: schema(`{"type":"object","properties":{
					"topic":{"type":"string","description":"exact topic name"},
					"broker_id":{"type":"string","description":"optional broker filter"}
				},"required":["topic"]}`),
			},
			Handle: func(ctx context.Context, _ Identity, args json.RawMessage) (string, error) {
				var in struct {
					Topic    string `json:"topic"`
					BrokerID string `json:"broker_id"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return "", err
				}
				ev, err := deps.Store.GetLatest(ctx, in.BrokerID, in.Topic)
				if err != nil {
					return "", err
				}
				return jsonResult(ev)
			},
		},
		{
			Spec: llm.ToolSpec{
				Name:        "get_history",
				Description: "Get recent messages on a topic, newest first.",
				Parameters: schema(`{"type":"object","properties":{
					"topic":{"type":"string"},
					"broker_id":{"type":"string"},
					"limit":{"type":"integer","description":"max rows, default 20"}
				},"required":["topic"]}`),
			},
			Handle: func(ctx context.Context, _ Identity, args json.RawMessage) (string, error) {
				var in struct {
					Topic    string `json:"topic"`
					BrokerID string `json:"broker_id"`
					Limit    int    `json:"limit"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return "", err
				}
				if in.Limit <= 0 {
					in.Limit = 20
				}
				events, err := deps.Store.GetHistory(ctx, in.BrokerID, in.Topic, in.Limit)
				if err != nil {
					return "", err
				}
				return jsonResult(events)
			},
		},
		{
			Spec: llm.ToolSpec{
				Name:        "search_events",
				Description: "Full-text search over topics and textual payloads. Query must be at least 2 characters.",
				Parameters: schema(`{"type":"object","properties":{
					"q":{"type":"string"},
					"broker_id":{"type":"string"},
					"limit":{"type":"integer"}
				},"required":["q"]}`),
			},
			Handle: func(ctx context.Context, _ Identity, args json.RawMessage) (string, error) {
				var in struct {
					Q        string `json:"q"`
					BrokerID string `json:"broker_id"`
					Limit    int    `json:"limit"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return "", err
				}
				events, err := deps.Store.SearchFulltext(ctx, in.Q, in.BrokerID, nil, nil, in.Limit)
				if err != nil {
					return "", err
				}
				return jsonResult(events)
			},
		},
	}
}

func semanticTools(deps Deps) []Tool {
	return []Tool{{
		Spec: llm.ToolSpec{
			Name:        "search_model",
			Description: "Search events by topic pattern with JSON payload field filters, e.g. pattern 'f/+/temp' with filters {\"unit\":\"C\"}.",
			Parameters: schema(`{"type":"object","properties":{
				"pattern":{"type":"string","description":"MQTT wildcard pattern"},
				"filters":{"type":"object","description":"payload field equality filters"},
				"broker_id":{"type":"string"},
				"limit":{"type":"integer"}
			},"required":["pattern"]}`),
		},
		Handle: func(ctx context.Context, _ Identity, args json.RawMessage) (string, error) {
			var in struct {
				Pattern  string         `json:"pattern"`
				Filters  map[string]any `json:"filters"`
				BrokerID string         `json:"broker_id"`
				Limit    int            `json:"limit"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			events, err := deps.Store.SearchByTemplate(ctx, in.Pattern, in.Filters, in.BrokerID, in.Limit)
			if err != nil {
				return "", err
			}
			return jsonResult(events)
		},
	}}
}

func publishTools(deps Deps) []Tool {
	return []Tool{{
		Spec: llm.ToolSpec{
			Name:        "publish",
			Description: "Publish a message to a broker topic. Subject to the broker's publish allow-list.",
			Parameters: schema(`{"type":"object","properties":{
				"broker_id":{"type":"string"},
				"topic":{"type":"string"},
				"payload":{"type":"string"},
				"qos":{"type":"integer","enum":[0,1,2]},
				"retain":{"type":"boolean"}
			},"required":["broker_id","topic","payload"]}`),
		},
		Handle: func(_ context.Context, _ Identity, args json.RawMessage) (string, error) {
			var in struct {
				BrokerID string `json:"broker_id"`
				Topic    string `json:"topic"`
				Payload  string `json:"payload"`
				QoS      byte   `json:"qos"`
				Retain   bool   `json:"retain"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if err := deps.Publisher.Publish(in.BrokerID, in.Topic, []byte(in.Payload), in.QoS, in.Retain); err != nil {
				return "", err
			}
			return `{"published":true}`, nil
		},
	}}
}

func mapperTools(deps Deps) []Tool {
	return []Tool{
		{
			Spec: llm.ToolSpec{
				Name:        "get_mapper_config",
				Description: "Get the full mapper configuration document including all saved versions.",
				Parameters:  schema(`{"type":"object","properties":{}}`),
			},
			Handle: func(_ context.Context, _ Identity, _ json.RawMessage) (string, error) {
				return jsonResult(deps.Mapper.Config())
			},
		},
		{
			Spec: llm.ToolSpec{
				Name:        "update_mapper_config",
				Description: "Replace the mapper configuration document. The config is validated and takes effect immediately.",
				Parameters: schema(`{"type":"object","properties":{
					"config":{"type":"object","description":"full mapper config document"}
				},"required":["config"]}`),
			},
			Handle: func(ctx context.Context, _ Identity, args json.RawMessage) (string, error) {
				var in struct {
					Config *models.MapperConfig `json:"config"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return "", err
				}
				if in.Config == nil {
					return "", errors.New("config is required")
				}
				if err := deps.Mapper.UpdateConfig(ctx, in.Config); err != nil {
					return "", err
				}
				return `{"updated":true}`, nil
			},
		},
		{
			Spec: llm.ToolSpec{
				Name:        "test_script",
				Description: "Run a mapper/alert script fragment against a sample message in the sandbox and return the outcome.",
				Parameters: schema(`{"type":"object","properties":{
					"code":{"type":"string"},
					"topic":{"type":"string"},
					"payload":{"type":"string","description":"sample payload, JSON or raw text"}
				},"required":["code","topic","payload"]}`),
			},
			Handle: func(ctx context.Context, _ Identity, args json.RawMessage) (string, error) {
				var in struct {
					Code    string `json:"code"`
					Topic   string `json:"topic"`
					Payload string `json:"payload"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return "", err
				}
				var payload any = in.Payload
				var decoded any
				if json.Unmarshal([]byte(in.Payload), &decoded) == nil {
					payload = decoded
				}
				result := deps.Sandbox.Evaluate(ctx, in.Code, sandbox.Message{
					Topic:   in.Topic,
					Payload: payload,
				})
				return jsonResult(map[string]any{
					"outcome": result.Outcome,
					"value":   result.Value,
					"error":   result.Err,
				})
			},
		},
	}
}

func adminTools(deps Deps) []Tool {
	return []Tool{
		{
			Spec: llm.ToolSpec{
				Name:        "prune_topic",
				Description: "Delete stored events matching a topic pattern. Admin only.",
				Parameters: schema(`{"type":"object","properties":{
					"pattern":{"type":"string"},
					"broker_id":{"type":"string"}
				},"required":["pattern"]}`),
			},
			Handle: func(ctx context.Context, ident Identity, args json.RawMessage) (string, error) {
				if !ident.Admin {
					return "", errAdminOnly
				}
				var in struct {
					Pattern  string `json:"pattern"`
					BrokerID string `json:"broker_id"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return "", err
				}
				n, err := deps.Store.PrunePattern(ctx, in.Pattern, in.BrokerID)
				if err != nil {
					return "", err
				}
				return jsonResult(map[string]int64{"deleted": n})
			},
		},
		{
			Spec: llm.ToolSpec{
				Name:        "list_users",
				Description: "List recorded user identities. Admin only.",
				Parameters:  schema(`{"type":"object","properties":{}}`),
			},
			Handle: func(ctx context.Context, ident Identity, _ json.RawMessage) (string, error) {
				if !ident.Admin {
					return "", errAdminOnly
				}
				users, err := deps.Store.ListUsers(ctx)
				if err != nil {
					return "", err
				}
				return jsonResult(users)
			},
		},
	}
}
