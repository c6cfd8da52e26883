// Package llm is a minimal client for OpenAI-compatible chat completion
// endpoints. It supports SSE streaming with tool calls for the chat agent
// and a blocking completion call for alert enrichment.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/unsgate/unsgate/pkg/config"
	"github.com/unsgate/unsgate/pkg/models"
)

// ToolSpec declares one callable function presented to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Client talks to one chat-completions endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewClient creates a client from the resolved LLM configuration.
func NewClient(cfg config.LLMConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
	}
}

// Wire shapes of the chat-completions protocol.

type wireToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
}

type wireChoice struct {
	Delta        *wireMessage `json:"delta,omitempty"`
	Message      *wireMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func toWireMessages(messages []models.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []ToolSpec) []wireTool {
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		out = append(out, wt)
	}
	return out
}

func (c *Client) post(ctx context.Context, req wireRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return resp, nil
}

// Complete performs a blocking, tool-free completion. Used for alert
// enrichment.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.post(ctx, wireRequest{
		Model: c.model,
		Messages: []wireMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode completion: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("completion failed: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message == nil {
		return "", errors.New("completion returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// Stream performs a streaming completion with tools. Content deltas are
// delivered through onDelta as they arrive; the returned message is the
// fully assembled assistant turn including any tool calls.
func (c *Client) Stream(ctx context.Context, messages []models.ChatMessage, tools []ToolSpec, onDelta func(string)) (*models.ChatMessage, error) {
	resp, err := c.post(ctx, wireRequest{
		Model:    c.model,
		Messages: toWireMessages(messages),
		Tools:    toWireTools(tools),
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var content strings.Builder
	calls := newToolCallAssembler()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk wireResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("failed to decode stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return nil, fmt.Errorf("stream failed: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}
		calls.add(delta.ToolCalls)
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("stream read failed: %w", err)
	}

	return &models.ChatMessage{
		Role:      models.ChatRoleAssistant,
		Content:   content.String(),
		ToolCalls: calls.finish(),
	}, nil
}

// toolCallAssembler stitches tool-call delta fragments back together by
// stream index.
type toolCallAssembler struct {
	order []int
	byIdx map[int]*partialCall
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{byIdx: make(map[int]*partialCall)}
}

func (a *toolCallAssembler) add(deltas []wireToolCall) {
	for _, d := range deltas {
		idx := 0
		if d.Index != nil {
			idx = *d.Index
		}
		p, ok := a.byIdx[idx]
		if !ok {
			p = &partialCall{}
			a.byIdx[idx] = p
			a.order = append(a.order, idx)
		}
		if d.ID != "" {
			p.id = d.ID
		}
		if d.Function.Name != "" {
			p.name = d.Function.Name
		}
		p.args.WriteString(d.Function.Arguments)
	}
}

func (a *toolCallAssembler) finish() []models.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]models.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		p := a.byIdx[idx]
		args := p.args.String()
		if args == "" {
			args = "{}"
		}
		out = append(out, models.ToolCall{
			ID:        p.id,
			Name:      p.name,
			Arguments: json.RawMessage(args),
		})
	}
	return out
}
