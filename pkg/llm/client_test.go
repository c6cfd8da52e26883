package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsgate/unsgate/pkg/config"
	"github.com/unsgate/unsgate/pkg/models"
)

func newTestClient(serverURL string) *Client {
	return NewClient(config.LLMConfig{
		APIKey:  "test-key",
		BaseURL: serverURL,
		Model:   "test-model",
		Timeout: 5 * time.Second,
	})
}

func sseBody(chunks ...string) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("data: " + c + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func TestCompleteReturnsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "looks fine"}},
			},
		})
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Complete(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, "looks fine", got)
}

func TestCompleteSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), "sys", "usr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestStreamAssemblesContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(
			`{"choices":[{"delta":{"content":"Hello"}}]}`,
			`{"choices":[{"delta":{"content":", "}}]}`,
			`{"choices":[{"delta":{"content":"world"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		)))
	}))
	defer srv.Close()

	var deltas []string
	msg, err := newTestClient(srv.URL).Stream(context.Background(),
		[]models.ChatMessage{{Role: models.ChatRoleUser, Content: "hi"}},
		nil, func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)

	assert.Equal(t, models.ChatRoleAssistant, msg.Role)
	assert.Equal(t, "Hello, world", msg.Content)
	assert.Empty(t, msg.ToolCalls)
	assert.Equal(t, []string{"Hello", ", ", "world"}, deltas)
}

func TestStreamAssemblesToolCallFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "get_latest", req.Tools[0].Function.Name)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_latest","arguments":""}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"topic\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"f/1/temp\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		)))
	}))
	defer srv.Close()

	msg, err := newTestClient(srv.URL).Stream(context.Background(),
		[]models.ChatMessage{{Role: models.ChatRoleUser, Content: "temp?"}},
		[]ToolSpec{{Name: "get_latest", Description: "latest event", Parameters: json.RawMessage(`{"type":"object"}`)}},
		nil)
	require.NoError(t, err)

	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "call_1", msg.ToolCalls[0].ID)
	assert.Equal(t, "get_latest", msg.ToolCalls[0].Name)
	assert.JSONEq(t, `{"topic":"f/1/temp"}`, string(msg.ToolCalls[0].Arguments))
}

func TestStreamMultipleToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"a","arguments":"{}"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"c2","function":{"name":"b","arguments":"{}"}}]}}]}`,
		)))
	}))
	defer srv.Close()

	msg, err := newTestClient(srv.URL).Stream(context.Background(),
		[]models.ChatMessage{{Role: models.ChatRoleUser, Content: "x"}}, nil, nil)
	require.NoError(t, err)

	require.Len(t, msg.ToolCalls, 2)
	assert.Equal(t, "a", msg.ToolCalls[0].Name)
	assert.Equal(t, "b", msg.ToolCalls[1].Name)
}

func TestStreamForwardsToolResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 3)
		assert.Equal(t, "tool", req.Messages[2].Role)
		assert.Equal(t, "call_1", req.Messages[2].ToolCallID)
		require.Len(t, req.Messages[1].ToolCalls, 1)
		assert.Equal(t, "get_latest", req.Messages[1].ToolCalls[0].Function.Name)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(`{"choices":[{"delta":{"content":"22.5 degrees"}}]}`)))
	}))
	defer srv.Close()

	history := []models.ChatMessage{
		{Role: models.ChatRoleUser, Content: "temp?"},
		{Role: models.ChatRoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "get_latest", Arguments: json.RawMessage(`{"topic":"f/1/temp"}`)},
		}},
		{Role: models.ChatRoleTool, ToolCallID: "call_1", Name: "get_latest", Content: `{"value":22.5}`},
	}
	msg, err := newTestClient(srv.URL).Stream(context.Background(), history, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "22.5 degrees", msg.Content)
}

func TestStreamCancelledContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := newTestClient(srv.URL).Stream(ctx,
		[]models.ChatMessage{{Role: models.ChatRoleUser, Content: "x"}}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
