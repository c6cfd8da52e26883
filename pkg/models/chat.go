package models

import (
	"encoding/json"
	"time"
)

// ChatRole identifies the author of a chat message.
type ChatRole string

// Chat message roles.
const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleTool      ChatRole = "tool"
)

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ChatMessage is one entry in a session transcript.
type ChatMessage struct {
	Role       ChatRole   `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ChatSession is a persisted conversation owned by one user.
// POST of the full ordered message list replaces the transcript.
type ChatSession struct {
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id"`
	Messages  []ChatMessage `json:"messages"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// User is a recorded identity for the admin surface.
type User struct {
	ID       string    `json:"id"`
	Admin    bool      `json:"admin"`
	LastSeen time.Time `json:"last_seen"`
}
