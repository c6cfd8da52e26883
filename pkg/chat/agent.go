// Package chat is the streaming agent surface. A user turn runs a
// tool-call loop against the configured catalogue and streams progress as
// NDJSON chunks, mirrored onto the hub channel of the same user.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/unsgate/unsgate/pkg/llm"
	"github.com/unsgate/unsgate/pkg/models"
	"github.com/unsgate/unsgate/pkg/store"
)

// DefaultMaxSteps is the tool-call loop ceiling per turn.
const DefaultMaxSteps = 8

// msgChatChunk is the hub message type carrying mirrored stream chunks.
const msgChatChunk = "chat-chunk"

const systemPrompt = `You are the assistant of a Unified-Namespace MQTT gateway. You can inspect live topics, stored history and the mapper configuration through your tools. Answer concisely; prefer tool data over guessing. Topics are '/'-delimited UTF-8 strings; payloads are usually JSON.`

// Streamer is the model call the agent loops over. Implemented by
// *llm.Client.
type Streamer interface {
	Stream(ctx context.Context, messages []models.ChatMessage, tools []llm.ToolSpec, onDelta func(string)) (*models.ChatMessage, error)
}

// SessionStore persists transcripts between turns.
type SessionStore interface {
	GetChatSession(ctx context.Context, sessionID, userID string) (*models.ChatSession, error)
	SaveChatSession(ctx context.Context, session *models.ChatSession) error
}

// UserNotifier mirrors chunks to the user's hub connections. May be nil.
type UserNotifier interface {
	SendToUser(userID, msgType string, payload any)
}

// Agent runs chat turns. Safe for concurrent use across sessions; turns on
// the same session are serialised by cancellation of the previous one.
type Agent struct {
	llm      Streamer
	sessions SessionStore
	tools    []Tool
	hub      UserNotifier
	maxSteps int

	mu      sync.Mutex
	running map[string]context.CancelFunc // by session ID
}

// New creates the agent. A zero maxSteps selects DefaultMaxSteps.
func New(llmClient Streamer, sessions SessionStore, tools []Tool, hub UserNotifier, maxSteps int) *Agent {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Agent{
		llm:      llmClient,
		sessions: sessions,
		tools:    tools,
		hub:      hub,
		maxSteps: maxSteps,
		running:  make(map[string]context.CancelFunc),
	}
}

// Stop cancels the in-flight turn of a session, if any.
func (a *Agent) Stop(sessionID string) bool {
	a.mu.Lock()
	cancel, ok := a.running[sessionID]
	a.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (a *Agent) track(sessionID string, cancel context.CancelFunc) {
	a.mu.Lock()
	if prev, ok := a.running[sessionID]; ok {
		prev()
	}
	a.running[sessionID] = cancel
	a.mu.Unlock()
}

func (a *Agent) untrack(sessionID string) {
	a.mu.Lock()
	delete(a.running, sessionID)
	a.mu.Unlock()
}

// mirroringWriter duplicates every chunk onto the owner's hub channel.
type mirroringWriter struct {
	out       ChunkWriter
	hub       UserNotifier
	userID    string
	sessionID string
}

type mirroredChunk struct {
	SessionID string `json:"session_id"`
	Chunk
}

func (m *mirroringWriter) emit(c Chunk) error {
	if m.hub != nil {
		m.hub.SendToUser(m.userID, msgChatChunk, mirroredChunk{SessionID: m.sessionID, Chunk: c})
	}
	return m.out.WriteChunk(c)
}

// Run executes one chat turn and streams its progress. The transcript is
// persisted on every exit path so partial turns survive.
func (a *Agent) Run(ctx context.Context, ident Identity, sessionID, userMessage string, out ChunkWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.track(sessionID, cancel)
	defer a.untrack(sessionID)

	w := &mirroringWriter{out: out, hub: a.hub, userID: ident.UserID, sessionID: sessionID}

	session, err := a.loadSession(ctx, sessionID, ident.UserID)
	if err != nil {
		_ = w.emit(newChunk(ChunkError, err.Error()))
		return err
	}
	session.Messages = append(session.Messages, models.ChatMessage{
		Role: models.ChatRoleUser, Content: userMessage,
	})

	specs := make([]llm.ToolSpec, 0, len(a.tools))
	byName := make(map[string]Tool, len(a.tools))
	for _, t := range a.tools {
		specs = append(specs, t.Spec)
		byName[t.Spec.Name] = t
	}

	runErr := a.loop(ctx, ident, session, specs, byName, w)

	// Persist whatever the turn produced, even on cancellation.
	saveCtx, saveCancel := context.WithTimeout(context.Background(), saveTimeout)
	defer saveCancel()
	if err := a.sessions.SaveChatSession(saveCtx, session); err != nil {
		slog.Error("Failed to save chat session", "session_id", sessionID, "error", err)
	}
	return runErr
}

const saveTimeout = 5 * time.Second

func (a *Agent) loadSession(ctx context.Context, sessionID, userID string) (*models.ChatSession, error) {
	session, err := a.sessions.GetChatSession(ctx, sessionID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.ChatSession{SessionID: sessionID, UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (a *Agent) loop(ctx context.Context, ident Identity, session *models.ChatSession, specs []llm.ToolSpec, byName map[string]Tool, w *mirroringWriter) error {
	for step := 0; step < a.maxSteps; step++ {
		_ = w.emit(newChunk(ChunkStatus, "thinking"))

		messages := append([]models.ChatMessage{
			{Role: models.ChatRoleSystem, Content: systemPrompt},
		}, session.Messages...)

		reply, err := a.llm.Stream(ctx, messages, specs, func(delta string) {
			_ = w.emit(newChunk(ChunkMessage, delta))
		})
		if err != nil {
			if ctx.Err() != nil {
				_ = w.emit(newChunk(ChunkError, "stopped"))
				return ctx.Err()
			}
			_ = w.emit(newChunk(ChunkError, err.Error()))
			return err
		}
		session.Messages = append(session.Messages, *reply)

		if len(reply.ToolCalls) == 0 {
			return nil
		}

		for _, call := range reply.ToolCalls {
			result := a.invokeTool(ctx, ident, byName, call, w)
			session.Messages = append(session.Messages, models.ChatMessage{
				Role:       models.ChatRoleTool,
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
			if ctx.Err() != nil {
				_ = w.emit(newChunk(ChunkError, "stopped"))
				return ctx.Err()
			}
		}
	}

	msg := fmt.Sprintf("stopped after %d tool steps without a final answer", a.maxSteps)
	_ = w.emit(newChunk(ChunkError, msg))
	return errors.New(msg)
}

// invokeTool runs one tool call under the caller's identity. Failures are
// returned to the model as error strings, never raised to the client.
func (a *Agent) invokeTool(ctx context.Context, ident Identity, byName map[string]Tool, call models.ToolCall, w *mirroringWriter) string {
	_ = w.emit(newChunk(ChunkToolStart, fmt.Sprintf("%s %s", call.Name, string(call.Arguments))))

	tool, ok := byName[call.Name]
	if !ok {
		result := fmt.Sprintf(`{"error":"unknown tool %q"}`, call.Name)
		_ = w.emit(newChunk(ChunkToolResult, result))
		return result
	}

	result, err := tool.Handle(ctx, ident, call.Arguments)
	if err != nil {
		slog.Warn("Chat tool failed", "tool", call.Name, "user_id", ident.UserID, "error", err)
		result = fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	_ = w.emit(newChunk(ChunkToolResult, result))
	return result
}
