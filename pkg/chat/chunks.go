package chat

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// Chunk types of the NDJSON progress stream.
const (
	ChunkStatus     = "status"
	ChunkToolStart  = "tool_start"
	ChunkToolResult = "tool_result"
	ChunkMessage    = "message"
	ChunkError      = "error"
)

// Chunk is one NDJSON line of a chat stream. The id is stable per chunk so
// the hub mirror of the same stream can be de-duplicated client-side.
type Chunk struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

func newChunk(chunkType, content string) Chunk {
	return Chunk{ID: uuid.NewString(), Type: chunkType, Content: content}
}

// ChunkWriter receives stream chunks in emit order.
type ChunkWriter interface {
	WriteChunk(Chunk) error
}

// NDJSONWriter writes chunks as newline-delimited JSON, flushing after
// each line when the sink supports it.
type NDJSONWriter struct {
	w io.Writer
}

// NewNDJSONWriter wraps an HTTP response (or any writer) as a chunk sink.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{w: w}
}

func (n *NDJSONWriter) WriteChunk(c Chunk) error {
	line, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if _, err := n.w.Write(append(line, '\n')); err != nil {
		return err
	}
	if f, ok := n.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
