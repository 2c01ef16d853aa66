// Package stream converts an expert run or orchestration call into an
// ordered chunk sequence delivered as server-sent events over a chunked
// HTTP response.
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ChunkKind tags one streamed unit.
type ChunkKind string

const (
	ChunkMetadata ChunkKind = "metadata"
	ChunkToken    ChunkKind = "token"
	ChunkStep     ChunkKind = "step"
	ChunkResult   ChunkKind = "result"
	ChunkDone     ChunkKind = "done"
	ChunkError    ChunkKind = "error"
)

// Chunk is one unit of a streamed response. The first chunk of any stream
// is always ChunkMetadata; the last is always ChunkDone or ChunkError — no
// chunk follows either of those.
type Chunk struct {
	Kind     ChunkKind      `json:"kind"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Metadata builds the mandatory first chunk of a run: expert id, display
// name, session enablement, session id, max steps, and a timestamp.
func Metadata(expertID, displayName string, sessionEnabled bool, sessionID string, maxSteps int, now time.Time) Chunk {
	return Chunk{
		Kind: ChunkMetadata,
		Metadata: map[string]any{
			"expert_id":       expertID,
			"display_name":    displayName,
			"session_enabled": sessionEnabled,
			"session_id":      sessionID,
			"max_steps":       maxSteps,
			"timestamp":       now.Format(time.RFC3339Nano),
		},
	}
}

// Token wraps one partial-text delta.
func Token(text string) Chunk { return Chunk{Kind: ChunkToken, Content: text} }

// Step marks a tool call or other intermediate milestone.
func Step(label string, metadata map[string]any) Chunk {
	return Chunk{Kind: ChunkStep, Content: label, Metadata: metadata}
}

// Done is the terminal success chunk, carrying closing metadata.
func Done(metadata map[string]any) Chunk { return Chunk{Kind: ChunkDone, Metadata: metadata} }

// Error is the terminal failure chunk.
func Error(agentID string, err error) Chunk {
	return Chunk{Kind: ChunkError, Content: err.Error(), Metadata: map[string]any{"agent_id": agentID}}
}

// sseWriter encodes chunks as text/event-stream frames onto an
// http.ResponseWriter, flushing after every frame so the client observes
// each chunk as it is produced rather than buffered until the handler
// returns.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the response headers required for a chunked SSE body —
// including X-Accel-Buffering: no so an intermediate reverse proxy does not
// buffer the stream — and returns a writer that encodes Chunks onto it.
// Returns an error if w does not support flushing (http.Flusher), since an
// unflushed SSE body degrades to one buffered write at connection close.
func NewSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("stream: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w, flusher: flusher}, nil
}

// WriteChunk encodes one Chunk as a single SSE "data:" frame and flushes.
func (s *sseWriter) WriteChunk(c Chunk) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("stream: marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", c.Kind, body); err != nil {
		return fmt.Errorf("stream: write chunk: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// WriteAll drains seq onto the SSE writer, stopping at the first chunk
// after a ChunkDone/ChunkError (the framing invariant) or the first write
// error.
func WriteAll(w http.ResponseWriter, seq func(yield func(Chunk, error) bool)) error {
	sse, err := NewSSEWriter(w)
	if err != nil {
		return err
	}

	var terminal bool
	seq(func(c Chunk, chunkErr error) bool {
		if chunkErr != nil {
			_ = sse.WriteChunk(Error("", chunkErr))
			terminal = true
			return false
		}
		if terminal {
			return false
		}
		if err := sse.WriteChunk(c); err != nil {
			return false
		}
		if c.Kind == ChunkDone || c.Kind == ChunkError {
			terminal = true
			return false
		}
		return true
	})
	return nil
}

// Scan decodes a previously-encoded SSE body back into Chunks — used by
// tests and by any client-side consumer of the stream.
func Scan(r *bufio.Reader) (Chunk, error) {
	var chunk Chunk
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return chunk, err
		}
		const prefix = "data: "
		if len(line) > len(prefix) && line[:len(prefix)] == prefix {
			if err := json.Unmarshal([]byte(line[len(prefix):len(line)-1]), &chunk); err != nil {
				return chunk, fmt.Errorf("stream: decode chunk: %w", err)
			}
			return chunk, nil
		}
	}
}
