package history

import (
	"encoding/json"
	"time"
)

// ToolCall pairs a tool invocation with its result. A call whose result has
// not been logged yet is Pending.
type ToolCall struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      string          `json:"output,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`
	Pending     bool            `json:"pending"`
	InvokedAt   time.Time       `json:"invoked_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// Turn is one transcript element: either a message or a tool call.
type Turn struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content,omitempty"`
	Tool      *ToolCall `json:"tool,omitempty"`
}

// Transcript is the ordered conversation reconstructed from a log.
type Transcript struct {
	Turns []Turn `json:"turns"`
}

// Pending returns the tool calls still waiting for a result.
func (t Transcript) Pending() []*ToolCall {
	var out []*ToolCall
	for _, turn := range t.Turns {
		if turn.Tool != nil && turn.Tool.Pending {
			out = append(out, turn.Tool)
		}
	}
	return out
}

// BuildTranscript orders records into turns, pairing tool_use and
// tool_result records by correlation id and dropping records whose id was
// already seen. A result with no matching invocation is kept as its own turn.
func BuildTranscript(records []Record) Transcript {
	var t Transcript
	seen := make(map[string]struct{}, len(records))
	calls := make(map[string]*ToolCall)

	for _, rec := range records {
		if rec.ID != "" {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
		}
		switch rec.Kind {
		case KindToolUse:
			call := &ToolCall{
				ID:        rec.CorrelationID,
				Name:      rec.Tool,
				Input:     rec.Input,
				Pending:   true,
				InvokedAt: rec.Timestamp,
			}
			calls[rec.CorrelationID] = call
			t.Turns = append(t.Turns, Turn{Kind: KindToolUse, Timestamp: rec.Timestamp, Tool: call})
		case KindToolResult:
			if call, ok := calls[rec.CorrelationID]; ok && call.Pending {
				call.Output = rec.Content
				call.IsError = rec.IsError
				call.Pending = false
				call.CompletedAt = rec.Timestamp
				continue
			}
			t.Turns = append(t.Turns, Turn{
				Kind:      KindToolResult,
				Timestamp: rec.Timestamp,
				Content:   rec.Content,
				Tool: &ToolCall{
					ID:          rec.CorrelationID,
					Output:      rec.Content,
					IsError:     rec.IsError,
					CompletedAt: rec.Timestamp,
				},
			})
		default:
			t.Turns = append(t.Turns, Turn{Kind: rec.Kind, Timestamp: rec.Timestamp, Content: rec.Content})
		}
	}
	return t
}

// Transcript reads the whole session log and builds its transcript.
func (r *Reader) Transcript(session string) (Transcript, error) {
	records, _, err := r.ReadAll(session, 0)
	if err != nil {
		return Transcript{}, err
	}
	return BuildTranscript(records), nil
}
