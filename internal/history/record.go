// Package history stores and reads the per-session conversation logs.
//
// A log is an append-only JSONL file, one Record per line. Writers append
// whole lines and fsync before reporting success; readers never lock and
// treat a trailing line without a newline as not yet written.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a log record.
type Kind string

const (
	KindUser       Kind = "user"
	KindAssistant  Kind = "assistant"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindSystem     Kind = "system"
)

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindAssistant, KindToolUse, KindToolResult, KindSystem:
		return true
	}
	return false
}

// Record is one line of a session log.
type Record struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Timestamp     time.Time       `json:"timestamp"`
	Content       string          `json:"content"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Tool          string          `json:"tool,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
}

// NewRecord returns a record of the given kind stamped with a fresh id and
// the current UTC time.
func NewRecord(kind Kind, content string) Record {
	return Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Content:   content,
	}
}

// ToolUse returns a tool invocation record correlated by callID.
func ToolUse(callID, tool string, input json.RawMessage) Record {
	r := NewRecord(KindToolUse, "")
	r.CorrelationID = callID
	r.Tool = tool
	r.Input = input
	return r
}

// ToolResult returns a tool result record correlated by callID.
func ToolResult(callID, output string, isError bool) Record {
	r := NewRecord(KindToolResult, output)
	r.CorrelationID = callID
	r.IsError = isError
	return r
}

func (r Record) validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid record kind %q", r.Kind)
	}
	if (r.Kind == KindToolUse || r.Kind == KindToolResult) && r.CorrelationID == "" {
		return fmt.Errorf("%s record requires a correlation id", r.Kind)
	}
	return nil
}

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ErrInvalidSession is returned for names that cannot be used as a log file name.
var ErrInvalidSession = errors.New("invalid session name")

// ValidateSession checks that name is usable as a session name.
func ValidateSession(name string) error {
	if !sessionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidSession, name)
	}
	return nil
}
