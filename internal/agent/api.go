package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/basket/cordell/internal/history"
)

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Toolbox executes tools on behalf of the model.
type Toolbox interface {
	Definitions() []ToolDef
	Call(ctx context.Context, name string, input json.RawMessage) (string, error)
}

var modelAliases = map[string]anthropic.Model{
	"sonnet": anthropic.ModelClaudeSonnet4_5,
	"opus":   anthropic.ModelClaudeOpus4_5,
	"haiku":  anthropic.ModelClaudeHaiku4_5,
}

func resolveModel(name string) anthropic.Model {
	if m, ok := modelAliases[name]; ok {
		return m
	}
	if name == "" {
		return modelAliases[DefaultModel]
	}
	return anthropic.Model(name)
}

// APIDialer talks to the Messages API directly. Conversation state lives in
// process; on resume it is rebuilt from the session log.
type APIDialer struct {
	APIKey        string
	Tools         Toolbox
	MaxTokens     int64
	MaxToolRounds int
	Options       []option.RequestOption
	Logger        *slog.Logger
}

func (d *APIDialer) Dial(ctx context.Context, req DialRequest) (Conn, error) {
	if d.APIKey == "" {
		return nil, errors.New("anthropic api key not configured")
	}
	opts := append([]option.RequestOption{option.WithAPIKey(d.APIKey)}, d.Options...)
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := req.ResumeID
	if id == "" {
		id = uuid.NewString()
	}
	c := &apiConn{
		client:    anthropic.NewClient(opts...),
		agent:     req.Agent,
		tools:     d.Tools,
		maxTokens: d.MaxTokens,
		maxRounds: d.MaxToolRounds,
		sessionID: id,
		logger:    logger.With("session", req.Session, "agent", req.Agent.Name),
	}
	if c.maxTokens <= 0 {
		c.maxTokens = 4096
	}
	if c.maxRounds <= 0 {
		c.maxRounds = 8
	}
	c.messages = replay(req.History)
	return c, nil
}

// replay rebuilds the message list from logged user and assistant turns.
// Adjacent turns of the same role are merged.
func replay(records []history.Record) []anthropic.MessageParam {
	var msgs []anthropic.MessageParam
	for _, turn := range history.BuildTranscript(records).Turns {
		var role anthropic.MessageParamRole
		switch turn.Kind {
		case history.KindUser:
			role = anthropic.MessageParamRoleUser
		case history.KindAssistant:
			role = anthropic.MessageParamRoleAssistant
		default:
			continue
		}
		if turn.Content == "" {
			continue
		}
		if len(msgs) == 0 && role != anthropic.MessageParamRoleUser {
			continue
		}
		block := anthropic.NewTextBlock(turn.Content)
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content = append(msgs[n-1].Content, block)
			continue
		}
		msgs = append(msgs, anthropic.MessageParam{Role: role, Content: []anthropic.ContentBlockParamUnion{block}})
	}
	return msgs
}

type apiConn struct {
	client    anthropic.Client
	agent     Spec
	tools     Toolbox
	maxTokens int64
	maxRounds int
	sessionID string
	logger    *slog.Logger

	mu       sync.Mutex
	messages []anthropic.MessageParam
	closed   bool
}

func (c *apiConn) SessionID() string { return c.sessionID }

func (c *apiConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *apiConn) toolParams() []anthropic.ToolUnionParam {
	if c.tools == nil {
		return nil
	}
	var out []anthropic.ToolUnionParam
	for _, def := range c.tools.Definitions() {
		if !c.agent.Allows(def.Name) {
			continue
		}
		tool := anthropic.ToolParam{
			Name:        def.Name,
			InputSchema: anthropic.ToolInputSchemaParam{Properties: def.Properties, Required: def.Required},
		}
		if def.Description != "" {
			tool.Description = anthropic.String(def.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func (c *apiConn) Send(ctx context.Context, prompt string) (Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Response{}, ErrConnClosed
	}
	msgs := append([]anthropic.MessageParam(nil), c.messages...)
	c.mu.Unlock()

	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	params := anthropic.MessageNewParams{
		Model:     resolveModel(c.agent.Model),
		MaxTokens: c.maxTokens,
		Tools:     c.toolParams(),
	}
	if c.agent.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.agent.SystemPrompt}}
	}

	resp := Response{SessionID: c.sessionID}
	for round := 0; ; round++ {
		params.Messages = msgs
		msg, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return Response{}, fmt.Errorf("messages api: %w", err)
		}
		msgs = append(msgs, msg.ToParam())

		var text strings.Builder
		var results []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.AsText().Text)
			case "tool_use":
				use := block.AsToolUse()
				resp.Events = append(resp.Events, Event{
					Kind: history.KindToolUse, CallID: use.ID, Tool: use.Name, Input: use.Input, Timestamp: time.Now().UTC(),
				})
				out, isErr := c.callTool(ctx, use.Name, use.Input)
				resp.Events = append(resp.Events, Event{
					Kind: history.KindToolResult, CallID: use.ID, Output: out, IsError: isErr, Timestamp: time.Now().UTC(),
				})
				results = append(results, anthropic.NewToolResultBlock(use.ID, out, isErr))
			}
		}
		resp.Text = text.String()

		if msg.StopReason != anthropic.StopReasonToolUse || len(results) == 0 {
			break
		}
		if round+1 >= c.maxRounds {
			return Response{}, fmt.Errorf("tool loop exceeded %d rounds", c.maxRounds)
		}
		msgs = append(msgs, anthropic.NewUserMessage(results...))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Response{}, ErrConnClosed
	}
	c.messages = msgs
	c.mu.Unlock()
	return resp, nil
}

func (c *apiConn) callTool(ctx context.Context, name string, input json.RawMessage) (string, bool) {
	if c.tools == nil || !c.agent.Allows(name) {
		return fmt.Sprintf("tool %q is not available", name), true
	}
	out, err := c.tools.Call(ctx, name, input)
	if err != nil {
		c.logger.Warn("agent: tool call failed", "tool", name, "error", err)
		return err.Error(), true
	}
	return out, false
}
