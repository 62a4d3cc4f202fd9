// Package agent describes the agent definitions sessions run against and the
// runtimes that carry a conversation to them.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/basket/cordell/internal/history"
)

const (
	RuntimeCLI = "cli"
	RuntimeAPI = "api"

	DefaultModel          = "sonnet"
	DefaultPermissionMode = "default"
)

var (
	// ErrUnknownAgent is returned when neither the session's own agent nor the
	// default agent is defined.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrConnClosed is returned by Send after Close.
	ErrConnClosed = errors.New("agent connection closed")
)

var permissionModes = map[string]bool{
	"default":           true,
	"acceptEdits":       true,
	"plan":              true,
	"bypassPermissions": true,
}

// ValidPermissionMode reports whether mode is one the runtimes understand.
func ValidPermissionMode(mode string) bool { return permissionModes[mode] }

// Spec is a resolved agent definition.
type Spec struct {
	Name             string            `json:"name"`
	Model            string            `json:"model"`
	SystemPrompt     string            `json:"-"`
	SystemPromptFile string            `json:"system_prompt_file,omitempty"`
	PermissionMode   string            `json:"permission_mode"`
	AllowedTools     []string          `json:"allowed_tools,omitempty"`
	Env              map[string]string `json:"-"`
	Workspace        string            `json:"workspace,omitempty"`
	Runtime          string            `json:"runtime"`
}

// Allows reports whether tool is usable by this agent. An empty allow list
// allows everything.
func (s Spec) Allows(tool string) bool {
	if len(s.AllowedTools) == 0 {
		return true
	}
	for _, t := range s.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// EnvList returns Env as sorted KEY=VALUE pairs.
func (s Spec) EnvList() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Event is one tool step produced while answering a prompt.
type Event struct {
	Kind      history.Kind    `json:"kind"`
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Record converts the event into its log record.
func (e Event) Record() history.Record {
	var rec history.Record
	if e.Kind == history.KindToolUse {
		rec = history.ToolUse(e.CallID, e.Tool, e.Input)
	} else {
		rec = history.ToolResult(e.CallID, e.Output, e.IsError)
	}
	if !e.Timestamp.IsZero() {
		rec.Timestamp = e.Timestamp.UTC()
	}
	return rec
}

// Response is the outcome of one prompt round trip.
type Response struct {
	Text      string  `json:"text"`
	Events    []Event `json:"events,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
}

// Conn is a live conversation with an agent runtime. Calls are serialized by
// the owner; Close may be called concurrently with Send.
type Conn interface {
	Send(ctx context.Context, prompt string) (Response, error)
	// SessionID is the runtime's identifier for the conversation, usable as
	// DialRequest.ResumeID after a restart.
	SessionID() string
	Close() error
}

// DialRequest carries what a runtime needs to open or resume a conversation.
type DialRequest struct {
	Session  string
	Agent    Spec
	ResumeID string
	// History holds the records logged since the resume pointer was saved,
	// for runtimes that replay context themselves.
	History []history.Record
}

// Dialer opens conversations.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, req DialRequest) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, req DialRequest) (Conn, error) { return f(ctx, req) }

// RuntimeDialer picks a Dialer by the agent's runtime.
type RuntimeDialer map[string]Dialer

func (m RuntimeDialer) Dial(ctx context.Context, req DialRequest) (Conn, error) {
	runtime := req.Agent.Runtime
	if runtime == "" {
		runtime = RuntimeCLI
	}
	d, ok := m[runtime]
	if !ok || d == nil {
		return nil, fmt.Errorf("agent %q: runtime %q not available", req.Agent.Name, runtime)
	}
	return d.Dial(ctx, req)
}

// Registry holds the known agent definitions.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]Spec
	defaultAgent string
}

// NewRegistry returns a registry holding specs. defaultAgent names the agent
// used by sessions that have no agent of their own.
func NewRegistry(defaultAgent string, specs ...Spec) *Registry {
	r := &Registry{agents: make(map[string]Spec, len(specs)), defaultAgent: defaultAgent}
	for _, s := range specs {
		r.agents[s.Name] = s
	}
	return r
}

// Replace swaps the whole set of definitions.
func (r *Registry) Replace(defaultAgent string, specs []Spec) {
	next := make(map[string]Spec, len(specs))
	for _, s := range specs {
		next[s.Name] = s
	}
	r.mu.Lock()
	r.agents = next
	r.defaultAgent = defaultAgent
	r.mu.Unlock()
}

// Get returns the agent with the given name.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.agents[name]
	return s, ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	out := make([]Spec, 0, len(r.agents))
	for _, s := range r.agents {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve returns the agent a session talks to: the agent sharing the
// session's name, otherwise the default agent.
func (r *Registry) Resolve(session string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.agents[session]; ok {
		return s, nil
	}
	if s, ok := r.agents[r.defaultAgent]; ok {
		return s, nil
	}
	return Spec{}, fmt.Errorf("%w: session %q has no agent and default %q is not defined", ErrUnknownAgent, session, r.defaultAgent)
}
