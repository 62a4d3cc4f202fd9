// Package tools holds the management tools agents and gateway clients call
// to inspect and edit the job set. Every call is validated against the
// tool's JSON Schema before it runs.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/cordell/internal/agent"
)

var (
	ErrUnknownTool  = errors.New("unknown tool")
	ErrInvalidInput = errors.New("invalid tool input")
)

// Handler runs a tool with already validated input.
type Handler func(ctx context.Context, input json.RawMessage) (string, error)

type tool struct {
	def    agent.ToolDef
	schema *jsonschema.Schema
	run    Handler
}

// Registry is a set of tools. It implements agent.Toolbox.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*tool)}
}

// Register compiles the tool's input schema and adds it.
func (r *Registry) Register(def agent.ToolDef, run Handler) error {
	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("tool %s: %w", def.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[def.Name]; dup {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.tools[def.Name] = &tool{def: def, schema: schema, run: run}
	return nil
}

// Definitions returns the tools sorted by name.
func (r *Registry) Definitions() []agent.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agent.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InputSchema returns the full JSON Schema of a tool's input.
func (r *Registry) InputSchema(name string) (map[string]any, bool) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return schemaDoc(t.def), true
}

// Call validates input and runs the named tool.
func (r *Registry) Call(ctx context.Context, name string, input json.RawMessage) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if len(bytes.TrimSpace(input)) == 0 || bytes.Equal(bytes.TrimSpace(input), []byte("null")) {
		input = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidInput, name, err)
	}
	if err := t.schema.Validate(doc); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidInput, name, err)
	}
	return t.run(ctx, input)
}

func schemaDoc(def agent.ToolDef) map[string]any {
	props := def.Properties
	if props == nil {
		props = map[string]any{}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(def.Required) > 0 {
		doc["required"] = def.Required
	}
	return doc
}

func compileSchema(def agent.ToolDef) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schemaDoc(def))
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := def.Name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
