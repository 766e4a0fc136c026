// Package tools defines the agent-facing tool surface: a registry of
// tools with declared JSON schemas and a dispatcher that validates,
// coerces and times every invocation behind a uniform response envelope.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler executes one tool call. Returned warnings surface in the
// response envelope without failing the call.
type Handler func(ctx context.Context, args map[string]any) (any, []string, error)

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string

	// InputSchema is a JSON-Schema object with additionalProperties=false;
	// the dispatcher compiles it at registration time.
	InputSchema map[string]any

	Handler Handler

	compiled *jsonschema.Schema
}

// Validate checks the tool definition.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if strings.ContainsAny(t.Name, " \t\n") {
		return fmt.Errorf("tool name %q contains whitespace", t.Name)
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}
	if t.InputSchema == nil {
		return fmt.Errorf("tool %s has no input schema", t.Name)
	}
	return nil
}

// Registry holds all available tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, compiling its schema. Duplicate names error.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	compiled, err := compileSchema(tool.Name, tool.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s has an invalid schema: %w", tool.Name, err)
	}
	tool.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// MustRegister registers a tool and panics on error. Use for static
// registration at startup.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// All returns every registered tool sorted by name.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so the compiler sees the exact number
	// representation it expects.
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	url := "igloo:///" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// ObjectSchema builds the conventional schema shape every tool uses:
// typed properties, required list, and no undeclared parameters.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}
