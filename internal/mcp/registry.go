package mcp

import (
	"context"
	"fmt"
)

// Handler executes one tool call for a given caller. ctx carries the
// request's cancellation and the http request's deadline.
type Handler func(ctx context.Context, callerID string, args map[string]interface{}) (interface{}, error)

// Parameter describes one named argument a tool accepts, surfaced to the
// client in tools/list's inputSchema.
type Parameter struct {
	Type        string
	Description string
	Required    bool
}

// Tool is one registered MCP tool: a name, a JSON-schema-ish parameter list
// for discovery, and the handler that actually runs it.
type Tool struct {
	Name        string
	Group       string // workspace | vfs | document | orchestrator
	Description string
	Parameters  map[string]Parameter
	Handler     Handler
}

// Registry holds every tool the server can dispatch tools/call to.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Tools returns every registered tool, for copying into another registry.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// List renders every registered tool as an MCP tools/list entry.
func (r *Registry) List() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(r.tools))
	for _, t := range r.tools {
		properties := make(map[string]interface{}, len(t.Parameters))
		required := make([]string, 0)
		for name, p := range t.Parameters {
			properties[name] = map[string]interface{}{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Required {
				required = append(required, name)
			}
		}
		out = append(out, map[string]interface{}{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		})
	}
	return out
}

// Execute dispatches name's handler. A missing tool is a caller-visible
// error, not a panic.
func (r *Registry) Execute(ctx context.Context, name, callerID string, args map[string]interface{}) (interface{}, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return t.Handler(ctx, callerID, args)
}
