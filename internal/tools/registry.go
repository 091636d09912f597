// Package tools holds the tool registry, the dispatcher that executes tool
// calls under cache/timeout/circuit-breaker discipline, and the built-in
// research tools.
package tools

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/internal/mcp"
	"github.com/quarrylabs/quarry/internal/oauth"
)

// Handler executes one tool call with validated arguments.
type Handler func(ctx context.Context, call *Call) (*mcp.CallToolResult, error)

// Call is the handler's view of one invocation.
type Call struct {
	Args      map[string]any
	SessionID string
	Subject   string // OAuth sub, "" when auth is disabled
}

// Spec declares one tool: its advertised metadata, input constraints, and
// execution policy.
type Spec struct {
	Name          string
	Title         string
	Description   string
	Input         *Schema
	OutputSchema  string // JSON Schema source, "" when absent
	RequiredScope string // defaults to the execute scope for Name
	DefaultTTL    time.Duration
	Timeout       time.Duration
	Cacheable     bool
	Handler       Handler
}

// Scope returns the scope required to execute this tool.
func (s *Spec) Scope() string {
	if s.RequiredScope != "" {
		return s.RequiredScope
	}
	return oauth.ToolScope(s.Name)
}

// Registry maps tool names to specs.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*Spec)}
}

// Register adds a tool. Re-registering a name replaces the previous spec.
func (r *Registry) Register(spec *Spec) {
	if spec.Timeout <= 0 {
		spec.Timeout = 30 * time.Second
	}
	r.mu.Lock()
	r.specs[spec.Name] = spec
	r.mu.Unlock()
}

// Get returns the spec for name, or nil.
func (r *Registry) Get(name string) *Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specs[name]
}

// List returns the advertised tool definitions sorted by name.
func (r *Registry) List() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]mcp.Tool, 0, len(r.specs))
	for _, spec := range r.specs {
		t := mcp.Tool{
			Name:        spec.Name,
			Title:       spec.Title,
			Description: spec.Description,
		}
		if spec.Input != nil {
			t.InputSchema = spec.Input.JSON()
		}
		if spec.OutputSchema != "" {
			t.OutputSchema = []byte(spec.OutputSchema)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
