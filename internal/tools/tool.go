// Package tools provides the tool framework and note tools for the agent.
package tools

import (
	"context"
	"fmt"
	"sort"
)

// Scope is the workspace-scoped execution context passed unchanged into
// every tool invocation for a task's duration.
type Scope struct {
	WorkspacePath  string
	ActiveNotePath string
}

// Result is the outcome of a tool execution. Execute never returns an error
// to the caller; failures are carried in Error with Success false.
type Result struct {
	Success bool
	Content string
	Error   string
}

// Tool is the interface that all agent tools must implement.
type Tool interface {
	// Name returns the tool identifier used in function calls.
	Name() string
	// Description returns a human-readable description for the LLM.
	Description() string
	// Parameters returns the JSON Schema for tool parameters.
	Parameters() map[string]any
	// Execute runs the tool with the given parameters and scope.
	// Returns result string and error. On error, return user-friendly message.
	Execute(ctx context.Context, params map[string]any, scope Scope) (string, error)
}

// TieredTool is an optional interface for tools that declare a risk tier.
// Tier 0: read-only (always allowed)
// Tier 1: controlled writes (allowed without approval)
// Tier 2: destructive/irreversible (requires human approval)
type TieredTool interface {
	Tool
	Tier() int
}

// Risk tier constants.
const (
	TierReadOnly = 0 // Read-only tools
	TierWrite    = 1 // Controlled writes inside the workspace
	TierHighRisk = 2 // Destructive or irreversible actions
)

// ToolTier returns the risk tier for a tool.
// If the tool implements TieredTool, its Tier() is returned.
// Otherwise defaults to TierReadOnly (safe default for unclassified tools).
func ToolTier(t Tool) int {
	if tt, ok := t.(TieredTool); ok {
		return tt.Tier()
	}
	return TierReadOnly
}

// Registry manages tool registration and execution.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all registered tools, ordered by name.
func (r *Registry) List() []Tool {
	result := make([]Tool, 0, len(r.tools))
	for _, name := range r.Names() {
		result = append(result, r.tools[name])
	}
	return result
}

// RequiresApproval reports whether the named tool needs human approval
// before execution. Unknown tools do not require approval; they fail in
// Execute instead.
func (r *Registry) RequiresApproval(name string) bool {
	tool, ok := r.tools[name]
	if !ok {
		return false
	}
	return ToolTier(tool) >= TierHighRisk
}

// Execute runs a tool by name with the given parameters and scope. It never
// panics and never returns a Go error: tool failures, unknown names, and
// recovered panics all surface as a Result with Success false.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, scope Scope) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = Result{Success: false, Error: fmt.Sprintf("tool %s panicked: %v", name, rec)}
		}
	}()

	tool, ok := r.tools[name]
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("tool not found: %s", name)}
	}

	content, err := tool.Execute(ctx, params, scope)
	if err != nil {
		return Result{Success: false, Content: content, Error: err.Error()}
	}
	return Result{Success: true, Content: content}
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBool extracts a bool parameter with a default value.
func GetBool(params map[string]any, key string, defaultVal bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}
