package tools

import (
	"sort"

	"github.com/kadirpekel/patchsmith/pkg/llms"
	"github.com/kadirpekel/patchsmith/pkg/registry"
)

type ToolRegistry struct {
	*registry.BaseRegistry[Tool]
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		BaseRegistry: registry.NewBaseRegistry[Tool](),
	}
}

// RegisterTool adds a tool to the catalog. The completion tool name is
// reserved for the loop and cannot be taken by a real tool.
func (r *ToolRegistry) RegisterTool(tool Tool) error {
	if tool == nil {
		return NewToolError("registry", "register", "tool cannot be nil", nil)
	}
	name := tool.GetName()
	if name == "" {
		return NewToolError("registry", "register", "tool name cannot be empty", nil)
	}
	if name == CompletionToolName {
		return NewToolError("registry", "register", "tool name '"+CompletionToolName+"' is reserved", nil)
	}
	if _, exists := r.Get(name); exists {
		return NewToolError("registry", "register", "tool '"+name+"' already registered", nil)
	}
	return r.Register(name, tool)
}

// Definitions returns the advertised tool schemas, including the
// reserved completion tool, sorted by name with completion last.
func (r *ToolRegistry) Definitions() []llms.ToolDefinition {
	tools := r.List()
	defs := make([]llms.ToolDefinition, 0, len(tools)+1)
	for _, tool := range tools {
		defs = append(defs, tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	defs = append(defs, completionDefinition())
	return defs
}

// ByCategory returns registered tool names grouped by category, each
// group sorted.
func (r *ToolRegistry) ByCategory() map[Category][]string {
	out := make(map[Category][]string)
	for _, tool := range r.List() {
		out[tool.GetCategory()] = append(out[tool.GetCategory()], tool.GetName())
	}
	for category := range out {
		sort.Strings(out[category])
	}
	return out
}

// completionDefinition is the schema for the reserved completion tool.
func completionDefinition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        CompletionToolName,
		Description: "Declare the task complete. Call this only after the pull request exists and validation has passed.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"summary": map[string]interface{}{
					"type":        "string",
					"description": "Short summary of what was implemented",
				},
			},
			"required": []string{"summary"},
		},
	}
}
