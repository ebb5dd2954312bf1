// Package tools defines the tool surface the agent exposes to the LLM:
// the Tool interface, the registry that owns the catalog, and the
// dispatcher that executes extracted tool calls against the task state.
package tools

import (
	"context"
	"fmt"

	"github.com/kadirpekel/patchsmith/pkg/llms"
	"github.com/kadirpekel/patchsmith/pkg/task"
)

// Category groups tools for the capability section of the system
// prompt.
type Category string

const (
	CategoryGitHub       Category = "github"
	CategoryGit          Category = "git"
	CategoryFile         Category = "file"
	CategoryCodeAnalysis Category = "code_analysis"
	CategoryTask         Category = "task"
)

// CompletionToolName is the reserved tool the LLM calls to declare the
// task done. It is never registered: the agent loop intercepts it
// before dispatch.
const CompletionToolName = "attempt_completion"

type Tool interface {
	GetName() string

	GetCategory() Category

	// Definition returns the schema advertised to the LLM.
	Definition() llms.ToolDefinition

	// Execute runs the tool. The returned string is the tool_result
	// content fed back to the model; metadata carries structured outcome
	// fields for the context-update rules; an error marks the result
	// is_error.
	Execute(ctx context.Context, taskCtx *task.Context, args map[string]interface{}) (string, map[string]interface{}, error)
}

type ToolError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func NewToolError(component, action, message string, err error) *ToolError {
	return &ToolError{
		Component: component,
		Action:    action,
		Message:   message,
		Err:       err,
	}
}

// requireString extracts a mandatory string argument.
func requireString(args map[string]interface{}, key string) (string, error) {
	value, ok := args[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return value, nil
}

// optionalString extracts an optional string argument.
func optionalString(args map[string]interface{}, key string) string {
	value, _ := args[key].(string)
	return value
}
