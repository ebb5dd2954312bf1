package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/patchsmith/pkg/protocol"
	"github.com/kadirpekel/patchsmith/pkg/task"
)

// Dispatcher executes extracted tool calls against the registry and
// applies each outcome to the task state.
type Dispatcher struct {
	registry *ToolRegistry
	logger   *slog.Logger
}

func NewDispatcher(registry *ToolRegistry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Dispatch runs the calls sequentially, in order, producing one result
// per call. A failing tool never fails the dispatch: the error text
// becomes the result content so the model can react to it.
func (d *Dispatcher) Dispatch(ctx context.Context, taskCtx *task.Context, calls []protocol.ToolCall) []protocol.ToolResult {
	results := make([]protocol.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, d.dispatchOne(ctx, taskCtx, call))
	}
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, taskCtx *task.Context, call protocol.ToolCall) protocol.ToolResult {
	if call.Name == CompletionToolName {
		// The loop intercepts completion before dispatch, whether it
		// arrives alone or mixed into a batch. Reaching here is a caller
		// bug, not an LLM mistake.
		return protocol.ToolResult{
			ToolCallID: call.ID,
			Content:    "attempt_completion is never dispatched; the loop intercepts it",
			IsError:    true,
		}
	}

	tool, exists := d.registry.Get(call.Name)
	if !exists {
		content := fmt.Sprintf("unknown tool %q; available tools: %s",
			call.Name, strings.Join(d.registry.Names(), ", "))
		d.logger.Warn("Unknown tool requested", "tool", call.Name)
		taskCtx.ApplyToolOutcome(call.Name, call.Args, content, nil, true)
		return protocol.ToolResult{ToolCallID: call.ID, Content: content, IsError: true}
	}

	started := time.Now()
	content, metadata, err := tool.Execute(ctx, taskCtx, call.Args)
	elapsed := time.Since(started)

	if err != nil {
		d.logger.Warn("Tool execution failed",
			"tool", call.Name, "duration", elapsed, "error", err)
		content = err.Error()
		taskCtx.ApplyToolOutcome(call.Name, call.Args, content, nil, true)
		return protocol.ToolResult{ToolCallID: call.ID, Content: content, IsError: true}
	}

	d.logger.Debug("Tool executed",
		"tool", call.Name, "duration", elapsed, "result_bytes", len(content))
	taskCtx.ApplyToolOutcome(call.Name, call.Args, content, metadata, false)
	return protocol.ToolResult{ToolCallID: call.ID, Content: content, IsError: false, Metadata: metadata}
}
