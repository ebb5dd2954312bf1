// Package agent drives the tool-mediated loop that turns a tracker
// issue into a pull request: prompt assembly, provider calls, tool
// dispatch, budget guards, and the reflection hooks around them.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kadirpekel/patchsmith/pkg/config"
	"github.com/kadirpekel/patchsmith/pkg/llms"
	"github.com/kadirpekel/patchsmith/pkg/protocol"
	"github.com/kadirpekel/patchsmith/pkg/reflexion"
	"github.com/kadirpekel/patchsmith/pkg/retry"
	"github.com/kadirpekel/patchsmith/pkg/task"
	"github.com/kadirpekel/patchsmith/pkg/tools"
)

const (
	maxConsecutiveEmptyResponses = 5

	continueNudge = "Please continue with the next step or use the attempt_completion tool if you're done"
)

// Agent runs the inner loop for one trial of one task.
type Agent struct {
	provider   llms.LLMProvider
	registry   *tools.ToolRegistry
	dispatcher *tools.Dispatcher
	reflector  *reflexion.Manager
	prompts    *PromptBuilder
	policy     retry.Policy
	defaults   *config.TaskDefaults
	logger     *slog.Logger
}

func New(provider llms.LLMProvider, registry *tools.ToolRegistry, reflector *reflexion.Manager, policy retry.Policy, defaults *config.TaskDefaults, logger *slog.Logger) *Agent {
	if defaults == nil {
		defaults = &config.TaskDefaults{}
		defaults.SetDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		provider:   provider,
		registry:   registry,
		dispatcher: tools.NewDispatcher(registry, logger),
		reflector:  reflector,
		prompts:    NewPromptBuilder(),
		policy:     policy,
		defaults:   defaults,
		logger:     logger,
	}
}

// Run executes the inner loop until completion, abort, or budget
// exhaustion. The conversation must be empty or end with answered tool
// calls.
func (a *Agent) Run(ctx context.Context, taskCtx *task.Context, conv *protocol.Conversation) error {
	taskCtx.Status = task.StatusInProgress
	maxIterations := a.maxIterations(taskCtx)
	maxMistakes := a.maxMistakes(taskCtx)

	createMessage := retry.Wrap(a.policy, func(ctx context.Context) (*llms.AssistantMessage, error) {
		return a.provider.CreateMessage(ctx, &llms.Request{
			System:   a.buildSystemPrompt(taskCtx, maxIterations),
			Messages: conv.Messages(),
			Tools:    a.registry.Definitions(),
		})
	})

	for {
		if err := ctx.Err(); err != nil {
			return a.fail(taskCtx, task.StatusAborted, fmt.Sprintf("cancelled: %v", err))
		}
		if taskCtx.AbortRequested {
			return a.fail(taskCtx, task.StatusAborted, taskCtx.FailureReason)
		}

		if taskCtx.ConsecutiveMistakes >= maxMistakes {
			a.reflect(ctx, reflexion.TriggerConsecutiveMistakes, taskCtx, conv, recentErrors(conv, 10))
			return a.fail(taskCtx, task.StatusFailed,
				fmt.Sprintf("aborted after %d consecutive mistakes", taskCtx.ConsecutiveMistakes))
		}

		if taskCtx.IterationCount != taskCtx.LastReflectionIteration &&
			a.reflector != nil && a.reflector.ShouldReflect(reflexion.TriggerPeriodic, taskCtx.IterationCount) {
			a.reflect(ctx, reflexion.TriggerPeriodic, taskCtx, conv, "")
			taskCtx.LastReflectionIteration = taskCtx.IterationCount
		}

		if taskCtx.IterationCount >= maxIterations {
			return a.fail(taskCtx, task.StatusFailed,
				fmt.Sprintf("reached maximum of %d iterations without completing", maxIterations))
		}

		response, err := createMessage(ctx)
		if err != nil {
			return a.fail(taskCtx, task.StatusFailed, fmt.Sprintf("provider call failed: %v", err))
		}
		conv.AddAssistant(response.Content)

		calls := response.ToolCalls()
		if len(calls) == 0 {
			taskCtx.RecordEmptyResponse()
			a.logger.Debug("Empty response",
				"iteration", taskCtx.IterationCount, "consecutive", taskCtx.ConsecutiveEmptyResponses)
			if taskCtx.ConsecutiveEmptyResponses >= maxConsecutiveEmptyResponses {
				return a.fail(taskCtx, task.StatusFailed,
					fmt.Sprintf("aborted after %d consecutive empty responses", maxConsecutiveEmptyResponses))
			}
			conv.AddUserText(continueNudge)
			taskCtx.IterationCount++
			continue
		}
		taskCtx.RecordResponse()

		// Completion is intercepted, never dispatched, even when the
		// batch mixes it with other calls; the rest run first so their
		// context updates land before the gate inspects the state.
		rest, completion := splitCompletion(calls)
		if len(rest) > 0 {
			results := a.dispatcher.Dispatch(ctx, taskCtx, rest)
			a.applyResults(ctx, taskCtx, conv, rest, results)
			conv.AddToolResults(results)
		}

		if completion != nil {
			if accepted := a.interceptCompletion(ctx, taskCtx, conv, *completion); accepted {
				taskCtx.IterationCount++
				taskCtx.Status = task.StatusCompleted
				a.logger.Info("Task completed",
					"issue", taskCtx.Task.IssueNumber, "iterations", taskCtx.IterationCount)
				return nil
			}
		}

		taskCtx.IterationCount++
	}
}

// splitCompletion separates the attempt_completion call (if any) from
// the dispatchable calls, preserving order.
func splitCompletion(calls []protocol.ToolCall) ([]protocol.ToolCall, *protocol.ToolCall) {
	var rest []protocol.ToolCall
	var completion *protocol.ToolCall
	for i := range calls {
		if calls[i].Name == tools.CompletionToolName {
			if completion == nil {
				completion = &calls[i]
			}
			continue
		}
		rest = append(rest, calls[i])
	}
	return rest, completion
}

// interceptCompletion applies the pre-completion gate. A rejected
// completion feeds the review back into the conversation and keeps the
// loop running.
func (a *Agent) interceptCompletion(ctx context.Context, taskCtx *task.Context, conv *protocol.Conversation, call protocol.ToolCall) bool {
	summary, _ := call.Args["summary"].(string)

	if a.reflector != nil && a.reflector.ShouldReflect(reflexion.TriggerPreCompletion, taskCtx.IterationCount) {
		record := a.reflector.Reflect(ctx, reflexion.TriggerPreCompletion, taskCtx, conv,
			"The agent claims completion with summary: "+summary)
		if record != nil && a.reflector.IsIncomplete(record.Insight) {
			a.logger.Info("Completion rejected by review", "issue", taskCtx.Task.IssueNumber)
			conv.AddUserText("A review of your work found it incomplete:\n\n" +
				record.Insight + "\n\nThe task is not done. Address the gaps above, then use attempt_completion again.")
			return false
		}
	}

	taskCtx.CompletionMessage = summary
	return true
}

// applyResults drives the mistake counters and the post-dispatch
// reflection triggers off the per-call outcomes.
func (a *Agent) applyResults(ctx context.Context, taskCtx *task.Context, conv *protocol.Conversation, calls []protocol.ToolCall, results []protocol.ToolResult) {
	for i, result := range results {
		if result.IsError {
			taskCtx.RecordMistake()
			a.reflect(ctx, reflexion.TriggerToolError, taskCtx, conv,
				fmt.Sprintf("Tool %s failed: %s", calls[i].Name, result.Content))
			continue
		}
		taskCtx.RecordSuccess()

		if calls[i].Name == "run_validation" && taskCtx.ValidationRun && !taskCtx.ValidationPassed {
			a.reflect(ctx, reflexion.TriggerValidationFailure, taskCtx, conv, result.Content)
		}
	}
}

func (a *Agent) reflect(ctx context.Context, trigger reflexion.Trigger, taskCtx *task.Context, conv *protocol.Conversation, evidence string) {
	if a.reflector == nil || !a.reflector.ShouldReflect(trigger, taskCtx.IterationCount) {
		return
	}
	a.reflector.Reflect(ctx, trigger, taskCtx, conv, evidence)
}

func (a *Agent) fail(taskCtx *task.Context, status task.Status, reason string) error {
	taskCtx.Status = status
	if taskCtx.FailureReason == "" {
		taskCtx.FailureReason = reason
	}
	a.logger.Warn("Task trial ended", "issue", taskCtx.Task.IssueNumber, "status", status, "reason", reason)
	return fmt.Errorf("%s", reason)
}

func (a *Agent) buildSystemPrompt(taskCtx *task.Context, maxIterations int) string {
	t := taskCtx.Task

	var state strings.Builder
	fmt.Fprintf(&state, "Issue #%d: %s\n\n%s\n\n", t.IssueNumber, t.Title, t.Description)
	fmt.Fprintf(&state, "Iteration %d of %d (trial %d).\n", taskCtx.IterationCount+1, maxIterations, taskCtx.TrialNumber)
	if taskCtx.BranchName != "" {
		fmt.Fprintf(&state, "Working branch: %s\n", taskCtx.BranchName)
	}
	if modified := taskCtx.FilesModified(); len(modified) > 0 {
		fmt.Fprintf(&state, "Files modified so far: %s\n", strings.Join(modified, ", "))
	}
	switch {
	case !taskCtx.ValidationRun:
		state.WriteString("Validation has not been run against the current changes.\n")
	case taskCtx.ValidationPassed:
		state.WriteString("Validation is passing.\n")
	default:
		state.WriteString("Validation is FAILING. Fix it before opening a pull request.\n")
	}
	a.prompts.AddContextSection("TASK_CONTEXT", state.String())

	if a.reflector != nil && a.reflector.Memory().Len() > 0 {
		a.prompts.AddContextSection("LESSONS", a.reflector.Memory().FormatForPrompt())
	} else {
		a.prompts.RemoveContextSection("LESSONS")
	}

	return a.prompts.Build(map[string]string{
		"OWNER":        t.Owner,
		"REPO":         t.Repo,
		"ISSUE_NUMBER": strconv.Itoa(t.IssueNumber),
	})
}

func (a *Agent) maxIterations(taskCtx *task.Context) int {
	if taskCtx.Task.MaxIterations > 0 {
		return taskCtx.Task.MaxIterations
	}
	return a.defaults.MaxIterations
}

func (a *Agent) maxMistakes(taskCtx *task.Context) int {
	if taskCtx.Task.MaxConsecutiveMistakes > 0 {
		return taskCtx.Task.MaxConsecutiveMistakes
	}
	return a.defaults.MaxConsecutiveMistakes
}

// recentErrors collects the error results from the tail of the
// conversation, truncated for prompt injection.
func recentErrors(conv *protocol.Conversation, k int) string {
	var lines []string
	for _, msg := range conv.Recent(k) {
		for _, block := range msg.Content.AsBlocks() {
			if block.Type == protocol.BlockTypeToolResult && block.IsError {
				content := block.Content
				if len(content) > 150 {
					content = content[:150] + "..."
				}
				lines = append(lines, "- "+content)
			}
		}
	}
	return strings.Join(lines, "\n")
}
