package reflexion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/patchsmith/pkg/config"
	"github.com/kadirpekel/patchsmith/pkg/llms"
	"github.com/kadirpekel/patchsmith/pkg/protocol"
	"github.com/kadirpekel/patchsmith/pkg/retry"
	"github.com/kadirpekel/patchsmith/pkg/task"
)

// Manager owns reflection policy and execution: deciding when a
// trigger fires, building the analysis prompt, making the out-of-band
// LLM call, and banking the insight in memory.
type Manager struct {
	config   *config.ReflexionConfig
	provider llms.LLMProvider
	memory   *Memory
	policy   retry.Policy
	logger   *slog.Logger
}

func NewManager(cfg *config.ReflexionConfig, provider llms.LLMProvider, policy retry.Policy, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = &config.ReflexionConfig{Enabled: true}
		cfg.SetDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:   cfg,
		provider: provider,
		memory:   NewMemory(cfg.MemorySize),
		policy:   policy,
		logger:   logger,
	}
}

// Memory exposes the insight store; the trial controller and prompt
// builder read it.
func (m *Manager) Memory() *Memory {
	return m.memory
}

// ShouldReflect decides whether a trigger fires given the configured
// mode and toggles.
func (m *Manager) ShouldReflect(trigger Trigger, iteration int) bool {
	if !m.config.Enabled || m.config.Mode == config.ReflexionDisabled {
		return false
	}

	// within_task handles in-loop triggers; multi_trial only reflects
	// between trials; hybrid does both.
	switch m.config.Mode {
	case config.ReflexionWithinTask:
		if trigger == TriggerTrialFailure {
			return false
		}
	case config.ReflexionMultiTrial:
		if trigger != TriggerTrialFailure {
			return false
		}
	}

	switch trigger {
	case TriggerValidationFailure:
		return m.config.Triggers.ValidationFailure
	case TriggerToolError:
		return m.config.Triggers.ToolError
	case TriggerConsecutiveMistakes:
		return m.config.Triggers.ConsecutiveMistakes
	case TriggerPeriodic:
		return m.config.Triggers.Periodic &&
			iteration > 0 &&
			iteration%m.config.Triggers.PeriodicInterval == 0
	case TriggerTrialFailure:
		return m.config.Triggers.TrialFailure
	case TriggerPreCompletion:
		return m.config.Triggers.PreCompletion
	default:
		return false
	}
}

// Reflect makes the out-of-band analysis call and stores the resulting
// insight. Evidence is the trigger-specific material (error text,
// failed validation output, the completion claim). Reflection failures
// never fail the task; they are logged and swallowed.
func (m *Manager) Reflect(ctx context.Context, trigger Trigger, taskCtx *task.Context, conv *protocol.Conversation, evidence string) *Record {
	prompt := m.buildPrompt(trigger, taskCtx, conv, evidence)

	call := retry.Wrap(m.policy, func(ctx context.Context) (*llms.AssistantMessage, error) {
		return m.provider.CreateMessage(ctx, &llms.Request{
			System:      reflectionSystemPrompt,
			Messages:    []protocol.Message{{Role: protocol.RoleUser, Content: protocol.Text(prompt)}},
			Temperature: m.config.Temperature,
			MaxTokens:   m.config.MaxTokens,
		})
	})

	response, err := call(ctx)
	if err != nil {
		m.logger.Warn("Reflection call failed", "trigger", trigger, "error", err)
		return nil
	}

	insight := strings.TrimSpace(response.Content.AsText())
	if insight == "" {
		m.logger.Warn("Reflection produced no insight", "trigger", trigger)
		return nil
	}

	record := NewRecord(trigger, insight,
		taskCtx.IterationCount, taskCtx.TrialNumber,
		taskCtx.ToolNamesUsed(), taskCtx.FilesModified())
	m.memory.Add(record)

	m.logger.Info("Reflection stored",
		"trigger", trigger, "iteration", taskCtx.IterationCount, "insight_len", len(insight))
	return record
}

// IsIncomplete reports whether an insight flags unfinished work. The
// marker list is configurable; matching free-form text by substring is
// fuzzy by nature and errs toward blocking completion.
func (m *Manager) IsIncomplete(insight string) bool {
	text := strings.ToLower(insight)
	for _, marker := range m.config.IncompletenessMarkers {
		if strings.Contains(text, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

const reflectionSystemPrompt = `You are a critical reviewer of an autonomous coding agent's work. ` +
	`Analyze the situation you are given and produce ONE short, actionable insight ` +
	`the agent can apply immediately. State what went wrong and what to do differently. ` +
	`Be specific: name tools, files, and commands. Respond with the insight only, no preamble.`

var triggerQuestions = map[Trigger]string{
	TriggerValidationFailure:   "Validation failed. Why did it fail, and what should be fixed before running it again?",
	TriggerToolError:           "A tool call failed. What caused the failure, and how should the next attempt differ?",
	TriggerConsecutiveMistakes: "Several actions in a row have failed. What is the agent misunderstanding, and what different approach should it take?",
	TriggerPeriodic:            "Review the progress so far. Is the agent on track? What should it prioritize or stop doing?",
	TriggerTrialFailure:        "The whole attempt failed. What strategy should the next attempt use instead?",
	TriggerPreCompletion:       "The agent claims the task is complete. Compare the work done against the task requirements. Is anything incomplete or missing?",
}

func (m *Manager) buildPrompt(trigger Trigger, taskCtx *task.Context, conv *protocol.Conversation, evidence string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "TASK: #%d %s\n%s\n\n",
		taskCtx.Task.IssueNumber, taskCtx.Task.Title, orNA(truncate(taskCtx.Task.Description, 1000)))

	fmt.Fprintf(&b, "CURRENT STATE:\n")
	fmt.Fprintf(&b, "- Trial %d, iteration %d\n", taskCtx.TrialNumber, taskCtx.IterationCount)
	fmt.Fprintf(&b, "- Branch: %s\n", orNA(taskCtx.BranchName))
	fmt.Fprintf(&b, "- Files modified: %s\n", orNA(strings.Join(taskCtx.FilesModified(), ", ")))
	fmt.Fprintf(&b, "- Pull request: %s\n", orNA(taskCtx.PRURL))
	fmt.Fprintf(&b, "- Validation: %s\n\n", validationState(taskCtx))

	fmt.Fprintf(&b, "RECENT ACTIONS:\n%s\n\n", orNA(recentActions(conv, 6)))
	fmt.Fprintf(&b, "EVIDENCE:\n%s\n\n", orNA(truncate(evidence, 2000)))
	fmt.Fprintf(&b, "EARLIER INSIGHTS:\n%s\n\n", m.memory.FormatForContext(5))

	b.WriteString(triggerQuestions[trigger])
	return b.String()
}

// recentActions summarizes the tail of the conversation: tool calls
// from assistant turns and their outcomes from the following results.
func recentActions(conv *protocol.Conversation, k int) string {
	if conv == nil {
		return ""
	}

	var lines []string
	for _, msg := range conv.Recent(k) {
		for _, block := range msg.Content.AsBlocks() {
			switch block.Type {
			case protocol.BlockTypeToolUse:
				lines = append(lines, fmt.Sprintf("- called %s(%s)", block.Name, argKeys(block.Input)))
			case protocol.BlockTypeToolResult:
				outcome := "ok"
				if block.IsError {
					outcome = "ERROR"
				}
				lines = append(lines, fmt.Sprintf("  -> %s: %s", outcome, truncate(block.Content, 200)))
			}
		}
	}
	return strings.Join(lines, "\n")
}

func argKeys(args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	return strings.Join(keys, ", ")
}

func validationState(taskCtx *task.Context) string {
	switch {
	case !taskCtx.ValidationRun:
		return "not run"
	case taskCtx.ValidationPassed:
		return "passing"
	default:
		return "failing"
	}
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
