package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/patchsmith/pkg/config"
	"github.com/kadirpekel/patchsmith/pkg/protocol"
	"github.com/kadirpekel/patchsmith/pkg/reflexion"
	"github.com/kadirpekel/patchsmith/pkg/task"
)

// Result is the outcome of executing a task, across however many
// trials the mode allowed.
type Result struct {
	Status            task.Status
	TrialsUsed        int
	Iterations        int
	LearningApplied   bool
	CompletionMessage string
	PRURL             string
	FailureReason     string
}

// Controller executes a task according to the reflexion mode: a single
// pass, repeated trials with preserved memory, or the hybrid of both.
type Controller struct {
	agent     *Agent
	reflector *reflexion.Manager
	cfg       *config.ReflexionConfig
	cache     *reflexion.Cache
	logger    *slog.Logger
}

func NewController(agent *Agent, reflector *reflexion.Manager, cfg *config.ReflexionConfig, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{agent: agent, reflector: reflector, cfg: cfg, logger: logger}
	if cfg != nil && cfg.PersistAcrossIssues && cfg.CacheDir != "" {
		c.cache = reflexion.NewCache(cfg.CacheDir)
	}
	return c
}

// Execute runs the task to a final result. Reflection memory is seeded
// from the cache before the first trial and persisted afterwards
// regardless of outcome.
func (c *Controller) Execute(ctx context.Context, t *task.Task) *Result {
	taskCtx := task.NewContext(t)
	seeded := c.seedMemory(t)
	defer c.persistMemory(t)

	mode := config.ReflexionWithinTask
	if c.cfg != nil {
		mode = c.cfg.Mode
	}

	switch mode {
	case config.ReflexionMultiTrial:
		return c.runTrials(ctx, taskCtx, seeded)

	case config.ReflexionHybrid:
		result := c.runOne(ctx, taskCtx, 1, seeded)
		if succeeded(taskCtx) {
			return result
		}
		c.reflectTrialFailure(ctx, taskCtx, nil)
		taskCtx.ResetForTrial(1)
		return c.runTrials(ctx, taskCtx, seeded)

	default: // within_task, disabled
		return c.runOne(ctx, taskCtx, 1, seeded)
	}
}

// runTrials attempts the task up to MaxTrials times, carrying the
// reflection memory across resets.
func (c *Controller) runTrials(ctx context.Context, taskCtx *task.Context, seeded bool) *Result {
	maxTrials := 5
	if c.cfg != nil && c.cfg.MaxTrials > 0 {
		maxTrials = c.cfg.MaxTrials
	}

	var result *Result
	for trial := 1; trial <= maxTrials; trial++ {
		if trial > 1 {
			taskCtx.ResetForTrial(trial)
		}
		c.logger.Info("Starting trial",
			"issue", taskCtx.Task.IssueNumber, "trial", trial, "max_trials", maxTrials)

		result = c.runOne(ctx, taskCtx, trial, seeded)
		if succeeded(taskCtx) {
			result.TrialsUsed = trial
			result.LearningApplied = seeded || trial > 1
			return result
		}

		if trial < maxTrials {
			c.reflectTrialFailure(ctx, taskCtx, nil)
		}
	}

	result.TrialsUsed = maxTrials
	result.LearningApplied = seeded || maxTrials > 1
	if result.FailureReason == "" {
		result.FailureReason = fmt.Sprintf("all %d trials failed", maxTrials)
	}
	return result
}

// runOne executes a single trial and snapshots the outcome.
func (c *Controller) runOne(ctx context.Context, taskCtx *task.Context, trial int, seeded bool) *Result {
	conv := protocol.NewConversation()
	conv.AddUserText(initialPrompt(taskCtx.Task, trial, c.maxTrials()))

	if err := c.agent.Run(ctx, taskCtx, conv); err != nil {
		c.logger.Warn("Trial failed",
			"issue", taskCtx.Task.IssueNumber, "trial", trial, "error", err)
	}

	return &Result{
		Status:            taskCtx.Status,
		TrialsUsed:        trial,
		Iterations:        taskCtx.IterationCount,
		LearningApplied:   seeded || trial > 1,
		CompletionMessage: taskCtx.CompletionMessage,
		PRURL:             taskCtx.PRURL,
		FailureReason:     taskCtx.FailureReason,
	}
}

// succeeded is the trial success predicate: completion was reached,
// validation (if run) passed, and no abort was requested.
func succeeded(taskCtx *task.Context) bool {
	completed := taskCtx.Status == task.StatusCompleted || taskCtx.CompletionMessage != ""
	validationOK := !taskCtx.ValidationRun || taskCtx.ValidationPassed
	return completed && validationOK && !taskCtx.AbortRequested
}

func (c *Controller) reflectTrialFailure(ctx context.Context, taskCtx *task.Context, conv *protocol.Conversation) {
	if c.reflector == nil || !c.reflector.ShouldReflect(reflexion.TriggerTrialFailure, taskCtx.IterationCount) {
		return
	}
	c.reflector.Reflect(ctx, reflexion.TriggerTrialFailure, taskCtx, conv, trialSummary(taskCtx))
}

func trialSummary(taskCtx *task.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Trial %d failed with status %s.\n", taskCtx.TrialNumber, taskCtx.Status)
	if taskCtx.FailureReason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", taskCtx.FailureReason)
	}
	fmt.Fprintf(&b, "Iterations used: %d\n", taskCtx.IterationCount)
	if modified := taskCtx.FilesModified(); len(modified) > 0 {
		fmt.Fprintf(&b, "Files modified: %s\n", strings.Join(modified, ", "))
	}
	if taskCtx.ValidationRun && !taskCtx.ValidationPassed {
		b.WriteString("Validation was failing at the end of the trial.\n")
	}
	return b.String()
}

func initialPrompt(t *task.Task, trial, maxTrials int) string {
	var b strings.Builder
	if trial > 1 {
		fmt.Fprintf(&b, "TRIAL %d OF %d: earlier attempts at this task failed. "+
			"Apply the lessons from those attempts and take a different approach.\n\n", trial, maxTrials)
	}
	fmt.Fprintf(&b, "Implement issue #%d: %s\n\n%s", t.IssueNumber, t.Title, t.Description)
	return b.String()
}

func (c *Controller) maxTrials() int {
	if c.cfg != nil && c.cfg.MaxTrials > 0 {
		return c.cfg.MaxTrials
	}
	return 5
}

// seedMemory pulls similar past reflections for this repository out of
// the cache into memory. Reports whether anything was seeded.
func (c *Controller) seedMemory(t *task.Task) bool {
	if c.cache == nil || c.reflector == nil {
		return false
	}

	situation := reflexion.Situation{
		Keywords: reflexion.ExtractKeywords(t.Title + " " + t.Description),
	}
	topK := reflexion.DefaultMemorySize
	if c.cfg != nil && c.cfg.MemorySize > 0 {
		topK = c.cfg.MemorySize
	}

	records, err := c.cache.Recall(t.Owner, t.Repo, situation, topK)
	if err != nil {
		c.logger.Warn("Failed to recall cached reflections",
			"repo", t.Owner+"/"+t.Repo, "error", err)
		return false
	}
	if len(records) == 0 {
		return false
	}

	c.reflector.Memory().Seed(records, topK)
	c.logger.Info("Seeded reflections from cache",
		"repo", t.Owner+"/"+t.Repo, "count", len(records))
	return true
}

// persistMemory writes the accumulated reflections back to the cache.
func (c *Controller) persistMemory(t *task.Task) {
	if c.cache == nil || c.reflector == nil {
		return
	}
	records := c.reflector.Memory().Records()
	if len(records) == 0 {
		return
	}
	if err := c.cache.Save(t.Owner, t.Repo, t.IssueNumber, records); err != nil {
		c.logger.Warn("Failed to persist reflections", "issue", t.IssueNumber, "error", err)
	}
	if err := c.cache.Cleanup(t.Owner, t.Repo, reflexion.CleanupMaxAgeDays); err != nil {
		c.logger.Warn("Failed to prune reflection cache", "repo", t.Owner+"/"+t.Repo, "error", err)
	}
}
