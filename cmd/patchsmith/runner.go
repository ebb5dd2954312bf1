package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kadirpekel/patchsmith/pkg/agent"
	"github.com/kadirpekel/patchsmith/pkg/config"
	"github.com/kadirpekel/patchsmith/pkg/gitops"
	"github.com/kadirpekel/patchsmith/pkg/llms"
	"github.com/kadirpekel/patchsmith/pkg/reflexion"
	"github.com/kadirpekel/patchsmith/pkg/retry"
	"github.com/kadirpekel/patchsmith/pkg/task"
	"github.com/kadirpekel/patchsmith/pkg/tools"
	"github.com/kadirpekel/patchsmith/pkg/tracker"
	"github.com/kadirpekel/patchsmith/pkg/validation"
)

// issueRunner wires the full stack for one issue: tracker, clone
// manager, validator, provider, tools, reflexion, and the agent loop.
type issueRunner struct {
	cfg       *config.Config
	tracker   *tracker.Client
	git       *gitops.Manager
	validator *validation.Runner
	logger    *slog.Logger
}

func newIssueRunner(cfg *config.Config, logger *slog.Logger) (*issueRunner, error) {
	trackerClient, err := tracker.NewClient(cfg.Tracker)
	if err != nil {
		return nil, err
	}

	cloneRoot := os.Getenv("CLONE_ROOT_DIR")
	if cloneRoot == "" {
		cloneRoot = filepath.Join(os.TempDir(), "patchsmith")
	}
	git := gitops.NewManager(cloneRoot)
	git.Token = cfg.Tracker.Token

	return &issueRunner{
		cfg:       cfg,
		tracker:   trackerClient,
		git:       git,
		validator: validation.NewRunner(validation.FromEnv(), logger),
		logger:    logger,
	}, nil
}

// prepareClone brings the local working clone up to date with the
// remote default branch, cloning first if it does not exist yet.
func (r *issueRunner) prepareClone(ctx context.Context, cloneURL, defaultBranch string) (string, error) {
	return r.git.EnsureClone(ctx, r.tracker.Owner(), r.tracker.Repo(), cloneURL, defaultBranch)
}

// RunIssue implements one issue end to end. A non-nil error means the
// task did not produce an accepted completion.
func (r *issueRunner) RunIssue(ctx context.Context, issueNumber int) error {
	issue, err := r.tracker.GetIssue(ctx, issueNumber)
	if err != nil {
		return fmt.Errorf("failed to fetch issue #%d: %w", issueNumber, err)
	}
	repo, err := r.tracker.GetRepository(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch repository metadata: %w", err)
	}

	t := task.New(r.tracker.Owner(), r.tracker.Repo(), issue.Number, issue.Title, issue.Body)
	t.MaxIterations = r.cfg.Task.MaxIterations
	t.MaxConsecutiveMistakes = r.cfg.Task.MaxConsecutiveMistakes

	cloneDir, err := r.prepareClone(ctx, repo.CloneURL, repo.DefaultBranch)
	if err != nil {
		return fmt.Errorf("failed to prepare working clone: %w", err)
	}
	defer func() {
		if err := r.git.Cleanup(context.WithoutCancel(ctx), cloneDir, repo.DefaultBranch); err != nil {
			r.logger.Warn("Failed to clean working clone", "dir", cloneDir, "error", err)
		}
	}()

	llmRegistry := llms.NewLLMRegistry()
	provider, err := llmRegistry.CreateLLMFromConfig("task", r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}
	defer provider.Close()

	policy := retry.FromConfig(r.cfg.Retry)
	reflector := reflexion.NewManager(r.cfg.Reflexion, provider, policy, r.logger)

	registry := tools.NewToolRegistry()
	if err := tools.RegisterBuiltins(registry, tools.Deps{
		Tracker:    r.tracker,
		Git:        r.git,
		Validator:  r.validator,
		BaseBranch: repo.DefaultBranch,
	}); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	loop := agent.New(provider, registry, reflector, policy, r.cfg.Task, r.logger)
	controller := agent.NewController(loop, reflector, r.cfg.Reflexion, r.logger)

	r.logger.Info("Starting task",
		"issue", issue.Number, "title", issue.Title, "model", provider.GetModelName())

	result := controller.Execute(ctx, t)
	if result.Status != task.StatusCompleted {
		return fmt.Errorf("issue #%d not completed after %d trial(s): %s",
			issue.Number, result.TrialsUsed, result.FailureReason)
	}

	r.logger.Info("Task finished",
		"issue", issue.Number,
		"trials", result.TrialsUsed,
		"iterations", result.Iterations,
		"pr", result.PRURL)
	return nil
}
