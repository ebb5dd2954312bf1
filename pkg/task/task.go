// Package task holds the per-task descriptor and the mutable execution
// state the agent loop drives. The context-update rules that map tool
// outcomes onto state live here so the loop and the dispatcher share
// one source of truth.
package task

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

// Task describes one unit of work: implement a tracker issue as a pull
// request.
type Task struct {
	ID          string
	IssueNumber int
	Title       string
	Description string
	Owner       string
	Repo        string

	MaxIterations          int
	MaxConsecutiveMistakes int

	CreatedAt time.Time
}

// New creates a task with a fresh id.
func New(owner, repo string, issueNumber int, title, description string) *Task {
	return &Task{
		ID:          uuid.New().String(),
		IssueNumber: issueNumber,
		Title:       title,
		Description: description,
		Owner:       owner,
		Repo:        repo,
		CreatedAt:   time.Now(),
	}
}

// Context is the mutable execution state for one trial of a task.
type Context struct {
	Task   *Task
	Status Status

	IterationCount            int
	ConsecutiveMistakes       int
	ConsecutiveEmptyResponses int
	LastReflectionIteration   int

	BranchName string
	PRURL      string

	filesModified map[string]struct{}
	filesAccessed map[string]struct{}
	toolsUsed     map[string]int

	ValidationRun        bool
	ValidationPassed     bool
	LastValidationPassed bool

	TrialNumber       int
	AbortRequested    bool
	FailureReason     string
	CompletionMessage string
}

func NewContext(t *Task) *Context {
	return &Context{
		Task:                    t,
		Status:                  StatusPending,
		TrialNumber:             1,
		LastReflectionIteration: -1,
		filesModified:           make(map[string]struct{}),
		filesAccessed:           make(map[string]struct{}),
		toolsUsed:               make(map[string]int),
	}
}

// ResetForTrial clears per-trial state while keeping the task binding.
// Called by the trial controller between attempts; reflection memory is
// owned elsewhere and survives.
func (c *Context) ResetForTrial(trial int) {
	c.Status = StatusPending
	c.IterationCount = 0
	c.ConsecutiveMistakes = 0
	c.ConsecutiveEmptyResponses = 0
	c.LastReflectionIteration = -1
	c.BranchName = ""
	c.PRURL = ""
	c.filesModified = make(map[string]struct{})
	c.filesAccessed = make(map[string]struct{})
	c.toolsUsed = make(map[string]int)
	c.ValidationRun = false
	c.ValidationPassed = false
	c.LastValidationPassed = false
	c.TrialNumber = trial
	c.AbortRequested = false
	c.FailureReason = ""
	c.CompletionMessage = ""
}

// FilesModified returns the modified file set, sorted.
func (c *Context) FilesModified() []string {
	return sortedKeys(c.filesModified)
}

// FilesAccessed returns the accessed file set, sorted.
func (c *Context) FilesAccessed() []string {
	return sortedKeys(c.filesAccessed)
}

// ToolsUsed returns per-tool invocation counts.
func (c *Context) ToolsUsed() map[string]int {
	out := make(map[string]int, len(c.toolsUsed))
	for name, count := range c.toolsUsed {
		out[name] = count
	}
	return out
}

// ToolNamesUsed returns the distinct tool names used, sorted.
func (c *Context) ToolNamesUsed() []string {
	names := make([]string, 0, len(c.toolsUsed))
	for name := range c.toolsUsed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RecordMistake bumps the consecutive mistake counter.
func (c *Context) RecordMistake() {
	c.ConsecutiveMistakes++
}

// RecordSuccess resets the consecutive mistake counter.
func (c *Context) RecordSuccess() {
	c.ConsecutiveMistakes = 0
}

// RecordEmptyResponse bumps the empty-response counter.
func (c *Context) RecordEmptyResponse() {
	c.ConsecutiveEmptyResponses++
}

// RecordResponse resets the empty-response counter.
func (c *Context) RecordResponse() {
	c.ConsecutiveEmptyResponses = 0
}

// RequestAbort marks the task for termination at the next loop check.
func (c *Context) RequestAbort(reason string) {
	c.AbortRequested = true
	if c.FailureReason == "" {
		c.FailureReason = reason
	}
}

// ApplyToolOutcome applies the context-update rule for one tool
// execution. Tools report structured outcomes through metadata; the
// call arguments are the fallback. Failed executions only count the
// tool use.
func (c *Context) ApplyToolOutcome(toolName string, args map[string]interface{}, resultContent string, metadata map[string]interface{}, isError bool) {
	c.toolsUsed[toolName]++

	if isError {
		return
	}

	switch toolName {
	case "create_branch", "create_branch_local":
		if name := stringField(metadata, "branch_name"); name != "" {
			c.BranchName = name
		} else if name := stringArg(args, "branch_name", "name"); name != "" {
			c.BranchName = name
		}

	case "modify_file":
		if path := firstString(stringField(metadata, "file_path"), stringArg(args, "path")); path != "" {
			c.markModified(path)
		}

	case "modify_files_local", "commit_changes":
		paths := stringList(metadata["files_modified"])
		if len(paths) == 0 {
			paths = stringList(metadata["files"])
		}
		if len(paths) == 0 {
			paths = stringList(args["files"])
		}
		for _, path := range paths {
			c.markModified(path)
		}

	case "read_file":
		if path := firstString(stringField(metadata, "file_path"), stringArg(args, "path")); path != "" {
			c.filesAccessed[path] = struct{}{}
		}

	case "create_pull_request":
		if url := firstString(stringField(metadata, "pr_url"), extractPRURL(resultContent)); url != "" {
			c.PRURL = url
		}

	case "run_validation":
		c.LastValidationPassed = c.ValidationPassed
		c.ValidationRun = true
		c.ValidationPassed = validationPassed(resultContent)
	}
}

// markModified records a file change and invalidates any earlier
// validation verdict: the tree changed underneath it.
func (c *Context) markModified(path string) {
	c.filesModified[path] = struct{}{}
	if c.ValidationRun {
		c.LastValidationPassed = c.ValidationPassed
		c.ValidationRun = false
		c.ValidationPassed = false
	}
}

// ValidationRegressed reports whether validation went from passing to
// failing.
func (c *Context) ValidationRegressed() bool {
	return c.LastValidationPassed && c.ValidationRun && !c.ValidationPassed
}

// validationPassed decides a validation verdict from tool output text.
// Only the first line is scanned: the runner puts its verdict there,
// and raw test output below it can contain tallies like "3 passed"
// even when the run failed.
func validationPassed(content string) bool {
	verdict := content
	if i := strings.IndexByte(verdict, '\n'); i >= 0 {
		verdict = verdict[:i]
	}
	text := strings.ToLower(verdict)
	return strings.Contains(text, "passed") ||
		strings.Contains(text, "success") ||
		strings.Contains(text, "skipped")
}

// extractPRURL pulls the first http(s) URL out of tool output.
func extractPRURL(content string) string {
	for _, field := range strings.Fields(content) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			return strings.TrimRight(field, ".,;)")
		}
	}
	return ""
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringArg(args map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := args[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringList(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch entry := item.(type) {
			case string:
				out = append(out, entry)
			case map[string]interface{}:
				// Batch file edits arrive as {path, content} objects.
				if path, ok := entry["path"].(string); ok && path != "" {
					out = append(out, path)
				}
			}
		}
		return out
	default:
		return nil
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
