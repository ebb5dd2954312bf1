package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/patchsmith/pkg/gitops"
	"github.com/kadirpekel/patchsmith/pkg/llms"
	"github.com/kadirpekel/patchsmith/pkg/task"
	"github.com/kadirpekel/patchsmith/pkg/tracker"
	"github.com/kadirpekel/patchsmith/pkg/validation"
)

// Deps carries the external collaborators the builtin tools run
// against.
type Deps struct {
	Tracker   *tracker.Client
	Git       *gitops.Manager
	Validator *validation.Runner

	// BaseBranch is the pull request target, usually the repository
	// default branch.
	BaseBranch string
}

func (d Deps) cloneDir(taskCtx *task.Context) string {
	return d.Git.ClonePath(taskCtx.Task.Owner, taskCtx.Task.Repo)
}

// RegisterBuiltins registers the standard tool set.
func RegisterBuiltins(r *ToolRegistry, deps Deps) error {
	builtins := []Tool{
		&getIssueTool{deps},
		&addIssueCommentTool{deps},
		&createBranchTool{deps},
		&commitChangesTool{deps},
		&createPullRequestTool{deps},
		&readFileTool{deps},
		&listFilesTool{deps},
		&modifyFileTool{deps},
		&modifyFilesLocalTool{deps},
		&searchCodeTool{deps},
		&runValidationTool{deps},
	}
	for _, tool := range builtins {
		if err := r.RegisterTool(tool); err != nil {
			return err
		}
	}
	return nil
}

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

// ----------------------------------------------------------------------------
// github tools

type getIssueTool struct{ deps Deps }

func (t *getIssueTool) GetName() string { return "get_issue" }
func (t *getIssueTool) GetCategory() Category { return CategoryGitHub }
func (t *getIssueTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        "get_issue",
		Description: "Fetch an issue's title, body, and labels from the tracker.",
		InputSchema: objectSchema(map[string]interface{}{
			"number": prop("integer", "Issue number; defaults to the current task's issue"),
		}),
	}
}

func (t *getIssueTool) Execute(ctx context.Context, taskCtx *task.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
	number := intArg(args, "number", taskCtx.Task.IssueNumber)

	issue, err := t.deps.Tracker.GetIssue(ctx, number)
	if err != nil {
		return "", nil, NewToolError("get_issue", "fetch", fmt.Sprintf("issue #%d", number), err)
	}

	var labels []string
	for _, label := range issue.Labels {
		labels = append(labels, label.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Issue #%d: %s\nState: %s\n", issue.Number, issue.Title, issue.State)
	if len(labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(labels, ", "))
	}
	fmt.Fprintf(&b, "\n%s", issue.Body)
	return b.String(), nil, nil
}

type addIssueCommentTool struct{ deps Deps }

func (t *addIssueCommentTool) GetName() string { return "add_issue_comment" }
func (t *addIssueCommentTool) GetCategory() Category { return CategoryGitHub }
func (t *addIssueCommentTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        "add_issue_comment",
		Description: "Post a comment on the task's issue.",
		InputSchema: objectSchema(map[string]interface{}{
			"body": prop("string", "Comment text (markdown)"),
		}, "body"),
	}
}

func (t *addIssueCommentTool) Execute(ctx context.Context, taskCtx *task.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
	body, err := requireString(args, "body")
	if err != nil {
		return "", nil, err
	}
	if err := t.deps.Tracker.CreateIssueComment(ctx, taskCtx.Task.IssueNumber, body); err != nil {
		return "", nil, NewToolError("add_issue_comment", "post", fmt.Sprintf("issue #%d", taskCtx.Task.IssueNumber), err)
	}
	return fmt.Sprintf("Comment posted on issue #%d", taskCtx.Task.IssueNumber), nil, nil
}

type createPullRequestTool struct{ deps Deps }

func (t *createPullRequestTool) GetName() string { return "create_pull_request" }
func (t *createPullRequestTool) GetCategory() Category { return CategoryGitHub }
func (t *createPullRequestTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        "create_pull_request",
		Description: "Open a pull request from the task branch. Commit and push all changes first.",
		InputSchema: objectSchema(map[string]interface{}{
			"title": prop("string", "Pull request title"),
			"body":  prop("string", "Pull request description"),
		}, "title", "body"),
	}
}

func (t *createPullRequestTool) Execute(ctx context.Context, taskCtx *task.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
	title, err := requireString(args, "title")
	if err != nil {
		return "", nil, err
	}
	body := optionalString(args, "body")

	if taskCtx.BranchName == "" {
		return "", nil, fmt.Errorf("no branch created yet; call create_branch first")
	}

	pr, err := t.deps.Tracker.CreatePullRequest(ctx, title, body, taskCtx.BranchName, t.deps.BaseBranch)
	if err != nil {
		return "", nil, NewToolError("create_pull_request", "create", taskCtx.BranchName, err)
	}
	meta := map[string]interface{}{"pr_url": pr.HTMLURL, "pr_number": pr.Number}
	return fmt.Sprintf("Created PR #%d: %s", pr.Number, pr.HTMLURL), meta, nil
}

// ----------------------------------------------------------------------------
// git tools

type createBranchTool struct{ deps Deps }

func (t *createBranchTool) GetName() string { return "create_branch" }
func (t *createBranchTool) GetCategory() Category { return CategoryGit }
func (t *createBranchTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        "create_branch",
		Description: "Create and check out a working branch in the repository clone.",
		InputSchema: objectSchema(map[string]interface{}{
			"branch_name": prop("string", "Branch name, e.g. fix-issue-42"),
		}, "branch_name"),
	}
}

func (t *createBranchTool) Execute(ctx context.Context, taskCtx *task.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
	name, err := requireString(args, "branch_name")
	if err != nil {
		return "", nil, err
	}
	if err := t.deps.Git.CreateBranch(ctx, t.deps.cloneDir(taskCtx), name); err != nil {
		return "", nil, NewToolError("create_branch", "create", name, err)
	}
	meta := map[string]interface{}{"branch_name": name}
	return fmt.Sprintf("Branch %s created and checked out", name), meta, nil
}

type commitChangesTool struct{ deps Deps }

func (t *commitChangesTool) GetName() string { return "commit_changes" }
func (t *commitChangesTool) GetCategory() Category { return CategoryGit }
func (t *commitChangesTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        "commit_changes",
		Description: "Stage, commit, and push the working tree to the task branch.",
		InputSchema: objectSchema(map[string]interface{}{
			"message": prop("string", "Commit message"),
			"files": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Paths to stage; omit to stage everything",
			},
		}, "message"),
	}
}

func (t *commitChangesTool) Execute(ctx context.Context, taskCtx *task.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
	message, err := requireString(args, "message")
	if err != nil {
		return "", nil, err
	}
	if taskCtx.BranchName == "" {
		return "", nil, fmt.Errorf("no branch created yet; call create_branch first")
	}

	dir := t.deps.cloneDir(taskCtx)
	paths := stringSliceArg(args, "files")

	if err := t.deps.Git.Commit(ctx, dir, message, paths); err != nil {
		return "", nil, NewToolError("commit_changes", "commit", message, err)
	}
	if err := t.deps.Git.SafePush(ctx, dir, taskCtx.BranchName); err != nil {
		return "", nil, NewToolError("commit_changes", "push", taskCtx.BranchName, err)
	}

	meta := map[string]interface{}{"files": paths}
	if len(paths) == 0 {
		return fmt.Sprintf("Committed and pushed to %s", taskCtx.BranchName), meta, nil
	}
	return fmt.Sprintf("Committed %d file(s) and pushed to %s", len(paths), taskCtx.BranchName), meta, nil
}

// ----------------------------------------------------------------------------
// file tools

type readFileTool struct{ deps Deps }

func (t *readFileTool) GetName() string { return "read_file" }
func (t *readFileTool) GetCategory() Category { return CategoryFile }
func (t *readFileTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the repository clone.",
		InputSchema: objectSchema(map[string]interface{}{
			"path": prop("string", "Path relative to the repository root"),
		}, "path"),
	}
}

func (t *readFileTool) Execute(ctx context.Context, taskCtx *task.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return "", nil, err
	}
	content, err := t.deps.Git.ReadFile(t.deps.cloneDir(taskCtx), path)
	if err != nil {
		return "", nil, NewToolError("read_file", "read", path, err)
	}
	return content, map[string]interface{}{"file_path": path}, nil
}

type listFilesTool struct{ deps Deps }

func (t *listFilesTool) GetName() string { return "list_files" }
func (t *listFilesTool) GetCategory() Category { return CategoryFile }
func (t *listFilesTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        "list_files",
		Description: "List tracked files in the repository clone, optionally under a subdirectory.",
		InputSchema: objectSchema(map[string]interface{}{
			"path": prop("string", "Subdirectory to list; omit for the whole tree"),
		}),
	}
}

func (t *listFilesTool) Execute(ctx context.Context, taskCtx *task.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
	files, err := t.deps.Git.ListFiles(ctx, t.deps.cloneDir(taskCtx), optionalString(args, "path"))
	if err != nil {
		return "", nil, NewToolError("list_files", "list", optionalString(args, "path"), err)
	}
	if len(files) == 0 {
		return "No files found", nil, nil
	}
	return strings.Join(files, "\n"), nil, nil
}

type modifyFileTool struct{ deps Deps }

func (t *modifyFileTool) GetName() string { return "modify_file" }
func (t *modifyFileTool) GetCategory() Category { return CategoryFile }
func (t *modifyFileTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        "modify_file",
		Description: "Write the full content of one file in the repository clone, creating it if needed.",
		InputSchema: objectSchema(map[string]interface{}{
			"path":    prop("string", "Path relative to the repository root"),
			"content": prop("string", "Complete new file content"),
		}, "path", "content"),
	}
}

func (t *modifyFileTool) Execute(ctx context.Context, taskCtx *task.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return "", nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return "", nil, fmt.Errorf("missing required argument %q", "content")
	}
	if err := t.deps.Git.WriteFile(t.deps.cloneDir(taskCtx), path, content); err != nil {
		return "", nil, NewToolError("modify_file", "write", path, err)
	}
	meta := map[string]interface{}{"file_path": path}
	return fmt.Sprintf("File %s written (%d bytes)", path, len(content)), meta, nil
}

type modifyFilesLocalTool struct{ deps Deps }

func (t *modifyFilesLocalTool) GetName() string { return "modify_files_local" }
func (t *modifyFilesLocalTool) GetCategory() Category { return CategoryFile }
func (t *modifyFilesLocalTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        "modify_files_local",
		Description: "Write several files in the repository clone in one call.",
		InputSchema: objectSchema(map[string]interface{}{
			"files": map[string]interface{}{
				"type": "array",
				"items": objectSchema(map[string]interface{}{
					"path":    prop("string", "Path relative to the repository root"),
					"content": prop("string", "Complete new file content"),
				}, "path", "content"),
				"description": "Files to write",
			},
		}, "files"),
	}
}

func (t *modifyFilesLocalTool) Execute(ctx context.Context, taskCtx *task.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
	entries, ok := args["files"].([]interface{})
	if !ok || len(entries) == 0 {
		return "", nil, fmt.Errorf("missing required argument %q", "files")
	}

	dir := t.deps.cloneDir(taskCtx)
	var written []string
	for _, entry := range entries {
		file, ok := entry.(map[string]interface{})
		if !ok {
			return "", nil, fmt.Errorf("each file entry must be an object with path and content")
		}
		path, err := requireString(file, "path")
		if err != nil {
			return "", nil, err
		}
		content, ok := file["content"].(string)
		if !ok {
			return "", nil, fmt.Errorf("file %q is missing content", path)
		}
		if err := t.deps.Git.WriteFile(dir, path, content); err != nil {
			return "", nil, NewToolError("modify_files_local", "write", path, err)
		}
		written = append(written, path)
	}

	meta := map[string]interface{}{"files_modified": written}
	return fmt.Sprintf("Wrote %d file(s): %s", len(written), strings.Join(written, ", ")), meta, nil
}

// ----------------------------------------------------------------------------
// code analysis tools

type searchCodeTool struct{ deps Deps }

func (t *searchCodeTool) GetName() string { return "search_code" }
func (t *searchCodeTool) GetCategory() Category { return CategoryCodeAnalysis }
func (t *searchCodeTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        "search_code",
		Description: "Search tracked files in the repository clone for a pattern.",
		InputSchema: objectSchema(map[string]interface{}{
			"query": prop("string", "Search pattern (git grep syntax)"),
		}, "query"),
	}
}

func (t *searchCodeTool) Execute(ctx context.Context, taskCtx *task.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
	query, err := requireString(args, "query")
	if err != nil {
		return "", nil, err
	}
	matches, err := t.deps.Git.Grep(ctx, t.deps.cloneDir(taskCtx), query)
	if err != nil {
		return "", nil, NewToolError("search_code", "grep", query, err)
	}
	if len(matches) == 0 {
		return fmt.Sprintf("No matches for %q", query), nil, nil
	}
	const maxMatches = 100
	if len(matches) > maxMatches {
		matches = matches[:maxMatches]
	}
	return strings.Join(matches, "\n"), nil, nil
}

// ----------------------------------------------------------------------------
// task tools

type runValidationTool struct{ deps Deps }

func (t *runValidationTool) GetName() string { return "run_validation" }
func (t *runValidationTool) GetCategory() Category { return CategoryTask }
func (t *runValidationTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        "run_validation",
		Description: "Run the repository's validation suite against the working tree. Use tier 'quick' while iterating and 'full' before completion.",
		InputSchema: objectSchema(map[string]interface{}{
			"tier": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"quick", "full"},
				"description": "Validation tier",
			},
		}),
	}
}

func (t *runValidationTool) Execute(ctx context.Context, taskCtx *task.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
	tier := validation.Tier(optionalString(args, "tier"))
	if tier == "" {
		tier = validation.TierQuick
	}

	result, err := t.deps.Validator.Run(ctx, t.deps.cloneDir(taskCtx), tier)
	if err != nil {
		return "", nil, NewToolError("run_validation", "run", string(tier), err)
	}
	meta := map[string]interface{}{"tier": string(result.Tier), "passed": result.Passed}
	return result.Summary(), meta, nil
}

// ----------------------------------------------------------------------------
// argument helpers

func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
