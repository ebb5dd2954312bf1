package task

import "testing"

func newTestContext() *Context {
	return NewContext(New("acme", "widgets", 42, "Fix the gadget", "It is broken"))
}

func TestApplyToolOutcome_BranchAndPR(t *testing.T) {
	ctx := newTestContext()

	ctx.ApplyToolOutcome("create_branch", map[string]interface{}{"branch_name": "fix-42"}, "Branch created", nil, false)
	if ctx.BranchName != "fix-42" {
		t.Errorf("BranchName = %q, want fix-42", ctx.BranchName)
	}

	ctx.ApplyToolOutcome("create_pull_request", nil, "Created PR: https://github.com/acme/widgets/pull/7", nil, false)
	if ctx.PRURL != "https://github.com/acme/widgets/pull/7" {
		t.Errorf("PRURL = %q", ctx.PRURL)
	}
}

func TestApplyToolOutcome_MetadataWins(t *testing.T) {
	ctx := newTestContext()

	ctx.ApplyToolOutcome("create_pull_request", nil, "pull request opened",
		map[string]interface{}{"pr_url": "https://github.com/acme/widgets/pull/9"}, false)
	if ctx.PRURL != "https://github.com/acme/widgets/pull/9" {
		t.Errorf("PRURL = %q, want the metadata value", ctx.PRURL)
	}

	ctx.ApplyToolOutcome("modify_file", map[string]interface{}{"path": "old.go"}, "ok",
		map[string]interface{}{"file_path": "new.go"}, false)
	if got := ctx.FilesModified(); len(got) != 1 || got[0] != "new.go" {
		t.Errorf("FilesModified() = %v, want the metadata path", got)
	}
}

func TestApplyToolOutcome_LocalBranchTool(t *testing.T) {
	ctx := newTestContext()

	ctx.ApplyToolOutcome("create_branch_local", map[string]interface{}{"branch_name": "fix-42-local"}, "ok", nil, false)
	if ctx.BranchName != "fix-42-local" {
		t.Errorf("BranchName = %q, want fix-42-local", ctx.BranchName)
	}
}

func TestApplyToolOutcome_FileTracking(t *testing.T) {
	ctx := newTestContext()

	ctx.ApplyToolOutcome("read_file", map[string]interface{}{"path": "go.mod"}, "module x", nil, false)
	ctx.ApplyToolOutcome("modify_file", map[string]interface{}{"path": "main.go"}, "ok", nil, false)
	ctx.ApplyToolOutcome("commit_changes", map[string]interface{}{"files": []interface{}{"main.go", "util.go"}}, "ok", nil, false)

	if got := ctx.FilesAccessed(); len(got) != 1 || got[0] != "go.mod" {
		t.Errorf("FilesAccessed() = %v", got)
	}
	if got := ctx.FilesModified(); len(got) != 2 || got[0] != "main.go" || got[1] != "util.go" {
		t.Errorf("FilesModified() = %v", got)
	}
}

func TestApplyToolOutcome_ErrorOnlyCountsUse(t *testing.T) {
	ctx := newTestContext()

	ctx.ApplyToolOutcome("create_branch", map[string]interface{}{"branch_name": "fix-42"}, "branch already exists", nil, true)

	if ctx.BranchName != "" {
		t.Errorf("BranchName = %q, want empty after failed tool", ctx.BranchName)
	}
	if ctx.ToolsUsed()["create_branch"] != 1 {
		t.Errorf("ToolsUsed = %v", ctx.ToolsUsed())
	}
}

func TestApplyToolOutcome_ValidationVerdicts(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"All checks passed", true},
		{"Build success", true},
		{"Validation skipped: no validation configured", true},
		{"2 tests failed", false},
		{"compile error in main.go", false},
	}

	for _, tt := range tests {
		ctx := newTestContext()
		ctx.ApplyToolOutcome("run_validation", nil, tt.content, nil, false)
		if ctx.ValidationPassed != tt.want {
			t.Errorf("validation(%q) = %v, want %v", tt.content, ctx.ValidationPassed, tt.want)
		}
	}
}

func TestApplyToolOutcome_ValidationVerdictIgnoresRawOutput(t *testing.T) {
	ctx := newTestContext()

	// The runner puts its verdict on the first line; the raw test
	// output below it can contain tallies like "3 passed" even when
	// the run failed.
	ctx.ApplyToolOutcome("run_validation", nil,
		"Validation failed (full tier, 2s)\n1 failed, 3 passed in 0.21s", nil, false)

	if !ctx.ValidationRun {
		t.Fatal("ValidationRun should be set")
	}
	if ctx.ValidationPassed {
		t.Error("a failed run must not pass because its output mentions passing tests")
	}
}

func TestModifyInvalidatesValidation(t *testing.T) {
	ctx := newTestContext()

	ctx.ApplyToolOutcome("run_validation", nil, "All checks passed", nil, false)
	if !ctx.ValidationPassed {
		t.Fatal("validation should pass")
	}

	ctx.ApplyToolOutcome("modify_file", map[string]interface{}{"path": "main.go"}, "ok", nil, false)
	if ctx.ValidationRun || ctx.ValidationPassed {
		t.Error("modifying a file should invalidate the validation verdict")
	}
}

func TestValidationRegressed(t *testing.T) {
	ctx := newTestContext()

	ctx.ApplyToolOutcome("run_validation", nil, "All checks passed", nil, false)
	if ctx.ValidationRegressed() {
		t.Error("no regression after a pass")
	}

	ctx.ApplyToolOutcome("run_validation", nil, "3 tests failed", nil, false)
	if !ctx.ValidationRegressed() {
		t.Error("pass then fail should report a regression")
	}
}

func TestResetForTrial(t *testing.T) {
	ctx := newTestContext()
	ctx.Status = StatusFailed
	ctx.IterationCount = 12
	ctx.ConsecutiveMistakes = 3
	ctx.LastReflectionIteration = 10
	ctx.ApplyToolOutcome("create_branch", map[string]interface{}{"branch_name": "fix-42"}, "ok", nil, false)
	ctx.ApplyToolOutcome("modify_file", map[string]interface{}{"path": "main.go"}, "ok", nil, false)
	ctx.RequestAbort("stuck")

	ctx.ResetForTrial(2)

	if ctx.TrialNumber != 2 {
		t.Errorf("TrialNumber = %d, want 2", ctx.TrialNumber)
	}
	if ctx.Status != StatusPending || ctx.IterationCount != 0 || ctx.ConsecutiveMistakes != 0 {
		t.Errorf("counters not reset: %+v", ctx)
	}
	if ctx.LastReflectionIteration != -1 {
		t.Errorf("LastReflectionIteration = %d, want -1 after reset", ctx.LastReflectionIteration)
	}
	if ctx.BranchName != "" || len(ctx.FilesModified()) != 0 || ctx.AbortRequested {
		t.Errorf("per-trial state not reset: %+v", ctx)
	}
	if ctx.Task.IssueNumber != 42 {
		t.Error("task binding must survive the reset")
	}
}

func TestRequestAbort_KeepsFirstReason(t *testing.T) {
	ctx := newTestContext()
	ctx.RequestAbort("too many mistakes")
	ctx.RequestAbort("empty responses")

	if ctx.FailureReason != "too many mistakes" {
		t.Errorf("FailureReason = %q", ctx.FailureReason)
	}
}
