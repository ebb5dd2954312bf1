package validation

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun_Skipped(t *testing.T) {
	runner := NewRunner(&Config{Timeout: time.Minute}, nil)

	result, err := runner.Run(context.Background(), t.TempDir(), TierFull)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Skipped || !result.Passed {
		t.Errorf("result = %+v, want skipped and passing", result)
	}
	if !strings.Contains(result.Summary(), "skipped") {
		t.Errorf("Summary() = %q", result.Summary())
	}
}

func TestRun_Pass(t *testing.T) {
	runner := NewRunner(&Config{QuickCommand: "true", Timeout: time.Minute}, nil)

	result, err := runner.Run(context.Background(), t.TempDir(), TierQuick)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Passed || result.Skipped {
		t.Errorf("result = %+v, want pass", result)
	}
	if !strings.Contains(result.Summary(), "passed") {
		t.Errorf("Summary() = %q", result.Summary())
	}
}

func TestRun_Fail(t *testing.T) {
	runner := NewRunner(&Config{QuickCommand: "echo boom; exit 1", Timeout: time.Minute}, nil)

	result, err := runner.Run(context.Background(), t.TempDir(), TierQuick)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Passed {
		t.Error("result should fail")
	}
	if !strings.Contains(result.Output, "boom") {
		t.Errorf("Output = %q", result.Output)
	}
	if !strings.Contains(result.Summary(), "failed") {
		t.Errorf("Summary() = %q", result.Summary())
	}
}

func TestTruncateOutput(t *testing.T) {
	long := strings.Repeat("x", maxOutputBytes+100) + "TAIL"

	got := truncateOutput(long)
	if !strings.HasPrefix(got, "... (truncated)") {
		t.Errorf("missing truncation marker: %q", got[:40])
	}
	if !strings.HasSuffix(got, "TAIL") {
		t.Error("truncation must keep the tail")
	}
}
