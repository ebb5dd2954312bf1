package llms

import (
	"strings"
	"testing"
)

func TestExtractToolCalls_Fenced(t *testing.T) {
	text := "I'll read the file first.\n```json\n{\"tool\": \"read_file\", \"arguments\": {\"path\": \"go.mod\"}}\n```\nThen I'll decide."

	remainder, calls := ExtractToolCalls(text)

	if len(calls) != 1 {
		t.Fatalf("len(calls) = %d, want 1", len(calls))
	}
	if calls[0].Name != "read_file" || calls[0].Args["path"] != "go.mod" {
		t.Errorf("call = %+v", calls[0])
	}
	if !strings.Contains(remainder, "I'll read the file first.") || strings.Contains(remainder, "read_file") {
		t.Errorf("remainder = %q", remainder)
	}
}

func TestExtractToolCalls_FencedWithoutLanguageTag(t *testing.T) {
	text := "```\n{\"tool\": \"attempt_completion\", \"arguments\": {}}\n```"

	_, calls := ExtractToolCalls(text)

	if len(calls) != 1 || calls[0].Name != "attempt_completion" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestExtractToolCalls_BalancedBraces(t *testing.T) {
	text := `Let me fix that. {"tool": "modify_file", "arguments": {"path": "a.go", "content": "x := \"{\""}} Done.`

	remainder, calls := ExtractToolCalls(text)

	if len(calls) != 1 {
		t.Fatalf("len(calls) = %d, want 1", len(calls))
	}
	if calls[0].Name != "modify_file" {
		t.Errorf("call = %+v", calls[0])
	}
	// Braces inside JSON strings must not break the scan.
	if calls[0].Args["content"] != `x := "{"` {
		t.Errorf("content arg = %q", calls[0].Args["content"])
	}
	if !strings.Contains(remainder, "Let me fix that.") || !strings.Contains(remainder, "Done.") {
		t.Errorf("remainder = %q", remainder)
	}
}

func TestExtractToolCalls_RawJSON(t *testing.T) {
	_, calls := ExtractToolCalls(`{"tool": "run_validation", "args": {"tier": "full"}}`)

	if len(calls) != 1 || calls[0].Name != "run_validation" {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].Args["tier"] != "full" {
		t.Errorf("args = %+v", calls[0].Args)
	}
}

func TestExtractToolCalls_MultipleCalls(t *testing.T) {
	text := "```json\n{\"tool\": \"read_file\", \"arguments\": {\"path\": \"a.go\"}}\n```\n```json\n{\"tool\": \"read_file\", \"arguments\": {\"path\": \"b.go\"}}\n```"

	_, calls := ExtractToolCalls(text)

	if len(calls) != 2 {
		t.Fatalf("len(calls) = %d, want 2", len(calls))
	}
	if calls[0].Args["path"] != "a.go" || calls[1].Args["path"] != "b.go" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestExtractToolCalls_PlainText(t *testing.T) {
	remainder, calls := ExtractToolCalls("The work is complete, nothing else to do.")

	if len(calls) != 0 {
		t.Fatalf("calls = %+v, want none", calls)
	}
	if remainder != "The work is complete, nothing else to do." {
		t.Errorf("remainder = %q", remainder)
	}
}

func TestExtractToolCalls_IgnoresNonToolJSON(t *testing.T) {
	remainder, calls := ExtractToolCalls(`Config example: {"debug": true, "level": 3}`)

	if len(calls) != 0 {
		t.Fatalf("calls = %+v, want none", calls)
	}
	if !strings.Contains(remainder, `{"debug": true, "level": 3}`) {
		t.Errorf("remainder = %q", remainder)
	}
}

func TestBuildToolPrompt(t *testing.T) {
	prompt := buildToolPrompt(sampleTools)

	if !strings.Contains(prompt, "modify_file") {
		t.Errorf("prompt missing tool name: %q", prompt)
	}
	if !strings.Contains(prompt, `"tool"`) {
		t.Errorf("prompt missing calling convention: %q", prompt)
	}
}
