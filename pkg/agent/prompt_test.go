package agent

import (
	"strings"
	"testing"
)

func TestPromptBuilder_BuiltinsAndSubstitution(t *testing.T) {
	builder := NewPromptBuilder()
	prompt := builder.Build(map[string]string{
		"OWNER":        "acme",
		"REPO":         "widgets",
		"ISSUE_NUMBER": "42",
	})

	for _, section := range []string{"AGENT_ROLE", "CAPABILITIES", "RULES", "WORKFLOW"} {
		if !strings.Contains(prompt, section) {
			t.Errorf("missing section %s", section)
		}
	}
	if !strings.Contains(prompt, "issue #42 of the repository acme/widgets") {
		t.Errorf("substitution failed:\n%s", prompt)
	}
	if strings.Contains(prompt, "{{") {
		t.Errorf("unsubstituted placeholder left in prompt:\n%s", prompt)
	}
}

func TestPromptBuilder_SectionDelimiter(t *testing.T) {
	builder := NewPromptBuilder()
	prompt := builder.Build(nil)

	if !strings.Contains(prompt, "\n\n====\n\n") {
		t.Error("sections not joined by the ==== delimiter")
	}
}

func TestPromptBuilder_ContextSections(t *testing.T) {
	builder := NewPromptBuilder()

	builder.AddContextSection("TASK_CONTEXT", "Issue #7: fix it")
	if got := builder.Build(nil); !strings.Contains(got, "TASK_CONTEXT\n\nIssue #7: fix it") {
		t.Errorf("context section not rendered:\n%s", got)
	}

	// Re-registering replaces the body.
	builder.AddContextSection("TASK_CONTEXT", "Issue #8: fix the other one")
	got := builder.Build(nil)
	if strings.Contains(got, "Issue #7") || !strings.Contains(got, "Issue #8") {
		t.Errorf("context section not replaced:\n%s", got)
	}

	// Empty optional sections are skipped entirely.
	builder.AddContextSection("LESSONS", "")
	if got := builder.Build(nil); strings.Contains(got, "LESSONS") {
		t.Errorf("empty optional section rendered:\n%s", got)
	}

	builder.RemoveContextSection("TASK_CONTEXT")
	if got := builder.Build(nil); strings.Contains(got, "TASK_CONTEXT") {
		t.Errorf("removed section still rendered:\n%s", got)
	}
}

func TestPromptBuilder_ExcludeCannotDropRequired(t *testing.T) {
	builder := NewPromptBuilder()
	builder.AddContextSection("EXTRA", "optional text")

	prompt := builder.BuildFiltered([]string{"RULES", "EXTRA"}, nil)
	if !strings.Contains(prompt, "RULES") {
		t.Error("required section was excluded")
	}
	if strings.Contains(prompt, "EXTRA") {
		t.Error("optional section was not excluded")
	}
}
