package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/kadirpekel/patchsmith/pkg/llms"
	"github.com/kadirpekel/patchsmith/pkg/task"
)

// fakeTool is a scripted tool for registry and dispatcher tests.
type fakeTool struct {
	name     string
	category Category
	result   string
	metadata map[string]interface{}
	err      error
	calls    int
	lastArgs map[string]interface{}
}

func (f *fakeTool) GetName() string       { return f.name }
func (f *fakeTool) GetCategory() Category { return f.category }

func (f *fakeTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        f.name,
		Description: "fake tool",
		InputSchema: map[string]interface{}{"type": "object"},
	}
}

func (f *fakeTool) Execute(_ context.Context, _ *task.Context, args map[string]interface{}) (string, map[string]interface{}, error) {
	f.calls++
	f.lastArgs = args
	return f.result, f.metadata, f.err
}

func TestRegisterTool_Validation(t *testing.T) {
	registry := NewToolRegistry()

	if err := registry.RegisterTool(nil); err == nil {
		t.Error("expected error for nil tool")
	}
	if err := registry.RegisterTool(&fakeTool{name: ""}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := registry.RegisterTool(&fakeTool{name: CompletionToolName}); err == nil {
		t.Error("expected error for reserved name")
	}

	if err := registry.RegisterTool(&fakeTool{name: "read_file", category: CategoryFile}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	if err := registry.RegisterTool(&fakeTool{name: "read_file", category: CategoryFile}); err == nil {
		t.Error("expected error for duplicate name")
	}
}

func TestDefinitions_SortedWithCompletionLast(t *testing.T) {
	registry := NewToolRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := registry.RegisterTool(&fakeTool{name: name, category: CategoryTask}); err != nil {
			t.Fatalf("RegisterTool(%s): %v", name, err)
		}
	}

	defs := registry.Definitions()
	want := []string{"alpha", "mid", "zeta", CompletionToolName}
	if len(defs) != len(want) {
		t.Fatalf("got %d definitions, want %d", len(defs), len(want))
	}
	for i, def := range defs {
		if def.Name != want[i] {
			t.Errorf("defs[%d] = %s, want %s", i, def.Name, want[i])
		}
	}
}

func TestByCategory(t *testing.T) {
	registry := NewToolRegistry()
	for _, tool := range []*fakeTool{
		{name: "read_file", category: CategoryFile},
		{name: "modify_file", category: CategoryFile},
		{name: "create_branch", category: CategoryGit},
	} {
		if err := registry.RegisterTool(tool); err != nil {
			t.Fatalf("RegisterTool(%s): %v", tool.name, err)
		}
	}

	grouped := registry.ByCategory()
	if got := grouped[CategoryFile]; len(got) != 2 || got[0] != "modify_file" || got[1] != "read_file" {
		t.Errorf("file tools = %v", got)
	}
	if got := grouped[CategoryGit]; len(got) != 1 || got[0] != "create_branch" {
		t.Errorf("git tools = %v", got)
	}
}

var errScripted = errors.New("scripted failure")
