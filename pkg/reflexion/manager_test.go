package reflexion

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kadirpekel/patchsmith/pkg/config"
	"github.com/kadirpekel/patchsmith/pkg/llms"
	"github.com/kadirpekel/patchsmith/pkg/protocol"
	"github.com/kadirpekel/patchsmith/pkg/retry"
	"github.com/kadirpekel/patchsmith/pkg/task"
)

// scriptedLLM returns canned responses and records the requests it saw.
type scriptedLLM struct {
	response string
	err      error
	requests []*llms.Request
}

func (s *scriptedLLM) CreateMessage(_ context.Context, req *llms.Request) (*llms.AssistantMessage, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return &llms.AssistantMessage{Content: protocol.Text(s.response), StopReason: llms.StopEndTurn}, nil
}

func (s *scriptedLLM) CreateMessageStream(context.Context, *llms.Request) (<-chan llms.StreamChunk, error) {
	return nil, errors.New("streaming not supported")
}

func (s *scriptedLLM) GetModelName() string { return "scripted" }
func (s *scriptedLLM) Close() error         { return nil }

func allTriggers() config.ReflexionTriggers {
	return config.ReflexionTriggers{
		ValidationFailure:   true,
		ToolError:           true,
		ConsecutiveMistakes: true,
		Periodic:            true,
		TrialFailure:        true,
		PreCompletion:       true,
		PeriodicInterval:    5,
	}
}

func newTestManager(mode config.ReflexionMode, llm llms.LLMProvider) *Manager {
	cfg := &config.ReflexionConfig{Enabled: true, Mode: mode, Triggers: allTriggers()}
	cfg.SetDefaults()
	return NewManager(cfg, llm, retry.Policy{MaxRetries: 0}, nil)
}

func TestShouldReflect_Modes(t *testing.T) {
	tests := []struct {
		mode    config.ReflexionMode
		trigger Trigger
		want    bool
	}{
		{config.ReflexionWithinTask, TriggerToolError, true},
		{config.ReflexionWithinTask, TriggerTrialFailure, false},
		{config.ReflexionMultiTrial, TriggerTrialFailure, true},
		{config.ReflexionMultiTrial, TriggerToolError, false},
		{config.ReflexionHybrid, TriggerToolError, true},
		{config.ReflexionHybrid, TriggerTrialFailure, true},
		{config.ReflexionDisabled, TriggerToolError, false},
	}

	for _, tt := range tests {
		manager := newTestManager(tt.mode, &scriptedLLM{})
		if got := manager.ShouldReflect(tt.trigger, 1); got != tt.want {
			t.Errorf("mode=%s trigger=%s: ShouldReflect = %v, want %v", tt.mode, tt.trigger, got, tt.want)
		}
	}
}

func TestShouldReflect_PeriodicInterval(t *testing.T) {
	manager := newTestManager(config.ReflexionWithinTask, &scriptedLLM{})

	for iteration, want := range map[int]bool{0: false, 3: false, 5: true, 10: true, 11: false} {
		if got := manager.ShouldReflect(TriggerPeriodic, iteration); got != want {
			t.Errorf("iteration %d: ShouldReflect = %v, want %v", iteration, got, want)
		}
	}
}

func TestShouldReflect_RespectsToggles(t *testing.T) {
	cfg := &config.ReflexionConfig{Enabled: true, Mode: config.ReflexionHybrid}
	cfg.SetDefaults()
	cfg.Triggers = config.ReflexionTriggers{ToolError: true, PeriodicInterval: 5}
	manager := NewManager(cfg, &scriptedLLM{}, retry.Policy{}, nil)

	if !manager.ShouldReflect(TriggerToolError, 1) {
		t.Error("tool_error should fire when toggled on")
	}
	if manager.ShouldReflect(TriggerValidationFailure, 1) {
		t.Error("validation_failure should not fire when toggled off")
	}
}

func TestReflect_StoresInsight(t *testing.T) {
	llm := &scriptedLLM{response: "  Run validation before opening the pull request.  "}
	manager := newTestManager(config.ReflexionHybrid, llm)

	taskCtx := task.NewContext(task.New("acme", "widgets", 42, "Fix the gadget", "It is broken"))
	taskCtx.IterationCount = 4
	taskCtx.ApplyToolOutcome("modify_file", map[string]interface{}{"path": "main.go"}, "ok", nil, false)

	conv := protocol.NewConversation()
	conv.AddUserText("implement the fix")

	record := manager.Reflect(context.Background(), TriggerValidationFailure, taskCtx, conv, "tests failed: main_test.go:12")
	if record == nil {
		t.Fatal("expected a record")
	}
	if record.Insight != "Run validation before opening the pull request." {
		t.Errorf("Insight = %q", record.Insight)
	}
	if record.Trigger != TriggerValidationFailure || record.Iteration != 4 {
		t.Errorf("record = %+v", record)
	}
	if manager.Memory().Len() != 1 {
		t.Errorf("Memory().Len() = %d, want 1", manager.Memory().Len())
	}

	if len(llm.requests) != 1 {
		t.Fatalf("got %d requests", len(llm.requests))
	}
	req := llm.requests[0]
	if req.Temperature != 0.5 || req.MaxTokens != 2048 {
		t.Errorf("Temperature/MaxTokens = %v/%d, want 0.5/2048", req.Temperature, req.MaxTokens)
	}
	prompt := req.Messages[0].Content.AsText()
	for _, want := range []string{"#42 Fix the gadget", "main.go", "tests failed: main_test.go:12", "Validation failed."} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestReflect_FailureIsSwallowed(t *testing.T) {
	manager := newTestManager(config.ReflexionHybrid, &scriptedLLM{err: errors.New("provider down")})
	taskCtx := task.NewContext(task.New("acme", "widgets", 1, "t", "d"))

	if record := manager.Reflect(context.Background(), TriggerToolError, taskCtx, nil, "boom"); record != nil {
		t.Errorf("expected nil record, got %+v", record)
	}
	if manager.Memory().Len() != 0 {
		t.Errorf("Memory().Len() = %d, want 0", manager.Memory().Len())
	}
}

func TestReflect_EmptyInsightNotStored(t *testing.T) {
	manager := newTestManager(config.ReflexionHybrid, &scriptedLLM{response: "   "})
	taskCtx := task.NewContext(task.New("acme", "widgets", 1, "t", "d"))

	if record := manager.Reflect(context.Background(), TriggerPeriodic, taskCtx, nil, ""); record != nil {
		t.Errorf("expected nil record, got %+v", record)
	}
}

func TestIsIncomplete(t *testing.T) {
	manager := newTestManager(config.ReflexionHybrid, &scriptedLLM{})

	tests := []struct {
		insight string
		want    bool
	}{
		{"The work looks complete and the PR is open.", false},
		{"The tests are MISSING for the new handler.", true},
		{"You still need to run validation.", true},
		{"All requirements were met.", false},
	}
	for _, tt := range tests {
		if got := manager.IsIncomplete(tt.insight); got != tt.want {
			t.Errorf("IsIncomplete(%q) = %v, want %v", tt.insight, got, tt.want)
		}
	}
}
