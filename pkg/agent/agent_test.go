package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kadirpekel/patchsmith/pkg/config"
	"github.com/kadirpekel/patchsmith/pkg/llms"
	"github.com/kadirpekel/patchsmith/pkg/protocol"
	"github.com/kadirpekel/patchsmith/pkg/reflexion"
	"github.com/kadirpekel/patchsmith/pkg/retry"
	"github.com/kadirpekel/patchsmith/pkg/task"
	"github.com/kadirpekel/patchsmith/pkg/tools"
)

// scriptedProvider replays a fixed sequence of assistant messages and
// records every request it receives.
type scriptedProvider struct {
	script   []*llms.AssistantMessage
	requests []*llms.Request
}

func (p *scriptedProvider) CreateMessage(_ context.Context, req *llms.Request) (*llms.AssistantMessage, error) {
	p.requests = append(p.requests, req)
	if len(p.requests) > len(p.script) {
		return nil, errors.New("provider script exhausted")
	}
	return p.script[len(p.requests)-1], nil
}

func (p *scriptedProvider) CreateMessageStream(context.Context, *llms.Request) (<-chan llms.StreamChunk, error) {
	return nil, errors.New("streaming not supported")
}

func (p *scriptedProvider) GetModelName() string { return "scripted" }
func (p *scriptedProvider) Close() error         { return nil }

// reflectionProvider replays canned reflection insights in order.
type reflectionProvider struct {
	insights []string
	calls    int
}

func (p *reflectionProvider) CreateMessage(_ context.Context, _ *llms.Request) (*llms.AssistantMessage, error) {
	insight := "No further observations."
	if p.calls < len(p.insights) {
		insight = p.insights[p.calls]
	}
	p.calls++
	return &llms.AssistantMessage{Content: protocol.Text(insight), StopReason: llms.StopEndTurn}, nil
}

func (p *reflectionProvider) CreateMessageStream(context.Context, *llms.Request) (<-chan llms.StreamChunk, error) {
	return nil, errors.New("streaming not supported")
}

func (p *reflectionProvider) GetModelName() string { return "reflection" }
func (p *reflectionProvider) Close() error         { return nil }

// scriptedTool returns its queued outcomes in order, repeating the last
// one when the queue runs out.
type scriptedTool struct {
	name     string
	category tools.Category
	outcomes []error
	result   string
	calls    int
}

func (s *scriptedTool) GetName() string             { return s.name }
func (s *scriptedTool) GetCategory() tools.Category { return s.category }

func (s *scriptedTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{Name: s.name, Description: "test tool", InputSchema: map[string]interface{}{"type": "object"}}
}

func (s *scriptedTool) Execute(context.Context, *task.Context, map[string]interface{}) (string, map[string]interface{}, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.outcomes) {
		if len(s.outcomes) == 0 {
			return s.result, nil, nil
		}
		idx = len(s.outcomes) - 1
	}
	if err := s.outcomes[idx]; err != nil {
		return "", nil, err
	}
	return s.result, nil, nil
}

func toolUseMsg(id, name string, args map[string]interface{}) *llms.AssistantMessage {
	return &llms.AssistantMessage{
		Content:    protocol.Blocks(protocol.ToolUseBlock(id, name, args)),
		StopReason: llms.StopToolUse,
	}
}

func textMsg(text string) *llms.AssistantMessage {
	return &llms.AssistantMessage{Content: protocol.Text(text), StopReason: llms.StopEndTurn}
}

func completionMsg(id, summary string) *llms.AssistantMessage {
	return toolUseMsg(id, tools.CompletionToolName, map[string]interface{}{"summary": summary})
}

func newReflector(mode config.ReflexionMode, triggers config.ReflexionTriggers, llm llms.LLMProvider) *reflexion.Manager {
	cfg := &config.ReflexionConfig{Enabled: true, Mode: mode, Triggers: triggers}
	cfg.SetDefaults()
	return reflexion.NewManager(cfg, llm, retry.Policy{}, nil)
}

func newTestAgent(t *testing.T, provider llms.LLMProvider, reflector *reflexion.Manager, testTools ...*scriptedTool) *Agent {
	t.Helper()
	registry := tools.NewToolRegistry()
	for _, tool := range testTools {
		if err := registry.RegisterTool(tool); err != nil {
			t.Fatalf("RegisterTool(%s): %v", tool.name, err)
		}
	}
	defaults := &config.TaskDefaults{MaxIterations: 10, MaxConsecutiveMistakes: 3}
	return New(provider, registry, reflector, retry.Policy{}, defaults, nil)
}

func newRunContext() (*task.Context, *protocol.Conversation) {
	t := task.New("acme", "widgets", 42, "Fix the gadget", "The gadget crashes on start")
	conv := protocol.NewConversation()
	conv.AddUserText(initialPrompt(t, 1, 1))
	return task.NewContext(t), conv
}

func TestRun_CleanCompletion(t *testing.T) {
	provider := &scriptedProvider{script: []*llms.AssistantMessage{
		toolUseMsg("t1", "read_file", map[string]interface{}{"path": "a.py"}),
		completionMsg("t2", "done"),
	}}
	read := &scriptedTool{name: "read_file", category: tools.CategoryFile, result: "X"}
	agent := newTestAgent(t, provider, nil, read)
	taskCtx, conv := newRunContext()

	if err := agent.Run(context.Background(), taskCtx, conv); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if taskCtx.Status != task.StatusCompleted {
		t.Errorf("Status = %s", taskCtx.Status)
	}
	if taskCtx.IterationCount != 2 {
		t.Errorf("IterationCount = %d, want 2", taskCtx.IterationCount)
	}
	if got := taskCtx.FilesAccessed(); len(got) != 1 || got[0] != "a.py" {
		t.Errorf("FilesAccessed() = %v", got)
	}
	if taskCtx.CompletionMessage != "done" {
		t.Errorf("CompletionMessage = %q", taskCtx.CompletionMessage)
	}
}

func TestRun_CompletionMixedIntoBatch(t *testing.T) {
	// A single turn that both reads a file and claims completion: the
	// read is dispatched first, then completion is intercepted.
	provider := &scriptedProvider{script: []*llms.AssistantMessage{
		{
			Content: protocol.Blocks(
				protocol.ToolUseBlock("t1", "read_file", map[string]interface{}{"path": "a.go"}),
				protocol.ToolUseBlock("t2", tools.CompletionToolName, map[string]interface{}{"summary": "done"}),
			),
			StopReason: llms.StopToolUse,
		},
	}}
	read := &scriptedTool{name: "read_file", category: tools.CategoryFile, result: "x"}
	agent := newTestAgent(t, provider, nil, read)
	taskCtx, conv := newRunContext()

	if err := agent.Run(context.Background(), taskCtx, conv); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if taskCtx.Status != task.StatusCompleted {
		t.Errorf("Status = %s", taskCtx.Status)
	}
	if taskCtx.CompletionMessage != "done" {
		t.Errorf("CompletionMessage = %q", taskCtx.CompletionMessage)
	}
	if read.calls != 1 {
		t.Errorf("read calls = %d, want 1 (the rest of the batch runs)", read.calls)
	}
	if got := taskCtx.FilesAccessed(); len(got) != 1 || got[0] != "a.go" {
		t.Errorf("FilesAccessed() = %v, want the pre-completion read recorded", got)
	}
	if len(provider.requests) != 1 {
		t.Errorf("provider calls = %d, want 1", len(provider.requests))
	}
}

func TestRun_ToolResultAlignment(t *testing.T) {
	provider := &scriptedProvider{script: []*llms.AssistantMessage{
		{
			Content: protocol.Blocks(
				protocol.ToolUseBlock("t1", "read_file", map[string]interface{}{"path": "a.go"}),
				protocol.ToolUseBlock("t2", "read_file", map[string]interface{}{"path": "b.go"}),
			),
			StopReason: llms.StopToolUse,
		},
		completionMsg("t3", "done"),
	}}
	read := &scriptedTool{name: "read_file", category: tools.CategoryFile, result: "content"}
	agent := newTestAgent(t, provider, nil, read)
	taskCtx, conv := newRunContext()

	if err := agent.Run(context.Background(), taskCtx, conv); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The user message after the double tool_use turn must carry exactly
	// two tool_result blocks, in call order.
	messages := conv.Messages()
	var resultMsg *protocol.Message
	for i := range messages {
		if messages[i].Role == protocol.RoleUser && len(messages[i].Content.AsBlocks()) > 0 &&
			messages[i].Content.AsBlocks()[0].Type == protocol.BlockTypeToolResult {
			resultMsg = &messages[i]
			break
		}
	}
	if resultMsg == nil {
		t.Fatal("no tool_result message found")
	}
	blocks := resultMsg.Content.AsBlocks()
	if len(blocks) != 2 || blocks[0].ToolUseID != "t1" || blocks[1].ToolUseID != "t2" {
		t.Errorf("result blocks = %+v", blocks)
	}
}

func TestRun_ToolFailureThenRecovery(t *testing.T) {
	provider := &scriptedProvider{script: []*llms.AssistantMessage{
		toolUseMsg("t1", "modify_file", map[string]interface{}{"path": "a.py", "content": "..."}),
		toolUseMsg("t2", "modify_file", map[string]interface{}{"path": "a.py", "content": "..."}),
		completionMsg("t3", "fixed"),
	}}
	modify := &scriptedTool{
		name:     "modify_file",
		category: tools.CategoryFile,
		outcomes: []error{errors.New("permission denied"), nil},
		result:   "File updated",
	}
	reflector := newReflector(config.ReflexionWithinTask,
		config.ReflexionTriggers{ToolError: true, PeriodicInterval: 5},
		&reflectionProvider{insights: []string{"Check file permissions before writing."}})
	agent := newTestAgent(t, provider, reflector, modify)
	taskCtx, conv := newRunContext()

	if err := agent.Run(context.Background(), taskCtx, conv); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if taskCtx.Status != task.StatusCompleted {
		t.Errorf("Status = %s", taskCtx.Status)
	}
	if taskCtx.ConsecutiveMistakes != 0 {
		t.Errorf("ConsecutiveMistakes = %d, want 0", taskCtx.ConsecutiveMistakes)
	}
	if got := taskCtx.FilesModified(); len(got) != 1 || got[0] != "a.py" {
		t.Errorf("FilesModified() = %v", got)
	}

	records := reflector.Memory().Records()
	if len(records) != 1 || records[0].Trigger != reflexion.TriggerToolError {
		t.Errorf("memory = %+v, want one tool_error record", records)
	}
}

func TestRun_EmptyResponsesAbort(t *testing.T) {
	script := make([]*llms.AssistantMessage, 5)
	for i := range script {
		script[i] = textMsg("thinking...")
	}
	provider := &scriptedProvider{script: script}
	agent := newTestAgent(t, provider, nil)
	taskCtx, conv := newRunContext()

	err := agent.Run(context.Background(), taskCtx, conv)
	if err == nil || !strings.Contains(err.Error(), "5 consecutive empty responses") {
		t.Fatalf("err = %v, want empty-response abort", err)
	}
	if taskCtx.Status != task.StatusFailed {
		t.Errorf("Status = %s", taskCtx.Status)
	}
	if len(provider.requests) != 5 {
		t.Errorf("provider calls = %d, want 5", len(provider.requests))
	}
}

func TestRun_FourEmptyResponsesDoNotAbort(t *testing.T) {
	provider := &scriptedProvider{script: []*llms.AssistantMessage{
		textMsg("a"), textMsg("b"), textMsg("c"), textMsg("d"),
		completionMsg("t1", "done"),
	}}
	agent := newTestAgent(t, provider, nil)
	taskCtx, conv := newRunContext()

	if err := agent.Run(context.Background(), taskCtx, conv); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if taskCtx.Status != task.StatusCompleted {
		t.Errorf("Status = %s", taskCtx.Status)
	}
}

func TestRun_PeriodicReflection(t *testing.T) {
	script := make([]*llms.AssistantMessage, 10)
	for i := range script {
		script[i] = toolUseMsg("t", "read_file", map[string]interface{}{"path": "a.go"})
	}
	provider := &scriptedProvider{script: script}
	read := &scriptedTool{name: "read_file", category: tools.CategoryFile, result: "x"}
	reflector := newReflector(config.ReflexionWithinTask,
		config.ReflexionTriggers{Periodic: true, PeriodicInterval: 5},
		&reflectionProvider{insights: []string{"Stop rereading the same file.", "Start modifying code."}})
	agent := newTestAgent(t, provider, reflector, read)
	taskCtx, conv := newRunContext()

	err := agent.Run(context.Background(), taskCtx, conv)
	if err == nil || !strings.Contains(err.Error(), "maximum of 10 iterations") {
		t.Fatalf("err = %v, want iteration budget error", err)
	}

	records := reflector.Memory().Records()
	if len(records) != 2 {
		t.Fatalf("got %d reflections, want 2 (at iterations 5 and 10)", len(records))
	}
	for _, record := range records {
		if record.Trigger != reflexion.TriggerPeriodic {
			t.Errorf("trigger = %s", record.Trigger)
		}
	}
	if records[0].Iteration != 5 || records[1].Iteration != 10 {
		t.Errorf("iterations = %d, %d; want 5, 10", records[0].Iteration, records[1].Iteration)
	}
}

func TestRun_PeriodicReflectionRepeatsAcrossTrials(t *testing.T) {
	script := make([]*llms.AssistantMessage, 20)
	for i := range script {
		script[i] = toolUseMsg("t", "read_file", map[string]interface{}{"path": "a.go"})
	}
	provider := &scriptedProvider{script: script}
	read := &scriptedTool{name: "read_file", category: tools.CategoryFile, result: "x"}
	reflector := newReflector(config.ReflexionWithinTask,
		config.ReflexionTriggers{Periodic: true, PeriodicInterval: 5},
		&reflectionProvider{})
	agent := newTestAgent(t, provider, reflector, read)
	taskCtx, conv := newRunContext()

	if err := agent.Run(context.Background(), taskCtx, conv); err == nil {
		t.Fatal("want iteration budget error")
	}

	// A fresh trial must reflect at the same iterations again; the
	// suppression marker is per-trial state, not agent state.
	taskCtx.ResetForTrial(2)
	conv2 := protocol.NewConversation()
	conv2.AddUserText(initialPrompt(taskCtx.Task, 2, 2))
	if err := agent.Run(context.Background(), taskCtx, conv2); err == nil {
		t.Fatal("want iteration budget error on trial 2")
	}

	records := reflector.Memory().Records()
	if len(records) != 4 {
		t.Fatalf("got %d reflections, want 4 (iterations 5 and 10 in each trial)", len(records))
	}
	wantIterations := []int{5, 10, 5, 10}
	wantTrials := []int{1, 1, 2, 2}
	for i, record := range records {
		if record.Iteration != wantIterations[i] || record.Trial != wantTrials[i] {
			t.Errorf("records[%d] = iteration %d trial %d, want iteration %d trial %d",
				i, record.Iteration, record.Trial, wantIterations[i], wantTrials[i])
		}
	}
}

func TestRun_ConsecutiveMistakesAbort(t *testing.T) {
	script := make([]*llms.AssistantMessage, 3)
	for i := range script {
		script[i] = toolUseMsg("t", "modify_file", map[string]interface{}{"path": "a.go"})
	}
	provider := &scriptedProvider{script: script}
	modify := &scriptedTool{name: "modify_file", category: tools.CategoryFile, outcomes: []error{errors.New("boom")}}
	agent := newTestAgent(t, provider, nil, modify)
	taskCtx, conv := newRunContext()

	err := agent.Run(context.Background(), taskCtx, conv)
	if err == nil || !strings.Contains(err.Error(), "consecutive mistakes") {
		t.Fatalf("err = %v, want consecutive-mistake abort", err)
	}
	if len(provider.requests) != 3 {
		t.Errorf("provider calls = %d, want 3", len(provider.requests))
	}
}

func TestRun_PreCompletionGate(t *testing.T) {
	provider := &scriptedProvider{script: []*llms.AssistantMessage{
		toolUseMsg("t1", "read_file", map[string]interface{}{"path": "a.go"}),
		completionMsg("t2", "done"),
		completionMsg("t3", "done for real"),
	}}
	read := &scriptedTool{name: "read_file", category: tools.CategoryFile, result: "x"}
	reflector := newReflector(config.ReflexionWithinTask,
		config.ReflexionTriggers{PreCompletion: true, PeriodicInterval: 5},
		&reflectionProvider{insights: []string{
			"The tests are incomplete and the PR was never opened.",
			"Everything required by the issue is in place.",
		}})
	agent := newTestAgent(t, provider, reflector, read)
	taskCtx, conv := newRunContext()

	if err := agent.Run(context.Background(), taskCtx, conv); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(provider.requests) != 3 {
		t.Fatalf("provider calls = %d, want 3 (gate forced a third turn)", len(provider.requests))
	}
	if taskCtx.CompletionMessage != "done for real" {
		t.Errorf("CompletionMessage = %q", taskCtx.CompletionMessage)
	}

	// The rejection is fed back as a user message quoting the review.
	found := false
	for _, msg := range conv.Messages() {
		if msg.Role == protocol.RoleUser && strings.Contains(msg.Content.AsText(), "The tests are incomplete") {
			found = true
		}
	}
	if !found {
		t.Error("rejection feedback not found in conversation")
	}
}

func TestRun_LessonsInjectedIntoSystemPrompt(t *testing.T) {
	provider := &scriptedProvider{script: []*llms.AssistantMessage{
		completionMsg("t1", "done"),
	}}
	reflector := newReflector(config.ReflexionWithinTask, config.ReflexionTriggers{PeriodicInterval: 5}, &reflectionProvider{})
	reflector.Memory().Add(&reflexion.Record{Trigger: reflexion.TriggerToolError, Insight: "Create the branch before committing."})
	agent := newTestAgent(t, provider, reflector)
	taskCtx, conv := newRunContext()

	if err := agent.Run(context.Background(), taskCtx, conv); err != nil {
		t.Fatalf("Run: %v", err)
	}

	system := provider.requests[0].System
	if !strings.Contains(system, "Create the branch before committing.") {
		t.Errorf("system prompt missing lesson:\n%s", system)
	}
	if !strings.Contains(system, "acme/widgets") || !strings.Contains(system, "#42") {
		t.Errorf("system prompt missing task identity:\n%s", system)
	}
}
