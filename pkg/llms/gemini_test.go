package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kadirpekel/patchsmith/pkg/config"
	"github.com/kadirpekel/patchsmith/pkg/protocol"
)

func geminiTestConfig(host string) *config.LLMProviderConfig {
	cfg := &config.LLMProviderConfig{
		Type:   "gemini",
		Model:  "gemini-2.0-flash",
		APIKey: "test-key",
		Host:   host,
	}
	cfg.SetDefaults()
	return cfg
}

func TestNewGeminiProviderFromConfig_MissingKey(t *testing.T) {
	cfg := geminiTestConfig("")
	cfg.APIKey = ""

	if _, err := NewGeminiProviderFromConfig(cfg); err == nil {
		t.Error("NewGeminiProviderFromConfig() expected error for missing API key")
	}
}

func TestGeminiProvider_CreateMessage_FunctionCall(t *testing.T) {
	var captured GeminiRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&captured)

		json.NewEncoder(w).Encode(GeminiResponse{
			Candidates: []GeminiCandidate{{
				Content: GeminiContent{
					Role: "model",
					Parts: []GeminiPart{
						{"text": "Creating the branch."},
						{"functionCall": map[string]interface{}{
							"name": "create_branch",
							"args": map[string]interface{}{"name": "fix-42"},
						}},
					},
				},
				FinishReason: "STOP",
			}},
			UsageMetadata: &GeminiUsageMetadata{PromptTokenCount: 30, CandidatesTokenCount: 12, TotalTokenCount: 42},
		})
	}))
	defer server.Close()

	provider, _ := NewGeminiProviderFromConfig(geminiTestConfig(server.URL))

	msg, err := provider.CreateMessage(context.Background(), &Request{
		System:   "Be terse.",
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: protocol.Text("Create a branch")}},
		Tools: []ToolDefinition{{
			Name:        "create_branch",
			Description: "Create a git branch",
			InputSchema: map[string]interface{}{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	// Tools translate to functionDeclarations with a parameters field.
	if len(captured.Tools) != 1 || len(captured.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools in request = %+v", captured.Tools)
	}
	if captured.Tools[0].FunctionDeclarations[0].Name != "create_branch" {
		t.Errorf("declaration = %+v", captured.Tools[0].FunctionDeclarations[0])
	}

	// System prompt is folded into the first user turn.
	if len(captured.Contents) < 2 || captured.Contents[0].Role != "user" {
		t.Fatalf("contents = %+v", captured.Contents)
	}
	if text, _ := captured.Contents[0].Parts[0]["text"].(string); !strings.Contains(text, "Be terse.") {
		t.Errorf("system turn = %+v", captured.Contents[0].Parts)
	}

	calls := msg.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("len(ToolCalls()) = %d, want 1", len(calls))
	}
	if calls[0].ID != "tool_0" {
		t.Errorf("synthesized id = %q, want tool_0", calls[0].ID)
	}
	if calls[0].Name != "create_branch" || calls[0].Args["name"] != "fix-42" {
		t.Errorf("call = %+v", calls[0])
	}
	// A turn with function calls is a tool_use stop regardless of STOP.
	if msg.StopReason != StopToolUse {
		t.Errorf("StopReason = %v, want %v", msg.StopReason, StopToolUse)
	}
	if msg.Usage.TotalTokens != 42 {
		t.Errorf("TotalTokens = %v, want 42", msg.Usage.TotalTokens)
	}
}

func TestGeminiProvider_CreateMessage_StopReasons(t *testing.T) {
	tests := []struct {
		finishReason string
		want         string
	}{
		{"STOP", StopEndTurn},
		{"MAX_TOKENS", StopMaxTokens},
		{"SOMETHING_NEW", StopEndTurn},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(GeminiResponse{
				Candidates: []GeminiCandidate{{
					Content:      GeminiContent{Role: "model", Parts: []GeminiPart{{"text": "ok"}}},
					FinishReason: tt.finishReason,
				}},
			})
		}))

		provider, _ := NewGeminiProviderFromConfig(geminiTestConfig(server.URL))
		msg, err := provider.CreateMessage(context.Background(), &Request{
			Messages: []protocol.Message{{Role: protocol.RoleUser, Content: protocol.Text("hi")}},
		})
		server.Close()

		if err != nil {
			t.Fatalf("CreateMessage(%s) error = %v", tt.finishReason, err)
		}
		if msg.StopReason != tt.want {
			t.Errorf("StopReason(%s) = %v, want %v", tt.finishReason, msg.StopReason, tt.want)
		}
	}
}

func TestGeminiProvider_CreateMessage_ToolResultsBecomeFunctionResponses(t *testing.T) {
	var captured GeminiRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(GeminiResponse{
			Candidates: []GeminiCandidate{{
				Content:      GeminiContent{Role: "model", Parts: []GeminiPart{{"text": "done"}}},
				FinishReason: "STOP",
			}},
		})
	}))
	defer server.Close()

	provider, _ := NewGeminiProviderFromConfig(geminiTestConfig(server.URL))

	conv := protocol.NewConversation()
	conv.AddUserText("Create a branch")
	conv.AddAssistant(protocol.Blocks(protocol.ToolUseBlock("tool_0", "create_branch", map[string]interface{}{"name": "fix-42"})))
	conv.AddToolResults([]protocol.ToolResult{{ToolCallID: "tool_0", Content: "Branch fix-42 created"}})

	if _, err := provider.CreateMessage(context.Background(), &Request{Messages: conv.Messages()}); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	if len(captured.Contents) != 3 {
		t.Fatalf("len(Contents) = %d, want 3", len(captured.Contents))
	}

	last := captured.Contents[2]
	if last.Role != "user" {
		t.Errorf("function response role = %s, want user", last.Role)
	}
	fr, ok := last.Parts[0]["functionResponse"].(map[string]interface{})
	if !ok {
		t.Fatalf("parts = %+v", last.Parts)
	}
	// The synthesized id resolves back to the function name.
	if fr["name"] != "create_branch" {
		t.Errorf("functionResponse name = %v, want create_branch", fr["name"])
	}
}

func TestGeminiProvider_CreateMessageStream(t *testing.T) {
	lines := []string{
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Work"}]}}]}`,
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"ing"}]}}]}`,
		`data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"read_file","args":{"path":"a.go"}}}]},"finishReason":"STOP"}],"usageMetadata":{"totalTokenCount":33}}`,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("expected alt=sse query, got %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			w.Write([]byte(line + "\n\n"))
		}
	}))
	defer server.Close()

	provider, _ := NewGeminiProviderFromConfig(geminiTestConfig(server.URL))

	chunks, err := provider.CreateMessageStream(context.Background(), &Request{
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: protocol.Text("hi")}},
	})
	if err != nil {
		t.Fatalf("CreateMessageStream() error = %v", err)
	}

	var text string
	var calls []*protocol.ToolCall
	var tokens int
	for chunk := range chunks {
		switch chunk.Type {
		case "text":
			text += chunk.Text
		case "tool_call":
			calls = append(calls, chunk.ToolCall)
		case "done":
			tokens = chunk.Tokens
		case "error":
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
	}

	if text != "Working" {
		t.Errorf("text = %q, want Working", text)
	}
	if len(calls) != 1 || calls[0].Name != "read_file" || calls[0].ID != "tool_0" {
		t.Errorf("calls = %+v", calls)
	}
	if tokens != 33 {
		t.Errorf("tokens = %d, want 33", tokens)
	}
}
