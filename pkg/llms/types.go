package llms

import (
	"net"
	"net/http"
	"time"

	"github.com/kadirpekel/patchsmith/pkg/config"
	"github.com/kadirpekel/patchsmith/pkg/protocol"
)

// ToolDefinition is the canonical tool schema handed to providers. The
// shape mirrors the Anthropic triple; providers that speak another
// dialect translate it at the boundary.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Usage is normalized token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Normalized stop reasons. Providers map their finish vocabulary onto
// these.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// AssistantMessage is the normalized provider response.
type AssistantMessage struct {
	Content    protocol.Content
	StopReason string
	Usage      *Usage
}

// ToolCalls returns the tool_use blocks of the response in order.
func (m *AssistantMessage) ToolCalls() []protocol.ToolCall {
	return m.Content.ToolUses()
}

// StreamChunk is one event of a streaming response.
type StreamChunk struct {
	Type     string // "text", "tool_call", "done", "error"
	Text     string
	ToolCall *protocol.ToolCall
	Tokens   int
	Error    error
}

// newHTTPClient builds an http.Client honoring the provider timeouts.
// Read timeout 0 disables the request deadline (local CPU inference).
func newHTTPClient(cfg *config.LLMProviderConfig) *http.Client {
	connect := time.Duration(cfg.ConnectTimeout) * time.Second
	read := time.Duration(cfg.ReadTimeout) * time.Second

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connect,
		}).DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: read,
		IdleConnTimeout:       time.Duration(cfg.PoolTimeout) * time.Second,
		MaxIdleConnsPerHost:   4,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   read,
	}
}
