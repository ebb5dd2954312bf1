package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kadirpekel/patchsmith/pkg/config"
	"github.com/kadirpekel/patchsmith/pkg/protocol"
)

// OllamaProvider implements LLMProvider against a local Ollama server.
// Tool calling runs in one of two modes: structured (the native tools
// field, grammar-constrained on the server) or prompt-based, where the
// tool catalog is injected into the system prompt and calls are parsed
// out of the response text. Structured mode falls back to prompt-based
// when the server rejects the grammar, which smaller models do.
type OllamaProvider struct {
	config     *config.LLMProviderConfig
	httpClient *http.Client
	baseURL    string
}

type OllamaRequest struct {
	Model    string          `json:"model"`
	Messages []OllamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *OllamaOptions  `json:"options,omitempty"`
	Tools    []OllamaTool    `json:"tools,omitempty"`
}

type OllamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []OllamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type OllamaTool struct {
	Type     string             `json:"type"`
	Function OllamaToolFunction `json:"function"`
}

type OllamaToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type OllamaToolCall struct {
	Type     string                 `json:"type"`
	Function OllamaToolCallFunction `json:"function"`
}

type OllamaToolCallFunction struct {
	Index     int                    `json:"index,omitempty"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type OllamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type OllamaResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         OllamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

func NewOllamaProviderFromConfig(cfg *config.LLMProviderConfig) (*OllamaProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &OllamaProvider{
		config:     cfg,
		httpClient: newHTTPClient(cfg),
		baseURL:    baseURL,
	}, nil
}

func (p *OllamaProvider) GetModelName() string {
	return p.config.Model
}

func (p *OllamaProvider) Close() error {
	return nil
}

func (p *OllamaProvider) CreateMessage(ctx context.Context, req *Request) (*AssistantMessage, error) {
	if p.config.StructuredTools && len(req.Tools) > 0 {
		msg, err := p.createStructured(ctx, req)
		if err == nil {
			return msg, nil
		}
		if !isStructuredToolsUnsupported(err) {
			return nil, err
		}
		// Server cannot constrain this model; degrade to prompt-based.
	}
	return p.createPromptBased(ctx, req)
}

func (p *OllamaProvider) createStructured(ctx context.Context, req *Request) (*AssistantMessage, error) {
	request := p.buildRequest(req, false, true)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, fmt.Errorf("Ollama API error: %s", response.Error)
	}

	blocks := []protocol.ContentBlock{}
	if response.Message.Content != "" {
		blocks = append(blocks, protocol.TextBlock(response.Message.Content))
	}
	for i, tc := range response.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == nil {
			args = make(map[string]interface{})
		}
		blocks = append(blocks, protocol.ToolUseBlock(fmt.Sprintf("tool_%d", i), tc.Function.Name, args))
	}

	return &AssistantMessage{
		Content:    protocol.Blocks(blocks...),
		StopReason: normalizeOllamaDoneReason(response.DoneReason, len(response.Message.ToolCalls) > 0),
		Usage:      ollamaUsage(response),
	}, nil
}

func (p *OllamaProvider) createPromptBased(ctx context.Context, req *Request) (*AssistantMessage, error) {
	promptReq := *req
	if len(req.Tools) > 0 {
		promptReq.System = joinSystem(req.System, buildToolPrompt(req.Tools))
	}

	request := p.buildRequest(&promptReq, false, false)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, fmt.Errorf("Ollama API error: %s", response.Error)
	}

	text := response.Message.Content
	var blocks []protocol.ContentBlock
	hasToolCalls := false

	if len(req.Tools) > 0 {
		remainder, calls := ExtractToolCalls(text)
		if remainder != "" {
			blocks = append(blocks, protocol.TextBlock(remainder))
		}
		for i, call := range calls {
			blocks = append(blocks, protocol.ToolUseBlock(fmt.Sprintf("tool_%d", i), call.Name, call.Args))
		}
		hasToolCalls = len(calls) > 0
	} else if text != "" {
		blocks = append(blocks, protocol.TextBlock(text))
	}

	return &AssistantMessage{
		Content:    protocol.Blocks(blocks...),
		StopReason: normalizeOllamaDoneReason(response.DoneReason, hasToolCalls),
		Usage:      ollamaUsage(response),
	}, nil
}

func (p *OllamaProvider) CreateMessageStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	streamReq := *req
	structured := p.config.StructuredTools && len(req.Tools) > 0
	if !structured && len(req.Tools) > 0 {
		streamReq.System = joinSystem(req.System, buildToolPrompt(req.Tools))
	}
	request := p.buildRequest(&streamReq, true, structured)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, request, outputCh, !structured && len(req.Tools) > 0); err != nil {
			outputCh <- StreamChunk{Type: "error", Error: err}
		}
	}()

	return outputCh, nil
}

func (p *OllamaProvider) buildRequest(req *Request, stream, structuredTools bool) OllamaRequest {
	temperature, maxTokens := resolveParams(p.config, req)

	messages := make([]OllamaMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, OllamaMessage{Role: "system", Content: req.System})
	}

	toolIDToName := make(map[string]string)

	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == protocol.RoleAssistant {
			role = "assistant"
		}

		var text strings.Builder
		var toolCalls []OllamaToolCall
		var toolResults []protocol.ContentBlock

		for _, block := range msg.Content.AsBlocks() {
			switch block.Type {
			case protocol.BlockTypeText:
				text.WriteString(block.Text)
			case protocol.BlockTypeToolUse:
				toolIDToName[block.ID] = block.Name
				args := block.Input
				if args == nil {
					args = make(map[string]interface{})
				}
				toolCalls = append(toolCalls, OllamaToolCall{
					Type: "function",
					Function: OllamaToolCallFunction{
						Index:     len(toolCalls),
						Name:      block.Name,
						Arguments: args,
					},
				})
			case protocol.BlockTypeToolResult:
				toolResults = append(toolResults, block)
			}
		}

		// Tool results go out as dedicated tool-role messages.
		if len(toolResults) > 0 {
			for _, tr := range toolResults {
				content := tr.Content
				if tr.IsError {
					content = fmt.Sprintf("Error: %s", content)
				}
				toolName := toolIDToName[tr.ToolUseID]
				if toolName == "" {
					toolName = tr.ToolUseID
				}
				messages = append(messages, OllamaMessage{
					Role:     "tool",
					Content:  content,
					ToolName: toolName,
				})
			}
			continue
		}

		messages = append(messages, OllamaMessage{
			Role:      role,
			Content:   text.String(),
			ToolCalls: toolCalls,
		})
	}

	request := OllamaRequest{
		Model:    p.config.Model,
		Messages: messages,
		Stream:   stream,
	}

	if temperature > 0 || maxTokens > 0 {
		request.Options = &OllamaOptions{
			Temperature: temperature,
			NumPredict:  maxTokens,
		}
	}

	if structuredTools && len(req.Tools) > 0 {
		tools := make([]OllamaTool, len(req.Tools))
		for i, tool := range req.Tools {
			tools[i] = OllamaTool{
				Type: "function",
				Function: OllamaToolFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.InputSchema,
				},
			}
		}
		request.Tools = tools
	}

	return request
}

func (p *OllamaProvider) makeRequest(ctx context.Context, request OllamaRequest) (*OllamaResponse, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errorJSON struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errorJSON) == nil && errorJSON.Error != "" {
			return nil, fmt.Errorf("Ollama API error: %s", errorJSON.Error)
		}
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response OllamaResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}

func (p *OllamaProvider) makeStreamingRequest(ctx context.Context, request OllamaRequest, outputCh chan<- StreamChunk, parseTextTools bool) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make streaming request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		var errorJSON struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(bodyBytes, &errorJSON) == nil && errorJSON.Error != "" {
			return fmt.Errorf("Ollama API error: %s", errorJSON.Error)
		}
		return fmt.Errorf("Ollama API request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	reader := bufio.NewReader(resp.Body)
	var accumulated strings.Builder
	var structuredCalls []OllamaToolCall
	var totalTokens int

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var chunk OllamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		if chunk.Error != "" {
			return fmt.Errorf("Ollama API error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			if parseTextTools {
				// Buffer: tool-call JSON is only recognizable whole.
				accumulated.WriteString(chunk.Message.Content)
			} else {
				outputCh <- StreamChunk{Type: "text", Text: chunk.Message.Content}
			}
		}

		structuredCalls = append(structuredCalls, chunk.Message.ToolCalls...)

		if chunk.Done {
			totalTokens = chunk.PromptEvalCount + chunk.EvalCount
			break
		}
	}

	if parseTextTools {
		remainder, calls := ExtractToolCalls(accumulated.String())
		if remainder != "" {
			outputCh <- StreamChunk{Type: "text", Text: remainder}
		}
		for i, call := range calls {
			outputCh <- StreamChunk{
				Type:     "tool_call",
				ToolCall: &protocol.ToolCall{ID: fmt.Sprintf("tool_%d", i), Name: call.Name, Args: call.Args},
			}
		}
	}

	for i, tc := range structuredCalls {
		args := tc.Function.Arguments
		if args == nil {
			args = make(map[string]interface{})
		}
		outputCh <- StreamChunk{
			Type:     "tool_call",
			ToolCall: &protocol.ToolCall{ID: fmt.Sprintf("tool_%d", i), Name: tc.Function.Name, Args: args},
		}
	}

	outputCh <- StreamChunk{Type: "done", Tokens: totalTokens}
	return nil
}

func ollamaUsage(response *OllamaResponse) *Usage {
	return &Usage{
		InputTokens:  response.PromptEvalCount,
		OutputTokens: response.EvalCount,
		TotalTokens:  response.PromptEvalCount + response.EvalCount,
	}
}

func normalizeOllamaDoneReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return StopToolUse
	}
	switch reason {
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

// isStructuredToolsUnsupported recognizes server errors that mean the
// model cannot do grammar-constrained tool calling.
func isStructuredToolsUnsupported(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "grammar") || strings.Contains(text, "unexpected empty")
}

func joinSystem(system, extra string) string {
	if system == "" {
		return extra
	}
	return system + "\n\n" + extra
}
