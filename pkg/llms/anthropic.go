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

// AnthropicProvider implements LLMProvider for the Anthropic Messages
// API. This is the reference dialect: the canonical conversation format
// maps onto it block for block.
type AnthropicProvider struct {
	config     *config.LLMProviderConfig
	httpClient *http.Client
}

type AnthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []AnthropicTool    `json:"tools,omitempty"`
}

type AnthropicMessage struct {
	Role    string             `json:"role"`
	Content []AnthropicContent `json:"content"`
}

type AnthropicContent struct {
	Type      string                  `json:"type"`
	Text      string                  `json:"text,omitempty"`
	ID        string                  `json:"id,omitempty"`
	Name      string                  `json:"name,omitempty"`
	Input     *map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                  `json:"tool_use_id,omitempty"`
	Content   string                  `json:"content,omitempty"`
	IsError   bool                    `json:"is_error,omitempty"`
}

type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []AnthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      AnthropicUsage     `json:"usage"`
	Error      *AnthropicError    `json:"error,omitempty"`
}

type AnthropicStreamResponse struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *AnthropicDelta    `json:"delta,omitempty"`
	ContentBlock *AnthropicContent  `json:"content_block,omitempty"`
	Message      *AnthropicResponse `json:"message,omitempty"`
	Usage        *AnthropicUsage    `json:"usage,omitempty"`
}

type AnthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewAnthropicProviderFromConfig(cfg *config.LLMProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}
	if cfg.Host == "" {
		cfg.Host = "https://api.anthropic.com"
	}

	return &AnthropicProvider{
		config:     cfg,
		httpClient: newHTTPClient(cfg),
	}, nil
}

func (p *AnthropicProvider) GetModelName() string {
	return p.config.Model
}

func (p *AnthropicProvider) Close() error {
	return nil
}

func (p *AnthropicProvider) CreateMessage(ctx context.Context, req *Request) (*AssistantMessage, error) {
	request := p.buildRequest(req, false)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	if response.Error != nil {
		return nil, fmt.Errorf("anthropic API error: %s", response.Error.Message)
	}

	return p.parseResponse(response), nil
}

func (p *AnthropicProvider) CreateMessageStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	request := p.buildRequest(req, true)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: "error", Error: err}
		}
	}()

	return outputCh, nil
}

func (p *AnthropicProvider) buildRequest(req *Request, stream bool) AnthropicRequest {
	temperature, maxTokens := resolveParams(p.config, req)

	messages := make([]AnthropicMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, AnthropicMessage{
			Role:    string(msg.Role),
			Content: convertBlocksToAnthropic(msg.Content.AsBlocks()),
		})
	}

	request := AnthropicRequest{
		Model:       p.config.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      stream,
		System:      req.System,
	}

	if len(req.Tools) > 0 {
		tools := make([]AnthropicTool, len(req.Tools))
		for i, tool := range req.Tools {
			tools[i] = AnthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			}
		}
		request.Tools = tools
	}

	return request
}

func convertBlocksToAnthropic(blocks []protocol.ContentBlock) []AnthropicContent {
	contents := make([]AnthropicContent, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case protocol.BlockTypeText:
			contents = append(contents, AnthropicContent{
				Type: "text",
				Text: block.Text,
			})
		case protocol.BlockTypeToolUse:
			input := block.Input
			if input == nil {
				input = make(map[string]interface{})
			}
			contents = append(contents, AnthropicContent{
				Type:  "tool_use",
				ID:    block.ID,
				Name:  block.Name,
				Input: &input,
			})
		case protocol.BlockTypeToolResult:
			contents = append(contents, AnthropicContent{
				Type:      "tool_result",
				ToolUseID: block.ToolUseID,
				Content:   block.Content,
				IsError:   block.IsError,
			})
		}
	}
	return contents
}

func (p *AnthropicProvider) parseResponse(response *AnthropicResponse) *AssistantMessage {
	blocks := make([]protocol.ContentBlock, 0, len(response.Content))
	for _, content := range response.Content {
		switch content.Type {
		case "text":
			blocks = append(blocks, protocol.TextBlock(content.Text))
		case "tool_use":
			var args map[string]interface{}
			if content.Input != nil {
				args = *content.Input
			}
			blocks = append(blocks, protocol.ToolUseBlock(content.ID, content.Name, args))
		}
	}

	return &AssistantMessage{
		Content:    protocol.Blocks(blocks...),
		StopReason: normalizeAnthropicStopReason(response.StopReason),
		Usage: &Usage{
			InputTokens:  response.Usage.InputTokens,
			OutputTokens: response.Usage.OutputTokens,
			TotalTokens:  response.Usage.InputTokens + response.Usage.OutputTokens,
		},
	}
}

func normalizeAnthropicStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	default:
		// end_turn, stop_sequence, or anything new
		return StopEndTurn
	}
}

func (p *AnthropicProvider) makeRequest(ctx context.Context, request AnthropicRequest) (*AnthropicResponse, error) {
	resp, err := p.doRequest(ctx, request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response AnthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}

func (p *AnthropicProvider) doRequest(ctx context.Context, request AnthropicRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.config.Host+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	return resp, nil
}

func (p *AnthropicProvider) makeStreamingRequest(ctx context.Context, request AnthropicRequest, outputCh chan<- StreamChunk) error {
	resp, err := p.doRequest(ctx, request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	toolCalls := make(map[int]*protocol.ToolCall)
	toolJSONBuffers := make(map[int]string)
	var totalTokens int

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		var event AnthropicStreamResponse
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolCalls[event.Index] = &protocol.ToolCall{
					ID:   event.ContentBlock.ID,
					Name: event.ContentBlock.Name,
					Args: make(map[string]interface{}),
				}
				toolJSONBuffers[event.Index] = ""
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				outputCh <- StreamChunk{Type: "text", Text: event.Delta.Text}
			case "input_json_delta":
				toolJSONBuffers[event.Index] += event.Delta.PartialJSON
			}

		case "content_block_stop":
			if tc, ok := toolCalls[event.Index]; ok {
				if buffered := toolJSONBuffers[event.Index]; buffered != "" {
					var args map[string]interface{}
					if err := json.Unmarshal([]byte(buffered), &args); err == nil {
						tc.Args = args
					}
				}
				outputCh <- StreamChunk{Type: "tool_call", ToolCall: tc}
				delete(toolCalls, event.Index)
				delete(toolJSONBuffers, event.Index)
			}

		case "message_start":
			if event.Message != nil {
				totalTokens += event.Message.Usage.InputTokens + event.Message.Usage.OutputTokens
			}

		case "message_delta":
			if event.Usage != nil {
				totalTokens += event.Usage.OutputTokens
			}

		case "message_stop":
			outputCh <- StreamChunk{Type: "done", Tokens: totalTokens}
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}

	outputCh <- StreamChunk{Type: "done", Tokens: totalTokens}
	return nil
}
