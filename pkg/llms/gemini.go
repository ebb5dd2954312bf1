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

// GeminiProvider implements LLMProvider for the Gemini API. Gemini has
// no native tool-call ids, so ids are synthesized positionally
// (tool_0, tool_1, ...) when parsing and resolved back to function
// names when building requests.
type GeminiProvider struct {
	config     *config.LLMProviderConfig
	httpClient *http.Client
}

type GeminiRequest struct {
	Contents         []GeminiContent         `json:"contents"`
	GenerationConfig *GeminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools            []GeminiToolSet         `json:"tools,omitempty"`
}

type GeminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role"` // "user" or "model"
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart map[string]interface{}

type GeminiToolSet struct {
	FunctionDeclarations []GeminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type GeminiFunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type GeminiResponse struct {
	Candidates    []GeminiCandidate    `json:"candidates"`
	UsageMetadata *GeminiUsageMetadata `json:"usageMetadata,omitempty"`
	Error         *GeminiError         `json:"error,omitempty"`
}

type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type GeminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type GeminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func NewGeminiProviderFromConfig(cfg *config.LLMProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if cfg.Host == "" {
		cfg.Host = "https://generativelanguage.googleapis.com"
	}

	return &GeminiProvider{
		config:     cfg,
		httpClient: newHTTPClient(cfg),
	}, nil
}

func (p *GeminiProvider) GetModelName() string {
	return p.config.Model
}

func (p *GeminiProvider) Close() error {
	return nil
}

func (p *GeminiProvider) CreateMessage(ctx context.Context, req *Request) (*AssistantMessage, error) {
	request := p.buildRequest(req)

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		p.config.Host, p.config.Model, p.config.APIKey)

	reqBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Gemini API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Gemini API error (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var geminiResp GeminiResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return nil, fmt.Errorf("failed to parse Gemini response: %w", err)
	}

	if geminiResp.Error != nil {
		return nil, fmt.Errorf("Gemini API error: %s", geminiResp.Error.Message)
	}

	return p.parseResponse(&geminiResp)
}

func (p *GeminiProvider) CreateMessageStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	request := p.buildRequest(req)

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse",
		p.config.Host, p.config.Model, p.config.APIKey)

	chunks := make(chan StreamChunk, 10)

	go func() {
		defer close(chunks)

		reqBody, err := json.Marshal(request)
		if err != nil {
			chunks <- StreamChunk{Type: "error", Error: err}
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
		if err != nil {
			chunks <- StreamChunk{Type: "error", Error: err}
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			chunks <- StreamChunk{Type: "error", Error: err}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			chunks <- StreamChunk{
				Type:  "error",
				Error: fmt.Errorf("Gemini API error (HTTP %d): %s", resp.StatusCode, string(bodyBytes)),
			}
			return
		}

		p.parseStreamingResponse(resp.Body, chunks)
	}()

	return chunks, nil
}

func (p *GeminiProvider) buildRequest(req *Request) *GeminiRequest {
	temperature, maxTokens := resolveParams(p.config, req)

	genConfig := &GeminiGenerationConfig{
		MaxOutputTokens: maxTokens,
	}
	// Gemini uses its own default when temperature is omitted.
	if temperature > 0 {
		genConfig.Temperature = &temperature
	}

	request := &GeminiRequest{
		Contents:         p.convertMessages(req.System, req.Messages),
		GenerationConfig: genConfig,
	}

	if len(req.Tools) > 0 {
		request.Tools = []GeminiToolSet{
			{FunctionDeclarations: p.convertTools(req.Tools)},
		}
	}

	return request
}

// convertMessages converts the canonical format to Gemini contents.
// Gemini has no system role; the system prompt is prepended as a user
// turn. Tool results become functionResponse parts keyed by function
// name, resolved through the synthesized id mapping.
func (p *GeminiProvider) convertMessages(system string, messages []protocol.Message) []GeminiContent {
	var contents []GeminiContent

	if system != "" {
		contents = append(contents, GeminiContent{
			Role:  "user",
			Parts: []GeminiPart{{"text": fmt.Sprintf("System: %s", system)}},
		})
	}

	toolIDToName := make(map[string]string)

	for _, msg := range messages {
		role := "user"
		if msg.Role == protocol.RoleAssistant {
			role = "model"
		}

		var parts []GeminiPart
		for _, block := range msg.Content.AsBlocks() {
			switch block.Type {
			case protocol.BlockTypeText:
				if block.Text != "" {
					parts = append(parts, GeminiPart{"text": block.Text})
				}
			case protocol.BlockTypeToolUse:
				toolIDToName[block.ID] = block.Name
				args := block.Input
				if args == nil {
					args = make(map[string]interface{})
				}
				parts = append(parts, GeminiPart{
					"functionCall": map[string]interface{}{
						"name": block.Name,
						"args": args,
					},
				})
			case protocol.BlockTypeToolResult:
				name := toolIDToName[block.ToolUseID]
				if name == "" {
					name = block.ToolUseID
				}
				response := map[string]interface{}{"content": block.Content}
				if block.IsError {
					response["error"] = true
				}
				parts = append(parts, GeminiPart{
					"functionResponse": map[string]interface{}{
						"name":     name,
						"response": response,
					},
				})
			}
		}

		if len(parts) > 0 {
			contents = append(contents, GeminiContent{Role: role, Parts: parts})
		}
	}

	return contents
}

func (p *GeminiProvider) convertTools(tools []ToolDefinition) []GeminiFunctionDeclaration {
	funcs := make([]GeminiFunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		funcs = append(funcs, GeminiFunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	return funcs
}

func (p *GeminiProvider) parseResponse(resp *GeminiResponse) (*AssistantMessage, error) {
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}

	candidate := resp.Candidates[0]
	var blocks []protocol.ContentBlock
	toolIndex := 0

	for _, part := range candidate.Content.Parts {
		if text, ok := part["text"].(string); ok {
			blocks = append(blocks, protocol.TextBlock(text))
		}
		if fc, ok := part["functionCall"].(map[string]interface{}); ok {
			name, _ := fc["name"].(string)
			args, _ := fc["args"].(map[string]interface{})
			blocks = append(blocks, protocol.ToolUseBlock(fmt.Sprintf("tool_%d", toolIndex), name, args))
			toolIndex++
		}
	}

	usage := &Usage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = resp.UsageMetadata.PromptTokenCount
		usage.OutputTokens = resp.UsageMetadata.CandidatesTokenCount
		usage.TotalTokens = resp.UsageMetadata.TotalTokenCount
	}

	return &AssistantMessage{
		Content:    protocol.Blocks(blocks...),
		StopReason: normalizeGeminiFinishReason(candidate.FinishReason, toolIndex > 0),
		Usage:      usage,
	}, nil
}

func normalizeGeminiFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return StopToolUse
	}
	switch reason {
	case "MAX_TOKENS":
		return StopMaxTokens
	default:
		// STOP and everything else
		return StopEndTurn
	}
}

func (p *GeminiProvider) parseStreamingResponse(body io.Reader, chunks chan<- StreamChunk) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	totalTokens := 0
	toolIndex := 0

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var resp GeminiResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue
		}

		if resp.Error != nil {
			chunks <- StreamChunk{Type: "error", Error: fmt.Errorf("%s", resp.Error.Message)}
			return
		}

		if len(resp.Candidates) > 0 {
			for _, part := range resp.Candidates[0].Content.Parts {
				if text, ok := part["text"].(string); ok {
					chunks <- StreamChunk{Type: "text", Text: text}
				}
				if fc, ok := part["functionCall"].(map[string]interface{}); ok {
					name, _ := fc["name"].(string)
					args, _ := fc["args"].(map[string]interface{})
					chunks <- StreamChunk{
						Type: "tool_call",
						ToolCall: &protocol.ToolCall{
							ID:   fmt.Sprintf("tool_%d", toolIndex),
							Name: name,
							Args: args,
						},
					}
					toolIndex++
				}
			}
		}

		if resp.UsageMetadata != nil {
			totalTokens = resp.UsageMetadata.TotalTokenCount
		}
	}

	chunks <- StreamChunk{Type: "done", Tokens: totalTokens}
}
