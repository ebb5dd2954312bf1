// Package protocol defines the canonical conversation model shared by the
// agent loop, the tool dispatcher, and the LLM providers. Providers
// translate to and from their wire shapes at the boundary; everything
// inside the loop speaks this format.
package protocol

import "encoding/json"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a block-form message content.
// Exactly one of the three shapes is populated, selected by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

// ToolUseBlock creates a tool_use content block.
func ToolUseBlock(id, name string, input map[string]interface{}) ContentBlock {
	if input == nil {
		input = make(map[string]interface{})
	}
	return ContentBlock{Type: BlockTypeToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock creates a tool_result content block answering the
// tool_use block with the given id.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockTypeToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// ToolCall is one tool invocation extracted from an assistant message.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ToolResult is the outcome of one tool call. ToolCallID binds it to
// its originating call.
type ToolResult struct {
	ToolCallID string                 `json:"tool_call_id"`
	Content    string                 `json:"content"`
	IsError    bool                   `json:"is_error"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Content is a message body: either plain text or a block sequence.
type Content struct {
	text      string
	blocks    []ContentBlock
	blockForm bool
}

// Text creates plain-text content.
func Text(text string) Content {
	return Content{text: text}
}

// Blocks creates block-form content.
func Blocks(blocks ...ContentBlock) Content {
	return Content{blocks: blocks, blockForm: true}
}

// IsBlocks reports whether the content is in block form.
func (c Content) IsBlocks() bool {
	return c.blockForm
}

// AsText returns plain text content, or the concatenation of all text
// blocks for block-form content.
func (c Content) AsText() string {
	if !c.blockForm {
		return c.text
	}
	var out string
	for _, block := range c.blocks {
		if block.Type == BlockTypeText {
			out += block.Text
		}
	}
	return out
}

// AsBlocks returns the block sequence. Plain-text content is lifted
// into a single text block.
func (c Content) AsBlocks() []ContentBlock {
	if c.blockForm {
		return c.blocks
	}
	if c.text == "" {
		return nil
	}
	return []ContentBlock{TextBlock(c.text)}
}

// ToolUses returns all tool_use blocks, in order of appearance.
func (c Content) ToolUses() []ToolCall {
	var calls []ToolCall
	for _, block := range c.AsBlocks() {
		if block.Type == BlockTypeToolUse {
			calls = append(calls, ToolCall{ID: block.ID, Name: block.Name, Args: block.Input})
		}
	}
	return calls
}

// MarshalJSON emits either a JSON string or a block array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.blockForm {
		return json.Marshal(c.blocks)
	}
	return json.Marshal(c.text)
}

// UnmarshalJSON accepts either a JSON string or a block array.
func (c *Content) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = Text(text)
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = Content{blocks: blocks, blockForm: true}
	return nil
}

// Message is one role-tagged conversation entry.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}
