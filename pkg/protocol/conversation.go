package protocol

// Conversation is the append-only ordered message sequence for one
// trial. The three append methods are the only way messages enter it,
// which keeps adjacent roles alternating by construction: tool results
// are injected as user messages, so an assistant message is always
// followed by a user message and vice versa.
type Conversation struct {
	messages []Message
}

func NewConversation() *Conversation {
	return &Conversation{}
}

// AddUserText appends a user message containing one text block.
func (c *Conversation) AddUserText(text string) {
	c.messages = append(c.messages, Message{
		Role:    RoleUser,
		Content: Blocks(TextBlock(text)),
	})
}

// AddAssistant appends an assistant message with the given content.
func (c *Conversation) AddAssistant(content Content) {
	c.messages = append(c.messages, Message{
		Role:    RoleAssistant,
		Content: content,
	})
}

// AddToolResults appends a single user message carrying one tool_result
// block per result, preserving order.
func (c *Conversation) AddToolResults(results []ToolResult) {
	blocks := make([]ContentBlock, 0, len(results))
	for _, result := range results {
		blocks = append(blocks, ToolResultBlock(result.ToolCallID, result.Content, result.IsError))
	}
	c.messages = append(c.messages, Message{
		Role:    RoleUser,
		Content: Blocks(blocks...),
	})
}

// Messages returns a snapshot copy of the message sequence.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	return len(c.messages)
}

// Last returns the most recent message, if any.
func (c *Conversation) Last() (Message, bool) {
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// Recent returns the last k messages (or fewer) in order.
func (c *Conversation) Recent(k int) []Message {
	if k <= 0 || len(c.messages) == 0 {
		return nil
	}
	if k > len(c.messages) {
		k = len(c.messages)
	}
	out := make([]Message, k)
	copy(out, c.messages[len(c.messages)-k:])
	return out
}

// Clear removes all messages. Used by the trial controller on reset.
func (c *Conversation) Clear() {
	c.messages = nil
}
