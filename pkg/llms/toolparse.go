package llms

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParsedToolCall is one tool invocation recovered from free-form model
// output in prompt-based tool mode.
type ParsedToolCall struct {
	Name string
	Args map[string]interface{}
}

// buildToolPrompt renders the tool catalog and calling convention that
// gets appended to the system prompt in prompt-based mode.
func buildToolPrompt(tools []ToolDefinition) string {
	var b strings.Builder

	b.WriteString("You have access to the following tools:\n\n")
	for _, tool := range tools {
		schemaJSON, err := json.Marshal(tool.InputSchema)
		if err != nil {
			schemaJSON = []byte("{}")
		}
		fmt.Fprintf(&b, "- %s: %s\n  Parameters: %s\n", tool.Name, tool.Description, schemaJSON)
	}

	b.WriteString(`
To call a tool, respond with a JSON object in this exact format:

` + "```json" + `
{"tool": "<tool name>", "arguments": {<parameters>}}
` + "```" + `

Output one JSON object per tool call. When you do not need a tool, respond with plain text.`)

	return b.String()
}

// ExtractToolCalls recovers tool calls from model output text. It tries
// three strategies in order: fenced code blocks, balanced top-level
// JSON objects embedded in prose, and finally the whole text as one
// JSON object. The returned remainder is the text with the recognized
// JSON removed.
func ExtractToolCalls(text string) (string, []ParsedToolCall) {
	remainder, calls := extractFenced(text)
	if len(calls) > 0 {
		return strings.TrimSpace(remainder), calls
	}

	remainder, calls = extractBalanced(text)
	if len(calls) > 0 {
		return strings.TrimSpace(remainder), calls
	}

	if call, ok := parseToolCallJSON(strings.TrimSpace(text)); ok {
		return "", []ParsedToolCall{call}
	}

	return strings.TrimSpace(text), nil
}

// extractFenced scans ```-fenced blocks and parses each as a tool call.
func extractFenced(text string) (string, []ParsedToolCall) {
	var calls []ParsedToolCall
	var remainder strings.Builder

	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			remainder.WriteString(rest)
			break
		}

		bodyStart := start + 3
		// Skip the language tag up to the first newline.
		if nl := strings.IndexByte(rest[bodyStart:], '\n'); nl >= 0 {
			bodyStart += nl + 1
		}

		end := strings.Index(rest[bodyStart:], "```")
		if end < 0 {
			remainder.WriteString(rest)
			break
		}

		body := strings.TrimSpace(rest[bodyStart : bodyStart+end])
		if call, ok := parseToolCallJSON(body); ok {
			calls = append(calls, call)
			remainder.WriteString(rest[:start])
		} else {
			remainder.WriteString(rest[:bodyStart+end+3])
		}
		rest = rest[bodyStart+end+3:]
	}

	return remainder.String(), calls
}

// extractBalanced scans for top-level {...} groups and parses each as a
// tool call. Braces inside JSON strings are tracked so nested arguments
// survive.
func extractBalanced(text string) (string, []ParsedToolCall) {
	var calls []ParsedToolCall
	var remainder strings.Builder

	depth := 0
	inString := false
	escaped := false
	start := -1
	last := 0

	for i, r := range text {
		if depth > 0 && inString {
			if escaped {
				escaped = false
			} else if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}
			continue
		}

		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if call, ok := parseToolCallJSON(candidate); ok {
					calls = append(calls, call)
					remainder.WriteString(text[last:start])
					last = i + 1
				}
			}
		}
	}
	remainder.WriteString(text[last:])

	return remainder.String(), calls
}

// parseToolCallJSON parses one JSON object as a tool call. Both
// "arguments" and "args" key the parameter object.
func parseToolCallJSON(text string) (ParsedToolCall, bool) {
	if !strings.HasPrefix(text, "{") {
		return ParsedToolCall{}, false
	}

	var raw struct {
		Tool      string                 `json:"tool"`
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
		Args      map[string]interface{} `json:"args"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return ParsedToolCall{}, false
	}

	name := raw.Tool
	if name == "" {
		name = raw.Name
	}
	if name == "" {
		return ParsedToolCall{}, false
	}

	args := raw.Arguments
	if args == nil {
		args = raw.Args
	}
	if args == nil {
		args = make(map[string]interface{})
	}

	return ParsedToolCall{Name: name, Args: args}, true
}
