package protocol

import (
	"encoding/json"
	"testing"
)

func TestContent_TextForm(t *testing.T) {
	content := Text("hello")

	if content.IsBlocks() {
		t.Error("plain text reported as blocks")
	}
	if content.AsText() != "hello" {
		t.Errorf("AsText() = %q", content.AsText())
	}

	blocks := content.AsBlocks()
	if len(blocks) != 1 || blocks[0].Type != BlockTypeText || blocks[0].Text != "hello" {
		t.Errorf("AsBlocks() = %+v", blocks)
	}
}

func TestContent_BlockForm(t *testing.T) {
	content := Blocks(
		TextBlock("thinking"),
		ToolUseBlock("t1", "read_file", map[string]interface{}{"path": "a.go"}),
		TextBlock(" done"),
	)

	if !content.IsBlocks() {
		t.Error("block content not reported as blocks")
	}
	if got := content.AsText(); got != "thinking done" {
		t.Errorf("AsText() = %q", got)
	}

	calls := content.ToolUses()
	if len(calls) != 1 || calls[0].ID != "t1" || calls[0].Name != "read_file" {
		t.Errorf("ToolUses() = %+v", calls)
	}
	if calls[0].Args["path"] != "a.go" {
		t.Errorf("Args = %v", calls[0].Args)
	}
}

func TestContent_JSONRoundTrip(t *testing.T) {
	original := Blocks(
		ToolUseBlock("t1", "modify_file", map[string]interface{}{"path": "main.go"}),
		ToolResultBlock("t0", "ok", false),
	)

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Content
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !decoded.IsBlocks() {
		t.Fatal("decoded content lost block form")
	}

	blocks := decoded.AsBlocks()
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks", len(blocks))
	}
	if blocks[0].Type != BlockTypeToolUse || blocks[0].Name != "modify_file" {
		t.Errorf("blocks[0] = %+v", blocks[0])
	}
	if blocks[1].Type != BlockTypeToolResult || blocks[1].ToolUseID != "t0" {
		t.Errorf("blocks[1] = %+v", blocks[1])
	}
}

func TestContent_JSONStringForm(t *testing.T) {
	var decoded Content
	if err := json.Unmarshal([]byte(`"just text"`), &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.IsBlocks() || decoded.AsText() != "just text" {
		t.Errorf("decoded = %+v", decoded)
	}
}
