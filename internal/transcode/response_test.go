package transcode

import (
	"encoding/json"
	"testing"
)

func TestConvertCompleteResponseText(t *testing.T) {
	raw := []byte(`{
		"id": "chatcmpl-abc",
		"model": "openai/gpt-4o-mini",
		"choices": [{"message": {"role": "assistant", "content": "All done."}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 9, "completion_tokens": 3}
	}`)

	out, err := ConvertCompleteResponse(raw, "claude-sonnet")
	if err != nil {
		t.Fatalf("ConvertCompleteResponse: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if doc["id"] != "msg_abc" {
		t.Errorf("id = %v, want msg_abc", doc["id"])
	}
	if doc["model"] != "claude-sonnet" {
		t.Errorf("model = %v, must be the client's original model", doc["model"])
	}
	if doc["stop_reason"] != "end_turn" {
		t.Errorf("stop_reason = %v", doc["stop_reason"])
	}
	content := doc["content"].([]any)
	if text := content[0].(map[string]any)["text"]; text != "All done." {
		t.Errorf("text = %v", text)
	}
	usage := doc["usage"].(map[string]any)
	if usage["input_tokens"].(float64) != 9 || usage["output_tokens"].(float64) != 3 {
		t.Errorf("unexpected usage %v", usage)
	}
}

func TestConvertCompleteResponseInlineTool(t *testing.T) {
	body := map[string]any{
		"id": "chatcmpl-t1",
		"choices": []any{map[string]any{
			"message": map[string]any{
				"role":    "assistant",
				"content": `Checking. <use_tool><tool_name>Bash</tool_name><parameters>{"command":"ls"}</parameters></use_tool>`,
			},
			"finish_reason": "stop",
		}},
	}
	raw, _ := json.Marshal(body)

	out, err := ConvertCompleteResponse(raw, "claude-x")
	if err != nil {
		t.Fatalf("ConvertCompleteResponse: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if doc["stop_reason"] != "tool_use" {
		t.Errorf("stop_reason = %v, want tool_use", doc["stop_reason"])
	}
	content := doc["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("expected text + tool_use blocks, got %d", len(content))
	}
	if text := content[0].(map[string]any)["text"]; text != "Checking." {
		t.Errorf("text block = %v", text)
	}
	tool := content[1].(map[string]any)
	if tool["type"] != "tool_use" || tool["name"] != "Bash" || tool["id"] != "call_000000000001f" {
		t.Errorf("unexpected tool block %v", tool)
	}
	if input := tool["input"].(map[string]any); input["command"] != "ls" {
		t.Errorf("tool input = %v", input)
	}
}

func TestConvertCompleteResponseNativeToolCalls(t *testing.T) {
	raw := []byte(`{
		"id": "chatcmpl-t2",
		"choices": [{
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{"id": "call_up_1", "function": {"name": "Fetch", "arguments": "{\"url\":\"http://x\"}"}}]
			},
			"finish_reason": "tool_calls"
		}]
	}`)

	out, err := ConvertCompleteResponse(raw, "claude-x")
	if err != nil {
		t.Fatalf("ConvertCompleteResponse: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["stop_reason"] != "tool_use" {
		t.Errorf("stop_reason = %v", doc["stop_reason"])
	}
	content := doc["content"].([]any)
	tool := content[0].(map[string]any)
	if tool["name"] != "Fetch" || tool["id"] != "call_up_1" {
		t.Errorf("unexpected tool block %v", tool)
	}
}

func TestConvertCompleteResponseEmptyContent(t *testing.T) {
	raw := []byte(`{"id":"chatcmpl-e","choices":[{"message":{"role":"assistant","content":""},"finish_reason":"stop"}]}`)

	out, err := ConvertCompleteResponse(raw, "claude-x")
	if err != nil {
		t.Fatalf("ConvertCompleteResponse: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	content := doc["content"].([]any)
	if len(content) != 1 {
		t.Fatalf("expected a single empty text block, got %d blocks", len(content))
	}
	if text := content[0].(map[string]any)["text"]; text != "" {
		t.Errorf("text = %q, want empty", text)
	}
	if doc["stop_reason"] != "end_turn" {
		t.Errorf("stop_reason = %v", doc["stop_reason"])
	}
}

func TestConvertCompleteResponsePassthrough(t *testing.T) {
	raw := []byte(`{"status":"ok"}`)
	out, err := ConvertCompleteResponse(raw, "claude-x")
	if err != nil {
		t.Fatalf("ConvertCompleteResponse: %v", err)
	}
	if string(out) != string(raw) {
		t.Errorf("non-chat bodies pass through unchanged, got %s", out)
	}
}
