package transcode

import (
	"strings"
	"testing"

	"github.com/lxsgate/lxsgate/internal/platform"
)

func TestConvertMessagesFlattening(t *testing.T) {
	messages := []any{
		map[string]any{
			"role": "user",
			"content": []any{
				map[string]any{"type": "text", "text": "look at this "},
				map[string]any{"type": "image", "source": map[string]any{"media_type": "image/png"}},
			},
		},
		map[string]any{
			"role": "assistant",
			"content": []any{
				map[string]any{"type": "text", "text": "running it"},
				map[string]any{"type": "tool_use", "name": "Bash", "input": map[string]any{"command": "ls"}},
			},
		},
	}

	out := ConvertMessages(messages)
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	if got := out[0]["content"].(string); got != "look at this [Image: image/png]" {
		t.Errorf("image placeholder missing: %q", got)
	}
	assistant := out[1]["content"].(string)
	if !strings.Contains(assistant, "running it") || !strings.Contains(assistant, "Called tool: Bash") {
		t.Errorf("tool_use must be compressed into prose: %q", assistant)
	}
	if !strings.Contains(assistant, `"command": "ls"`) {
		t.Errorf("tool arguments missing from prose: %q", assistant)
	}
}

func TestConvertMessagesEmptyContentArray(t *testing.T) {
	out := ConvertMessages([]any{
		map[string]any{"role": "user", "content": []any{}},
	})
	if got := out[0]["content"].(string); got != "" {
		t.Errorf("empty content array must produce empty text, got %q", got)
	}
}

func TestSystemText(t *testing.T) {
	if got := SystemText("be brief"); got != "be brief" {
		t.Errorf("got %q", got)
	}
	arr := []any{
		map[string]any{"type": "text", "text": "line one"},
		map[string]any{"type": "text", "text": "line two"},
	}
	if got := SystemText(arr); got != "line one\nline two" {
		t.Errorf("array system must join on newlines, got %q", got)
	}
	if got := SystemText(nil); got != "" {
		t.Errorf("nil system must be empty, got %q", got)
	}
}

func TestUpstreamPayloadSystemInsertion(t *testing.T) {
	r := ParseRequest(map[string]any{
		"model":    "claude-x",
		"system":   "stay factual",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})
	payload := r.UpstreamPayload(platform.TypeOpenRouter, "openai/gpt-4o-mini")

	if payload["model"] != "openai/gpt-4o-mini" {
		t.Errorf("payload model = %v", payload["model"])
	}
	messages := payload["messages"].([]map[string]any)
	if messages[0]["role"] != "system" || messages[0]["content"] != "stay factual" {
		t.Errorf("system message must lead, got %v", messages[0])
	}
	if messages[1]["content"] != "hi" {
		t.Errorf("user message lost: %v", messages[1])
	}
}

func TestUpstreamPayloadToolsPrompt(t *testing.T) {
	r := ParseRequest(map[string]any{
		"model":    "claude-x",
		"messages": []any{map[string]any{"role": "user", "content": "list files"}},
		"tools": []any{
			map[string]any{
				"name":        "Bash",
				"description": "Run a shell command",
				"input_schema": map[string]any{
					"properties": map[string]any{
						"command": map[string]any{"type": "string", "description": "the command"},
						"timeout": map[string]any{"type": "number"},
					},
					"required": []any{"command"},
				},
			},
		},
		"tool_choice": map[string]any{"type": "auto"},
	})
	payload := r.UpstreamPayload(platform.TypeOpenRouter, "openai/gpt-4o-mini")

	if _, ok := payload["tools"]; ok {
		t.Error("tools must be removed after conversion to system prompt")
	}
	if _, ok := payload["tool_choice"]; ok {
		t.Error("tool_choice must be removed after conversion to system prompt")
	}

	messages := payload["messages"].([]map[string]any)
	system := messages[0]["content"].(string)
	for _, want := range []string{
		"=== Available Tools ===",
		"**Bash**",
		"Run a shell command",
		"command (string) (required): the command",
		"timeout (number) (optional)",
		"<use_tool>",
		"<tool_name>",
		"<parameters>",
	} {
		if !strings.Contains(system, want) {
			t.Errorf("tools prompt missing %q", want)
		}
	}
}

func TestToolsPromptAppendsToExistingSystem(t *testing.T) {
	r := ParseRequest(map[string]any{
		"model":    "claude-x",
		"system":   "base prompt",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
		"tools":    []any{map[string]any{"name": "Bash", "description": "shell"}},
	})
	messages := r.UpstreamPayload(platform.TypeOpenRouter, "m")["messages"].([]map[string]any)

	systems := 0
	for _, m := range messages {
		if m["role"] == "system" {
			systems++
			content := m["content"].(string)
			if !strings.HasPrefix(content, "base prompt") || !strings.Contains(content, "=== Available Tools ===") {
				t.Errorf("tools prompt must append to the existing system message: %q", content[:40])
			}
		}
	}
	if systems != 1 {
		t.Errorf("expected exactly 1 system message, got %d", systems)
	}
}

func TestFilterParamsPerPlatform(t *testing.T) {
	params := map[string]any{
		"temperature":       0.7,
		"metadata":          map[string]any{"user_id": "u1"},
		"tool_choice":       "auto",
		"anthropic-version": "2023-06-01",
		"anthropic-beta":    "x",
	}

	dashscope := filterParams(params, platform.TypeDashScope, false)
	for _, gone := range []string{"metadata", "tool_choice", "anthropic-version", "anthropic-beta"} {
		if _, ok := dashscope[gone]; ok {
			t.Errorf("dashscope must drop %s", gone)
		}
	}
	if _, ok := dashscope["temperature"]; !ok {
		t.Error("dashscope must keep temperature")
	}

	openrouter := filterParams(params, platform.TypeOpenRouter, false)
	if _, ok := openrouter["metadata"]; !ok {
		t.Error("openrouter keeps metadata")
	}
	if _, ok := openrouter["tool_choice"]; ok {
		t.Error("openrouter must drop tool_choice when no tools are present")
	}
	if _, ok := openrouter["anthropic-version"]; ok {
		t.Error("anthropic-version is dropped everywhere")
	}

	withTools := filterParams(params, platform.TypeOpenRouter, true)
	if _, ok := withTools["tool_choice"]; !ok {
		t.Error("openrouter keeps tool_choice when tools accompany it")
	}
}

func TestDashScopeMaxTokensClamp(t *testing.T) {
	tests := []struct {
		platformType string
		in           float64
		want         float64
	}{
		{platform.TypeDashScope, 9000, 8192},
		{platform.TypeDashScope, 0, 1},
		{platform.TypeDashScope, 4096, 4096},
		{platform.TypeOpenRouter, 9000, 9000},
	}
	for _, tt := range tests {
		r := ParseRequest(map[string]any{
			"model":      "claude-x",
			"messages":   []any{map[string]any{"role": "user", "content": "hi"}},
			"max_tokens": tt.in,
		})
		payload := r.UpstreamPayload(tt.platformType, "m")
		got, _ := numberValue(payload["max_tokens"])
		if got != tt.want {
			t.Errorf("%s max_tokens %v: got %v, want %v", tt.platformType, tt.in, got, tt.want)
		}
	}
}

func TestExtractLastUserMessage(t *testing.T) {
	messages := []any{
		map[string]any{"role": "user", "content": "first"},
		map[string]any{"role": "assistant", "content": "reply"},
		map[string]any{"role": "user", "content": []any{
			map[string]any{"type": "text", "text": "second"},
			map[string]any{"type": "text", "text": "part"},
		}},
	}
	if got := ExtractLastUserMessage(messages); got != "second part" {
		t.Errorf("got %q, want \"second part\"", got)
	}
	if got := ExtractLastUserMessage(nil); got != "" {
		t.Errorf("empty history must yield empty string, got %q", got)
	}
}
