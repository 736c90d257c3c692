package transcode

import (
	"encoding/json"
	"strings"
)

// toolUseBlock is a tool_use entry in an Anthropic content array.
type toolUseBlock struct {
	Type  string         `json:"type"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ConvertCompleteResponse rewrites a buffered OpenAI chat-completions
// response into the Anthropic message document. Inline <use_tool> markup in
// the assistant text is lifted into tool_use content blocks, as are native
// tool_calls. Responses that do not look like chat completions pass through
// unchanged.
func ConvertCompleteResponse(raw []byte, originalModel string) ([]byte, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return raw, nil
	}

	choices, ok := data["choices"].([]any)
	if !ok || len(choices) == 0 {
		return raw, nil
	}
	choice, _ := choices[0].(map[string]any)
	message, _ := choice["message"].(map[string]any)
	content, _ := message["content"].(string)
	finishReason, _ := choice["finish_reason"].(string)

	model := originalModel
	if model == "" {
		if m, ok := data["model"].(string); ok && m != "" {
			model = m
		} else {
			model = "unknown"
		}
	}

	var blocks []any

	text, extracted := extractInlineToolUse(content)
	if strings.TrimSpace(text) != "" {
		blocks = append(blocks, textBlock{Type: "text", Text: text})
	}
	for _, b := range extracted {
		blocks = append(blocks, b)
	}

	hasTools := len(extracted) > 0
	if calls, ok := message["tool_calls"].([]any); ok {
		for _, raw := range calls {
			call, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := call["function"].(map[string]any)
			name, _ := fn["name"].(string)
			if name == "" {
				name = "unknown"
			}
			input := map[string]any{}
			if args, ok := fn["arguments"].(string); ok {
				_ = json.Unmarshal([]byte(args), &input)
			}
			id, _ := call["id"].(string)
			if id == "" {
				id = NewToolUseID(len(blocks) + 1)
			}
			blocks = append(blocks, toolUseBlock{Type: "tool_use", ID: id, Name: name, Input: input})
			hasTools = true
		}
	}

	if len(blocks) == 0 {
		blocks = append(blocks, textBlock{Type: "text", Text: ""})
	}

	stopReason := "end_turn"
	if hasTools || finishReason == "tool_calls" {
		stopReason = "tool_use"
	}

	id, _ := data["id"].(string)
	usage, _ := data["usage"].(map[string]any)
	inputTokens, _ := numberValue(usage["prompt_tokens"])
	outputTokens, _ := numberValue(usage["completion_tokens"])

	return json.Marshal(completeResponse{
		ID:           NormalizeMessageID(id),
		Type:         "message",
		Role:         "assistant",
		Content:      blocks,
		Model:        model,
		StopReason:   stopReason,
		StopSequence: nil,
		Usage: usageCounts{
			InputTokens:  int(inputTokens),
			OutputTokens: int(outputTokens),
		},
	})
}

// extractInlineToolUse lifts every complete <use_tool> block out of a text,
// returning the remaining text and the parsed tool_use blocks in order.
func extractInlineToolUse(text string) (string, []toolUseBlock) {
	var tools []toolUseBlock
	var remaining strings.Builder

	rest := text
	for {
		open := strings.Index(rest, toolOpenTag)
		if open < 0 {
			remaining.WriteString(rest)
			break
		}
		end := strings.Index(rest[open:], toolCloseTag)
		if end < 0 {
			remaining.WriteString(rest)
			break
		}
		end += open

		remaining.WriteString(rest[:open])
		inner := rest[open+len(toolOpenTag) : end]
		rest = rest[end+len(toolCloseTag):]

		nameMatch := toolNameRe.FindStringSubmatch(inner)
		paramsMatch := toolParamsRe.FindStringSubmatch(inner)
		if nameMatch == nil || paramsMatch == nil {
			continue
		}
		var params map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(paramsMatch[1])), &params); err != nil {
			continue
		}
		tools = append(tools, toolUseBlock{
			Type:  "tool_use",
			ID:    NewToolUseID(len(tools) + 1),
			Name:  strings.TrimSpace(nameMatch[1]),
			Input: params,
		})
	}
	return strings.TrimSpace(remaining.String()), tools
}

// ExtractUsage pulls token usage out of a raw upstream response body. It
// understands OpenAI usage objects, Anthropic usage objects and Ollama's
// root-level eval counters. Missing values come back zero.
func ExtractUsage(raw []byte) (inputTokens, outputTokens int) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return 0, 0
	}
	if usage, ok := data["usage"].(map[string]any); ok {
		if n, ok := numberValue(usage["prompt_tokens"]); ok && n > 0 {
			inputTokens = int(n)
		} else if n, ok := numberValue(usage["input_tokens"]); ok && n > 0 {
			inputTokens = int(n)
		}
		if n, ok := numberValue(usage["completion_tokens"]); ok && n > 0 {
			outputTokens = int(n)
		} else if n, ok := numberValue(usage["output_tokens"]); ok && n > 0 {
			outputTokens = int(n)
		}
	}
	if n, ok := numberValue(data["prompt_eval_count"]); ok && n > 0 {
		inputTokens = int(n)
	}
	if n, ok := numberValue(data["eval_count"]); ok && n > 0 {
		outputTokens = int(n)
	}
	return inputTokens, outputTokens
}
