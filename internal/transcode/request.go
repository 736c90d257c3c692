// Package transcode converts between the Anthropic messages wire format and
// the OpenAI chat-completions format the upstream platforms speak.
//
// Responsibilities:
//   - Request direction: flatten Anthropic content arrays, insert the system
//     prompt, describe tools as an XML-grammar system prompt, and filter
//     parameters per platform
//   - Response direction: a stateful streaming converter that turns upstream
//     chunk streams into Anthropic SSE events, including inline tool-call
//     extraction from free-form text
//   - Token estimation for upstreams that do not report usage
package transcode

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lxsgate/lxsgate/internal/platform"
)

// Request is the parsed client request body. Params holds every top-level
// field not handled explicitly; they are forwarded to the upstream after
// per-platform filtering.
type Request struct {
	Model    string
	Stream   bool
	Messages []any
	System   any
	Tools    []any
	Params   map[string]any
}

// ParseRequest splits a decoded JSON body into the fields the pipeline
// handles and the passthrough parameters.
func ParseRequest(body map[string]any) *Request {
	r := &Request{Params: make(map[string]any)}
	for k, v := range body {
		switch k {
		case "model":
			r.Model, _ = v.(string)
		case "stream":
			r.Stream, _ = v.(bool)
		case "messages":
			r.Messages, _ = v.([]any)
		case "system":
			r.System = v
		case "tools":
			r.Tools, _ = v.([]any)
		default:
			r.Params[k] = v
		}
	}
	return r
}

// UpstreamPayload builds the OpenAI-style payload for one platform. The
// returned map is ready to hand to the platform adapter.
func (r *Request) UpstreamPayload(platformType, targetModel string) map[string]any {
	messages := ConvertMessages(r.Messages)

	if system := SystemText(r.System); system != "" {
		messages = append([]map[string]any{{"role": "system", "content": system}}, messages...)
	}

	toolsProcessed := false
	if len(r.Tools) > 0 {
		messages = appendToolsPrompt(messages, r.Tools)
		toolsProcessed = true
	}

	params := filterParams(r.Params, platformType, len(r.Tools) > 0)
	if toolsProcessed {
		delete(params, "tools")
		delete(params, "tool_choice")
	}
	clampParams(params, platformType)

	payload := map[string]any{
		"model":    targetModel,
		"messages": messages,
		"stream":   r.Stream,
	}
	for k, v := range params {
		payload[k] = v
	}
	return payload
}

// ConvertMessages flattens Anthropic messages into OpenAI string-content
// messages. Array content is joined: text items concatenate, images become
// placeholders, tool_use items are compressed into prose so upstreams
// without native tool support still see them.
func ConvertMessages(messages []any) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		if role == "" {
			role = "user"
		}

		var content string
		switch c := msg["content"].(type) {
		case string:
			content = c
		case []any:
			content = flattenContent(c)
		}

		if calls, ok := msg["tool_calls"].([]any); ok && len(calls) > 0 {
			content = strings.TrimSpace(content + "\n\n" + toolCallsText(calls))
		}

		out = append(out, map[string]any{"role": role, "content": content})
	}
	return out
}

func flattenContent(items []any) string {
	var text strings.Builder
	var toolTexts []string
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch item["type"] {
		case "text":
			if t, ok := item["text"].(string); ok {
				text.WriteString(t)
			}
		case "tool_use":
			toolTexts = append(toolTexts, toolUseText(item))
		case "image":
			mediaType := "image"
			if src, ok := item["source"].(map[string]any); ok {
				if mt, ok := src["media_type"].(string); ok && mt != "" {
					mediaType = mt
				}
			}
			fmt.Fprintf(&text, "[Image: %s]", mediaType)
		}
	}
	if len(toolTexts) > 0 {
		return strings.TrimSpace(text.String() + "\n\n" + strings.Join(toolTexts, "\n\n"))
	}
	return text.String()
}

func toolUseText(item map[string]any) string {
	name, _ := item["name"].(string)
	if name == "" {
		name = "unknown_tool"
	}
	desc := "Called tool: " + name
	if input, ok := item["input"].(map[string]any); ok && len(input) > 0 {
		if data, err := json.MarshalIndent(input, "", "  "); err == nil {
			desc += "\nArguments: " + string(data)
		}
	}
	return desc
}

func toolCallsText(calls []any) string {
	var descs []string
	for _, raw := range calls {
		call, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fn, _ := call["function"].(map[string]any)
		name, _ := fn["name"].(string)
		if name == "" {
			name = "unknown_function"
		}
		desc := "Called function: " + name
		if args, ok := fn["arguments"].(string); ok && args != "" && args != "{}" {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(args), &parsed); err == nil {
				if data, err := json.MarshalIndent(parsed, "", "  "); err == nil {
					desc += "\nArguments: " + string(data)
				}
			} else {
				desc += "\nArguments: " + args
			}
		}
		descs = append(descs, desc)
	}
	return strings.Join(descs, "\n\n")
}

// SystemText flattens the top-level system value. Anthropic allows either a
// plain string or an array of text blocks joined on newlines.
func SystemText(system any) string {
	switch s := system.(type) {
	case string:
		return s
	case []any:
		var parts []string
		for _, raw := range s {
			if item, ok := raw.(map[string]any); ok && item["type"] == "text" {
				if t, ok := item["text"].(string); ok {
					parts = append(parts, t)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// ExtractLastUserMessage returns the text of the most recent user message,
// used as the classification input for smart routing.
func ExtractLastUserMessage(messages []any) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(map[string]any)
		if !ok || msg["role"] != "user" {
			continue
		}
		switch c := msg["content"].(type) {
		case string:
			return c
		case []any:
			var parts []string
			for _, raw := range c {
				if item, ok := raw.(map[string]any); ok && item["type"] == "text" {
					if t, ok := item["text"].(string); ok {
						parts = append(parts, t)
					}
				}
			}
			return strings.Join(parts, " ")
		}
		return ""
	}
	return ""
}

// ─── Tools system prompt ──────────────────────────────────────────────────────

const toolsUsageRules = `**CRITICAL TOOL USAGE REQUIREMENTS:**

YOU MUST use tools in the EXACT format specified below. NO EXCEPTIONS.

**MANDATORY FORMAT:**
<use_tool>
<tool_name>exact_tool_name</tool_name>
<parameters>
{
  "parameter1": "value1",
  "parameter2": "value2"
}
</parameters>
</use_tool>

**STRICT RULES:**
1. NEVER use descriptive text like "UseTool: ToolName" or "Param: {...}"
2. ALWAYS use the <use_tool> XML tags exactly as shown
3. Tool names MUST match exactly what's listed above
4. Parameters MUST be valid JSON format
5. NO additional text between the XML tags
6. NO explanations inside the tool call

**CORRECT Example:**
<use_tool>
<tool_name>Bash</tool_name>
<parameters>
{
  "command": "ls -la",
  "description": "List files"
}
</parameters>
</use_tool>

If you use ANY format other than the exact <use_tool> XML format, the tool call will FAIL.

**IMPORTANT REMINDERS:**
- Do NOT explain tool calls in natural language
- Do NOT use any format other than <use_tool> XML tags
- The system can ONLY process the exact XML format shown above
- Multiple tools can be used by repeating the <use_tool> block
- You can only use one tool at a time

**COMPLIANCE CHECK:**
Before responding, verify that ALL tool calls use the exact format:
<use_tool><tool_name>NAME</tool_name><parameters>{JSON}</parameters></use_tool>

`

// ToolsSystemPrompt renders the tool catalog plus the XML call grammar that
// replaces native tool_calls for upstreams without tool support.
func ToolsSystemPrompt(tools []any) string {
	var b strings.Builder
	b.WriteString("\n\n=== Available Tools ===\n")
	b.WriteString("You have access to the following tools. You MUST follow the exact XML format specified below.\n\n")

	for _, raw := range tools {
		tool, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := tool["name"].(string)
		if name == "" {
			name = "Unknown"
		}
		desc, _ := tool["description"].(string)
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(&b, "**%s**\nDescription: %s\n", name, desc)

		if schema, ok := tool["input_schema"].(map[string]any); ok {
			if props, ok := schema["properties"].(map[string]any); ok && len(props) > 0 {
				b.WriteString("Parameters:\n")
				required := map[string]bool{}
				if reqs, ok := schema["required"].([]any); ok {
					for _, r := range reqs {
						if s, ok := r.(string); ok {
							required[s] = true
						}
					}
				}
				for _, paramName := range sortedKeys(props) {
					info, _ := props[paramName].(map[string]any)
					paramType, _ := info["type"].(string)
					if paramType == "" {
						paramType = "unknown"
					}
					paramDesc, _ := info["description"].(string)
					if paramDesc == "" {
						paramDesc = "No description"
					}
					mark := " (optional)"
					if required[paramName] {
						mark = " (required)"
					}
					fmt.Fprintf(&b, "  - %s (%s)%s: %s\n", paramName, paramType, mark, paramDesc)
				}
			}
		}
		b.WriteString("\n")
	}

	b.WriteString(toolsUsageRules)
	return b.String()
}

// appendToolsPrompt attaches the tool catalog to the system message,
// creating one if the conversation has none.
func appendToolsPrompt(messages []map[string]any, tools []any) []map[string]any {
	prompt := ToolsSystemPrompt(tools)
	for _, msg := range messages {
		if msg["role"] == "system" {
			content, _ := msg["content"].(string)
			msg["content"] = content + prompt
			return messages
		}
	}
	return append([]map[string]any{{"role": "system", "content": prompt}}, messages...)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// ─── Parameter filtering ──────────────────────────────────────────────────────

// Anthropic request metadata that no OpenAI-style upstream accepts.
var anthropicOnlyParams = []string{
	"anthropic-version",
	"anthropic-beta",
	"anthropic-dangerous-direct-browser-access",
}

// Parameters each platform rejects outright.
var unsupportedParams = map[string][]string{
	platform.TypeDashScope: {"tools", "tool_choice", "metadata"},
	platform.TypeOllama:    {"tools", "tool_choice", "metadata"},
	platform.TypeLMStudio:  {"tools", "tool_choice", "metadata"},
}

func filterParams(params map[string]any, platformType string, hasTools bool) map[string]any {
	dropped := map[string]bool{}
	for _, k := range anthropicOnlyParams {
		dropped[k] = true
	}
	for _, k := range unsupportedParams[platformType] {
		dropped[k] = true
	}

	out := make(map[string]any, len(params))
	for k, v := range params {
		if dropped[k] {
			continue
		}
		// OpenRouter rejects tool_choice when no tools accompany it.
		if platformType == platform.TypeOpenRouter && k == "tool_choice" && !hasTools {
			continue
		}
		out[k] = v
	}
	return out
}

func clampParams(params map[string]any, platformType string) {
	if platformType != platform.TypeDashScope {
		return
	}
	if v, ok := numberValue(params["max_tokens"]); ok {
		switch {
		case v > 8192:
			params["max_tokens"] = 8192
		case v < 1:
			params["max_tokens"] = 1
		}
	}
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
