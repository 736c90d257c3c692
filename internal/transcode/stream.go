package transcode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/lxsgate/lxsgate/internal/platform"
)

const (
	toolOpenTag  = "<use_tool>"
	toolCloseTag = "</use_tool>"
)

var (
	toolNameRe   = regexp.MustCompile(`(?s)<tool_name>(.*?)</tool_name>`)
	toolParamsRe = regexp.MustCompile(`(?s)<parameters>(.*?)</parameters>`)
)

// StreamConverter turns one upstream chunk stream into Anthropic SSE events.
// One instance per request; it carries the event id counter, the rolling
// tool-call scan buffer and the token counters.
type StreamConverter struct {
	flavor        string
	originalModel string

	eventID   int
	messageID string
	modelName string
	started   bool
	finished  bool

	inputTokens  int
	outputTokens int
	usageFromAPI bool

	content    strings.Builder
	toolBuffer string
	inToolUse  bool
	toolCount  int
	hasToolUse bool
}

// NewStreamConverter builds a converter for one request. originalModel is
// the model identifier the client asked for; it is what the client sees in
// message_start regardless of the resolved upstream model.
func NewStreamConverter(flavor, originalModel string) *StreamConverter {
	return &StreamConverter{
		flavor:        flavor,
		originalModel: originalModel,
		messageID:     NewMessageID(),
		modelName:     "unknown",
	}
}

// SetInputTokens seeds the input counter with the pre-request estimate.
func (c *StreamConverter) SetInputTokens(n int) { c.inputTokens = n }

// Usage returns the final token counters.
func (c *StreamConverter) Usage() (inputTokens, outputTokens int) {
	return c.inputTokens, c.outputTokens
}

// Content returns the accumulated assistant text, tool-call markup removed.
func (c *StreamConverter) Content() string { return c.content.String() }

// MessageID returns the (normalized) message id of this response.
func (c *StreamConverter) MessageID() string { return c.messageID }

// Feed consumes one raw upstream chunk line and returns zero or more encoded
// SSE events. Unparseable chunks are dropped.
func (c *StreamConverter) Feed(chunk string) string {
	if chunk == "" || c.finished {
		return ""
	}
	switch c.flavor {
	case platform.FlavorOllama:
		return c.feedOllama(chunk)
	case platform.FlavorOpenRouter:
		if strings.HasPrefix(chunk, ": OPENROUTER PROCESSING") {
			return ""
		}
		return c.feedSSE(chunk)
	default:
		return c.feedSSE(chunk)
	}
}

// Finish force-closes the event sequence. The gateway calls it when the
// upstream stream ends without a terminal chunk; a normally terminated
// stream has already emitted the end group and this is a no-op.
func (c *StreamConverter) Finish() string {
	return c.streamEnd()
}

// feedSSE handles "data: "-prefixed OpenAI-style chunks (openai, qwen,
// openrouter, lmstudio flavors).
func (c *StreamConverter) feedSSE(chunk string) string {
	payload := chunk
	if strings.HasPrefix(chunk, "data: ") {
		payload = strings.TrimSpace(chunk[len("data: "):])
		if payload == "[DONE]" {
			return c.streamEnd()
		}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return ""
	}

	if id, ok := data["id"].(string); ok && id != "" {
		c.messageID = NormalizeMessageID(id)
	}
	if model, ok := data["model"].(string); ok && model != "" {
		c.modelName = model
	}

	var out strings.Builder
	var finishReason string

	if choices, ok := data["choices"].([]any); ok && len(choices) > 0 {
		choice, _ := choices[0].(map[string]any)
		delta, _ := choice["delta"].(map[string]any)
		content, _ := delta["content"].(string)
		finishReason, _ = choice["finish_reason"].(string)

		c.startEvents(&out)
		if content != "" {
			out.WriteString(c.contentDelta(content))
		}
	}

	// Upstream usage wins over the estimator, but only positive values.
	c.applyUsage(data["usage"])

	if finishReason == "stop" {
		out.WriteString(c.streamEnd())
	}
	return out.String()
}

// feedOllama handles Ollama's NDJSON chunks. There is no "data: " framing
// and the terminal chunk is marked with done=true.
func (c *StreamConverter) feedOllama(chunk string) string {
	var data map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(chunk)), &data); err != nil {
		return ""
	}

	if model, ok := data["model"].(string); ok && model != "" {
		c.modelName = model
	}

	message, ok := data["message"].(map[string]any)
	if !ok {
		return ""
	}
	content, _ := message["content"].(string)
	done, _ := data["done"].(bool)

	var out strings.Builder
	c.startEvents(&out)
	// Ollama chunks always carry a content field; forward even empty deltas
	// to keep the downstream flow alive.
	out.WriteString(c.contentDelta(content))

	if done {
		if n, ok := numberValue(data["prompt_eval_count"]); ok && n > 0 {
			c.inputTokens = int(n)
		}
		if n, ok := numberValue(data["eval_count"]); ok && n > 0 {
			c.outputTokens = int(n)
			c.usageFromAPI = true
		}
		out.WriteString(c.streamEnd())
	}
	return out.String()
}

// startEvents writes the opening event group before the first content:
// message_start, text content_block_start, ping and an empty text delta the
// Anthropic stream format leads with.
func (c *StreamConverter) startEvents(out *strings.Builder) {
	if c.started {
		return
	}
	c.started = true

	model := c.originalModel
	if model == "" || model == "unknown" {
		model = c.modelName
	}

	out.WriteString(c.event("message_start", messageStartData{
		Type: "message_start",
		Message: messageStartMessage{
			Model:   model,
			Role:    "assistant",
			ID:      c.messageID,
			Type:    "message",
			Content: []any{},
			Usage:   usageCounts{},
		},
	}))
	out.WriteString(c.event("content_block_start", contentBlockStartData{
		Type:         "content_block_start",
		ContentBlock: textBlock{Type: "text"},
		Index:        0,
	}))
	out.WriteString(c.event("ping", pingData{Type: "ping"}))
	out.WriteString(c.contentDelta(""))
}

// contentDelta routes chunk text through the tool-call scanner and emits the
// resulting text deltas and tool events in textual order. While inside an
// unterminated tool call nothing is emitted; otherwise at least one (possibly
// empty) text delta goes out to keep the stream continuous.
func (c *StreamConverter) contentDelta(text string) string {
	c.toolBuffer += text

	var out strings.Builder
	emitted := false

	for {
		if !c.inToolUse {
			idx := strings.Index(c.toolBuffer, toolOpenTag)
			if idx < 0 {
				hold := tagHoldback(c.toolBuffer)
				if flush := c.toolBuffer[:len(c.toolBuffer)-hold]; flush != "" {
					out.WriteString(c.textDeltaEvent(flush))
					emitted = true
				}
				c.toolBuffer = c.toolBuffer[len(c.toolBuffer)-hold:]
				break
			}
			if flush := c.toolBuffer[:idx]; flush != "" {
				out.WriteString(c.textDeltaEvent(flush))
				emitted = true
			}
			c.toolBuffer = c.toolBuffer[idx:]
			c.inToolUse = true
		}

		end := strings.Index(c.toolBuffer, toolCloseTag)
		if end < 0 {
			break
		}
		inner := c.toolBuffer[len(toolOpenTag):end]
		if events := c.toolUseEvents(inner); events != "" {
			out.WriteString(events)
			emitted = true
		}
		c.toolBuffer = c.toolBuffer[end+len(toolCloseTag):]
		c.inToolUse = false
	}

	if !emitted && !c.inToolUse {
		out.WriteString(c.textDeltaEvent(""))
	}
	return out.String()
}

// textDeltaEvent emits one text delta and keeps the accumulated-content
// token estimate current.
func (c *StreamConverter) textDeltaEvent(text string) string {
	if text != "" {
		c.content.WriteString(text)
		if !c.usageFromAPI {
			c.outputTokens = EstimateTokens(c.content.String())
		}
	}
	return c.event("content_block_delta", contentDeltaData{
		Delta: textDeltaPayload{Type: "text_delta", Text: text},
		Type:  "content_block_delta",
		Index: 0,
	})
}

// toolUseEvents converts one complete <use_tool> body into the tool_use
// content block events. Malformed bodies are dropped.
func (c *StreamConverter) toolUseEvents(inner string) string {
	nameMatch := toolNameRe.FindStringSubmatch(inner)
	paramsMatch := toolParamsRe.FindStringSubmatch(inner)
	if nameMatch == nil || paramsMatch == nil {
		return ""
	}
	name := strings.TrimSpace(nameMatch[1])
	paramsStr := strings.TrimSpace(paramsMatch[1])

	var params map[string]any
	if err := json.Unmarshal([]byte(paramsStr), &params); err != nil {
		return ""
	}

	c.toolCount++
	c.hasToolUse = true
	id := NewToolUseID(c.toolCount)

	var out strings.Builder
	out.WriteString(c.event("content_block_start", toolBlockStartData{
		Type: "content_block_start",
		ContentBlock: toolUseBlockHeader{
			Name:  name,
			Input: map[string]any{},
			ID:    id,
			Type:  "tool_use",
		},
		Index: 1,
	}))

	if len(params) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, []byte(paramsStr)); err == nil {
			out.WriteString(c.event("content_block_delta", toolDeltaData{
				Delta: inputJSONDelta{PartialJSON: compact.String(), Type: "input_json_delta"},
				Type:  "content_block_delta",
				Index: 1,
			}))
		}
	}
	return out.String()
}

// streamEnd emits the closing event group once.
func (c *StreamConverter) streamEnd() string {
	if c.finished || !c.started {
		return ""
	}
	c.finished = true

	var out strings.Builder
	out.WriteString(c.event("content_block_stop", contentBlockStopData{
		Type:  "content_block_stop",
		Index: 0,
	}))

	stopReason := "end_turn"
	if c.hasToolUse {
		out.WriteString(c.event("content_block_stop", contentBlockStopData{
			Type:  "content_block_stop",
			Index: 1,
		}))
		stopReason = "tool_use"
	}

	out.WriteString(c.event("message_delta", messageDeltaData{
		Delta: stopDelta{StopReason: stopReason},
		Type:  "message_delta",
		Usage: messageDeltaUsage{
			InputTokens:          c.inputTokens,
			OutputTokens:         c.outputTokens,
			CacheReadInputTokens: 0,
		},
	}))
	out.WriteString(c.event("message_stop", messageStopData{Type: "message_stop"}))
	return out.String()
}

func (c *StreamConverter) applyUsage(v any) {
	usage, ok := v.(map[string]any)
	if !ok {
		return
	}
	if n, ok := numberValue(usage["prompt_tokens"]); ok && n > 0 {
		c.inputTokens = int(n)
	} else if n, ok := numberValue(usage["input_tokens"]); ok && n > 0 {
		c.inputTokens = int(n)
	}
	if n, ok := numberValue(usage["completion_tokens"]); ok && n > 0 {
		c.outputTokens = int(n)
		c.usageFromAPI = true
	} else if n, ok := numberValue(usage["output_tokens"]); ok && n > 0 {
		c.outputTokens = int(n)
		c.usageFromAPI = true
	}
}

// event encodes one SSE event in the Anthropic four-line frame with a
// per-response monotonically increasing id.
func (c *StreamConverter) event(eventType string, data any) string {
	c.eventID++
	payload, _ := json.Marshal(data)
	return fmt.Sprintf("id:%d\nevent:%s\n:HTTP_STATUS/200\ndata:%s\n\n", c.eventID, eventType, payload)
}

// CompleteResponse aggregates the converted stream into the equivalent
// non-streaming Anthropic response document.
func (c *StreamConverter) CompleteResponse() ([]byte, error) {
	stopReason := "end_turn"
	if c.hasToolUse {
		stopReason = "tool_use"
	}
	return json.Marshal(completeResponse{
		ID:      c.messageID,
		Type:    "message",
		Role:    "assistant",
		Content: []any{textBlock{Type: "text", Text: c.content.String()}},
		Model:   c.originalModel,
		StopReason:   stopReason,
		StopSequence: nil,
		Usage: usageCounts{
			InputTokens:  c.inputTokens,
			OutputTokens: c.outputTokens,
		},
	})
}

// tagHoldback returns the length of the longest suffix of buf that is a
// proper prefix of the tool open tag, so a tag split across chunk boundaries
// is not flushed as text.
func tagHoldback(buf string) int {
	max := len(toolOpenTag) - 1
	if len(buf) < max {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, toolOpenTag[:n]) {
			return n
		}
	}
	return 0
}

// ─── Event payload shapes ─────────────────────────────────────────────────────

type usageCounts struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type messageStartMessage struct {
	Model   string      `json:"model"`
	Role    string      `json:"role"`
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Content []any       `json:"content"`
	Usage   usageCounts `json:"usage"`
}

type messageStartData struct {
	Type    string              `json:"type"`
	Message messageStartMessage `json:"message"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type contentBlockStartData struct {
	Type         string    `json:"type"`
	ContentBlock textBlock `json:"content_block"`
	Index        int       `json:"index"`
}

type pingData struct {
	Type string `json:"type"`
}

type textDeltaPayload struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type contentDeltaData struct {
	Delta textDeltaPayload `json:"delta"`
	Type  string           `json:"type"`
	Index int              `json:"index"`
}

type toolUseBlockHeader struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
	ID    string         `json:"id"`
	Type  string         `json:"type"`
}

type toolBlockStartData struct {
	Type         string             `json:"type"`
	ContentBlock toolUseBlockHeader `json:"content_block"`
	Index        int                `json:"index"`
}

type inputJSONDelta struct {
	PartialJSON string `json:"partial_json"`
	Type        string `json:"type"`
}

type toolDeltaData struct {
	Delta inputJSONDelta `json:"delta"`
	Type  string         `json:"type"`
	Index int            `json:"index"`
}

type contentBlockStopData struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type stopDelta struct {
	StopReason string `json:"stop_reason"`
}

type messageDeltaUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

type messageDeltaData struct {
	Delta stopDelta         `json:"delta"`
	Type  string            `json:"type"`
	Usage messageDeltaUsage `json:"usage"`
}

type messageStopData struct {
	Type string `json:"type"`
}

type completeResponse struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	Role         string      `json:"role"`
	Content      []any       `json:"content"`
	Model        string      `json:"model"`
	StopReason   string      `json:"stop_reason"`
	StopSequence any         `json:"stop_sequence"`
	Usage        usageCounts `json:"usage"`
}
