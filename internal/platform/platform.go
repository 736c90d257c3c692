// Package platform implements the upstream provider adapters.
//
// Responsibilities:
//   - One adapter per upstream family (DashScope, OpenRouter, SiliconFlow,
//     LM Studio, Ollama, generic OpenAI-compatible)
//   - List available models, with curated fallbacks for platforms whose
//     model endpoint is unreliable
//   - Issue chat completions and stream raw upstream chunks verbatim; the
//     streaming transcoder owns all chunk interpretation
//   - Registry of configured adapters, rebuilt as an immutable snapshot on
//     admin-triggered reinitialization
package platform

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Platform type identifiers. These match the platform_type column in the
// platforms table and the prefix of "<platform_type>:<model_id>" specs.
const (
	TypeDashScope        = "dashscope"
	TypeOpenRouter       = "openrouter"
	TypeOllama           = "ollama"
	TypeLMStudio         = "lmstudio"
	TypeSiliconFlow      = "siliconflow"
	TypeOpenAICompatible = "openai_compatible"
)

// Flavor identifies the wire protocol family of an upstream's chunk stream.
// The streaming transcoder dispatches chunk parsing on this value.
const (
	FlavorOpenAI     = "openai"
	FlavorQwen       = "qwen"
	FlavorOpenRouter = "openrouter"
	FlavorOllama     = "ollama"
	FlavorLMStudio   = "lmstudio"
)

// ModelInfo describes one model offered by an upstream.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Client is the uniform adapter capability set over one upstream platform.
type Client interface {
	// Type returns the platform type identifier.
	Type() string

	// Flavor returns the chunk-stream flavor for the streaming transcoder.
	Flavor() string

	// BaseURL returns the effective upstream base URL.
	BaseURL() string

	// ChatURL returns the full chat-completions endpoint URL.
	ChatURL() string

	// ListModels returns the models available on this platform.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Chat issues a non-streaming chat completion and returns the raw
	// response body and headers. A non-2xx upstream status is returned as
	// an *UpstreamError.
	Chat(ctx context.Context, payload map[string]any) ([]byte, http.Header, error)

	// ChatStream issues a streaming chat completion. Raw chunk lines are
	// read from the returned stream; the caller must Close it.
	ChatStream(ctx context.Context, payload map[string]any) (*Stream, error)

	// TestConnection reports whether the upstream answers with a non-empty
	// model list.
	TestConnection(ctx context.Context) bool
}

// UpstreamError carries a non-2xx upstream response through the error path so
// the pipeline can embed the upstream status and body in the client error.
type UpstreamError struct {
	Platform string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream returned %d: %s", e.Platform, e.Status, truncate(e.Body, 512))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Stream delivers raw upstream chunk lines one at a time. One chunk is one
// SSE line or one NDJSON line, exactly as the upstream sent it.
type Stream struct {
	Status  int
	Header  http.Header
	body    io.Closer
	scanner *bufio.Scanner
	err     error
}

func newStream(status int, header http.Header, body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	// Upstream deltas are small, but non-streaming fallbacks and error bodies
	// can be large single lines.
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Stream{Status: status, Header: header, body: body, scanner: sc}
}

// Next returns the next non-empty chunk line. ok is false when the stream is
// exhausted or failed; check Err afterwards.
func (s *Stream) Next() (line string, ok bool) {
	for s.scanner.Scan() {
		line = strings.TrimRight(s.scanner.Text(), "\r")
		if line == "" {
			continue
		}
		return line, true
	}
	s.err = s.scanner.Err()
	return "", false
}

// Err returns the terminal read error, if any.
func (s *Stream) Err() error { return s.err }

// Close releases the underlying response body.
func (s *Stream) Close() error { return s.body.Close() }

// ParseModelSpec splits a "<platform_type>:<model_id>" spec on the first
// colon. Model ids may themselves contain colons (ollama tags).
func ParseModelSpec(spec string) (platformType, modelID string, err error) {
	i := strings.Index(spec, ":")
	if i <= 0 || i == len(spec)-1 {
		return "", "", fmt.Errorf("invalid model spec %q, want \"platform:model_id\"", spec)
	}
	return spec[:i], spec[i+1:], nil
}
