package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// openAICompatClient talks to any upstream exposing the OpenAI
// chat-completions wire shape. The hosted platforms (DashScope compatible
// mode, OpenRouter, SiliconFlow) and the local LM Studio server all reuse it
// with different base URLs, paths and flavors.
type openAICompatClient struct {
	platformType  string
	flavor        string
	apiKey        string
	baseURL       string
	chatPath      string
	modelsPath    string
	defaultModels []ModelInfo
	httpClient    *http.Client
}

func (c *openAICompatClient) Type() string    { return c.platformType }
func (c *openAICompatClient) Flavor() string  { return c.flavor }
func (c *openAICompatClient) BaseURL() string { return c.baseURL }
func (c *openAICompatClient) ChatURL() string { return c.baseURL + c.chatPath }

// ListModels queries the upstream model endpoint. Unrecognized shapes fall
// back to the curated default list when one exists so the gateway stays
// operational even when the upstream catalog endpoint misbehaves.
func (c *openAICompatClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	body, _, err := c.makeRequest(ctx, http.MethodGet, c.modelsPath, nil)
	if err != nil {
		if len(c.defaultModels) > 0 {
			return c.defaultModels, nil
		}
		return nil, err
	}

	var parsed struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Data) == 0 {
		if len(c.defaultModels) > 0 {
			return c.defaultModels, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse models response: %w", err)
		}
		return nil, nil
	}

	models := make([]ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		models = append(models, ModelInfo{ID: m.ID, Name: name})
	}
	return models, nil
}

func (c *openAICompatClient) Chat(ctx context.Context, payload map[string]any) ([]byte, http.Header, error) {
	return c.makeRequest(ctx, http.MethodPost, c.chatPath, payload)
}

func (c *openAICompatClient) ChatStream(ctx context.Context, payload map[string]any) (*Stream, error) {
	return c.streamRequest(ctx, c.chatPath, payload)
}

func (c *openAICompatClient) TestConnection(ctx context.Context) bool {
	models, err := c.ListModels(ctx)
	return err == nil && len(models) > 0
}

// makeRequest performs a buffered HTTP round trip against the upstream.
func (c *openAICompatClient) makeRequest(ctx context.Context, method, path string, payload map[string]any) ([]byte, http.Header, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s request failed: %w", c.platformType, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.Header, &UpstreamError{
			Platform: c.platformType,
			Status:   resp.StatusCode,
			Body:     string(body),
		}
	}
	return body, resp.Header, nil
}

// streamRequest performs a streaming HTTP round trip. The response body is
// handed to the caller line by line via Stream; chunk interpretation belongs
// to the streaming transcoder.
func (c *openAICompatClient) streamRequest(ctx context.Context, path string, payload map[string]any) (*Stream, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s stream request failed: %w", c.platformType, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &UpstreamError{
			Platform: c.platformType,
			Status:   resp.StatusCode,
			Body:     string(body),
		}
	}
	return newStream(resp.StatusCode, resp.Header, resp.Body), nil
}

func (c *openAICompatClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func timeoutOrDefault(timeoutSec int) time.Duration {
	if timeoutSec <= 0 {
		timeoutSec = 30
	}
	return time.Duration(timeoutSec) * time.Second
}

func trimBaseURL(u, fallback string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	if u == "" {
		return fallback
	}
	return u
}

// ─── Hosted platforms ─────────────────────────────────────────────────────────

// NewDashScope builds the Alibaba DashScope adapter (OpenAI compatible mode).
func NewDashScope(apiKey, baseURL string, timeoutSec int) Client {
	return &openAICompatClient{
		platformType:  TypeDashScope,
		flavor:        FlavorQwen,
		apiKey:        apiKey,
		baseURL:       trimBaseURL(baseURL, "https://dashscope.aliyuncs.com"),
		chatPath:      "/compatible-mode/v1/chat/completions",
		modelsPath:    "/compatible-mode/v1/models",
		defaultModels: dashScopeDefaultModels,
		httpClient:    &http.Client{Timeout: timeoutOrDefault(timeoutSec)},
	}
}

// NewOpenRouter builds the OpenRouter adapter.
func NewOpenRouter(apiKey, baseURL string, timeoutSec int) Client {
	return &openAICompatClient{
		platformType: TypeOpenRouter,
		flavor:       FlavorOpenRouter,
		apiKey:       apiKey,
		baseURL:      trimBaseURL(baseURL, "https://openrouter.ai/api/v1"),
		chatPath:     "/chat/completions",
		modelsPath:   "/models",
		httpClient:   &http.Client{Timeout: timeoutOrDefault(timeoutSec)},
	}
}

// NewSiliconFlow builds the SiliconFlow adapter.
func NewSiliconFlow(apiKey, baseURL string, timeoutSec int) Client {
	return &openAICompatClient{
		platformType:  TypeSiliconFlow,
		flavor:        FlavorOpenAI,
		apiKey:        apiKey,
		baseURL:       trimBaseURL(baseURL, "https://api.siliconflow.cn"),
		chatPath:      "/v1/chat/completions",
		modelsPath:    "/v1/models",
		defaultModels: siliconFlowDefaultModels,
		httpClient:    &http.Client{Timeout: timeoutOrDefault(timeoutSec)},
	}
}

// ─── Local platforms ──────────────────────────────────────────────────────────

// NewLMStudio builds the LM Studio adapter. No API key: the server is local.
func NewLMStudio(baseURL string, timeoutSec int) Client {
	return &openAICompatClient{
		platformType: TypeLMStudio,
		flavor:       FlavorLMStudio,
		baseURL:      trimBaseURL(baseURL, "http://localhost:1234"),
		chatPath:     "/v1/chat/completions",
		modelsPath:   "/v1/models",
		httpClient:   &http.Client{Timeout: timeoutOrDefault(timeoutSec)},
	}
}

// NewOpenAICompatible builds the generic adapter for any OpenAI-style
// upstream. The base URL is required and should include any /v1 prefix.
func NewOpenAICompatible(apiKey, baseURL string, timeoutSec int) (Client, error) {
	baseURL = trimBaseURL(baseURL, "")
	if baseURL == "" {
		return nil, fmt.Errorf("openai_compatible platform requires a base_url")
	}
	return &openAICompatClient{
		platformType: TypeOpenAICompatible,
		flavor:       FlavorOpenAI,
		apiKey:       apiKey,
		baseURL:      baseURL,
		chatPath:     "/chat/completions",
		modelsPath:   "/models",
		httpClient:   &http.Client{Timeout: timeoutOrDefault(timeoutSec)},
	}, nil
}
