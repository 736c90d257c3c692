package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ollamaClient talks to a local Ollama server. Ollama's chat endpoint is not
// SSE: it returns newline-delimited JSON objects, one per chunk, with
// done=true on the terminal object.
type ollamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllama builds the Ollama adapter. No API key: the server is local.
func NewOllama(baseURL string, timeoutSec int) Client {
	return &ollamaClient{
		baseURL:    trimBaseURL(baseURL, "http://localhost:11434"),
		httpClient: &http.Client{Timeout: timeoutOrDefault(timeoutSec)},
	}
}

func (c *ollamaClient) Type() string    { return TypeOllama }
func (c *ollamaClient) Flavor() string  { return FlavorOllama }
func (c *ollamaClient) BaseURL() string { return c.baseURL }
func (c *ollamaClient) ChatURL() string { return c.baseURL + "/api/chat" }

func (c *ollamaClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Platform: TypeOllama, Status: resp.StatusCode, Body: string(body)}
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse tags response: %w", err)
	}

	models := make([]ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, ModelInfo{ID: m.Name, Name: m.Name})
	}
	return models, nil
}

func (c *ollamaClient) Chat(ctx context.Context, payload map[string]any) ([]byte, http.Header, error) {
	body, header, err := c.do(ctx, c.chatPayload(payload, false))
	if err != nil {
		return nil, header, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, header, fmt.Errorf("read response: %w", err)
	}
	return data, header, nil
}

func (c *ollamaClient) ChatStream(ctx context.Context, payload map[string]any) (*Stream, error) {
	body, header, err := c.do(ctx, c.chatPayload(payload, true))
	if err != nil {
		return nil, err
	}
	return newStream(http.StatusOK, header, body), nil
}

func (c *ollamaClient) TestConnection(ctx context.Context) bool {
	models, err := c.ListModels(ctx)
	return err == nil && len(models) > 0
}

// chatPayload keeps only the fields Ollama's /api/chat understands.
func (c *ollamaClient) chatPayload(payload map[string]any, stream bool) map[string]any {
	out := map[string]any{
		"model":    payload["model"],
		"messages": payload["messages"],
		"stream":   stream,
	}
	options := map[string]any{}
	if v, ok := payload["temperature"]; ok {
		options["temperature"] = v
	}
	if v, ok := payload["max_tokens"]; ok {
		options["num_predict"] = v
	}
	if len(options) > 0 {
		out["options"] = options
	}
	return out
}

func (c *ollamaClient) do(ctx context.Context, payload map[string]any) (io.ReadCloser, http.Header, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, resp.Header, &UpstreamError{Platform: TypeOllama, Status: resp.StatusCode, Body: string(body)}
	}
	return resp.Body, resp.Header, nil
}
