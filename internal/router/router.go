// Package router selects the upstream target for each gateway request.
//
// Responsibilities:
//   - Hold the active routing configuration as an atomically swappable
//     immutable snapshot
//   - global_direct: first loaded model in the priority list
//   - smart_routing: classify the last user message into a scene with the
//     configured routing models, then pick from the scene's model list
//   - claude_code: flag the request for legacy passthrough
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lxsgate/lxsgate/internal/db"
	"github.com/lxsgate/lxsgate/internal/platform"
	"github.com/lxsgate/lxsgate/internal/transcode"
)

// Routing modes. They match the config_type column of routing_configs.
const (
	ModeClaudeCode   = "claude_code"
	ModeGlobalDirect = "global_direct"
	ModeSmartRouting = "smart_routing"
)

// Result is the routing decision for one request.
type Result struct {
	Mode         string
	Passthrough  bool
	PlatformType string
	ModelID      string
	Scene        string
}

// Scene is one smart-routing scene with its model priority list.
type Scene struct {
	Name        string
	Description string
	Models      []string
}

// Config is an immutable routing snapshot built from the active
// routing_configs row.
type Config struct {
	Mode          string
	PriorityList  []string
	RoutingModels []string
	Scenes        []Scene
}

// BuildConfig loads the active routing configuration into a snapshot. No
// active configuration, or one whose config_data does not parse, falls back
// to claude_code passthrough so the gateway keeps serving.
func BuildConfig(ctx context.Context, store db.RoutingStore, logger *zap.Logger) (*Config, error) {
	rec, err := store.GetActiveRoutingConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active routing config: %w", err)
	}
	if rec == nil {
		return &Config{Mode: ModeClaudeCode}, nil
	}

	switch rec.ConfigType {
	case ModeGlobalDirect:
		var data struct {
			ModelPriorityList []string `json:"model_priority_list"`
		}
		if err := json.Unmarshal([]byte(rec.ConfigData), &data); err != nil {
			logger.Error("unparseable global_direct config, falling back to passthrough",
				zap.Int64("config_id", rec.ID), zap.Error(err))
			return &Config{Mode: ModeClaudeCode}, nil
		}
		return &Config{Mode: ModeGlobalDirect, PriorityList: data.ModelPriorityList}, nil

	case ModeSmartRouting:
		var data struct {
			RoutingModels []string `json:"routing_models"`
		}
		if err := json.Unmarshal([]byte(rec.ConfigData), &data); err != nil {
			logger.Error("unparseable smart_routing config, falling back to passthrough",
				zap.Int64("config_id", rec.ID), zap.Error(err))
			return &Config{Mode: ModeClaudeCode}, nil
		}
		cfg := &Config{Mode: ModeSmartRouting, RoutingModels: data.RoutingModels}
		for _, sc := range rec.Scenes {
			var models []string
			if err := json.Unmarshal([]byte(sc.Models), &models); err != nil {
				logger.Error("unparseable scene model list, skipping scene",
					zap.String("scene", sc.SceneName), zap.Error(err))
				continue
			}
			cfg.Scenes = append(cfg.Scenes, Scene{
				Name:        sc.SceneName,
				Description: sc.SceneDesc,
				Models:      models,
			})
		}
		return cfg, nil
	}

	return &Config{Mode: ModeClaudeCode}, nil
}

// Router resolves routing decisions against the current snapshot. Swap
// publishes a new snapshot; in-flight requests keep the one they captured.
type Router struct {
	cfg    atomic.Pointer[Config]
	logger *zap.Logger
}

// New starts in claude_code passthrough until a configuration is swapped in.
func New(logger *zap.Logger) *Router {
	r := &Router{logger: logger}
	r.cfg.Store(&Config{Mode: ModeClaudeCode})
	return r
}

// Swap publishes a new routing snapshot.
func (r *Router) Swap(cfg *Config) { r.cfg.Store(cfg) }

// Mode returns the current routing mode.
func (r *Router) Mode() string { return r.cfg.Load().Mode }

// Route picks the upstream target for a request. reg is the platform
// registry snapshot captured at request entry.
func (r *Router) Route(ctx context.Context, messages []any, reg *platform.Registry) (*Result, error) {
	cfg := r.cfg.Load()
	switch cfg.Mode {
	case ModeClaudeCode:
		return &Result{Mode: ModeClaudeCode, Passthrough: true}, nil

	case ModeGlobalDirect:
		platformType, modelID, ok := firstLoaded(cfg.PriorityList, reg, r.logger)
		if !ok {
			return nil, fmt.Errorf("none of the configured models has a loaded platform adapter")
		}
		return &Result{Mode: ModeGlobalDirect, PlatformType: platformType, ModelID: modelID}, nil

	case ModeSmartRouting:
		prompt := transcode.ExtractLastUserMessage(messages)
		return r.routeSmart(ctx, cfg, reg, prompt)
	}
	return nil, fmt.Errorf("routing configuration not initialized")
}

func (r *Router) routeSmart(ctx context.Context, cfg *Config, reg *platform.Registry, prompt string) (*Result, error) {
	if len(cfg.Scenes) == 0 {
		return nil, fmt.Errorf("smart routing has no enabled scenes")
	}

	scene := r.detectScene(ctx, cfg, reg, prompt)
	platformType, modelID, ok := firstLoaded(scene.Models, reg, r.logger)
	if !ok {
		return nil, fmt.Errorf("no model of scene %q has a loaded platform adapter", scene.Name)
	}
	return &Result{
		Mode:         ModeSmartRouting,
		PlatformType: platformType,
		ModelID:      modelID,
		Scene:        scene.Name,
	}, nil
}

// detectScene asks each routing model in turn to classify the prompt.
// Every failure degrades to the next routing model; when all fail the first
// scene wins, which by construction is the default scene.
func (r *Router) detectScene(ctx context.Context, cfg *Config, reg *platform.Registry, prompt string) *Scene {
	judgment := judgmentPrompt(cfg.Scenes, prompt)

	for _, spec := range cfg.RoutingModels {
		platformType, modelID, err := platform.ParseModelSpec(spec)
		if err != nil {
			r.logger.Warn("invalid routing model spec", zap.String("spec", spec), zap.Error(err))
			continue
		}
		client := reg.Get(platformType)
		if client == nil {
			continue
		}

		body, _, err := client.Chat(ctx, map[string]any{
			"model":    modelID,
			"messages": []map[string]any{{"role": "user", "content": judgment}},
			"stream":   false,
		})
		if err != nil {
			r.logger.Warn("routing model call failed",
				zap.String("spec", spec), zap.Error(err))
			continue
		}

		n := firstInt(completionText(body))
		if n >= 1 && n <= len(cfg.Scenes) {
			return &cfg.Scenes[n-1]
		}
	}
	return &cfg.Scenes[0]
}

// firstLoaded walks a "platform:model" priority list and returns the first
// entry whose platform adapter is loaded.
func firstLoaded(specs []string, reg *platform.Registry, logger *zap.Logger) (platformType, modelID string, ok bool) {
	for _, spec := range specs {
		pt, mid, err := platform.ParseModelSpec(spec)
		if err != nil {
			logger.Warn("invalid model spec", zap.String("spec", spec), zap.Error(err))
			continue
		}
		if reg.Get(pt) != nil {
			return pt, mid, true
		}
	}
	return "", "", false
}

func judgmentPrompt(scenes []Scene, userPrompt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Decide which scene the following user request belongs to and reply with only the scene number (1-%d).\n\n", len(scenes))
	fmt.Fprintf(&b, "User request: %s\n\nScenes:\n", userPrompt)
	for i, sc := range scenes {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, sc.Name, sc.Description)
	}
	b.WriteString("\nReply with the number only. No explanation.")
	return b.String()
}

// completionText extracts the assistant text of a non-streaming OpenAI
// response.
func completionText(body []byte) string {
	var data struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &data); err != nil || len(data.Choices) == 0 {
		return ""
	}
	return data.Choices[0].Message.Content
}

var intRe = regexp.MustCompile(`\d+`)

// firstInt parses the first integer in a classifier reply, 0 when none.
func firstInt(s string) int {
	m := intRe.FindString(strings.TrimSpace(s))
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}
