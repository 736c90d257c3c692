package db

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"
)

// Store is the main persistence interface for the gateway.
type Store interface {
	PlatformStore
	ModelStore
	RoutingStore
	KeyStore
	RecordStore
	SystemConfigStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Platform store ───────────────────────────────────────────────────────────

// PlatformRecord holds the persisted configuration for one upstream platform.
// The api_key is stored as-is in the local SQLite file; it is never echoed in
// API responses. Local platforms (ollama, lmstudio) leave it empty.
type PlatformRecord struct {
	ID           int64     `json:"id"`
	PlatformType string    `json:"platform_type"` // dashscope | openrouter | ollama | lmstudio | siliconflow | openai_compatible
	APIKey       string    `json:"api_key"`
	BaseURL      string    `json:"base_url"`
	Enabled      bool      `json:"enabled"`
	TimeoutSec   int       `json:"timeout_sec"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PlatformStore persists upstream platform configurations, unique by type.
type PlatformStore interface {
	// SavePlatform creates or updates the row for rec.PlatformType.
	SavePlatform(ctx context.Context, rec *PlatformRecord) error

	// GetPlatform retrieves a platform config by type.
	GetPlatform(ctx context.Context, platformType string) (*PlatformRecord, error)

	// ListPlatforms returns all platform configs.
	ListPlatforms(ctx context.Context) ([]*PlatformRecord, error)

	// DeletePlatform removes a platform config and its models.
	DeletePlatform(ctx context.Context, platformType string) error
}

// ─── Model store ──────────────────────────────────────────────────────────────

// ModelRecord is one selectable upstream model. The canonical external
// identifier is "<platform_type>:<model_id>".
type ModelRecord struct {
	ID           int64     `json:"id"`
	PlatformType string    `json:"platform_type"`
	ModelID      string    `json:"model_id"`
	ModelName    string    `json:"model_name"`
	Enabled      bool      `json:"enabled"`
	Priority     int       `json:"priority"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
}

// ModelStore persists the model catalog.
type ModelStore interface {
	// SaveModel creates or updates a model, unique by (platform_type, model_id).
	SaveModel(ctx context.Context, rec *ModelRecord) error

	// UpsertModels bulk-upserts models for a platform, used by model refresh.
	UpsertModels(ctx context.Context, platformType string, recs []*ModelRecord) error

	// ListModels returns models, optionally filtered by platform type.
	ListModels(ctx context.Context, platformType string) ([]*ModelRecord, error)

	// DeleteModel removes one model row.
	DeleteModel(ctx context.Context, id int64) error
}

// ─── Routing store ────────────────────────────────────────────────────────────

// RoutingConfigRecord is one named routing configuration. ConfigData is a JSON
// blob whose shape depends on ConfigType: global_direct carries
// {"model_priority_list":[...]}, smart_routing carries {"routing_models":[...]}.
type RoutingConfigRecord struct {
	ID         int64          `json:"id"`
	ConfigName string         `json:"config_name"`
	ConfigType string         `json:"config_type"` // claude_code | global_direct | smart_routing
	IsActive   bool           `json:"is_active"`
	ConfigData string         `json:"config_data"` // JSON blob
	Scenes     []*SceneRecord `json:"scenes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// SceneRecord is one routing scene under a smart_routing configuration.
// Models is a JSON array of "platform:model_id" strings in fallback order.
type SceneRecord struct {
	ID              int64  `json:"id"`
	RoutingConfigID int64  `json:"routing_config_id"`
	SceneName       string `json:"scene_name"`
	SceneDesc       string `json:"scene_description"`
	Models          string `json:"models"` // JSON array
	Priority        int    `json:"priority"`
	Enabled         bool   `json:"enabled"`
}

// DefaultSceneName must exist in every smart_routing configuration; it is the
// fallback when scene classification fails.
const DefaultSceneName = "default"

// RoutingStore persists routing configurations and their scenes.
type RoutingStore interface {
	// SaveRoutingConfig creates or updates a config together with its scenes.
	// If rec.IsActive, every other config is deactivated in the same
	// transaction. For smart_routing configs a scene named DefaultSceneName is
	// inserted at priority 0 when missing.
	SaveRoutingConfig(ctx context.Context, rec *RoutingConfigRecord) error

	// GetActiveRoutingConfig returns the single active config with its enabled
	// scenes ordered by priority, or nil, nil when none is active.
	GetActiveRoutingConfig(ctx context.Context) (*RoutingConfigRecord, error)

	// ListRoutingConfigs returns all configs with their scenes.
	ListRoutingConfigs(ctx context.Context) ([]*RoutingConfigRecord, error)

	// SetActiveRoutingConfig activates one config and deactivates the rest.
	SetActiveRoutingConfig(ctx context.Context, id int64) error

	// DeleteRoutingConfig removes a config and its scenes.
	DeleteRoutingConfig(ctx context.Context, id int64) error
}

// ─── User key store ───────────────────────────────────────────────────────────

// KeyRecord is one user-facing API key with a token budget.
// MaxTokens = 0 means unlimited. UsedTokens only grows while the key exists.
type KeyRecord struct {
	ID         int64      `json:"id"`
	KeyName    string     `json:"key_name"`
	APIKey     string     `json:"api_key"`
	MaxTokens  int64      `json:"max_tokens"`
	UsedTokens int64      `json:"used_tokens"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Admissible reports whether the key may be used at the given instant:
// active, not expired, and under budget (or unlimited).
func (k *KeyRecord) Admissible(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	if k.MaxTokens > 0 && k.UsedTokens >= k.MaxTokens {
		return false
	}
	return true
}

// UsageLogRecord is one append-only token usage entry for a key.
type UsageLogRecord struct {
	ID           int64     `json:"id"`
	UserKeyID    int64     `json:"user_key_id"`
	RecordID     int64     `json:"record_id"`
	ModelName    string    `json:"model_name"`
	PlatformType string    `json:"platform_type"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	Timestamp    time.Time `json:"timestamp"`
}

// KeyStatistics aggregates usage for one key over a time window.
type KeyStatistics struct {
	TotalCalls   int64            `json:"total_calls"`
	TotalTokens  int64            `json:"total_tokens"`
	InputTokens  int64            `json:"input_tokens"`
	OutputTokens int64            `json:"output_tokens"`
	ByModel      []UsageBreakdown `json:"by_model"`
	ByPlatform   []UsageBreakdown `json:"by_platform"`
}

// UsageBreakdown is one grouped row in a usage statistics query.
type UsageBreakdown struct {
	Name         string `json:"name"`
	CallCount    int64  `json:"call_count"`
	TotalTokens  int64  `json:"total_tokens"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// KeyStore persists user keys and their usage logs.
type KeyStore interface {
	// CreateKey inserts a new key row; rec.APIKey must already be set.
	CreateKey(ctx context.Context, rec *KeyRecord) error

	// GetKeyByAPIKey looks a key up by its api_key value.
	// Returns nil, nil when no such key exists.
	GetKeyByAPIKey(ctx context.Context, apiKey string) (*KeyRecord, error)

	// GetKey retrieves a key by id.
	GetKey(ctx context.Context, id int64) (*KeyRecord, error)

	// ListKeys returns all keys, newest first.
	ListKeys(ctx context.Context) ([]*KeyRecord, error)

	// UpdateKey updates name, budget, expiry and active flag.
	UpdateKey(ctx context.Context, rec *KeyRecord) error

	// DeleteKey removes a key and all of its usage logs.
	DeleteKey(ctx context.Context, id int64) error

	// ResetKeyUsage zeroes used_tokens and purges the key's usage logs.
	ResetKeyUsage(ctx context.Context, id int64) error

	// AddKeyUsage appends a usage log row and increments the key's
	// used_tokens by log.TotalTokens in a single transaction.
	AddKeyUsage(ctx context.Context, log *UsageLogRecord) error

	// GetKeyStatistics aggregates usage for one key within [from, to].
	GetKeyStatistics(ctx context.Context, keyID int64, from, to time.Time) (*KeyStatistics, error)
}

// ─── Interaction record store ─────────────────────────────────────────────────

// InteractionRecord captures both sides of one hooked call: the original
// client request, the upstream-facing payload ("processed"), the raw upstream
// response, and the converted client-facing body.
type InteractionRecord struct {
	ID              int64     `json:"id"`
	Method          string    `json:"method"`
	Path            string    `json:"path"`
	Headers         string    `json:"headers"` // JSON blob
	Body            string    `json:"body"`
	ResponseStatus  int       `json:"response_status"`
	ResponseHeaders string    `json:"response_headers"` // JSON blob
	ResponseBody    string    `json:"response_body"`
	DurationMs      int64     `json:"duration_ms"`
	TargetPlatform  string    `json:"target_platform"`
	TargetModel     string    `json:"target_model"`
	PlatformBaseURL string    `json:"platform_base_url"`
	ProcessedPrompt string    `json:"processed_prompt"`
	ProcessedHdrs   string    `json:"processed_headers"`
	UpstreamHeaders string    `json:"upstream_headers"`
	UpstreamBody    string    `json:"upstream_body"`
	RoutingScene    string    `json:"routing_scene"`
	UserKeyID       *int64    `json:"user_key_id,omitempty"`
	InputTokens     int64     `json:"input_tokens"`
	OutputTokens    int64     `json:"output_tokens"`
	TotalTokens     int64     `json:"total_tokens"`
	Timestamp       time.Time `json:"timestamp"`
}

// RecordStore persists interaction records (append-only, bulk-truncatable).
type RecordStore interface {
	// SaveRecord appends one interaction record and sets rec.ID.
	SaveRecord(ctx context.Context, rec *InteractionRecord) error

	// GetRecord retrieves one record by id.
	GetRecord(ctx context.Context, id int64) (*InteractionRecord, error)

	// ListRecords returns records newest first.
	ListRecords(ctx context.Context, limit, offset int) ([]*InteractionRecord, error)

	// CountRecords returns the total number of records.
	CountRecords(ctx context.Context) (int64, error)

	// TruncateRecords deletes all interaction records.
	TruncateRecords(ctx context.Context) error
}

// ─── System config store ──────────────────────────────────────────────────────

// Well-known system config keys.
const (
	ConfigKeyWorkMode  = "current_work_mode"
	ConfigKeyLegacyURL = "claude_code_target_url"
)

// SystemConfigStore persists small key/value settings (current work mode,
// legacy passthrough target) so they survive restarts.
type SystemConfigStore interface {
	// GetSystemConfig returns the value for key, or "" when unset.
	GetSystemConfig(ctx context.Context, key string) (string, error)

	// SetSystemConfig writes (or overwrites) the value for key.
	SetSystemConfig(ctx context.Context, key, value string) error
}

// ─── Key generation ───────────────────────────────────────────────────────────

// APIKeyPrefix is the required prefix of user-facing API keys.
const APIKeyPrefix = "lxs_"

// GenerateAPIKey returns a fresh user API key: the lxs_ prefix followed by
// 24 URL-safe base64 characters.
func GenerateAPIKey() string {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
}
