package platform

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lxsgate/lxsgate/internal/db"
)

// Registry is an immutable snapshot of the configured platform adapters.
// Admin mutations build a fresh Registry and swap it in atomically; in-flight
// requests keep using the snapshot they captured.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds a registry from explicit clients, mainly for tests.
func NewRegistry(clients ...Client) *Registry {
	m := make(map[string]Client, len(clients))
	for _, c := range clients {
		m[c.Type()] = c
	}
	return &Registry{clients: m}
}

// BuildRegistry constructs adapters for every enabled platform row. Rows that
// cannot produce a client (openai_compatible without a base URL) are skipped
// with a warning so one bad row does not take the gateway down.
func BuildRegistry(ctx context.Context, store db.PlatformStore, logger *zap.Logger) (*Registry, error) {
	rows, err := store.ListPlatforms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}

	clients := make(map[string]Client, len(rows))
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		client, err := newClient(row)
		if err != nil {
			logger.Warn("skipping platform",
				zap.String("platform", row.PlatformType),
				zap.Error(err))
			continue
		}
		clients[row.PlatformType] = client
	}
	return &Registry{clients: clients}, nil
}

func newClient(row *db.PlatformRecord) (Client, error) {
	switch row.PlatformType {
	case TypeDashScope:
		return NewDashScope(row.APIKey, row.BaseURL, row.TimeoutSec), nil
	case TypeOpenRouter:
		return NewOpenRouter(row.APIKey, row.BaseURL, row.TimeoutSec), nil
	case TypeSiliconFlow:
		return NewSiliconFlow(row.APIKey, row.BaseURL, row.TimeoutSec), nil
	case TypeLMStudio:
		return NewLMStudio(row.BaseURL, row.TimeoutSec), nil
	case TypeOllama:
		return NewOllama(row.BaseURL, row.TimeoutSec), nil
	case TypeOpenAICompatible:
		return NewOpenAICompatible(row.APIKey, row.BaseURL, row.TimeoutSec)
	default:
		return nil, fmt.Errorf("unknown platform type %q", row.PlatformType)
	}
}

// Get returns the adapter for a platform type, or nil when not loaded.
func (r *Registry) Get(platformType string) Client {
	if r == nil {
		return nil
	}
	return r.clients[platformType]
}

// Types returns the loaded platform types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	types := make([]string, 0, len(r.clients))
	for t := range r.clients {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len returns the number of loaded adapters.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.clients)
}
