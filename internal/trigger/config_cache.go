package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/taskpilot/internal/cache"
	"github.com/p-blackswan/taskpilot/internal/clock"
)

// ConfigCache caches trigger definitions per project. Entries expire after
// the TTL and are dropped early when the backend signals trigger activation.
type ConfigCache struct {
	fetcher ConfigFetcher
	entries *cache.Cache[string, []Config]
	logger  zerolog.Logger
}

// NewConfigCache creates a cache of at most size projects.
func NewConfigCache(fetcher ConfigFetcher, size int, ttl time.Duration, clk clock.Clock, logger zerolog.Logger) *ConfigCache {
	return &ConfigCache{
		fetcher: fetcher,
		entries: cache.New[string, []Config](size, ttl, clk),
		logger:  logger.With().Str("component", "trigger_cache").Logger(),
	}
}

// Get returns the project's trigger definitions, fetching on a miss.
func (c *ConfigCache) Get(ctx context.Context, projectID string) ([]Config, error) {
	if cfgs, ok := c.entries.Get(projectID); ok {
		return cfgs, nil
	}
	cfgs, err := c.fetcher.TriggerConfigs(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("fetch trigger configs for %s: %w", projectID, err)
	}
	c.entries.Put(projectID, cfgs)
	return cfgs, nil
}

// Invalidate drops the cached definitions for projectID. An empty id
// clears the whole cache.
func (c *ConfigCache) Invalidate(projectID string) {
	if projectID == "" {
		c.entries.Clear()
		c.logger.Debug().Msg("trigger config cache cleared")
		return
	}
	if c.entries.Delete(projectID) {
		c.logger.Debug().Str("project_id", projectID).Msg("trigger config invalidated")
	}
}
