// Package codename assigns sticky human-friendly names to session ids and
// resolves operator hints back to ids.
package codename

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

var adjectives = []string{
	"amber", "brisk", "calm", "dapper", "eager", "fuzzy", "gentle", "hazel",
	"indigo", "jolly", "keen", "lucky", "mellow", "nimble", "olive", "plucky",
	"quiet", "rosy", "sunny", "tidy", "upbeat", "vivid", "witty", "zesty",
}

var nouns = []string{
	"badger", "comet", "dune", "ember", "falcon", "glacier", "harbor", "island",
	"juniper", "kestrel", "lagoon", "meadow", "nebula", "otter", "pebble", "quartz",
	"raven", "sparrow", "tundra", "urchin", "willow", "yarrow", "zephyr", "maple",
}

// Generate derives a deterministic adjective-noun name from a session id.
func Generate(sessionID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	sum := h.Sum32()
	adj := adjectives[sum%uint32(len(adjectives))]
	noun := nouns[(sum/uint32(len(adjectives)))%uint32(len(nouns))]
	return adj + "-" + noun
}

// Store persists the sessionID -> codename mapping.
type Store interface {
	All(ctx context.Context) (map[string]string, error)
	Put(ctx context.Context, entries map[string]string) error
}

// Cache is the in-memory view of a Store. It is loaded once and written
// back whenever it changes. Cached names win over names reported later.
type Cache struct {
	mu     sync.Mutex
	store  Store
	names  map[string]string
	loaded bool
	logger zerolog.Logger
}

// NewCache wraps store. A nil store keeps names in memory only.
func NewCache(store Store, logger zerolog.Logger) *Cache {
	return &Cache{store: store, names: make(map[string]string), logger: logger}
}

// Load reads the store once; later calls are no-ops.
func (c *Cache) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx)
}

func (c *Cache) loadLocked(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	c.loaded = true
	if c.store == nil {
		return nil
	}
	names, err := c.store.All(ctx)
	if err != nil {
		return fmt.Errorf("load codenames: %w", err)
	}
	for id, name := range names {
		c.names[id] = name
	}
	return nil
}

// Lookup returns the cached name for id.
func (c *Cache) Lookup(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.names[id]
	return name, ok
}

// Assign returns the sticky name for id. A cached name wins; otherwise the
// reported name (or a generated one) is cached and persisted.
func (c *Cache) Assign(ctx context.Context, id, reported string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("codename cache unavailable")
	}
	if name, ok := c.names[id]; ok {
		return name, nil
	}

	name := strings.TrimSpace(reported)
	if name == "" {
		name = Generate(id)
	}
	c.names[id] = name
	return name, c.persistLocked(ctx, map[string]string{id: name})
}

// Stabilize rewrites summaries so each keeps its cached codename, caching
// names not seen before. The store is written when anything was changed or
// overridden.
func (c *Cache) Stabilize(ctx context.Context, sessions []protocol.SessionSummary) ([]protocol.SessionSummary, error) {
	if len(sessions) == 0 {
		return sessions, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("codename cache unavailable")
	}

	mutated := make(map[string]string)
	out := make([]protocol.SessionSummary, len(sessions))
	for i, s := range sessions {
		if cached, ok := c.names[s.SessionID]; ok {
			if s.Codename != cached {
				s.Codename = cached
				mutated[s.SessionID] = cached
			}
			out[i] = s
			continue
		}
		if name := strings.TrimSpace(s.Codename); name != "" {
			c.names[s.SessionID] = name
			mutated[s.SessionID] = name
		}
		out[i] = s
	}

	if len(mutated) == 0 {
		return out, nil
	}
	return out, c.persistLocked(ctx, mutated)
}

func (c *Cache) persistLocked(ctx context.Context, entries map[string]string) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Put(ctx, entries); err != nil {
		return fmt.Errorf("persist codenames: %w", err)
	}
	return nil
}
