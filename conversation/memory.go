package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/opsmesh/conductor/core"
)

// Entity is one long-lived fact about a user, extracted from completed work.
// Entities with the same (type, key) overwrite each other so memory reflects
// the latest known state.
type Entity struct {
	Type        string          `json:"type"`
	Key         string          `json:"key"`
	Data        json.RawMessage `json:"data"`
	ExtractedAt time.Time       `json:"extracted_at"`
}

// EntityMemory stores per-user entities keyed by type. Each (user, type)
// bucket is bounded; inserting past the bound evicts the oldest entries.
type EntityMemory interface {
	Upsert(ctx context.Context, userID string, entities []Entity) error
	Recall(ctx context.Context, userID string, entityType string) ([]Entity, error)
	RecallAll(ctx context.Context, userID string) ([]Entity, error)
	Forget(ctx context.Context, userID string) error
}

// RedisEntityMemory keeps entities in Redis hashes with a sorted-set index
// per (user, type) so eviction can find the oldest entries without scanning
// payloads.
type RedisEntityMemory struct {
	client    *redis.Client
	perType   int
	ttl       time.Duration
	logger    core.Logger
	keyPrefix string
}

// RedisMemoryConfig configures a Redis-backed entity memory.
type RedisMemoryConfig struct {
	// RedisURL is a redis:// connection string.
	RedisURL string
	// MaxPerType bounds each (user, type) bucket. Default 100.
	MaxPerType int
	// TTL expires idle buckets entirely. Zero means no expiry.
	TTL    time.Duration
	Logger core.Logger
}

// NewRedisEntityMemory connects to Redis and verifies the connection.
func NewRedisEntityMemory(ctx context.Context, config RedisMemoryConfig) (*RedisEntityMemory, error) {
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.MaxPerType <= 0 {
		config.MaxPerType = 100
	}

	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("conversation.NewRedisEntityMemory: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("conversation.NewRedisEntityMemory: %w: %v", core.ErrConnectionFailed, err)
	}

	return &RedisEntityMemory{
		client:    client,
		perType:   config.MaxPerType,
		ttl:       config.TTL,
		logger:    config.Logger,
		keyPrefix: "conductor:memory",
	}, nil
}

func (m *RedisEntityMemory) hashKey(userID, entityType string) string {
	return fmt.Sprintf("%s:%s:%s", m.keyPrefix, userID, entityType)
}

func (m *RedisEntityMemory) indexKey(userID, entityType string) string {
	return m.hashKey(userID, entityType) + ":index"
}

func (m *RedisEntityMemory) typesKey(userID string) string {
	return fmt.Sprintf("%s:%s:types", m.keyPrefix, userID)
}

// Upsert stores entities, overwriting same-key entries and evicting the
// oldest past the per-type bound.
func (m *RedisEntityMemory) Upsert(ctx context.Context, userID string, entities []Entity) error {
	byType := make(map[string][]Entity)
	for _, e := range entities {
		if e.Type == "" || e.Key == "" {
			continue
		}
		if e.ExtractedAt.IsZero() {
			e.ExtractedAt = time.Now().UTC()
		}
		byType[e.Type] = append(byType[e.Type], e)
	}

	for entityType, batch := range byType {
		hk := m.hashKey(userID, entityType)
		ik := m.indexKey(userID, entityType)

		pipe := m.client.TxPipeline()
		for _, e := range batch {
			payload, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("conversation.Upsert: marshal entity %s/%s: %w", e.Type, e.Key, err)
			}
			pipe.HSet(ctx, hk, e.Key, payload)
			pipe.ZAdd(ctx, ik, &redis.Z{Score: float64(e.ExtractedAt.UnixNano()), Member: e.Key})
		}
		pipe.SAdd(ctx, m.typesKey(userID), entityType)
		if m.ttl > 0 {
			pipe.Expire(ctx, hk, m.ttl)
			pipe.Expire(ctx, ik, m.ttl)
			pipe.Expire(ctx, m.typesKey(userID), m.ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("conversation.Upsert: %w: %v", core.ErrConnectionFailed, err)
		}

		if err := m.evict(ctx, userID, entityType); err != nil {
			return err
		}
	}
	return nil
}

// evict trims a bucket back to the per-type bound, oldest first.
func (m *RedisEntityMemory) evict(ctx context.Context, userID, entityType string) error {
	ik := m.indexKey(userID, entityType)
	size, err := m.client.ZCard(ctx, ik).Result()
	if err != nil {
		return fmt.Errorf("conversation.evict: %w: %v", core.ErrConnectionFailed, err)
	}
	excess := size - int64(m.perType)
	if excess <= 0 {
		return nil
	}

	oldest, err := m.client.ZRange(ctx, ik, 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("conversation.evict: %w: %v", core.ErrConnectionFailed, err)
	}
	if len(oldest) == 0 {
		return nil
	}

	pipe := m.client.TxPipeline()
	pipe.HDel(ctx, m.hashKey(userID, entityType), oldest...)
	pipe.ZRemRangeByRank(ctx, ik, 0, excess-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conversation.evict: %w: %v", core.ErrConnectionFailed, err)
	}

	m.logger.Debug("Evicted oldest entities", map[string]interface{}{
		"operation":   "memory_evict",
		"user_id":     userID,
		"entity_type": entityType,
		"evicted":     len(oldest),
	})
	return nil
}

// Recall returns all entities of one type for a user, oldest first.
func (m *RedisEntityMemory) Recall(ctx context.Context, userID, entityType string) ([]Entity, error) {
	keys, err := m.client.ZRange(ctx, m.indexKey(userID, entityType), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("conversation.Recall: %w: %v", core.ErrConnectionFailed, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	raw, err := m.client.HMGet(ctx, m.hashKey(userID, entityType), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("conversation.Recall: %w: %v", core.ErrConnectionFailed, err)
	}

	entities := make([]Entity, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e Entity
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// RecallAll returns every entity for a user across all types.
func (m *RedisEntityMemory) RecallAll(ctx context.Context, userID string) ([]Entity, error) {
	types, err := m.client.SMembers(ctx, m.typesKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("conversation.RecallAll: %w: %v", core.ErrConnectionFailed, err)
	}
	sort.Strings(types)

	var all []Entity
	for _, t := range types {
		entities, err := m.Recall(ctx, userID, t)
		if err != nil {
			return nil, err
		}
		all = append(all, entities...)
	}
	return all, nil
}

// Forget removes every entity for a user.
func (m *RedisEntityMemory) Forget(ctx context.Context, userID string) error {
	types, err := m.client.SMembers(ctx, m.typesKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("conversation.Forget: %w: %v", core.ErrConnectionFailed, err)
	}

	pipe := m.client.TxPipeline()
	for _, t := range types {
		pipe.Del(ctx, m.hashKey(userID, t))
		pipe.Del(ctx, m.indexKey(userID, t))
	}
	pipe.Del(ctx, m.typesKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conversation.Forget: %w: %v", core.ErrConnectionFailed, err)
	}
	return nil
}

// Close releases the Redis connection.
func (m *RedisEntityMemory) Close() error { return m.client.Close() }

// InMemoryEntityMemory is the fallback used when no Redis URL is configured.
// Same bounding and dedupe semantics, process-local only.
type InMemoryEntityMemory struct {
	mu      sync.RWMutex
	perType int
	// users -> type -> key -> entity
	data map[string]map[string]map[string]Entity
}

// NewInMemoryEntityMemory creates a process-local entity memory.
func NewInMemoryEntityMemory(maxPerType int) *InMemoryEntityMemory {
	if maxPerType <= 0 {
		maxPerType = 100
	}
	return &InMemoryEntityMemory{
		perType: maxPerType,
		data:    make(map[string]map[string]map[string]Entity),
	}
}

func (m *InMemoryEntityMemory) Upsert(_ context.Context, userID string, entities []Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	userData, ok := m.data[userID]
	if !ok {
		userData = make(map[string]map[string]Entity)
		m.data[userID] = userData
	}

	for _, e := range entities {
		if e.Type == "" || e.Key == "" {
			continue
		}
		if e.ExtractedAt.IsZero() {
			e.ExtractedAt = time.Now().UTC()
		}
		bucket, ok := userData[e.Type]
		if !ok {
			bucket = make(map[string]Entity)
			userData[e.Type] = bucket
		}
		bucket[e.Key] = e

		for len(bucket) > m.perType {
			oldestKey := ""
			var oldestAt time.Time
			for k, v := range bucket {
				if oldestKey == "" || v.ExtractedAt.Before(oldestAt) {
					oldestKey = k
					oldestAt = v.ExtractedAt
				}
			}
			delete(bucket, oldestKey)
		}
	}
	return nil
}

func (m *InMemoryEntityMemory) Recall(_ context.Context, userID, entityType string) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.data[userID][entityType]
	entities := make([]Entity, 0, len(bucket))
	for _, e := range bucket {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].ExtractedAt.Before(entities[j].ExtractedAt)
	})
	return entities, nil
}

func (m *InMemoryEntityMemory) RecallAll(_ context.Context, userID string) ([]Entity, error) {
	m.mu.RLock()
	types := make([]string, 0, len(m.data[userID]))
	for t := range m.data[userID] {
		types = append(types, t)
	}
	m.mu.RUnlock()
	sort.Strings(types)

	var all []Entity
	for _, t := range types {
		entities, _ := m.Recall(context.Background(), userID, t)
		all = append(all, entities...)
	}
	return all, nil
}

func (m *InMemoryEntityMemory) Forget(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, userID)
	return nil
}
