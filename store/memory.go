package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OrrinLabs/tally/models"
)

// Memory is the process-local backend. Conditional writes hold the one
// write lock for their whole read-check-mutate section, which gives the
// same indivisibility the other backends get from txns and scripts.
type Memory struct {
	mu       sync.RWMutex
	shards   map[string]models.CounterShard
	counters map[string]models.LogicalCounter
}

var _ ShardStore = &Memory{}

func NewMemory() *Memory {
	return &Memory{
		shards:   make(map[string]models.CounterShard),
		counters: make(map[string]models.LogicalCounter),
	}
}

func copyCounter(lc models.LogicalCounter) models.LogicalCounter {
	out := lc
	out.ShardIDs = append([]string(nil), lc.ShardIDs...)
	return out
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ErrStoreUnavailable{Err: err}
	}
	return nil
}

func (m *Memory) CreateShard(ctx context.Context, shard models.CounterShard) error {
	if err := ctx.Err(); err != nil {
		return &ErrStoreUnavailable{Err: err}
	}
	key := shardKey(shard.OwnerCounterID, shard.ID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.shards[key]; ok {
		return &ErrConflict{Key: key}
	}
	shard.Version = uuid.NewString()
	shard.Retired = false
	shard.CreatedAt = time.Now().UTC()
	shard.RetiredAt = time.Time{}
	m.shards[key] = shard
	return nil
}

func (m *Memory) TryAdjust(ctx context.Context, counterID, shardID string, delta int64, expectedVersion string) (models.CounterShard, error) {
	if err := ctx.Err(); err != nil {
		return models.CounterShard{}, &ErrStoreUnavailable{Err: err}
	}
	key := shardKey(counterID, shardID)

	m.mu.Lock()
	defer m.mu.Unlock()

	shard, ok := m.shards[key]
	if !ok {
		return models.CounterShard{}, &ErrKeyNotFound{Key: key}
	}
	if shard.Retired {
		return models.CounterShard{}, &ErrShardRetired{ShardID: shardID}
	}
	if shard.Version != expectedVersion {
		return models.CounterShard{}, &ErrConflict{Key: key}
	}
	shard.Value += delta
	shard.Version = uuid.NewString()
	m.shards[key] = shard
	return shard, nil
}

func (m *Memory) MarkRetired(ctx context.Context, counterID, shardID, expectedVersion string) (models.CounterShard, error) {
	if err := ctx.Err(); err != nil {
		return models.CounterShard{}, &ErrStoreUnavailable{Err: err}
	}
	key := shardKey(counterID, shardID)

	m.mu.Lock()
	defer m.mu.Unlock()

	shard, ok := m.shards[key]
	if !ok {
		return models.CounterShard{}, &ErrKeyNotFound{Key: key}
	}
	if shard.Retired {
		return models.CounterShard{}, &ErrShardRetired{ShardID: shardID}
	}
	if shard.Version != expectedVersion {
		return models.CounterShard{}, &ErrConflict{Key: key}
	}
	shard.Retired = true
	shard.RetiredAt = time.Now().UTC()
	shard.Version = uuid.NewString()
	m.shards[key] = shard
	return shard, nil
}

func (m *Memory) DeleteShard(ctx context.Context, counterID, shardID string) error {
	if err := ctx.Err(); err != nil {
		return &ErrStoreUnavailable{Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.shards, shardKey(counterID, shardID))
	return nil
}

func (m *Memory) ReadShard(ctx context.Context, counterID, shardID string) (models.CounterShard, error) {
	if err := ctx.Err(); err != nil {
		return models.CounterShard{}, &ErrStoreUnavailable{Err: err}
	}
	key := shardKey(counterID, shardID)

	m.mu.RLock()
	defer m.mu.RUnlock()

	shard, ok := m.shards[key]
	if !ok {
		return models.CounterShard{}, &ErrKeyNotFound{Key: key}
	}
	return shard, nil
}

func (m *Memory) ListShards(ctx context.Context, counterID string) ([]string, error) {
	return m.listShardIDs(ctx, counterID, false)
}

func (m *Memory) ListRetired(ctx context.Context, counterID string) ([]string, error) {
	return m.listShardIDs(ctx, counterID, true)
}

func (m *Memory) listShardIDs(ctx context.Context, counterID string, retired bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ErrStoreUnavailable{Err: err}
	}
	keyspace := shardKeyspace(counterID)

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := []string{}
	for key, shard := range m.shards {
		if !strings.HasPrefix(key, keyspace) {
			continue
		}
		if shard.Retired == retired {
			ids = append(ids, shard.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) CreateCounter(ctx context.Context, lc models.LogicalCounter) error {
	if err := ctx.Err(); err != nil {
		return &ErrStoreUnavailable{Err: err}
	}
	key := counterKey(lc.ID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.counters[key]; ok {
		return &ErrConflict{Key: key}
	}
	lc.Version = uuid.NewString()
	m.counters[key] = copyCounter(lc)
	return nil
}

func (m *Memory) GetCounter(ctx context.Context, counterID string) (models.LogicalCounter, error) {
	if err := ctx.Err(); err != nil {
		return models.LogicalCounter{}, &ErrStoreUnavailable{Err: err}
	}
	key := counterKey(counterID)

	m.mu.RLock()
	defer m.mu.RUnlock()

	lc, ok := m.counters[key]
	if !ok {
		return models.LogicalCounter{}, &ErrKeyNotFound{Key: key}
	}
	return copyCounter(lc), nil
}

func (m *Memory) SwapCounter(ctx context.Context, lc models.LogicalCounter, expectedVersion string) (models.LogicalCounter, error) {
	if err := ctx.Err(); err != nil {
		return models.LogicalCounter{}, &ErrStoreUnavailable{Err: err}
	}
	key := counterKey(lc.ID)

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.counters[key]
	if !ok {
		return models.LogicalCounter{}, &ErrKeyNotFound{Key: key}
	}
	if current.Version != expectedVersion {
		return models.LogicalCounter{}, &ErrConflict{Key: key}
	}
	lc.Version = uuid.NewString()
	m.counters[key] = copyCounter(lc)
	return copyCounter(lc), nil
}

func (m *Memory) DeleteCounter(ctx context.Context, counterID string) error {
	if err := ctx.Err(); err != nil {
		return &ErrStoreUnavailable{Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counters, counterKey(counterID))
	return nil
}

func (m *Memory) ListCounters(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ErrStoreUnavailable{Err: err}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := []string{}
	for key := range m.counters {
		ids = append(ids, counterIDFromKey(key))
	}
	sort.Strings(ids)
	return ids, nil
}
