package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/OrrinLabs/tally/models"
)

const (
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	Logger  *slog.Logger
	Backend string

	// Directory is the badger home. Ignored by other backends.
	Directory string

	// Redis connection settings. Ignored by other backends.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AppCtx context.Context
}

// ShardWriter covers the mutations of shard records. Every conditional
// write takes the version token the caller last observed and fails with
// ErrConflict when the stored token has moved.
type ShardWriter interface {
	// CreateShard persists a new live shard. The store mints the version
	// token; any Version on the input is ignored. Existing key is ErrConflict.
	CreateShard(ctx context.Context, shard models.CounterShard) error

	// TryAdjust adds delta to the shard value iff the stored version equals
	// expectedVersion, as one indivisible backend operation. Returns the
	// updated record carrying the fresh version.
	TryAdjust(ctx context.Context, counterID, shardID string, delta int64, expectedVersion string) (models.CounterShard, error)

	// MarkRetired tombstones the shard iff the stored version equals
	// expectedVersion. Retired shards stay readable but reject TryAdjust.
	MarkRetired(ctx context.Context, counterID, shardID, expectedVersion string) (models.CounterShard, error)

	// DeleteShard removes the record outright. Missing key is not an error.
	DeleteShard(ctx context.Context, counterID, shardID string) error
}

type ShardReader interface {
	// ReadShard returns the record, retired or not.
	ReadShard(ctx context.Context, counterID, shardID string) (models.CounterShard, error)

	// ListShards enumerates ids of live shards, sorted.
	ListShards(ctx context.Context, counterID string) ([]string, error)

	// ListRetired enumerates ids of tombstoned shards, sorted.
	ListRetired(ctx context.Context, counterID string) ([]string, error)
}

// RegistryHandler covers the logical counter records. SwapCounter is the
// only mutation of an existing record and is compare-and-swap on the
// registry version token.
type RegistryHandler interface {
	CreateCounter(ctx context.Context, lc models.LogicalCounter) error
	GetCounter(ctx context.Context, counterID string) (models.LogicalCounter, error)
	SwapCounter(ctx context.Context, lc models.LogicalCounter, expectedVersion string) (models.LogicalCounter, error)
	DeleteCounter(ctx context.Context, counterID string) error
	ListCounters(ctx context.Context) ([]string, error)
}

type ShardStore interface {
	ShardReader
	ShardWriter
	RegistryHandler

	Ping(ctx context.Context) error
	Close() error
}

func New(config Config) (ShardStore, error) {
	switch config.Backend {
	case BackendBadger:
		return newBadgerStore(config)
	case BackendRedis:
		return newRedisStore(config)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", config.Backend)
	}
}
