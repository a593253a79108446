package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"

	"github.com/OrrinLabs/tally/models"
)

type badgerStore struct {
	logger *slog.Logger
	appCtx context.Context // cancelled means the owner is about to call Close()
	db     *badger.DB
}

var _ ShardStore = &badgerStore{}

func newBadgerStore(config Config) (*badgerStore, error) {
	if err := os.MkdirAll(config.Directory, 0755); err != nil {
		return nil, &ErrStoreUnavailable{Err: err}
	}

	db, err := badger.Open(
		badger.DefaultOptions(config.Directory).
			WithLogger(newBadgerLogBridge(config.Logger.WithGroup("badger"))))
	if err != nil {
		return nil, &ErrStoreUnavailable{Err: err}
	}

	return &badgerStore{
		logger: config.Logger.WithGroup("store"),
		appCtx: config.AppCtx,
		db:     db,
	}, nil
}

func (b *badgerStore) Close() error {
	if err := b.db.Close(); err != nil {
		b.logger.Error("error closing badger", "error", err)
		return &ErrStoreUnavailable{Err: err}
	}
	return nil
}

func (b *badgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ErrStoreUnavailable{Err: err}
	}
	return b.wrap(b.db.View(func(txn *badger.Txn) error { return nil }), "")
}

// wrap normalizes txn results: our typed errors pass through, badger's
// optimistic-txn abort becomes ErrConflict, everything else is the
// backend's fault.
func (b *badgerStore) wrap(err error, key string) error {
	if err == nil {
		return nil
	}
	var notFound *ErrKeyNotFound
	var conflict *ErrConflict
	var retired *ErrShardRetired
	var unavailable *ErrStoreUnavailable
	if errors.As(err, &notFound) || errors.As(err, &conflict) ||
		errors.As(err, &retired) || errors.As(err, &unavailable) {
		return err
	}
	if errors.Is(err, badger.ErrConflict) {
		return &ErrConflict{Key: key}
	}
	return &ErrStoreUnavailable{Err: err}
}

func readShardTxn(txn *badger.Txn, key string) (models.CounterShard, error) {
	var shard models.CounterShard
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return shard, &ErrKeyNotFound{Key: key}
		}
		return shard, &ErrStoreUnavailable{Err: err}
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return shard, &ErrStoreUnavailable{Err: err}
	}
	if err := json.Unmarshal(raw, &shard); err != nil {
		return shard, &ErrStoreUnavailable{Err: fmt.Errorf("corrupt shard record %s: %w", key, err)}
	}
	return shard, nil
}

func writeShardTxn(txn *badger.Txn, key string, shard models.CounterShard) error {
	payload, err := json.Marshal(shard)
	if err != nil {
		return &ErrStoreUnavailable{Err: err}
	}
	return txn.Set([]byte(key), payload)
}

func (b *badgerStore) CreateShard(ctx context.Context, shard models.CounterShard) error {
	if err := ctx.Err(); err != nil {
		return &ErrStoreUnavailable{Err: err}
	}
	key := shardKey(shard.OwnerCounterID, shard.ID)
	shard.Version = uuid.NewString()
	shard.Retired = false
	shard.CreatedAt = time.Now().UTC()
	shard.RetiredAt = time.Time{}

	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return &ErrConflict{Key: key}
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return &ErrStoreUnavailable{Err: err}
		}
		return writeShardTxn(txn, key, shard)
	})
	return b.wrap(err, key)
}

func (b *badgerStore) TryAdjust(ctx context.Context, counterID, shardID string, delta int64, expectedVersion string) (models.CounterShard, error) {
	if err := ctx.Err(); err != nil {
		return models.CounterShard{}, &ErrStoreUnavailable{Err: err}
	}
	key := shardKey(counterID, shardID)

	var updated models.CounterShard
	err := b.db.Update(func(txn *badger.Txn) error {
		shard, err := readShardTxn(txn, key)
		if err != nil {
			return err
		}
		if shard.Retired {
			return &ErrShardRetired{ShardID: shardID}
		}
		if shard.Version != expectedVersion {
			return &ErrConflict{Key: key}
		}
		shard.Value += delta
		shard.Version = uuid.NewString()
		if err := writeShardTxn(txn, key, shard); err != nil {
			return err
		}
		updated = shard
		return nil
	})
	if err != nil {
		return models.CounterShard{}, b.wrap(err, key)
	}
	return updated, nil
}

func (b *badgerStore) MarkRetired(ctx context.Context, counterID, shardID, expectedVersion string) (models.CounterShard, error) {
	if err := ctx.Err(); err != nil {
		return models.CounterShard{}, &ErrStoreUnavailable{Err: err}
	}
	key := shardKey(counterID, shardID)

	var updated models.CounterShard
	err := b.db.Update(func(txn *badger.Txn) error {
		shard, err := readShardTxn(txn, key)
		if err != nil {
			return err
		}
		if shard.Retired {
			return &ErrShardRetired{ShardID: shardID}
		}
		if shard.Version != expectedVersion {
			return &ErrConflict{Key: key}
		}
		shard.Retired = true
		shard.RetiredAt = time.Now().UTC()
		shard.Version = uuid.NewString()
		if err := writeShardTxn(txn, key, shard); err != nil {
			return err
		}
		updated = shard
		return nil
	})
	if err != nil {
		return models.CounterShard{}, b.wrap(err, key)
	}
	return updated, nil
}

func (b *badgerStore) DeleteShard(ctx context.Context, counterID, shardID string) error {
	if err := ctx.Err(); err != nil {
		return &ErrStoreUnavailable{Err: err}
	}
	key := shardKey(counterID, shardID)
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	return b.wrap(err, key)
}

func (b *badgerStore) ReadShard(ctx context.Context, counterID, shardID string) (models.CounterShard, error) {
	if err := ctx.Err(); err != nil {
		return models.CounterShard{}, &ErrStoreUnavailable{Err: err}
	}
	key := shardKey(counterID, shardID)

	var shard models.CounterShard
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		shard, err = readShardTxn(txn, key)
		return err
	})
	if err != nil {
		return models.CounterShard{}, b.wrap(err, key)
	}
	return shard, nil
}

func (b *badgerStore) ListShards(ctx context.Context, counterID string) ([]string, error) {
	return b.listShardIDs(ctx, counterID, false)
}

func (b *badgerStore) ListRetired(ctx context.Context, counterID string) ([]string, error) {
	return b.listShardIDs(ctx, counterID, true)
}

func (b *badgerStore) listShardIDs(ctx context.Context, counterID string, retired bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ErrStoreUnavailable{Err: err}
	}

	ids := []string{}
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(shardKeyspace(counterID))
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return &ErrStoreUnavailable{Err: err}
			}
			var shard models.CounterShard
			if err := json.Unmarshal(raw, &shard); err != nil {
				return &ErrStoreUnavailable{Err: fmt.Errorf("corrupt shard record %s: %w", string(item.Key()), err)}
			}
			if shard.Retired == retired {
				ids = append(ids, shard.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap(err, "")
	}
	sort.Strings(ids)
	return ids, nil
}

func readCounterTxn(txn *badger.Txn, key string) (models.LogicalCounter, error) {
	var lc models.LogicalCounter
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return lc, &ErrKeyNotFound{Key: key}
		}
		return lc, &ErrStoreUnavailable{Err: err}
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return lc, &ErrStoreUnavailable{Err: err}
	}
	if err := json.Unmarshal(raw, &lc); err != nil {
		return lc, &ErrStoreUnavailable{Err: fmt.Errorf("corrupt counter record %s: %w", key, err)}
	}
	return lc, nil
}

func writeCounterTxn(txn *badger.Txn, key string, lc models.LogicalCounter) error {
	payload, err := json.Marshal(lc)
	if err != nil {
		return &ErrStoreUnavailable{Err: err}
	}
	return txn.Set([]byte(key), payload)
}

func (b *badgerStore) CreateCounter(ctx context.Context, lc models.LogicalCounter) error {
	if err := ctx.Err(); err != nil {
		return &ErrStoreUnavailable{Err: err}
	}
	key := counterKey(lc.ID)
	lc.Version = uuid.NewString()

	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return &ErrConflict{Key: key}
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return &ErrStoreUnavailable{Err: err}
		}
		return writeCounterTxn(txn, key, lc)
	})
	return b.wrap(err, key)
}

func (b *badgerStore) GetCounter(ctx context.Context, counterID string) (models.LogicalCounter, error) {
	if err := ctx.Err(); err != nil {
		return models.LogicalCounter{}, &ErrStoreUnavailable{Err: err}
	}
	key := counterKey(counterID)

	var lc models.LogicalCounter
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		lc, err = readCounterTxn(txn, key)
		return err
	})
	if err != nil {
		return models.LogicalCounter{}, b.wrap(err, key)
	}
	return lc, nil
}

func (b *badgerStore) SwapCounter(ctx context.Context, lc models.LogicalCounter, expectedVersion string) (models.LogicalCounter, error) {
	if err := ctx.Err(); err != nil {
		return models.LogicalCounter{}, &ErrStoreUnavailable{Err: err}
	}
	key := counterKey(lc.ID)

	var updated models.LogicalCounter
	err := b.db.Update(func(txn *badger.Txn) error {
		current, err := readCounterTxn(txn, key)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return &ErrConflict{Key: key}
		}
		lc.Version = uuid.NewString()
		if err := writeCounterTxn(txn, key, lc); err != nil {
			return err
		}
		updated = lc
		return nil
	})
	if err != nil {
		return models.LogicalCounter{}, b.wrap(err, key)
	}
	return updated, nil
}

func (b *badgerStore) DeleteCounter(ctx context.Context, counterID string) error {
	if err := ctx.Err(); err != nil {
		return &ErrStoreUnavailable{Err: err}
	}
	key := counterKey(counterID)
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	return b.wrap(err, key)
}

func (b *badgerStore) ListCounters(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ErrStoreUnavailable{Err: err}
	}

	ids := []string{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefixBytes := []byte(counterKeyPrefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			ids = append(ids, counterIDFromKey(string(it.Item().Key())))
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap(err, "")
	}
	sort.Strings(ids)
	return ids, nil
}

// badgerLogBridge adapts slog.Logger to badger.Logger.
type badgerLogBridge struct {
	slogger *slog.Logger
}

func (l *badgerLogBridge) Errorf(format string, args ...interface{}) {
	l.slogger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogBridge) Warningf(format string, args ...interface{}) {
	l.slogger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogBridge) Infof(format string, args ...interface{}) {
	l.slogger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogBridge) Debugf(format string, args ...interface{}) {
	l.slogger.Debug(fmt.Sprintf(format, args...))
}

func newBadgerLogBridge(slogger *slog.Logger) badger.Logger {
	return &badgerLogBridge{slogger: slogger}
}
