package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/OrrinLabs/tally/models"
)

// Conditional writes run server-side as Lua so the version check and the
// mutation are one indivisible step. Scripts reply with a status table
// rather than a Lua error, which keeps the Go side off error-string
// matching.
var (
	tryAdjustScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {'notfound'}
end
if redis.call('HGET', KEYS[1], 'retired') == '1' then
  return {'retired'}
end
if redis.call('HGET', KEYS[1], 'version') ~= ARGV[2] then
  return {'conflict'}
end
local value = redis.call('HINCRBY', KEYS[1], 'value', ARGV[1])
redis.call('HSET', KEYS[1], 'version', ARGV[3])
return {'ok', value, redis.call('HGET', KEYS[1], 'split_of'), redis.call('HGET', KEYS[1], 'created_at')}
`)

	markRetiredScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {'notfound'}
end
if redis.call('HGET', KEYS[1], 'retired') == '1' then
  return {'retired'}
end
if redis.call('HGET', KEYS[1], 'version') ~= ARGV[2] then
  return {'conflict'}
end
redis.call('HSET', KEYS[1], 'retired', '1', 'retired_at', ARGV[4], 'version', ARGV[3])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
local value = tonumber(redis.call('HGET', KEYS[1], 'value'))
return {'ok', value, redis.call('HGET', KEYS[1], 'split_of'), redis.call('HGET', KEYS[1], 'created_at')}
`)

	createShardScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {'exists'}
end
redis.call('HSET', KEYS[1], 'owner', ARGV[2], 'value', ARGV[3], 'version', ARGV[4], 'split_of', ARGV[5], 'created_at', ARGV[6], 'retired', '0', 'retired_at', '')
redis.call('SADD', KEYS[2], ARGV[1])
return {'ok'}
`)

	createCounterScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {'exists'}
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[1])
return {'ok'}
`)

	swapCounterScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {'notfound'}
end
if redis.call('HGET', KEYS[1], 'version') ~= ARGV[1] then
  return {'conflict'}
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
return {'ok'}
`)
)

const counterIndexKey = "counters"

func liveSetKey(counterID string) string {
	return "shards:" + counterID
}

func retiredSetKey(counterID string) string {
	return "retired:" + counterID
}

type redisStore struct {
	logger *slog.Logger
	rdb    *redis.Client
}

var _ ShardStore = &redisStore{}

func newRedisStore(config Config) (*redisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, &ErrStoreUnavailable{Err: err}
	}

	return &redisStore{
		logger: config.Logger.WithGroup("store"),
		rdb:    rdb,
	}, nil
}

func (r *redisStore) Close() error {
	if err := r.rdb.Close(); err != nil {
		return &ErrStoreUnavailable{Err: err}
	}
	return nil
}

func (r *redisStore) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return &ErrStoreUnavailable{Err: err}
	}
	return nil
}

func (r *redisStore) runScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) ([]interface{}, error) {
	res, err := script.Run(ctx, r.rdb, keys, args...).Result()
	if err != nil {
		return nil, &ErrStoreUnavailable{Err: err}
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) == 0 {
		return nil, &ErrStoreUnavailable{Err: fmt.Errorf("unexpected script reply: %v", res)}
	}
	return reply, nil
}

func replyStatus(reply []interface{}) string {
	status, _ := reply[0].(string)
	return status
}

func replyValue(reply []interface{}) (int64, error) {
	if len(reply) < 2 {
		return 0, fmt.Errorf("script reply missing value")
	}
	value, ok := reply[1].(int64)
	if !ok {
		return 0, fmt.Errorf("script reply value has type %T", reply[1])
	}
	return value, nil
}

func replyString(reply []interface{}, i int) string {
	if len(reply) <= i {
		return ""
	}
	s, _ := reply[i].(string)
	return s
}

func replyTime(reply []interface{}, i int) time.Time {
	ts := replyString(reply, i)
	if ts == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func (r *redisStore) CreateShard(ctx context.Context, shard models.CounterShard) error {
	key := shardKey(shard.OwnerCounterID, shard.ID)
	version := uuid.NewString()

	reply, err := r.runScript(ctx, createShardScript,
		[]string{key, liveSetKey(shard.OwnerCounterID)},
		shard.ID, shard.OwnerCounterID, shard.Value, version, shard.SplitOf,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	switch replyStatus(reply) {
	case "ok":
		return nil
	case "exists":
		return &ErrConflict{Key: key}
	default:
		return &ErrStoreUnavailable{Err: fmt.Errorf("unexpected script status: %v", reply[0])}
	}
}

func (r *redisStore) TryAdjust(ctx context.Context, counterID, shardID string, delta int64, expectedVersion string) (models.CounterShard, error) {
	key := shardKey(counterID, shardID)
	version := uuid.NewString()

	reply, err := r.runScript(ctx, tryAdjustScript, []string{key}, delta, expectedVersion, version)
	if err != nil {
		return models.CounterShard{}, err
	}
	switch replyStatus(reply) {
	case "ok":
		value, err := replyValue(reply)
		if err != nil {
			return models.CounterShard{}, &ErrStoreUnavailable{Err: err}
		}
		return models.CounterShard{
			ID:             shardID,
			OwnerCounterID: counterID,
			Value:          value,
			Version:        version,
			SplitOf:        replyString(reply, 2),
			CreatedAt:      replyTime(reply, 3),
		}, nil
	case "notfound":
		return models.CounterShard{}, &ErrKeyNotFound{Key: key}
	case "retired":
		return models.CounterShard{}, &ErrShardRetired{ShardID: shardID}
	case "conflict":
		return models.CounterShard{}, &ErrConflict{Key: key}
	default:
		return models.CounterShard{}, &ErrStoreUnavailable{Err: fmt.Errorf("unexpected script status: %v", reply[0])}
	}
}

func (r *redisStore) MarkRetired(ctx context.Context, counterID, shardID, expectedVersion string) (models.CounterShard, error) {
	key := shardKey(counterID, shardID)
	version := uuid.NewString()
	retiredAt := time.Now().UTC()

	reply, err := r.runScript(ctx, markRetiredScript,
		[]string{key, liveSetKey(counterID), retiredSetKey(counterID)},
		shardID, expectedVersion, version, retiredAt.Format(time.RFC3339Nano))
	if err != nil {
		return models.CounterShard{}, err
	}
	switch replyStatus(reply) {
	case "ok":
		value, err := replyValue(reply)
		if err != nil {
			return models.CounterShard{}, &ErrStoreUnavailable{Err: err}
		}
		return models.CounterShard{
			ID:             shardID,
			OwnerCounterID: counterID,
			Value:          value,
			Version:        version,
			Retired:        true,
			RetiredAt:      retiredAt,
			SplitOf:        replyString(reply, 2),
			CreatedAt:      replyTime(reply, 3),
		}, nil
	case "notfound":
		return models.CounterShard{}, &ErrKeyNotFound{Key: key}
	case "retired":
		return models.CounterShard{}, &ErrShardRetired{ShardID: shardID}
	case "conflict":
		return models.CounterShard{}, &ErrConflict{Key: key}
	default:
		return models.CounterShard{}, &ErrStoreUnavailable{Err: fmt.Errorf("unexpected script status: %v", reply[0])}
	}
}

func (r *redisStore) DeleteShard(ctx context.Context, counterID, shardID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, shardKey(counterID, shardID))
	pipe.SRem(ctx, liveSetKey(counterID), shardID)
	pipe.SRem(ctx, retiredSetKey(counterID), shardID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &ErrStoreUnavailable{Err: err}
	}
	return nil
}

func shardFromHash(counterID, shardID string, h map[string]string) (models.CounterShard, error) {
	value, err := strconv.ParseInt(h["value"], 10, 64)
	if err != nil {
		return models.CounterShard{}, fmt.Errorf("corrupt shard value %q: %w", h["value"], err)
	}
	shard := models.CounterShard{
		ID:             shardID,
		OwnerCounterID: counterID,
		Value:          value,
		Version:        h["version"],
		Retired:        h["retired"] == "1",
		SplitOf:        h["split_of"],
	}
	if ts := h["created_at"]; ts != "" {
		createdAt, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return models.CounterShard{}, fmt.Errorf("corrupt shard created_at %q: %w", ts, err)
		}
		shard.CreatedAt = createdAt
	}
	if ts := h["retired_at"]; ts != "" {
		retiredAt, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return models.CounterShard{}, fmt.Errorf("corrupt shard retired_at %q: %w", ts, err)
		}
		shard.RetiredAt = retiredAt
	}
	return shard, nil
}

func (r *redisStore) ReadShard(ctx context.Context, counterID, shardID string) (models.CounterShard, error) {
	key := shardKey(counterID, shardID)
	h, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return models.CounterShard{}, &ErrStoreUnavailable{Err: err}
	}
	if len(h) == 0 {
		return models.CounterShard{}, &ErrKeyNotFound{Key: key}
	}
	shard, err := shardFromHash(counterID, shardID, h)
	if err != nil {
		return models.CounterShard{}, &ErrStoreUnavailable{Err: err}
	}
	return shard, nil
}

func (r *redisStore) ListShards(ctx context.Context, counterID string) ([]string, error) {
	return r.listSet(ctx, liveSetKey(counterID))
}

func (r *redisStore) ListRetired(ctx context.Context, counterID string) ([]string, error) {
	return r.listSet(ctx, retiredSetKey(counterID))
}

func (r *redisStore) listSet(ctx context.Context, key string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, &ErrStoreUnavailable{Err: err}
	}
	sort.Strings(members)
	return members, nil
}

func (r *redisStore) CreateCounter(ctx context.Context, lc models.LogicalCounter) error {
	key := counterKey(lc.ID)
	lc.Version = uuid.NewString()

	data, err := json.Marshal(lc)
	if err != nil {
		return &ErrStoreUnavailable{Err: err}
	}

	reply, err := r.runScript(ctx, createCounterScript,
		[]string{key, counterIndexKey},
		lc.ID, lc.Version, string(data))
	if err != nil {
		return err
	}
	switch replyStatus(reply) {
	case "ok":
		return nil
	case "exists":
		return &ErrConflict{Key: key}
	default:
		return &ErrStoreUnavailable{Err: fmt.Errorf("unexpected script status: %v", reply[0])}
	}
}

func (r *redisStore) GetCounter(ctx context.Context, counterID string) (models.LogicalCounter, error) {
	key := counterKey(counterID)
	h, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return models.LogicalCounter{}, &ErrStoreUnavailable{Err: err}
	}
	if len(h) == 0 {
		return models.LogicalCounter{}, &ErrKeyNotFound{Key: key}
	}

	var lc models.LogicalCounter
	if err := json.Unmarshal([]byte(h["data"]), &lc); err != nil {
		return models.LogicalCounter{}, &ErrStoreUnavailable{Err: fmt.Errorf("corrupt counter record %s: %w", key, err)}
	}
	lc.Version = h["version"]
	return lc, nil
}

func (r *redisStore) SwapCounter(ctx context.Context, lc models.LogicalCounter, expectedVersion string) (models.LogicalCounter, error) {
	key := counterKey(lc.ID)
	lc.Version = uuid.NewString()

	data, err := json.Marshal(lc)
	if err != nil {
		return models.LogicalCounter{}, &ErrStoreUnavailable{Err: err}
	}

	reply, err := r.runScript(ctx, swapCounterScript,
		[]string{key},
		expectedVersion, lc.Version, string(data))
	if err != nil {
		return models.LogicalCounter{}, err
	}
	switch replyStatus(reply) {
	case "ok":
		return lc, nil
	case "notfound":
		return models.LogicalCounter{}, &ErrKeyNotFound{Key: key}
	case "conflict":
		return models.LogicalCounter{}, &ErrConflict{Key: key}
	default:
		return models.LogicalCounter{}, &ErrStoreUnavailable{Err: fmt.Errorf("unexpected script status: %v", reply[0])}
	}
}

func (r *redisStore) DeleteCounter(ctx context.Context, counterID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, counterKey(counterID))
	pipe.SRem(ctx, counterIndexKey, counterID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &ErrStoreUnavailable{Err: err}
	}
	return nil
}

func (r *redisStore) ListCounters(ctx context.Context) ([]string, error) {
	return r.listSet(ctx, counterIndexKey)
}
