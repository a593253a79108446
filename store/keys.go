package store

import "strings"

// Key layout shared by every backend. Counter and shard ids are UUIDs,
// so ':' never appears inside a segment.

const (
	shardKeyPrefix   = "shard:"
	counterKeyPrefix = "counter:"
)

func shardKey(counterID, shardID string) string {
	return shardKeyPrefix + counterID + ":" + shardID
}

func shardKeyspace(counterID string) string {
	return shardKeyPrefix + counterID + ":"
}

func counterKey(counterID string) string {
	return counterKeyPrefix + counterID
}

func counterIDFromKey(key string) string {
	return strings.TrimPrefix(key, counterKeyPrefix)
}
