package models

import "time"

type CreateCounterRequest struct {
	Bounds     Bounds `json:"bounds"`
	SeedShards int    `json:"seed_shards"`
}

type ApplyRequest struct {
	CounterID string `json:"counter_id"`
	Delta     int64  `json:"delta"`
}

// RejectReason classifies why an apply did not commit. Rejections are
// ordinary outcomes under load, not errors.
type RejectReason string

const (
	RejectContention     RejectReason = "contention"
	RejectShardGone      RejectReason = "shard_gone"
	RejectBounds         RejectReason = "bounds_exceeded"
	RejectUnavailable    RejectReason = "store_unavailable"
	RejectUnknownCounter RejectReason = "unknown_counter"
)

// ApplyResult reports the outcome of a single apply. Exactly one of
// the two arms holds: Applied true with ShardID/NewValue set, or
// Applied false with Reason set. An apply that did not report Applied
// changed the aggregate by exactly zero.
type ApplyResult struct {
	Applied   bool         `json:"applied"`
	CounterID string       `json:"counter_id"`
	Delta     int64        `json:"delta"`
	ShardID   string       `json:"shard_id,omitempty"`
	NewValue  int64        `json:"new_value,omitempty"`
	Reason    RejectReason `json:"reason,omitempty"`
	Attempts  int          `json:"attempts"`
}

type ShardReading struct {
	ShardID string `json:"shard_id"`
	Value   int64  `json:"value"`
}

// AggregateSnapshot is a best-effort sum over the counter's active
// shards. It is exact only when no apply, split, or merge was in
// flight during the reads.
type AggregateSnapshot struct {
	CounterID string         `json:"counter_id"`
	Total     int64          `json:"total"`
	Shards    []ShardReading `json:"shards"`
	ReadAt    time.Time      `json:"read_at"`
}

type RebalanceRequest struct {
	CounterID string `json:"counter_id"`
}

type DeleteCounterRequest struct {
	CounterID string `json:"counter_id"`
}

type RebalanceAction struct {
	Kind    string   `json:"kind"`
	Sources []string `json:"sources,omitempty"`
	Created []string `json:"created,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type RebalanceSummary struct {
	CounterID string            `json:"counter_id"`
	Actions   []RebalanceAction `json:"actions"`
	ShardIDs  []string          `json:"shard_ids"`
}
