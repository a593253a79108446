package models

import "time"

type CounterEventKind string

const (
	EventCounterCreated CounterEventKind = "created"
	EventDeltaApplied   CounterEventKind = "applied"
	EventShardSplit     CounterEventKind = "split"
	EventShardsMerged   CounterEventKind = "merged"
	EventCounterDeleted CounterEventKind = "deleted"
)

// CounterEvent is the shape delivered to watch subscribers. Delivery
// is best effort; slow subscribers drop events rather than block the
// writer.
type CounterEvent struct {
	Kind      CounterEventKind `json:"kind"`
	CounterID string           `json:"counter_id"`
	ShardID   string           `json:"shard_id,omitempty"`
	Delta     int64            `json:"delta,omitempty"`
	Value     int64            `json:"value,omitempty"`
	At        time.Time        `json:"at"`
}
