package models

import "time"

// Bounds is the permissible value range for a single shard. The zero
// value means the shard is unbounded.
type Bounds struct {
	Min int64 `json:"min" yaml:"min"`
	Max int64 `json:"max" yaml:"max"`
}

func (b Bounds) Enabled() bool {
	return b.Min != 0 || b.Max != 0
}

func (b Bounds) Contains(v int64) bool {
	if !b.Enabled() {
		return true
	}
	return v >= b.Min && v <= b.Max
}

// LogicalCounter is the registry record for one user-visible counter.
// ShardIDs is the authoritative membership set; a shard absent from it
// is never included in an aggregate. Version is the record's own
// optimistic-concurrency token, reissued by the store on every
// committed registry write.
type LogicalCounter struct {
	ID        string    `json:"id"`
	ShardIDs  []string  `json:"shard_ids"`
	Bounds    Bounds    `json:"bounds"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// CounterShard is one independently updatable partition of a counter's
// total. Value only ever changes through a conditional adjust against
// Version. Retired marks the tombstone state: the record stays
// readable for audit until swept, but it no longer accepts adjusts.
// SplitOf links a shard produced by a split back to the source shard it
// replaced, so an interrupted split can be told apart from an abandoned
// one and finished or rolled back accordingly.
type CounterShard struct {
	ID             string    `json:"id"`
	OwnerCounterID string    `json:"owner_counter_id"`
	Value          int64     `json:"value"`
	Version        string    `json:"version"`
	Retired        bool      `json:"retired"`
	CreatedAt      time.Time `json:"created_at"`
	RetiredAt      time.Time `json:"retired_at"`
	SplitOf        string    `json:"split_of,omitempty"`
}
