package counter

import (
	"sort"

	"github.com/OrrinLabs/tally/models"
)

type SplitDirective struct {
	ShardID string
	Into    int
}

type MergeDirective struct {
	SourceID string
	TargetID string
}

// RebalancePlan is the structural work one management cycle should
// perform. Merges may chain: a directive's target can be the source of
// a later directive, so directives must run in order.
type RebalancePlan struct {
	Splits []SplitDirective
	Merges []MergeDirective
}

func (p RebalancePlan) Empty() bool {
	return len(p.Splits) == 0 && len(p.Merges) == 0
}

// Heuristic turns a counter snapshot into a structural plan. It is
// policy only; the pool owns the correctness of the resulting splits
// and merges. Plans must be deterministic for a given snapshot, and a
// snapshot taken right after executing a plan must produce an empty
// plan, so that back-to-back cycles with no traffic change nothing.
type Heuristic interface {
	Plan(lc models.LogicalCounter, snapshot models.AggregateSnapshot) RebalancePlan
}

// ThresholdHeuristic splits shards whose value nears the counter's
// bound and merges the smallest shards away when the pool has grown
// past its target size while carrying little value per shard.
type ThresholdHeuristic struct {
	// SplitThresholdPct of the bound at which a shard splits.
	SplitThresholdPct float64

	// SplitFactor is how many shards replace a split one, minimum 2.
	SplitFactor int

	// MergeTargetPoolSize is the pool size merges shrink back to.
	MergeTargetPoolSize int

	// MergeMinAverage gates merging: the pool only shrinks while the
	// mean absolute shard value is below this.
	MergeMinAverage int64

	// MaxShards caps pool growth from splits. Zero means uncapped.
	MaxShards int
}

var _ Heuristic = ThresholdHeuristic{}

func (h ThresholdHeuristic) Plan(lc models.LogicalCounter, snapshot models.AggregateSnapshot) RebalancePlan {
	var plan RebalancePlan
	live := len(snapshot.Shards)
	if live == 0 {
		return plan
	}

	if h.SplitThresholdPct > 0 && h.SplitFactor >= 2 {
		for _, reading := range snapshot.Shards {
			if h.MaxShards > 0 && live+h.SplitFactor-1 > h.MaxShards {
				break
			}
			if !h.splitWorthy(lc.Bounds, reading.Value) {
				continue
			}
			if h.splitWorthy(lc.Bounds, extremeChild(reading.Value, h.SplitFactor)) {
				// A split whose largest piece would still sit over
				// the threshold only churns.
				continue
			}
			plan.Splits = append(plan.Splits, SplitDirective{
				ShardID: reading.ShardID,
				Into:    h.SplitFactor,
			})
			live += h.SplitFactor - 1
		}
	}

	// One structural direction per cycle. Growing and shrinking the
	// same pool in a single pass would fight itself.
	if len(plan.Splits) > 0 {
		return plan
	}

	if h.MergeTargetPoolSize <= 0 || h.MergeMinAverage <= 0 || live <= h.MergeTargetPoolSize {
		return plan
	}
	var absSum int64
	for _, reading := range snapshot.Shards {
		absSum += abs64(reading.Value)
	}
	if absSum/int64(live) >= h.MergeMinAverage {
		return plan
	}

	ordered := append([]models.ShardReading(nil), snapshot.Shards...)
	sort.Slice(ordered, func(i, j int) bool {
		ai, aj := abs64(ordered[i].Value), abs64(ordered[j].Value)
		if ai != aj {
			return ai < aj
		}
		return ordered[i].ShardID < ordered[j].ShardID
	})

	// Fold the smallest shards up the chain: each merge removes one
	// shard, so excess merges land the pool exactly on target.
	excess := live - h.MergeTargetPoolSize
	for i := 0; i < excess; i++ {
		plan.Merges = append(plan.Merges, MergeDirective{
			SourceID: ordered[i].ShardID,
			TargetID: ordered[i+1].ShardID,
		})
	}
	return plan
}

// extremeChild is the largest-magnitude value a split of value into
// parts produces, matching how the pool rounds split quotas.
func extremeChild(value int64, parts int) int64 {
	base := value / int64(parts)
	if value%int64(parts) == 0 {
		return base
	}
	if value < 0 {
		return base - 1
	}
	return base + 1
}

func (h ThresholdHeuristic) splitWorthy(bounds models.Bounds, value int64) bool {
	if !bounds.Enabled() {
		return false
	}
	if bounds.Max > 0 && float64(value) >= h.SplitThresholdPct*float64(bounds.Max) {
		return true
	}
	if bounds.Min < 0 && float64(value) <= h.SplitThresholdPct*float64(bounds.Min) {
		return true
	}
	return false
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
