package counter

import "github.com/zhangyunhao116/fastrand"

// Selector decides which live shard an apply lands on. Implementations
// must be safe for concurrent use; this is the extension point for
// smarter placement policies (least-loaded and the like).
type Selector interface {
	// Pick returns an index in [0, n). n is always >= 1.
	Pick(n int) int
}

// UniformRandom spreads applies evenly across the pool so that no shard
// becomes a hotspot under concurrent writers.
type UniformRandom struct{}

func (UniformRandom) Pick(n int) int {
	return fastrand.Intn(n)
}
