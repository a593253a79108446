package counter

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/OrrinLabs/tally/models"
	"github.com/OrrinLabs/tally/pool"
	"github.com/OrrinLabs/tally/store"
)

type ManagementConfig struct {
	Logger     *slog.Logger
	Store      store.ShardStore
	Pool       *pool.Pool
	Aggregator *Aggregator

	// Heuristic plans structural changes during rebalance. Nil means
	// reconcile-only cycles with no splits or merges.
	Heuristic Heuristic

	// DefaultSeedShards is used when a create request does not say how
	// many shards to start with.
	DefaultSeedShards int
}

// Management is the admin-side service: counter lifecycle, aggregate
// reads, and the rebalance cycle that keeps shard pools sized to their
// load.
type Management struct {
	logger       *slog.Logger
	store        store.ShardStore
	pool         *pool.Pool
	agg          *Aggregator
	heuristic    Heuristic
	defaultSeeds int
}

func NewManagement(config ManagementConfig) (*Management, error) {
	if config.Store == nil {
		return nil, errors.New("management service requires a store")
	}
	if config.Pool == nil {
		return nil, errors.New("management service requires a shard pool")
	}
	if config.Aggregator == nil {
		return nil, errors.New("management service requires an aggregator")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Heuristic == nil {
		config.Heuristic = ThresholdHeuristic{}
	}
	if config.DefaultSeedShards <= 0 {
		config.DefaultSeedShards = 1
	}
	return &Management{
		logger:       config.Logger.WithGroup("mgmt"),
		store:        config.Store,
		pool:         config.Pool,
		agg:          config.Aggregator,
		heuristic:    config.Heuristic,
		defaultSeeds: config.DefaultSeedShards,
	}, nil
}

func (m *Management) CreateCounter(ctx context.Context, req models.CreateCounterRequest) (models.LogicalCounter, error) {
	seeds := req.SeedShards
	if seeds <= 0 {
		seeds = m.defaultSeeds
	}
	return m.pool.CreateCounter(ctx, req.Bounds, seeds)
}

func (m *Management) GetCounter(ctx context.Context, counterID string) (models.LogicalCounter, error) {
	return m.store.GetCounter(ctx, counterID)
}

func (m *Management) ListCounters(ctx context.Context) ([]string, error) {
	return m.store.ListCounters(ctx)
}

func (m *Management) DeleteCounter(ctx context.Context, counterID string) error {
	return m.pool.DeleteCounter(ctx, counterID)
}

func (m *Management) Aggregate(ctx context.Context, counterID string) (models.AggregateSnapshot, error) {
	return m.agg.Sum(ctx, counterID)
}

// Rebalance runs one management cycle for a counter: reconcile the
// registry against what interrupted splits and merges left behind,
// snapshot the pool, and execute whatever plan the heuristic produces.
// Individual split or merge failures are recorded in the summary and
// do not abort the cycle; the next cycle retries them from a fresh
// snapshot.
func (m *Management) Rebalance(ctx context.Context, counterID string) (models.RebalanceSummary, error) {
	summary := models.RebalanceSummary{CounterID: counterID}

	lc, err := m.pool.ReconcileRetired(ctx, counterID)
	if err != nil {
		return summary, err
	}

	snapshot, err := m.agg.Sum(ctx, counterID)
	if err != nil {
		return summary, errors.Wrap(err, "reading pool snapshot")
	}

	plan := m.heuristic.Plan(lc, snapshot)
	for _, directive := range plan.Splits {
		action := models.RebalanceAction{Kind: "split", Sources: []string{directive.ShardID}}
		created, err := m.pool.Split(ctx, counterID, directive.ShardID, directive.Into)
		if err != nil {
			action.Error = err.Error()
			m.logger.Warn("split failed", "counter", counterID, "shard", directive.ShardID, "error", err)
		} else {
			action.Created = created
			action.Removed = []string{directive.ShardID}
		}
		summary.Actions = append(summary.Actions, action)
	}
	for _, directive := range plan.Merges {
		action := models.RebalanceAction{Kind: "merge", Sources: []string{directive.SourceID, directive.TargetID}}
		if err := m.pool.Merge(ctx, counterID, directive.SourceID, directive.TargetID); err != nil {
			action.Error = err.Error()
			m.logger.Warn("merge failed",
				"counter", counterID, "source", directive.SourceID, "target", directive.TargetID, "error", err)
		} else {
			action.Removed = []string{directive.SourceID}
		}
		summary.Actions = append(summary.Actions, action)
	}

	final, err := m.store.GetCounter(ctx, counterID)
	if err != nil {
		return summary, errors.Wrap(err, "reading final membership")
	}
	summary.ShardIDs = final.ShardIDs

	if !plan.Empty() {
		m.logger.Info("rebalance cycle complete",
			"counter", counterID, "actions", len(summary.Actions), "shards", len(summary.ShardIDs))
	}
	return summary, nil
}

// RebalanceAll runs one cycle over every known counter. Per-counter
// failures are logged and skipped so one bad counter cannot starve the
// rest of the fleet.
func (m *Management) RebalanceAll(ctx context.Context) {
	ids, err := m.store.ListCounters(ctx)
	if err != nil {
		m.logger.Error("listing counters for rebalance", "error", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.Rebalance(ctx, id); err != nil {
			m.logger.Error("rebalance failed", "counter", id, "error", err)
		}
	}
}
