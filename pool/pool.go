package pool

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/OrrinLabs/tally/events"
	"github.com/OrrinLabs/tally/models"
	"github.com/OrrinLabs/tally/store"
)

const (
	DefaultRegistrySwapBudget = 5
	DefaultMergeRetryBudget   = 3
	DefaultTombstoneGrace     = 10 * time.Minute
)

type Config struct {
	Logger *slog.Logger
	Store  store.ShardStore
	Events *events.Hub // optional; nil disables event publication

	// RegistrySwapBudget bounds re-read/re-apply cycles on registry CAS
	// conflicts.
	RegistrySwapBudget int

	// MergeRetryBudget bounds merge retries and compensation retries.
	MergeRetryBudget int

	// TombstoneGrace is how long retired shards linger before the
	// sweeper removes them. It also shields shards younger than this
	// from reconcile rollback, so it must comfortably exceed the
	// lifetime of any in-flight split.
	TombstoneGrace time.Duration
}

// Pool owns shard membership: it creates counters, splits and merges
// shards as compensating multi-step workflows, and repairs the registry
// after interrupted ones. It holds no in-process locks around shard
// values; every mutation rides the store's conditional writes.
type Pool struct {
	logger *slog.Logger
	store  store.ShardStore
	events *events.Hub

	registrySwapBudget int
	mergeRetryBudget   int
	tombstoneGrace     time.Duration
}

func New(config Config) (*Pool, error) {
	if config.Store == nil {
		return nil, errors.New("pool requires a store")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.RegistrySwapBudget <= 0 {
		config.RegistrySwapBudget = DefaultRegistrySwapBudget
	}
	if config.MergeRetryBudget <= 0 {
		config.MergeRetryBudget = DefaultMergeRetryBudget
	}
	if config.TombstoneGrace <= 0 {
		config.TombstoneGrace = DefaultTombstoneGrace
	}

	return &Pool{
		logger:             config.Logger.WithGroup("pool"),
		store:              config.Store,
		events:             config.Events,
		registrySwapBudget: config.RegistrySwapBudget,
		mergeRetryBudget:   config.MergeRetryBudget,
		tombstoneGrace:     config.TombstoneGrace,
	}, nil
}

func (p *Pool) publish(event models.CounterEvent) {
	if p.events == nil {
		return
	}
	event.At = time.Now().UTC()
	p.events.Publish(event)
}

// CreateCounter seeds the shards first and writes the registry record
// last, so a half-created counter is never visible. A registry write
// failure rolls the seeds back.
func (p *Pool) CreateCounter(ctx context.Context, bounds models.Bounds, seedShards int) (models.LogicalCounter, error) {
	if seedShards <= 0 {
		return models.LogicalCounter{}, ErrInvalidSeedShards
	}
	if bounds.Enabled() && bounds.Min >= bounds.Max {
		return models.LogicalCounter{}, ErrInvalidBounds
	}

	counterID := uuid.NewString()
	created := make([]string, 0, seedShards)
	for i := 0; i < seedShards; i++ {
		shard := models.CounterShard{ID: uuid.NewString(), OwnerCounterID: counterID}
		if err := p.store.CreateShard(ctx, shard); err != nil {
			p.deleteShards(ctx, counterID, created)
			return models.LogicalCounter{}, errors.Wrap(err, "seeding shards")
		}
		created = append(created, shard.ID)
	}
	sort.Strings(created)

	lc := models.LogicalCounter{
		ID:        counterID,
		ShardIDs:  created,
		Bounds:    bounds,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.CreateCounter(ctx, lc); err != nil {
		p.deleteShards(ctx, counterID, created)
		return models.LogicalCounter{}, errors.Wrap(err, "writing registry record")
	}

	stored, err := p.store.GetCounter(ctx, counterID)
	if err != nil {
		return models.LogicalCounter{}, errors.Wrap(err, "reading back registry record")
	}

	p.logger.Info("counter created", "counter", counterID, "shards", len(created))
	p.publish(models.CounterEvent{Kind: models.EventCounterCreated, CounterID: counterID})
	return stored, nil
}

// DeleteCounter removes the registry record and every shard, live or
// tombstoned.
func (p *Pool) DeleteCounter(ctx context.Context, counterID string) error {
	if _, err := p.store.GetCounter(ctx, counterID); err != nil {
		return err
	}

	live, err := p.store.ListShards(ctx, counterID)
	if err != nil {
		return errors.Wrap(err, "listing live shards")
	}
	retired, err := p.store.ListRetired(ctx, counterID)
	if err != nil {
		return errors.Wrap(err, "listing retired shards")
	}

	for _, id := range append(live, retired...) {
		if err := p.store.DeleteShard(ctx, counterID, id); err != nil {
			return errors.Wrapf(err, "deleting shard %s", id)
		}
	}
	if err := p.store.DeleteCounter(ctx, counterID); err != nil {
		return errors.Wrap(err, "deleting registry record")
	}

	p.logger.Info("counter deleted", "counter", counterID)
	p.publish(models.CounterEvent{Kind: models.EventCounterDeleted, CounterID: counterID})
	return nil
}

// deleteShards removes shards created by a workflow that is rolling
// back. Failures are logged, not returned: the shards are unregistered,
// so reconcile rolls them back later.
func (p *Pool) deleteShards(ctx context.Context, counterID string, ids []string) {
	for _, id := range ids {
		if err := p.store.DeleteShard(ctx, counterID, id); err != nil {
			p.logger.Warn("compensating delete failed",
				"counter", counterID, "shard", id, "error", err)
		}
	}
}

// swapRegistry applies edit under the registry's optimistic lock,
// re-reading and re-applying on CAS conflicts a bounded number of times.
func (p *Pool) swapRegistry(ctx context.Context, counterID string, edit func(*models.LogicalCounter)) (models.LogicalCounter, error) {
	var lastErr error
	for attempt := 0; attempt < p.registrySwapBudget; attempt++ {
		lc, err := p.store.GetCounter(ctx, counterID)
		if err != nil {
			return models.LogicalCounter{}, err
		}
		edit(&lc)

		swapped, err := p.store.SwapCounter(ctx, lc, lc.Version)
		if err == nil {
			return swapped, nil
		}
		var conflict *store.ErrConflict
		if !errors.As(err, &conflict) {
			return models.LogicalCounter{}, err
		}
		lastErr = err
	}
	return models.LogicalCounter{}, errors.Wrap(lastErr, "registry swap budget exhausted")
}

func (p *Pool) dropFromRegistry(ctx context.Context, counterID, shardID string) error {
	_, err := p.swapRegistry(ctx, counterID, func(lc *models.LogicalCounter) {
		lc.ShardIDs = removeID(lc.ShardIDs, shardID)
	})
	return err
}

func removeID(ids []string, target string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// addIDs merges new ids into the set, deduplicated and sorted.
func addIDs(ids []string, adds ...string) []string {
	seen := make(map[string]bool, len(ids)+len(adds))
	out := make([]string, 0, len(ids)+len(adds))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range adds {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

