package pool

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/OrrinLabs/tally/models"
	"github.com/OrrinLabs/tally/store"
)

// ReconcileRetired folds the remnants of interrupted workflows back
// into a consistent registry:
//
//   - live shards left unregistered by a split that died before the
//     registry swap are registered once their source is retired or gone,
//   - unregistered shards whose split source is still live are rolled
//     back, but only after tombstoneGrace so a split still in flight is
//     never cannibalized,
//   - registered ids whose shards are retired or deleted are dropped.
//
// The pass is idempotent: running it against a consistent counter
// changes nothing.
func (p *Pool) ReconcileRetired(ctx context.Context, counterID string) (models.LogicalCounter, error) {
	lc, err := p.store.GetCounter(ctx, counterID)
	if err != nil {
		return models.LogicalCounter{}, err
	}

	live, err := p.store.ListShards(ctx, counterID)
	if err != nil {
		return models.LogicalCounter{}, errors.Wrap(err, "listing live shards")
	}

	registered := make(map[string]bool, len(lc.ShardIDs))
	for _, id := range lc.ShardIDs {
		registered[id] = true
	}

	now := time.Now().UTC()
	adds := []string{}
	for _, id := range live {
		if registered[id] {
			continue
		}
		shard, err := p.store.ReadShard(ctx, counterID, id)
		if err != nil {
			p.logger.Warn("reconcile could not read unregistered shard",
				"counter", counterID, "shard", id, "error", err)
			continue
		}
		if shard.SplitOf == "" {
			p.logger.Warn("unregistered shard with no split lineage, leaving alone",
				"counter", counterID, "shard", id)
			continue
		}

		source, err := p.store.ReadShard(ctx, counterID, shard.SplitOf)
		if err != nil && !store.IsNotFound(err) {
			p.logger.Warn("reconcile could not read split source",
				"counter", counterID, "shard", id, "source", shard.SplitOf, "error", err)
			continue
		}
		if err == nil && !source.Retired {
			// The split never froze its source, so this replacement
			// carries stale quotas.
			if now.Sub(shard.CreatedAt) < p.tombstoneGrace {
				continue
			}
			if err := p.store.DeleteShard(ctx, counterID, id); err != nil {
				p.logger.Warn("reconcile rollback delete failed",
					"counter", counterID, "shard", id, "error", err)
			}
			continue
		}
		// Source retired (or already swept): the split committed, finish
		// the registration.
		adds = append(adds, id)
	}

	drops := []string{}
	for _, id := range lc.ShardIDs {
		shard, err := p.store.ReadShard(ctx, counterID, id)
		if err != nil {
			if store.IsNotFound(err) {
				drops = append(drops, id)
				continue
			}
			p.logger.Warn("reconcile could not read registered shard",
				"counter", counterID, "shard", id, "error", err)
			continue
		}
		if shard.Retired {
			drops = append(drops, id)
		}
	}

	if len(adds) == 0 && len(drops) == 0 {
		return lc, nil
	}

	updated, err := p.swapRegistry(ctx, counterID, func(cur *models.LogicalCounter) {
		ids := cur.ShardIDs
		for _, id := range drops {
			ids = removeID(ids, id)
		}
		cur.ShardIDs = addIDs(ids, adds...)
	})
	if err != nil {
		return models.LogicalCounter{}, errors.Wrap(err, "reconciling registry membership")
	}

	p.logger.Info("reconciled registry membership",
		"counter", counterID, "added", len(adds), "dropped", len(drops))
	return updated, nil
}

// SweepTombstones deletes retired shards whose grace period has elapsed
// and reports how many were removed. Per-shard failures are logged and
// skipped; the next sweep gets another chance.
func (p *Pool) SweepTombstones(ctx context.Context) (int, error) {
	counterIDs, err := p.store.ListCounters(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "listing counters")
	}

	removed := 0
	now := time.Now().UTC()
	for _, counterID := range counterIDs {
		retired, err := p.store.ListRetired(ctx, counterID)
		if err != nil {
			p.logger.Warn("sweep could not list retired shards",
				"counter", counterID, "error", err)
			continue
		}
		for _, id := range retired {
			shard, err := p.store.ReadShard(ctx, counterID, id)
			if err != nil {
				if !store.IsNotFound(err) {
					p.logger.Warn("sweep could not read shard",
						"counter", counterID, "shard", id, "error", err)
				}
				continue
			}
			if !shard.Retired || now.Sub(shard.RetiredAt) < p.tombstoneGrace {
				continue
			}
			if err := p.store.DeleteShard(ctx, counterID, id); err != nil {
				p.logger.Warn("sweep delete failed",
					"counter", counterID, "shard", id, "error", err)
				continue
			}
			p.logger.Debug("swept tombstoned shard", "counter", counterID, "shard", id)
			removed++
		}
	}
	return removed, nil
}
