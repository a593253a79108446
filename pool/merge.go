package pool

import (
	"context"

	"github.com/pkg/errors"

	"github.com/OrrinLabs/tally/models"
	"github.com/OrrinLabs/tally/store"
)

// Merge folds the source shard's value into the target and retires the
// source. The transfer lands first, conditional on the target's version;
// the retire is conditional on the version the source had when it was
// read, so an apply racing the merge either arrives before the read and
// is carried over, or makes the retire conflict, in which case the
// transfer is compensated and the merge retries from fresh reads. No
// interleaving loses or double-counts value, except transiently between
// transfer and retire, which aggregate snapshots already tolerate.
func (p *Pool) Merge(ctx context.Context, counterID, sourceShardID, targetShardID string) error {
	if sourceShardID == targetShardID {
		return ErrSameShard
	}

	for attempt := 0; attempt < p.mergeRetryBudget; attempt++ {
		source, err := p.store.ReadShard(ctx, counterID, sourceShardID)
		if err != nil {
			if store.IsNotFound(err) {
				// Merged and swept earlier; only the registry may lag.
				return p.dropFromRegistry(ctx, counterID, sourceShardID)
			}
			return &ErrMergeConflict{
				CounterID: counterID, SourceID: sourceShardID, TargetID: targetShardID,
				Err: errors.Wrap(err, "reading source shard"),
			}
		}
		if source.Retired {
			return p.dropFromRegistry(ctx, counterID, sourceShardID)
		}

		target, err := p.store.ReadShard(ctx, counterID, targetShardID)
		if err != nil {
			return &ErrMergeConflict{
				CounterID: counterID, SourceID: sourceShardID, TargetID: targetShardID,
				Err: errors.Wrap(err, "reading target shard"),
			}
		}
		if target.Retired {
			return &ErrMergeConflict{
				CounterID: counterID, SourceID: sourceShardID, TargetID: targetShardID,
				Err: errors.New("target shard is retired"),
			}
		}

		transferred := source.Value
		adjusted, err := p.store.TryAdjust(ctx, counterID, targetShardID, transferred, target.Version)
		if err != nil {
			if store.IsConflict(err) {
				continue
			}
			return &ErrMergeConflict{
				CounterID: counterID, SourceID: sourceShardID, TargetID: targetShardID,
				Err: errors.Wrap(err, "transferring value to target"),
			}
		}

		_, retireErr := p.store.MarkRetired(ctx, counterID, sourceShardID, source.Version)
		if retireErr == nil {
			if err := p.dropFromRegistry(ctx, counterID, sourceShardID); err != nil {
				// Value is conserved either way; membership catches up on
				// the next reconcile.
				p.logger.Warn("merge committed but registry drop failed",
					"counter", counterID, "shard", sourceShardID, "error", err)
			}
			p.logger.Info("shards merged",
				"counter", counterID, "source", sourceShardID, "target", targetShardID, "moved", transferred)
			p.publish(models.CounterEvent{
				Kind:      models.EventShardsMerged,
				CounterID: counterID,
				ShardID:   targetShardID,
				Delta:     transferred,
				Value:     adjusted.Value,
			})
			return nil
		}

		// The source moved between our read and the retire. Put the
		// transferred value back before deciding what happens next.
		if compErr := p.compensateTransfer(ctx, counterID, targetShardID, -transferred, adjusted.Version); compErr != nil {
			return &ErrMergeConflict{
				CounterID: counterID, SourceID: sourceShardID, TargetID: targetShardID,
				Residue: transferred,
				Err:     errors.Wrap(retireErr, "retire conflicted and compensation did not land"),
			}
		}

		if store.IsConflict(retireErr) {
			continue
		}
		if store.IsRetired(retireErr) || store.IsNotFound(retireErr) {
			// A competing merge took the source; our transfer is undone
			// and theirs owns the value.
			return p.dropFromRegistry(ctx, counterID, sourceShardID)
		}
		return &ErrMergeConflict{
			CounterID: counterID, SourceID: sourceShardID, TargetID: targetShardID,
			Err: errors.Wrap(retireErr, "retiring source shard"),
		}
	}

	return &ErrMergeConflict{
		CounterID: counterID, SourceID: sourceShardID, TargetID: targetShardID,
		Err: errors.Errorf("retry budget of %d exhausted", p.mergeRetryBudget),
	}
}

// compensateTransfer reverses a transfer that must not stand, chasing
// the target's version across racing applies a bounded number of times.
func (p *Pool) compensateTransfer(ctx context.Context, counterID, shardID string, delta int64, version string) error {
	var lastErr error
	for attempt := 0; attempt < p.mergeRetryBudget; attempt++ {
		if _, err := p.store.TryAdjust(ctx, counterID, shardID, delta, version); err == nil {
			return nil
		} else if !store.IsConflict(err) {
			return err
		} else {
			lastErr = err
		}

		fresh, err := p.store.ReadShard(ctx, counterID, shardID)
		if err != nil {
			return err
		}
		version = fresh.Version
	}
	return errors.Wrap(lastErr, "compensation retry budget exhausted")
}
