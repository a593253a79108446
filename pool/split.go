package pool

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/OrrinLabs/tally/models"
)

// splitQuotas plans the replacement shard values: each gets value/count
// and the first |value mod count| get one extra unit, sign-preserving,
// so the quotas always sum to value exactly.
func splitQuotas(value int64, count int) []int64 {
	base := value / int64(count)
	rem := value % int64(count)
	sign := int64(1)
	if rem < 0 {
		sign = -1
		rem = -rem
	}

	quotas := make([]int64, count)
	for i := range quotas {
		quotas[i] = base
		if int64(i) < rem {
			quotas[i] += sign
		}
	}
	return quotas
}

// Split replaces one shard with targetShardCount fresh shards carrying
// its value. The source is frozen by a conditional retire after all
// replacements exist; a racing apply on the source makes the retire
// conflict, the replacements are rolled back, and the split reports
// ErrSplitFailed so the caller can retry against the fresh value.
func (p *Pool) Split(ctx context.Context, counterID, sourceShardID string, targetShardCount int) ([]string, error) {
	if targetShardCount < 2 {
		return nil, ErrInvalidSplitCount
	}

	source, err := p.store.ReadShard(ctx, counterID, sourceShardID)
	if err != nil {
		return nil, &ErrSplitFailed{CounterID: counterID, SourceID: sourceShardID, Err: err}
	}
	if source.Retired {
		return nil, &ErrSplitFailed{
			CounterID: counterID,
			SourceID:  sourceShardID,
			Err:       errors.New("source shard is already retired"),
		}
	}

	quotas := splitQuotas(source.Value, targetShardCount)
	created := make([]string, 0, targetShardCount)
	for _, quota := range quotas {
		shard := models.CounterShard{
			ID:             uuid.NewString(),
			OwnerCounterID: counterID,
			Value:          quota,
			SplitOf:        sourceShardID,
		}
		if err := p.store.CreateShard(ctx, shard); err != nil {
			p.deleteShards(ctx, counterID, created)
			return nil, &ErrSplitFailed{
				CounterID: counterID,
				SourceID:  sourceShardID,
				Err:       errors.Wrap(err, "creating replacement shard"),
			}
		}
		created = append(created, shard.ID)
	}

	if _, err := p.store.MarkRetired(ctx, counterID, sourceShardID, source.Version); err != nil {
		// The source moved since our read, so the planned quotas no
		// longer sum to its value. Roll the replacements back.
		p.deleteShards(ctx, counterID, created)
		return nil, &ErrSplitFailed{
			CounterID: counterID,
			SourceID:  sourceShardID,
			Err:       errors.Wrap(err, "retiring source shard"),
		}
	}

	if _, err := p.swapRegistry(ctx, counterID, func(lc *models.LogicalCounter) {
		lc.ShardIDs = addIDs(removeID(lc.ShardIDs, sourceShardID), created...)
	}); err != nil {
		// Source retired, replacements live but unregistered. Value is
		// conserved; reconcile finishes the registration.
		return nil, &ErrSplitFailed{
			CounterID: counterID,
			SourceID:  sourceShardID,
			Created:   created,
			Err:       errors.Wrap(err, "updating registry membership"),
		}
	}

	p.logger.Info("shard split",
		"counter", counterID, "source", sourceShardID, "into", targetShardCount, "value", source.Value)
	p.publish(models.CounterEvent{
		Kind:      models.EventShardSplit,
		CounterID: counterID,
		ShardID:   sourceShardID,
		Value:     source.Value,
	})
	return created, nil
}
