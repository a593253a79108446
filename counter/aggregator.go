package counter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/OrrinLabs/tally/models"
	"github.com/OrrinLabs/tally/store"
)

// Aggregator computes the derived total of a logical counter. Nothing
// is cached or stored: every call re-reads the registered shards so the
// total never becomes a second point of contention.
type Aggregator struct {
	logger *slog.Logger
	store  store.ShardStore
}

func NewAggregator(logger *slog.Logger, st store.ShardStore) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		logger: logger.WithGroup("aggregator"),
		store:  st,
	}
}

// Sum reads every registered shard in parallel and totals the live
// values. Shards that were swept or retired while we read are skipped;
// their value already lives on in their replacements or merge target.
// A backend failure on any shard fails the whole snapshot rather than
// returning a silently short total.
func (a *Aggregator) Sum(ctx context.Context, counterID string) (models.AggregateSnapshot, error) {
	lc, err := a.store.GetCounter(ctx, counterID)
	if err != nil {
		return models.AggregateSnapshot{}, err
	}

	shards := make([]models.CounterShard, len(lc.ShardIDs))
	errs := make([]error, len(lc.ShardIDs))

	var wg sync.WaitGroup
	for i, id := range lc.ShardIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			shards[i], errs[i] = a.store.ReadShard(ctx, counterID, id)
		}(i, id)
	}
	wg.Wait()

	snapshot := models.AggregateSnapshot{
		CounterID: counterID,
		ReadAt:    time.Now().UTC(),
	}
	for i, id := range lc.ShardIDs {
		if err := errs[i]; err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return models.AggregateSnapshot{}, err
		}
		if shards[i].Retired {
			continue
		}
		snapshot.Total += shards[i].Value
		snapshot.Shards = append(snapshot.Shards, models.ShardReading{
			ShardID: id,
			Value:   shards[i].Value,
		})
	}
	return snapshot, nil
}
