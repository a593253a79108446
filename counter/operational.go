package counter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/zhangyunhao116/fastrand"

	"github.com/OrrinLabs/tally/events"
	"github.com/OrrinLabs/tally/models"
	"github.com/OrrinLabs/tally/store"
)

const (
	DefaultRetryBudget   = 3
	DefaultBaseBackoff   = 25 * time.Millisecond
	DefaultMembershipTTL = 5 * time.Second
)

var ErrMissingCounterID = errors.New("apply requires a counter id")

// membership is the cached slice of a counter's registry record that
// the hot path needs. It may lag the registry by up to the cache TTL;
// stale entries are detected by the shard reads and refreshed.
type membership struct {
	shardIDs []string
	bounds   models.Bounds
}

type OperationalConfig struct {
	Logger *slog.Logger
	Store  store.ShardStore
	Events *events.Hub

	// Selector picks the shard an apply lands on. Nil means uniform
	// random placement.
	Selector Selector

	// RetryBudget caps the conditional-write attempts per apply.
	RetryBudget int

	// BaseBackoff scales the jittered sleep between attempts.
	BaseBackoff time.Duration

	// MembershipTTL bounds how stale the cached shard membership may
	// be before the registry is consulted again.
	MembershipTTL time.Duration
}

// Operational is the write-side service: it resolves a counter's shard
// membership, picks a shard, and lands a delta with a bounded retry
// loop. It never returns an error for contention, stale membership, or
// backend trouble; those come back as typed rejections in the result.
type Operational struct {
	logger      *slog.Logger
	store       store.ShardStore
	events      *events.Hub
	selector    Selector
	cache       *ttlcache.Cache[string, membership]
	retryBudget int
	baseBackoff time.Duration
}

func NewOperational(config OperationalConfig) (*Operational, error) {
	if config.Store == nil {
		return nil, errors.New("operational service requires a store")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Selector == nil {
		config.Selector = UniformRandom{}
	}
	if config.RetryBudget <= 0 {
		config.RetryBudget = DefaultRetryBudget
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = DefaultBaseBackoff
	}
	if config.MembershipTTL <= 0 {
		config.MembershipTTL = DefaultMembershipTTL
	}

	cache := ttlcache.New[string, membership](
		ttlcache.WithTTL[string, membership](config.MembershipTTL),
		ttlcache.WithDisableTouchOnHit[string, membership](),
	)
	go cache.Start()

	return &Operational{
		logger:      config.Logger.WithGroup("ops"),
		store:       config.Store,
		events:      config.Events,
		selector:    config.Selector,
		cache:       cache,
		retryBudget: config.RetryBudget,
		baseBackoff: config.BaseBackoff,
	}, nil
}

func (o *Operational) Close() {
	o.cache.Stop()
}

// Apply lands req.Delta on one shard of the counter. The outcome is
// always a value: Applied with the shard and its new value, or a typed
// rejection after the retry budget is spent. Shards that turn out to be
// retired or swept are dropped from the working set without consuming
// attempts, and the first such discovery refreshes the cached
// membership, since one stale entry usually means a rebalance just
// landed. A delta that would push every candidate shard outside the
// counter's bounds is rejected rather than clamped.
func (o *Operational) Apply(ctx context.Context, req models.ApplyRequest) (models.ApplyResult, error) {
	if req.CounterID == "" {
		return models.ApplyResult{}, ErrMissingCounterID
	}

	entry, err := o.lookup(ctx, req.CounterID)
	if err != nil {
		if store.IsNotFound(err) {
			return o.rejected(req, models.RejectUnknownCounter, 0), nil
		}
		return o.rejected(req, models.RejectUnavailable, 0), nil
	}

	candidates := append([]string(nil), entry.shardIDs...)
	refreshed := false
	reason := models.RejectContention
	attempts := 0

	for attempts < o.retryBudget {
		if len(candidates) == 0 {
			return o.rejected(req, models.RejectShardGone, attempts), nil
		}

		pick := candidates[o.selector.Pick(len(candidates))]

		shard, err := o.store.ReadShard(ctx, req.CounterID, pick)
		if err != nil {
			if store.IsNotFound(err) {
				candidates = o.dropStale(ctx, req.CounterID, candidates, pick, &refreshed)
				continue
			}
			attempts++
			reason = models.RejectUnavailable
			if !o.backoff(ctx, attempts) {
				break
			}
			continue
		}
		if shard.Retired {
			candidates = o.dropStale(ctx, req.CounterID, candidates, pick, &refreshed)
			continue
		}

		if entry.bounds.Enabled() && !entry.bounds.Contains(shard.Value+req.Delta) {
			// Prefer another shard over breaching a shard bound; when
			// every candidate would breach, reject.
			candidates = removeCandidate(candidates, pick)
			if len(candidates) == 0 {
				return o.rejected(req, models.RejectBounds, attempts), nil
			}
			continue
		}

		adjusted, err := o.store.TryAdjust(ctx, req.CounterID, pick, req.Delta, shard.Version)
		if err == nil {
			o.publish(models.CounterEvent{
				Kind:      models.EventDeltaApplied,
				CounterID: req.CounterID,
				ShardID:   pick,
				Delta:     req.Delta,
				Value:     adjusted.Value,
			})
			return models.ApplyResult{
				Applied:   true,
				CounterID: req.CounterID,
				Delta:     req.Delta,
				ShardID:   pick,
				NewValue:  adjusted.Value,
				Attempts:  attempts + 1,
			}, nil
		}

		attempts++
		switch {
		case store.IsConflict(err):
			reason = models.RejectContention
		case store.IsRetired(err) || store.IsNotFound(err):
			reason = models.RejectShardGone
			candidates = o.dropStale(ctx, req.CounterID, candidates, pick, &refreshed)
			continue
		default:
			reason = models.RejectUnavailable
		}
		if !o.backoff(ctx, attempts) {
			break
		}
	}

	return o.rejected(req, reason, attempts), nil
}

func (o *Operational) lookup(ctx context.Context, counterID string) (membership, error) {
	if item := o.cache.Get(counterID); item != nil {
		return item.Value(), nil
	}
	lc, err := o.store.GetCounter(ctx, counterID)
	if err != nil {
		return membership{}, err
	}
	entry := membership{shardIDs: lc.ShardIDs, bounds: lc.Bounds}
	o.cache.Set(counterID, entry, ttlcache.DefaultTTL)
	return entry, nil
}

// dropStale removes a shard that turned out to be retired or swept. The
// first discovery per apply also re-reads the membership, picking up
// whatever rebalance made the entry stale; the known-stale shard is
// excluded from the refreshed set too.
func (o *Operational) dropStale(ctx context.Context, counterID string, candidates []string, stale string, refreshed *bool) []string {
	o.cache.Delete(counterID)
	if !*refreshed {
		*refreshed = true
		if entry, err := o.lookup(ctx, counterID); err == nil {
			candidates = append([]string(nil), entry.shardIDs...)
		}
	}
	return removeCandidate(candidates, stale)
}

// backoff sleeps attempt*base plus jitter, honoring cancellation. The
// sleep is skipped after the final attempt. Returns false when the
// context ended first.
func (o *Operational) backoff(ctx context.Context, attempt int) bool {
	if attempt >= o.retryBudget {
		return true
	}
	delay := time.Duration(attempt)*o.baseBackoff +
		time.Duration(fastrand.Int63n(int64(o.baseBackoff)))
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Operational) rejected(req models.ApplyRequest, reason models.RejectReason, attempts int) models.ApplyResult {
	o.logger.Debug("apply rejected",
		"counter", req.CounterID, "delta", req.Delta, "reason", string(reason), "attempts", attempts)
	return models.ApplyResult{
		CounterID: req.CounterID,
		Delta:     req.Delta,
		Reason:    reason,
		Attempts:  attempts,
	}
}

func (o *Operational) publish(event models.CounterEvent) {
	if o.events == nil {
		return
	}
	event.At = time.Now().UTC()
	o.events.Publish(event)
}

func removeCandidate(ids []string, victim string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != victim {
			out = append(out, id)
		}
	}
	return out
}
