package pool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"github.com/OrrinLabs/tally/models"
	"github.com/OrrinLabs/tally/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// scriptedStore wraps a real store and lets tests inject failures or
// run side effects at exact points in a workflow.
type scriptedStore struct {
	store.ShardStore

	mu          sync.Mutex
	createCalls int

	onCreateShard func(call int) error
	onSwapCounter func() error
	onTryAdjust   func(delta int64) error
	onMarkRetired func(counterID, shardID string) error
}

func (s *scriptedStore) CreateShard(ctx context.Context, shard models.CounterShard) error {
	s.mu.Lock()
	s.createCalls++
	call := s.createCalls
	hook := s.onCreateShard
	s.mu.Unlock()

	if hook != nil {
		if err := hook(call); err != nil {
			return err
		}
	}
	return s.ShardStore.CreateShard(ctx, shard)
}

func (s *scriptedStore) SwapCounter(ctx context.Context, lc models.LogicalCounter, expectedVersion string) (models.LogicalCounter, error) {
	s.mu.Lock()
	hook := s.onSwapCounter
	s.mu.Unlock()

	if hook != nil {
		if err := hook(); err != nil {
			return models.LogicalCounter{}, err
		}
	}
	return s.ShardStore.SwapCounter(ctx, lc, expectedVersion)
}

func (s *scriptedStore) TryAdjust(ctx context.Context, counterID, shardID string, delta int64, expectedVersion string) (models.CounterShard, error) {
	s.mu.Lock()
	hook := s.onTryAdjust
	s.mu.Unlock()

	if hook != nil {
		if err := hook(delta); err != nil {
			return models.CounterShard{}, err
		}
	}
	return s.ShardStore.TryAdjust(ctx, counterID, shardID, delta, expectedVersion)
}

func (s *scriptedStore) MarkRetired(ctx context.Context, counterID, shardID, expectedVersion string) (models.CounterShard, error) {
	s.mu.Lock()
	hook := s.onMarkRetired
	s.mu.Unlock()

	if hook != nil {
		if err := hook(counterID, shardID); err != nil {
			return models.CounterShard{}, err
		}
	}
	return s.ShardStore.MarkRetired(ctx, counterID, shardID, expectedVersion)
}

func (s *scriptedStore) disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCreateShard = nil
	s.onSwapCounter = nil
	s.onTryAdjust = nil
	s.onMarkRetired = nil
}

func newTestPool(t *testing.T, backing store.ShardStore, grace time.Duration) *Pool {
	t.Helper()
	p, err := New(Config{
		Logger:         testLogger(),
		Store:          backing,
		TombstoneGrace: grace,
	})
	if err != nil {
		t.Fatalf("New() error = %v, wantErr nil", err)
	}
	return p
}

// applyDelta adjusts a shard the way a live writer would: read, then
// conditional write, retrying on conflicts.
func applyDelta(t *testing.T, s store.ShardStore, counterID, shardID string, delta int64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		shard, err := s.ReadShard(ctx, counterID, shardID)
		if err != nil {
			t.Fatalf("ReadShard() error = %v, wantErr nil", err)
		}
		_, err = s.TryAdjust(ctx, counterID, shardID, delta, shard.Version)
		if err == nil {
			return
		}
		var conflict *store.ErrConflict
		if !errors.As(err, &conflict) {
			t.Fatalf("TryAdjust() error = %v, wantErr nil or conflict", err)
		}
	}
	t.Fatalf("applyDelta could not land after 10 attempts")
}

// registeredSum totals the registered live shards, skipping retired and
// missing records the way the aggregator does.
func registeredSum(t *testing.T, s store.ShardStore, counterID string) int64 {
	t.Helper()
	ctx := context.Background()
	lc, err := s.GetCounter(ctx, counterID)
	if err != nil {
		t.Fatalf("GetCounter() error = %v, wantErr nil", err)
	}
	var total int64
	for _, id := range lc.ShardIDs {
		shard, err := s.ReadShard(ctx, counterID, id)
		if err != nil {
			var notFound *store.ErrKeyNotFound
			if errors.As(err, &notFound) {
				continue
			}
			t.Fatalf("ReadShard() error = %v, wantErr nil", err)
		}
		if shard.Retired {
			continue
		}
		total += shard.Value
	}
	return total
}

func liveValues(t *testing.T, s store.ShardStore, counterID string) map[string]int64 {
	t.Helper()
	ctx := context.Background()
	ids, err := s.ListShards(ctx, counterID)
	if err != nil {
		t.Fatalf("ListShards() error = %v, wantErr nil", err)
	}
	values := make(map[string]int64, len(ids))
	for _, id := range ids {
		shard, err := s.ReadShard(ctx, counterID, id)
		if err != nil {
			t.Fatalf("ReadShard() error = %v, wantErr nil", err)
		}
		values[id] = shard.Value
	}
	return values
}

func TestSplitQuotas(t *testing.T) {
	cases := []struct {
		value int64
		count int
		want  []int64
	}{
		{10, 3, []int64{4, 3, 3}},
		{10, 5, []int64{2, 2, 2, 2, 2}},
		{7, 3, []int64{3, 2, 2}},
		{2, 3, []int64{1, 1, 0}},
		{0, 3, []int64{0, 0, 0}},
		{-10, 3, []int64{-4, -3, -3}},
		{-7, 2, []int64{-4, -3}},
		{1, 4, []int64{1, 0, 0, 0}},
	}
	for _, tc := range cases {
		got := splitQuotas(tc.value, tc.count)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("splitQuotas(%d, %d) got = %v, want %v", tc.value, tc.count, got, tc.want)
		}
		var sum int64
		for _, q := range got {
			sum += q
		}
		if sum != tc.value {
			t.Errorf("splitQuotas(%d, %d) sums to %d, want %d", tc.value, tc.count, sum, tc.value)
		}
	}
}

func TestPool_CreateCounter(t *testing.T) {
	mem := store.NewMemory()
	p := newTestPool(t, mem, 0)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{Min: -50, Max: 50}, 3)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	if len(lc.ShardIDs) != 3 {
		t.Errorf("ShardIDs got %d ids, want 3", len(lc.ShardIDs))
	}
	if lc.Bounds.Max != 50 {
		t.Errorf("Bounds.Max got = %v, want 50", lc.Bounds.Max)
	}
	if lc.Version == "" {
		t.Errorf("Version is empty, want minted token")
	}

	live, err := mem.ListShards(ctx, lc.ID)
	if err != nil {
		t.Fatalf("ListShards() error = %v, wantErr nil", err)
	}
	if !reflect.DeepEqual(live, lc.ShardIDs) {
		t.Errorf("live shards got = %v, want registered %v", live, lc.ShardIDs)
	}
	if got := registeredSum(t, mem, lc.ID); got != 0 {
		t.Errorf("fresh counter sum got = %v, want 0", got)
	}
}

func TestPool_CreateCounter_Validation(t *testing.T) {
	p := newTestPool(t, store.NewMemory(), 0)
	ctx := context.Background()

	if _, err := p.CreateCounter(ctx, models.Bounds{}, 0); !errors.Is(err, ErrInvalidSeedShards) {
		t.Errorf("CreateCounter() error = %v, want ErrInvalidSeedShards", err)
	}
	if _, err := p.CreateCounter(ctx, models.Bounds{Min: 5, Max: 5}, 1); !errors.Is(err, ErrInvalidBounds) {
		t.Errorf("CreateCounter() error = %v, want ErrInvalidBounds", err)
	}
}

func TestPool_CreateCounter_RegistryFailureRollsBackSeeds(t *testing.T) {
	mem := store.NewMemory()
	failing := &failingRegistryStore{ShardStore: mem}
	p := newTestPool(t, failing, 0)
	ctx := context.Background()

	_, err := p.CreateCounter(ctx, models.Bounds{}, 3)
	if err == nil {
		t.Fatalf("CreateCounter() error = nil, want registry failure")
	}

	// No orphan seed shards may survive the rollback.
	live, err := mem.ListShards(ctx, failing.attemptedID)
	if err != nil {
		t.Fatalf("ListShards() error = %v, wantErr nil", err)
	}
	if len(live) != 0 {
		t.Errorf("ListShards() got = %v, want none", live)
	}
}

// failingRegistryStore rejects every registry create and remembers the
// counter id the caller tried to register.
type failingRegistryStore struct {
	store.ShardStore
	attemptedID string
}

func (s *failingRegistryStore) CreateCounter(ctx context.Context, lc models.LogicalCounter) error {
	s.attemptedID = lc.ID
	return &store.ErrStoreUnavailable{Err: errors.New("injected registry failure")}
}

func TestPool_Split_ConservesValue(t *testing.T) {
	mem := store.NewMemory()
	p := newTestPool(t, mem, 0)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 1)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	source := lc.ShardIDs[0]
	applyDelta(t, mem, lc.ID, source, 10)

	created, err := p.Split(ctx, lc.ID, source, 3)
	if err != nil {
		t.Fatalf("Split() error = %v, wantErr nil", err)
	}
	if len(created) != 3 {
		t.Fatalf("Split() created %d shards, want 3", len(created))
	}

	values := liveValues(t, mem, lc.ID)
	counts := map[int64]int{}
	for _, v := range values {
		counts[v]++
	}
	if counts[4] != 1 || counts[3] != 2 {
		t.Errorf("replacement values got = %v, want one 4 and two 3s", values)
	}
	if got := registeredSum(t, mem, lc.ID); got != 10 {
		t.Errorf("sum after split got = %v, want 10", got)
	}

	reread, err := mem.GetCounter(ctx, lc.ID)
	if err != nil {
		t.Fatalf("GetCounter() error = %v, wantErr nil", err)
	}
	for _, id := range reread.ShardIDs {
		if id == source {
			t.Errorf("registry still lists the retired source %s", source)
		}
	}

	sourceShard, err := mem.ReadShard(ctx, lc.ID, source)
	if err != nil {
		t.Fatalf("ReadShard() error = %v, wantErr nil", err)
	}
	if !sourceShard.Retired {
		t.Errorf("source Retired got = false, want true")
	}
	if sourceShard.Value != 10 {
		t.Errorf("source value got = %v, want frozen 10", sourceShard.Value)
	}
}

func TestPool_Split_RacingApplyRollsBack(t *testing.T) {
	mem := store.NewMemory()
	scripted := &scriptedStore{ShardStore: mem}
	p := newTestPool(t, scripted, 0)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 1)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	source := lc.ShardIDs[0]
	applyDelta(t, mem, lc.ID, source, 10)

	// A writer lands +5 on the source after the split planned its
	// quotas but before the conditional retire.
	var once sync.Once
	scripted.onMarkRetired = func(counterID, shardID string) error {
		once.Do(func() {
			applyDelta(t, mem, counterID, shardID, 5)
		})
		return nil
	}

	_, err = p.Split(ctx, lc.ID, source, 3)
	var splitFailed *ErrSplitFailed
	if !errors.As(err, &splitFailed) {
		t.Fatalf("Split() error = %v, want ErrSplitFailed", err)
	}
	if len(splitFailed.Created) != 0 {
		t.Errorf("Created got = %v, want none after rollback", splitFailed.Created)
	}

	values := liveValues(t, mem, lc.ID)
	if len(values) != 1 || values[source] != 15 {
		t.Errorf("live shards got = %v, want only source with 15", values)
	}
	if got := registeredSum(t, mem, lc.ID); got != 15 {
		t.Errorf("sum after failed split got = %v, want 15", got)
	}
}

func TestPool_Split_CreateFailureCompensates(t *testing.T) {
	mem := store.NewMemory()
	scripted := &scriptedStore{ShardStore: mem}
	p := newTestPool(t, scripted, 0)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 1)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	source := lc.ShardIDs[0]
	applyDelta(t, mem, lc.ID, source, 9)

	seedCreates := scripted.createCalls
	scripted.onCreateShard = func(call int) error {
		if call == seedCreates+2 {
			return &store.ErrStoreUnavailable{Err: errors.New("injected create failure")}
		}
		return nil
	}

	_, err = p.Split(ctx, lc.ID, source, 3)
	var splitFailed *ErrSplitFailed
	if !errors.As(err, &splitFailed) {
		t.Fatalf("Split() error = %v, want ErrSplitFailed", err)
	}

	values := liveValues(t, mem, lc.ID)
	if len(values) != 1 || values[source] != 9 {
		t.Errorf("live shards got = %v, want only source with 9", values)
	}
}

func TestPool_Split_RegistryFailureIsCompletable(t *testing.T) {
	mem := store.NewMemory()
	scripted := &scriptedStore{ShardStore: mem}
	p := newTestPool(t, scripted, 0)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 1)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	source := lc.ShardIDs[0]
	applyDelta(t, mem, lc.ID, source, 10)

	scripted.onSwapCounter = func() error {
		return &store.ErrConflict{Key: "injected"}
	}

	_, err = p.Split(ctx, lc.ID, source, 3)
	var splitFailed *ErrSplitFailed
	if !errors.As(err, &splitFailed) {
		t.Fatalf("Split() error = %v, want ErrSplitFailed", err)
	}
	if len(splitFailed.Created) != 3 {
		t.Fatalf("Created got %d ids, want 3 live unregistered replacements", len(splitFailed.Created))
	}

	// The aggregate undercounts until reconcile registers the
	// replacements; conservation is restored by the next pass.
	scripted.disarm()
	reconciled, err := p.ReconcileRetired(ctx, lc.ID)
	if err != nil {
		t.Fatalf("ReconcileRetired() error = %v, wantErr nil", err)
	}
	if len(reconciled.ShardIDs) != 3 {
		t.Errorf("reconciled ShardIDs got = %v, want the 3 replacements", reconciled.ShardIDs)
	}
	if got := registeredSum(t, mem, lc.ID); got != 10 {
		t.Errorf("sum after reconcile got = %v, want 10", got)
	}
}

func TestPool_Merge_MovesValueAndRetiresSource(t *testing.T) {
	mem := store.NewMemory()
	p := newTestPool(t, mem, 0)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 2)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	source, target := lc.ShardIDs[0], lc.ShardIDs[1]
	applyDelta(t, mem, lc.ID, source, 4)
	applyDelta(t, mem, lc.ID, target, -1)

	if err := p.Merge(ctx, lc.ID, source, target); err != nil {
		t.Fatalf("Merge() error = %v, wantErr nil", err)
	}

	if got := registeredSum(t, mem, lc.ID); got != 3 {
		t.Errorf("sum after merge got = %v, want 3", got)
	}
	reread, err := mem.GetCounter(ctx, lc.ID)
	if err != nil {
		t.Fatalf("GetCounter() error = %v, wantErr nil", err)
	}
	if !reflect.DeepEqual(reread.ShardIDs, []string{target}) {
		t.Errorf("ShardIDs got = %v, want only target %s", reread.ShardIDs, target)
	}

	sourceShard, err := mem.ReadShard(ctx, lc.ID, source)
	if err != nil {
		t.Fatalf("ReadShard() error = %v, wantErr nil", err)
	}
	if !sourceShard.Retired {
		t.Errorf("source Retired got = false, want true")
	}
}

func TestPool_Merge_RacingApplyOnSource(t *testing.T) {
	mem := store.NewMemory()
	scripted := &scriptedStore{ShardStore: mem}
	p := newTestPool(t, scripted, 0)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 2)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	source, target := lc.ShardIDs[0], lc.ShardIDs[1]
	applyDelta(t, mem, lc.ID, source, 4)
	applyDelta(t, mem, lc.ID, target, -1)

	// +2 lands on the source after the transfer but before the retire.
	// The retire must conflict, the transfer must be compensated, and
	// the retry must carry the full 6.
	var once sync.Once
	scripted.onMarkRetired = func(counterID, shardID string) error {
		once.Do(func() {
			applyDelta(t, mem, counterID, shardID, 2)
		})
		return nil
	}

	if err := p.Merge(ctx, lc.ID, source, target); err != nil {
		t.Fatalf("Merge() error = %v, wantErr nil", err)
	}
	if got := registeredSum(t, mem, lc.ID); got != 5 {
		t.Errorf("sum after merge with racing apply got = %v, want 5", got)
	}
}

func TestPool_Merge_RacingApplyOnTarget(t *testing.T) {
	mem := store.NewMemory()
	scripted := &scriptedStore{ShardStore: mem}
	p := newTestPool(t, scripted, 0)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 2)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	source, target := lc.ShardIDs[0], lc.ShardIDs[1]
	applyDelta(t, mem, lc.ID, source, 4)
	applyDelta(t, mem, lc.ID, target, -1)

	// +2 lands on the target between the merge's read and its transfer,
	// so the first transfer conflicts and the merge re-reads.
	var once sync.Once
	scripted.onTryAdjust = func(delta int64) error {
		if delta == 4 {
			once.Do(func() {
				applyDelta(t, mem, lc.ID, target, 2)
			})
		}
		return nil
	}

	if err := p.Merge(ctx, lc.ID, source, target); err != nil {
		t.Fatalf("Merge() error = %v, wantErr nil", err)
	}
	if got := registeredSum(t, mem, lc.ID); got != 5 {
		t.Errorf("sum after merge with racing apply got = %v, want 5", got)
	}
}

func TestPool_Merge_SourceAlreadyRetired(t *testing.T) {
	mem := store.NewMemory()
	p := newTestPool(t, mem, 0)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 2)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	source, target := lc.ShardIDs[0], lc.ShardIDs[1]

	shard, err := mem.ReadShard(ctx, lc.ID, source)
	if err != nil {
		t.Fatalf("ReadShard() error = %v, wantErr nil", err)
	}
	if _, err := mem.MarkRetired(ctx, lc.ID, source, shard.Version); err != nil {
		t.Fatalf("MarkRetired() error = %v, wantErr nil", err)
	}

	if err := p.Merge(ctx, lc.ID, source, target); err != nil {
		t.Fatalf("Merge() error = %v, wantErr nil", err)
	}
	reread, err := mem.GetCounter(ctx, lc.ID)
	if err != nil {
		t.Fatalf("GetCounter() error = %v, wantErr nil", err)
	}
	if !reflect.DeepEqual(reread.ShardIDs, []string{target}) {
		t.Errorf("ShardIDs got = %v, want only target after cleanup", reread.ShardIDs)
	}
}

func TestPool_Merge_BudgetExhaustion(t *testing.T) {
	mem := store.NewMemory()
	scripted := &scriptedStore{ShardStore: mem}
	p := newTestPool(t, scripted, 0)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 2)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	source, target := lc.ShardIDs[0], lc.ShardIDs[1]
	applyDelta(t, mem, lc.ID, source, 4)

	scripted.onTryAdjust = func(delta int64) error {
		return &store.ErrConflict{Key: "injected"}
	}

	err = p.Merge(ctx, lc.ID, source, target)
	var mergeConflict *ErrMergeConflict
	if !errors.As(err, &mergeConflict) {
		t.Fatalf("Merge() error = %v, want ErrMergeConflict", err)
	}
	if mergeConflict.Residue != 0 {
		t.Errorf("Residue got = %v, want 0 (nothing transferred)", mergeConflict.Residue)
	}

	scripted.disarm()
	if got := registeredSum(t, mem, lc.ID); got != 4 {
		t.Errorf("sum after exhausted merge got = %v, want untouched 4", got)
	}
}

func TestPool_Merge_CompensationFailureReportsResidue(t *testing.T) {
	mem := store.NewMemory()
	scripted := &scriptedStore{ShardStore: mem}
	p := newTestPool(t, scripted, 0)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 2)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	source, target := lc.ShardIDs[0], lc.ShardIDs[1]
	applyDelta(t, mem, lc.ID, source, 4)
	applyDelta(t, mem, lc.ID, target, -1)

	// Transfer succeeds, retire conflicts, and the reverse adjust keeps
	// conflicting too: the worst case, which must be reported loudly.
	scripted.onMarkRetired = func(counterID, shardID string) error {
		return &store.ErrConflict{Key: "injected"}
	}
	scripted.onTryAdjust = func(delta int64) error {
		if delta < 0 {
			return &store.ErrConflict{Key: "injected"}
		}
		return nil
	}

	err = p.Merge(ctx, lc.ID, source, target)
	var mergeConflict *ErrMergeConflict
	if !errors.As(err, &mergeConflict) {
		t.Fatalf("Merge() error = %v, want ErrMergeConflict", err)
	}
	if mergeConflict.Residue != 4 {
		t.Errorf("Residue got = %v, want 4", mergeConflict.Residue)
	}
}

func TestPool_DeleteCounter(t *testing.T) {
	mem := store.NewMemory()
	p := newTestPool(t, mem, 0)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 2)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	shard, err := mem.ReadShard(ctx, lc.ID, lc.ShardIDs[0])
	if err != nil {
		t.Fatalf("ReadShard() error = %v, wantErr nil", err)
	}
	if _, err := mem.MarkRetired(ctx, lc.ID, shard.ID, shard.Version); err != nil {
		t.Fatalf("MarkRetired() error = %v, wantErr nil", err)
	}

	if err := p.DeleteCounter(ctx, lc.ID); err != nil {
		t.Fatalf("DeleteCounter() error = %v, wantErr nil", err)
	}

	var notFound *store.ErrKeyNotFound
	if _, err := mem.GetCounter(ctx, lc.ID); !errors.As(err, &notFound) {
		t.Errorf("GetCounter() error = %v, want ErrKeyNotFound", err)
	}
	live, _ := mem.ListShards(ctx, lc.ID)
	retired, _ := mem.ListRetired(ctx, lc.ID)
	if len(live)+len(retired) != 0 {
		t.Errorf("shards remain after delete: live %v retired %v", live, retired)
	}

	if err := p.DeleteCounter(ctx, lc.ID); !errors.As(err, &notFound) {
		t.Errorf("DeleteCounter() second call error = %v, want ErrKeyNotFound", err)
	}
}

func TestPool_ReconcileRetired_Idempotent(t *testing.T) {
	mem := store.NewMemory()
	p := newTestPool(t, mem, 0)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 3)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}

	first, err := p.ReconcileRetired(ctx, lc.ID)
	if err != nil {
		t.Fatalf("ReconcileRetired() error = %v, wantErr nil", err)
	}
	second, err := p.ReconcileRetired(ctx, lc.ID)
	if err != nil {
		t.Fatalf("ReconcileRetired() error = %v, wantErr nil", err)
	}
	if !reflect.DeepEqual(first.ShardIDs, lc.ShardIDs) || !reflect.DeepEqual(second.ShardIDs, lc.ShardIDs) {
		t.Errorf("reconcile on consistent counter changed membership: %v then %v, want %v",
			first.ShardIDs, second.ShardIDs, lc.ShardIDs)
	}
	if second.Version != first.Version {
		t.Errorf("reconcile with nothing to do rewrote the registry")
	}
}

func TestPool_ReconcileRetired_DropsRetiredMembers(t *testing.T) {
	mem := store.NewMemory()
	p := newTestPool(t, mem, 0)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 2)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	victim := lc.ShardIDs[0]
	shard, err := mem.ReadShard(ctx, lc.ID, victim)
	if err != nil {
		t.Fatalf("ReadShard() error = %v, wantErr nil", err)
	}
	if _, err := mem.MarkRetired(ctx, lc.ID, victim, shard.Version); err != nil {
		t.Fatalf("MarkRetired() error = %v, wantErr nil", err)
	}

	reconciled, err := p.ReconcileRetired(ctx, lc.ID)
	if err != nil {
		t.Fatalf("ReconcileRetired() error = %v, wantErr nil", err)
	}
	if !reflect.DeepEqual(reconciled.ShardIDs, []string{lc.ShardIDs[1]}) {
		t.Errorf("ShardIDs got = %v, want retired member dropped", reconciled.ShardIDs)
	}
}

func TestPool_ReconcileRetired_YoungOrphanIsLeftForInFlightSplit(t *testing.T) {
	mem := store.NewMemory()
	p := newTestPool(t, mem, time.Hour)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 1)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	source := lc.ShardIDs[0]

	orphan := models.CounterShard{
		ID:             "orphan",
		OwnerCounterID: lc.ID,
		Value:          5,
		SplitOf:        source,
	}
	if err := mem.CreateShard(ctx, orphan); err != nil {
		t.Fatalf("CreateShard() error = %v, wantErr nil", err)
	}

	reconciled, err := p.ReconcileRetired(ctx, lc.ID)
	if err != nil {
		t.Fatalf("ReconcileRetired() error = %v, wantErr nil", err)
	}
	if !reflect.DeepEqual(reconciled.ShardIDs, lc.ShardIDs) {
		t.Errorf("ShardIDs got = %v, want unchanged %v", reconciled.ShardIDs, lc.ShardIDs)
	}
	if _, err := mem.ReadShard(ctx, lc.ID, "orphan"); err != nil {
		t.Errorf("young orphan was removed: %v", err)
	}
}

func TestPool_ReconcileRetired_StaleOrphanIsRolledBack(t *testing.T) {
	mem := store.NewMemory()
	p := newTestPool(t, mem, time.Nanosecond)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 1)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	source := lc.ShardIDs[0]
	applyDelta(t, mem, lc.ID, source, 10)

	orphan := models.CounterShard{
		ID:             "orphan",
		OwnerCounterID: lc.ID,
		Value:          10,
		SplitOf:        source,
	}
	if err := mem.CreateShard(ctx, orphan); err != nil {
		t.Fatalf("CreateShard() error = %v, wantErr nil", err)
	}
	time.Sleep(5 * time.Millisecond)

	reconciled, err := p.ReconcileRetired(ctx, lc.ID)
	if err != nil {
		t.Fatalf("ReconcileRetired() error = %v, wantErr nil", err)
	}
	if !reflect.DeepEqual(reconciled.ShardIDs, lc.ShardIDs) {
		t.Errorf("ShardIDs got = %v, want unchanged %v", reconciled.ShardIDs, lc.ShardIDs)
	}

	var notFound *store.ErrKeyNotFound
	if _, err := mem.ReadShard(ctx, lc.ID, "orphan"); !errors.As(err, &notFound) {
		t.Errorf("stale orphan survived rollback: %v", err)
	}
	if got := registeredSum(t, mem, lc.ID); got != 10 {
		t.Errorf("sum after rollback got = %v, want 10", got)
	}
}

func TestPool_SweepTombstones(t *testing.T) {
	mem := store.NewMemory()
	p := newTestPool(t, mem, time.Nanosecond)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 2)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	victim := lc.ShardIDs[0]
	shard, err := mem.ReadShard(ctx, lc.ID, victim)
	if err != nil {
		t.Fatalf("ReadShard() error = %v, wantErr nil", err)
	}
	if _, err := mem.MarkRetired(ctx, lc.ID, victim, shard.Version); err != nil {
		t.Fatalf("MarkRetired() error = %v, wantErr nil", err)
	}
	time.Sleep(5 * time.Millisecond)

	removed, err := p.SweepTombstones(ctx)
	if err != nil {
		t.Fatalf("SweepTombstones() error = %v, wantErr nil", err)
	}
	if removed != 1 {
		t.Errorf("removed got = %v, want 1", removed)
	}
	var notFound *store.ErrKeyNotFound
	if _, err := mem.ReadShard(ctx, lc.ID, victim); !errors.As(err, &notFound) {
		t.Errorf("swept shard still present: %v", err)
	}
}

// The scripted tests above pin down single interleavings; this one lets
// real goroutines collide. Writers hammer whatever shards the registry
// lists while a merger folds random pairs, and at the end the surviving
// shard must hold exactly the landed deltas plus any residue a merge
// reported it could not compensate.
func TestPool_Merge_RandomizedRaces(t *testing.T) {
	mem := store.NewMemory()
	p := newTestPool(t, mem, time.Hour)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 8)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}

	const writers = 4
	const iterations = 500

	var landed atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				reg, err := mem.GetCounter(ctx, lc.ID)
				if err != nil {
					t.Errorf("GetCounter() error = %v, wantErr nil", err)
					return
				}
				shardID := reg.ShardIDs[fastrand.Intn(len(reg.ShardIDs))]
				delta := fastrand.Int63n(4) + 1
				if fastrand.Int31n(2) == 0 {
					delta = -delta
				}
				shard, err := mem.ReadShard(ctx, lc.ID, shardID)
				if err != nil || shard.Retired {
					// Merged away between the registry read and ours.
					continue
				}
				if _, err := mem.TryAdjust(ctx, lc.ID, shardID, delta, shard.Version); err == nil {
					landed.Add(delta)
				}
			}
		}()
	}

	writersDone := make(chan struct{})
	mergerDone := make(chan struct{})
	var residue int64
	go func() {
		defer close(mergerDone)
		for {
			select {
			case <-writersDone:
				return
			default:
			}
			reg, err := mem.GetCounter(ctx, lc.ID)
			if err != nil {
				t.Errorf("GetCounter() error = %v, wantErr nil", err)
				return
			}
			if len(reg.ShardIDs) < 2 {
				time.Sleep(time.Millisecond)
				continue
			}
			a := fastrand.Intn(len(reg.ShardIDs))
			b := fastrand.Intn(len(reg.ShardIDs))
			if a == b {
				continue
			}
			err = p.Merge(ctx, lc.ID, reg.ShardIDs[a], reg.ShardIDs[b])
			if err == nil {
				continue
			}
			var mergeConflict *ErrMergeConflict
			if !errors.As(err, &mergeConflict) {
				t.Errorf("Merge() error = %v, want nil or ErrMergeConflict", err)
				return
			}
			residue += mergeConflict.Residue
		}
	}()

	wg.Wait()
	close(writersDone)
	<-mergerDone

	// With the writers quiet nothing can conflict, so fold whatever is
	// left down to a single shard.
	for i := 0; i < 16; i++ {
		reg, err := mem.GetCounter(ctx, lc.ID)
		if err != nil {
			t.Fatalf("GetCounter() error = %v, wantErr nil", err)
		}
		if len(reg.ShardIDs) == 1 {
			break
		}
		if err := p.Merge(ctx, lc.ID, reg.ShardIDs[0], reg.ShardIDs[1]); err != nil {
			t.Fatalf("Merge() on quiet counter error = %v, wantErr nil", err)
		}
	}

	reg, err := mem.GetCounter(ctx, lc.ID)
	if err != nil {
		t.Fatalf("GetCounter() error = %v, wantErr nil", err)
	}
	if len(reg.ShardIDs) != 1 {
		t.Fatalf("ShardIDs got %d ids, want 1 after folding", len(reg.ShardIDs))
	}

	want := landed.Load() + residue
	if got := registeredSum(t, mem, lc.ID); got != want {
		t.Errorf("sum after racing merges got = %v, want %v", got, want)
	}
}

func TestPool_SweepTombstones_RespectsGrace(t *testing.T) {
	mem := store.NewMemory()
	p := newTestPool(t, mem, time.Hour)
	ctx := context.Background()

	lc, err := p.CreateCounter(ctx, models.Bounds{}, 1)
	if err != nil {
		t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
	}
	victim := lc.ShardIDs[0]
	shard, err := mem.ReadShard(ctx, lc.ID, victim)
	if err != nil {
		t.Fatalf("ReadShard() error = %v, wantErr nil", err)
	}
	if _, err := mem.MarkRetired(ctx, lc.ID, victim, shard.Version); err != nil {
		t.Fatalf("MarkRetired() error = %v, wantErr nil", err)
	}

	removed, err := p.SweepTombstones(ctx)
	if err != nil {
		t.Fatalf("SweepTombstones() error = %v, wantErr nil", err)
	}
	if removed != 0 {
		t.Errorf("removed got = %v, want 0 inside grace", removed)
	}
	if _, err := mem.ReadShard(ctx, lc.ID, victim); err != nil {
		t.Errorf("tombstone inside grace was removed: %v", err)
	}
}
