package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/OrrinLabs/tally/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func openTestStore(t *testing.T, backend string) ShardStore {
	t.Helper()
	s, err := New(Config{
		Logger:    testLogger(),
		Backend:   backend,
		Directory: t.TempDir(),
		AppCtx:    context.Background(),
	})
	if err != nil {
		t.Fatalf("New(%s) error = %v, wantErr nil", backend, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestShard(counterID string) models.CounterShard {
	return models.CounterShard{
		ID:             uuid.NewString(),
		OwnerCounterID: counterID,
	}
}

// The redis backend shares these semantics but needs a live server, so it
// is exercised by integration runs rather than this suite.
func TestShardStoreConformance(t *testing.T) {
	for _, backend := range []string{BackendMemory, BackendBadger} {
		backend := backend
		t.Run(backend, func(t *testing.T) {
			s := openTestStore(t, backend)
			ctx := context.Background()

			t.Run("create and read shard", func(t *testing.T) {
				counterID := uuid.NewString()
				shard := newTestShard(counterID)
				shard.Value = 7

				if err := s.CreateShard(ctx, shard); err != nil {
					t.Fatalf("CreateShard() error = %v, wantErr nil", err)
				}

				got, err := s.ReadShard(ctx, counterID, shard.ID)
				if err != nil {
					t.Fatalf("ReadShard() error = %v, wantErr nil", err)
				}
				if got.Value != 7 {
					t.Errorf("Value got = %v, want 7", got.Value)
				}
				if got.Version == "" {
					t.Errorf("Version is empty, want minted token")
				}
				if got.Retired {
					t.Errorf("Retired got = true, want false")
				}
			})

			t.Run("create existing shard conflicts", func(t *testing.T) {
				counterID := uuid.NewString()
				shard := newTestShard(counterID)
				if err := s.CreateShard(ctx, shard); err != nil {
					t.Fatalf("CreateShard() error = %v, wantErr nil", err)
				}

				err := s.CreateShard(ctx, shard)
				var conflict *ErrConflict
				if !errors.As(err, &conflict) {
					t.Errorf("CreateShard() error = %v, want ErrConflict", err)
				}
			})

			t.Run("read missing shard", func(t *testing.T) {
				_, err := s.ReadShard(ctx, uuid.NewString(), uuid.NewString())
				var notFound *ErrKeyNotFound
				if !errors.As(err, &notFound) {
					t.Errorf("ReadShard() error = %v, want ErrKeyNotFound", err)
				}
			})

			t.Run("adjust with matching version", func(t *testing.T) {
				counterID := uuid.NewString()
				shard := newTestShard(counterID)
				if err := s.CreateShard(ctx, shard); err != nil {
					t.Fatalf("CreateShard() error = %v, wantErr nil", err)
				}
				created, err := s.ReadShard(ctx, counterID, shard.ID)
				if err != nil {
					t.Fatalf("ReadShard() error = %v, wantErr nil", err)
				}

				updated, err := s.TryAdjust(ctx, counterID, shard.ID, 5, created.Version)
				if err != nil {
					t.Fatalf("TryAdjust() error = %v, wantErr nil", err)
				}
				if updated.Value != 5 {
					t.Errorf("Value got = %v, want 5", updated.Value)
				}
				if updated.Version == created.Version {
					t.Errorf("Version not reissued on adjust")
				}

				// Negative deltas pass straight through; bounds are the
				// caller's policy, not the store's.
				again, err := s.TryAdjust(ctx, counterID, shard.ID, -8, updated.Version)
				if err != nil {
					t.Fatalf("TryAdjust() error = %v, wantErr nil", err)
				}
				if again.Value != -3 {
					t.Errorf("Value got = %v, want -3", again.Value)
				}
			})

			t.Run("adjust with stale version conflicts", func(t *testing.T) {
				counterID := uuid.NewString()
				shard := newTestShard(counterID)
				if err := s.CreateShard(ctx, shard); err != nil {
					t.Fatalf("CreateShard() error = %v, wantErr nil", err)
				}
				created, err := s.ReadShard(ctx, counterID, shard.ID)
				if err != nil {
					t.Fatalf("ReadShard() error = %v, wantErr nil", err)
				}
				if _, err := s.TryAdjust(ctx, counterID, shard.ID, 1, created.Version); err != nil {
					t.Fatalf("TryAdjust() error = %v, wantErr nil", err)
				}

				_, err = s.TryAdjust(ctx, counterID, shard.ID, 1, created.Version)
				var conflict *ErrConflict
				if !errors.As(err, &conflict) {
					t.Errorf("TryAdjust() error = %v, want ErrConflict", err)
				}

				got, err := s.ReadShard(ctx, counterID, shard.ID)
				if err != nil {
					t.Fatalf("ReadShard() error = %v, wantErr nil", err)
				}
				if got.Value != 1 {
					t.Errorf("Value got = %v, want 1 (lost adjust must not apply)", got.Value)
				}
			})

			t.Run("adjust missing shard", func(t *testing.T) {
				_, err := s.TryAdjust(ctx, uuid.NewString(), uuid.NewString(), 1, "any")
				var notFound *ErrKeyNotFound
				if !errors.As(err, &notFound) {
					t.Errorf("TryAdjust() error = %v, want ErrKeyNotFound", err)
				}
			})

			t.Run("retire rejects further adjusts", func(t *testing.T) {
				counterID := uuid.NewString()
				shard := newTestShard(counterID)
				shard.Value = 3
				if err := s.CreateShard(ctx, shard); err != nil {
					t.Fatalf("CreateShard() error = %v, wantErr nil", err)
				}
				created, err := s.ReadShard(ctx, counterID, shard.ID)
				if err != nil {
					t.Fatalf("ReadShard() error = %v, wantErr nil", err)
				}

				retiredShard, err := s.MarkRetired(ctx, counterID, shard.ID, created.Version)
				if err != nil {
					t.Fatalf("MarkRetired() error = %v, wantErr nil", err)
				}
				if !retiredShard.Retired {
					t.Errorf("Retired got = false, want true")
				}
				if retiredShard.Value != 3 {
					t.Errorf("Value got = %v, want 3 (retire reports value at tombstone time)", retiredShard.Value)
				}
				if retiredShard.RetiredAt.IsZero() {
					t.Errorf("RetiredAt is zero, want timestamp")
				}

				_, err = s.TryAdjust(ctx, counterID, shard.ID, 1, retiredShard.Version)
				var isRetired *ErrShardRetired
				if !errors.As(err, &isRetired) {
					t.Errorf("TryAdjust() error = %v, want ErrShardRetired", err)
				}

				_, err = s.MarkRetired(ctx, counterID, shard.ID, retiredShard.Version)
				if !errors.As(err, &isRetired) {
					t.Errorf("MarkRetired() error = %v, want ErrShardRetired", err)
				}

				// Still readable for audit.
				got, err := s.ReadShard(ctx, counterID, shard.ID)
				if err != nil {
					t.Fatalf("ReadShard() error = %v, wantErr nil", err)
				}
				if !got.Retired || got.Value != 3 {
					t.Errorf("ReadShard() got = %+v, want retired with value 3", got)
				}
			})

			t.Run("retire with stale version conflicts", func(t *testing.T) {
				counterID := uuid.NewString()
				shard := newTestShard(counterID)
				if err := s.CreateShard(ctx, shard); err != nil {
					t.Fatalf("CreateShard() error = %v, wantErr nil", err)
				}
				created, err := s.ReadShard(ctx, counterID, shard.ID)
				if err != nil {
					t.Fatalf("ReadShard() error = %v, wantErr nil", err)
				}
				if _, err := s.TryAdjust(ctx, counterID, shard.ID, 2, created.Version); err != nil {
					t.Fatalf("TryAdjust() error = %v, wantErr nil", err)
				}

				_, err = s.MarkRetired(ctx, counterID, shard.ID, created.Version)
				var conflict *ErrConflict
				if !errors.As(err, &conflict) {
					t.Errorf("MarkRetired() error = %v, want ErrConflict", err)
				}
			})

			t.Run("lists separate live from retired", func(t *testing.T) {
				counterID := uuid.NewString()
				ids := make([]string, 3)
				for i := range ids {
					shard := newTestShard(counterID)
					ids[i] = shard.ID
					if err := s.CreateShard(ctx, shard); err != nil {
						t.Fatalf("CreateShard() error = %v, wantErr nil", err)
					}
				}

				victim, err := s.ReadShard(ctx, counterID, ids[0])
				if err != nil {
					t.Fatalf("ReadShard() error = %v, wantErr nil", err)
				}
				if _, err := s.MarkRetired(ctx, counterID, ids[0], victim.Version); err != nil {
					t.Fatalf("MarkRetired() error = %v, wantErr nil", err)
				}

				live, err := s.ListShards(ctx, counterID)
				if err != nil {
					t.Fatalf("ListShards() error = %v, wantErr nil", err)
				}
				if len(live) != 2 {
					t.Errorf("ListShards() got %d ids, want 2", len(live))
				}
				for _, id := range live {
					if id == ids[0] {
						t.Errorf("ListShards() includes retired id %s", id)
					}
				}

				retired, err := s.ListRetired(ctx, counterID)
				if err != nil {
					t.Fatalf("ListRetired() error = %v, wantErr nil", err)
				}
				if !reflect.DeepEqual(retired, []string{ids[0]}) {
					t.Errorf("ListRetired() got = %v, want [%s]", retired, ids[0])
				}
			})

			t.Run("delete shard is idempotent", func(t *testing.T) {
				counterID := uuid.NewString()
				shard := newTestShard(counterID)
				if err := s.CreateShard(ctx, shard); err != nil {
					t.Fatalf("CreateShard() error = %v, wantErr nil", err)
				}

				if err := s.DeleteShard(ctx, counterID, shard.ID); err != nil {
					t.Fatalf("DeleteShard() error = %v, wantErr nil", err)
				}
				var notFound *ErrKeyNotFound
				if _, err := s.ReadShard(ctx, counterID, shard.ID); !errors.As(err, &notFound) {
					t.Errorf("ReadShard() error = %v, want ErrKeyNotFound", err)
				}
				if err := s.DeleteShard(ctx, counterID, shard.ID); err != nil {
					t.Errorf("DeleteShard() second call error = %v, wantErr nil", err)
				}
			})

			t.Run("registry create get swap", func(t *testing.T) {
				lc := models.LogicalCounter{
					ID:        uuid.NewString(),
					ShardIDs:  []string{"a", "b"},
					Bounds:    models.Bounds{Min: -100, Max: 100},
					CreatedAt: time.Now().UTC(),
				}
				if err := s.CreateCounter(ctx, lc); err != nil {
					t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
				}

				err := s.CreateCounter(ctx, lc)
				var conflict *ErrConflict
				if !errors.As(err, &conflict) {
					t.Errorf("CreateCounter() second call error = %v, want ErrConflict", err)
				}

				got, err := s.GetCounter(ctx, lc.ID)
				if err != nil {
					t.Fatalf("GetCounter() error = %v, wantErr nil", err)
				}
				if !reflect.DeepEqual(got.ShardIDs, []string{"a", "b"}) {
					t.Errorf("ShardIDs got = %v, want [a b]", got.ShardIDs)
				}
				if got.Version == "" {
					t.Errorf("Version is empty, want minted token")
				}
				if !got.CreatedAt.Equal(lc.CreatedAt) {
					t.Errorf("CreatedAt got = %v, want %v", got.CreatedAt, lc.CreatedAt)
				}

				got.ShardIDs = []string{"a", "b", "c"}
				swapped, err := s.SwapCounter(ctx, got, got.Version)
				if err != nil {
					t.Fatalf("SwapCounter() error = %v, wantErr nil", err)
				}
				if swapped.Version == got.Version {
					t.Errorf("Version not reissued on swap")
				}

				_, err = s.SwapCounter(ctx, got, got.Version)
				if !errors.As(err, &conflict) {
					t.Errorf("SwapCounter() stale version error = %v, want ErrConflict", err)
				}

				reread, err := s.GetCounter(ctx, lc.ID)
				if err != nil {
					t.Fatalf("GetCounter() error = %v, wantErr nil", err)
				}
				if !reflect.DeepEqual(reread.ShardIDs, []string{"a", "b", "c"}) {
					t.Errorf("ShardIDs got = %v, want [a b c]", reread.ShardIDs)
				}
			})

			t.Run("registry delete is idempotent", func(t *testing.T) {
				lc := models.LogicalCounter{ID: uuid.NewString(), ShardIDs: []string{"x"}}
				if err := s.CreateCounter(ctx, lc); err != nil {
					t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
				}

				if err := s.DeleteCounter(ctx, lc.ID); err != nil {
					t.Fatalf("DeleteCounter() error = %v, wantErr nil", err)
				}
				var notFound *ErrKeyNotFound
				if _, err := s.GetCounter(ctx, lc.ID); !errors.As(err, &notFound) {
					t.Errorf("GetCounter() error = %v, want ErrKeyNotFound", err)
				}
				if err := s.DeleteCounter(ctx, lc.ID); err != nil {
					t.Errorf("DeleteCounter() second call error = %v, wantErr nil", err)
				}
			})

			t.Run("list counters includes created ids", func(t *testing.T) {
				first := models.LogicalCounter{ID: uuid.NewString()}
				second := models.LogicalCounter{ID: uuid.NewString()}
				for _, lc := range []models.LogicalCounter{first, second} {
					if err := s.CreateCounter(ctx, lc); err != nil {
						t.Fatalf("CreateCounter() error = %v, wantErr nil", err)
					}
				}

				ids, err := s.ListCounters(ctx)
				if err != nil {
					t.Fatalf("ListCounters() error = %v, wantErr nil", err)
				}
				found := map[string]bool{}
				for _, id := range ids {
					found[id] = true
				}
				if !found[first.ID] || !found[second.ID] {
					t.Errorf("ListCounters() got = %v, missing created ids", ids)
				}
			})

			t.Run("ping", func(t *testing.T) {
				if err := s.Ping(ctx); err != nil {
					t.Errorf("Ping() error = %v, wantErr nil", err)
				}
			})

			t.Run("cancelled context is unavailable", func(t *testing.T) {
				cancelled, cancel := context.WithCancel(context.Background())
				cancel()
				_, err := s.ReadShard(cancelled, uuid.NewString(), uuid.NewString())
				var unavailable *ErrStoreUnavailable
				if !errors.As(err, &unavailable) {
					t.Errorf("ReadShard() error = %v, want ErrStoreUnavailable", err)
				}
			})
		})
	}
}
