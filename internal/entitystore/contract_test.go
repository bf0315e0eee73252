package entitystore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// storeFactory 为每个子测试创建隔离的 Store。
type storeFactory func(t *testing.T, opts ...Option) Store

// runStoreContract 对任意后端执行同一套语义校验。
func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("TTLBoundary", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, WithClock(clock.Now), WithTTL(1000*time.Millisecond))

		require.NoError(t, store.Put(ctx, EntityKey(1), json.RawMessage(`{"name":"bulbasaur"}`)))

		clock.Advance(999 * time.Millisecond)
		payload, ok, err := store.Get(ctx, EntityKey(1))
		require.NoError(t, err)
		require.True(t, ok, "entry should be fresh at t=999ms")
		assert.JSONEq(t, `{"name":"bulbasaur"}`, string(payload))

		clock.Advance(time.Millisecond)
		_, ok, err = store.Get(ctx, EntityKey(1))
		require.NoError(t, err)
		assert.False(t, ok, "entry should be stale at t=1000ms")

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Count, "stale entries stay until swept")
	})

	t.Run("OverwriteReplacesPayload", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Put(ctx, EntityKey(4), json.RawMessage(`{"v":1,"only_v1":true}`)))
		require.NoError(t, store.Put(ctx, EntityKey(4), json.RawMessage(`{"v":2}`)))

		payload, ok, err := store.Get(ctx, EntityKey(4))
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"v":2}`, string(payload))
	})

	t.Run("GetBatchPreservesOrder", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Put(ctx, EntityKey(2), json.RawMessage(`"v2"`)))

		results, err := store.GetBatch(ctx, []Key{EntityKey(1), EntityKey(2), EntityKey(3)})
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.False(t, results[0].Found)
		assert.True(t, results[1].Found)
		assert.JSONEq(t, `"v2"`, string(results[1].Payload))
		assert.False(t, results[2].Found)
		assert.Equal(t, EntityKey(3), results[2].Key)
	})

	t.Run("PutBatchReportsFailedKeys", func(t *testing.T) {
		store := newStore(t)
		err := store.PutBatch(ctx, []Item{
			{Key: EntityKey(7), Payload: json.RawMessage(`{"id":7}`)},
			{Key: EntityKey(0), Payload: json.RawMessage(`{"id":0}`)},
			{Key: EntityKey(8), Payload: json.RawMessage(`{"id":8}`)},
		})
		var batchErr *BatchWriteError
		require.ErrorAs(t, err, &batchErr)
		assert.Equal(t, 3, batchErr.Total)
		assert.Equal(t, []Key{EntityKey(0)}, batchErr.Keys())
		assert.True(t, errors.Is(err, ErrStorageWrite))

		for _, id := range []int{7, 8} {
			_, ok, err := store.Get(ctx, EntityKey(id))
			require.NoError(t, err)
			assert.True(t, ok, "successful writes are kept without rollback (id %d)", id)
		}
	})

	t.Run("ListKeyAndDelete", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Put(ctx, ListKey(), json.RawMessage(`[{"name":"pikachu"}]`)))
		_, ok, err := store.Get(ctx, ListKey())
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, store.Delete(ctx, ListKey()))
		require.NoError(t, store.Delete(ctx, ListKey()))
		_, ok, err = store.Get(ctx, ListKey())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SweepExpiredUsesInclusiveCutoff", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, WithClock(clock.Now), WithTTL(time.Second))

		require.NoError(t, store.Put(ctx, EntityKey(1), json.RawMessage(`1`)))
		clock.Advance(500 * time.Millisecond)
		require.NoError(t, store.Put(ctx, EntityKey(2), json.RawMessage(`2`)))
		clock.Advance(500 * time.Millisecond)

		deleted, err := store.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Count)

		deleted, err = store.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, deleted)
	})

	t.Run("SweepFollowsOverwrittenTimestamp", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, WithClock(clock.Now), WithTTL(time.Second))

		require.NoError(t, store.Put(ctx, EntityKey(5), json.RawMessage(`"old"`)))
		clock.Advance(900 * time.Millisecond)
		require.NoError(t, store.Put(ctx, EntityKey(5), json.RawMessage(`"new"`)))
		clock.Advance(200 * time.Millisecond)

		deleted, err := store.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, deleted)

		payload, ok, err := store.Get(ctx, EntityKey(5))
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `"new"`, string(payload))
	})

	t.Run("ClearRemovesEverything", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutBatch(ctx, []Item{
			{Key: ListKey(), Payload: json.RawMessage(`[]`)},
			{Key: EntityKey(25), Payload: json.RawMessage(`{"name":"pikachu"}`)},
		}))
		require.NoError(t, store.Clear(ctx))

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Count)

		require.NoError(t, store.Put(ctx, EntityKey(25), json.RawMessage(`{}`)))
	})

	t.Run("InitIsIdempotent", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Init(ctx))
		require.NoError(t, store.Init(ctx))
	})
}
