package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/dusk-indust/insight/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// noLeaseStore hides the Leaser implementation of the wrapped store.
type noLeaseStore struct{ store.Store }

func TestLocker_TryAcquire(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		st store.Store
	}{
		"in-process only": {st: noLeaseStore{store.NewMemoryStore()}},
		"with lease":      {st: store.NewMemoryStore()},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			l := newLocker(tc.st, "owner-a", time.Minute, zap.NewNop())

			lctx, release, ok, err := l.tryAcquire(ctx, "p1")
			require.NoError(t, err)
			require.True(t, ok)
			require.NotNil(t, lctx)
			assert.True(t, l.holding("p1"))

			_, _, ok, err = l.tryAcquire(ctx, "p1")
			require.NoError(t, err)
			assert.False(t, ok, "second acquire must fail while held")

			// Other projects are independent.
			_, releaseOther, ok, err := l.tryAcquire(ctx, "p2")
			require.NoError(t, err)
			assert.True(t, ok)
			releaseOther()

			release()
			release()
			assert.False(t, l.holding("p1"))
			assert.ErrorIs(t, lctx.Err(), context.Canceled)

			_, release, ok, err = l.tryAcquire(ctx, "p1")
			require.NoError(t, err)
			assert.True(t, ok)
			release()
		})
	}
}

func TestLocker_LeaseExcludesOtherOwners(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	a := newLocker(st, "owner-a", time.Minute, zap.NewNop())
	b := newLocker(st, "owner-b", time.Minute, zap.NewNop())

	_, release, ok, err := a.tryAcquire(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)

	_, _, ok, err = b.tryAcquire(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, b.holding("p1"), "failed lease attempt must drop the local lock")

	release()
	_, releaseB, ok, err := b.tryAcquire(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	releaseB()
}

func TestLocker_AcquireWaits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLocker(store.NewMemoryStore(), "owner-a", time.Minute, zap.NewNop())

	_, release, ok, err := l.tryAcquire(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)

	acquired := make(chan func(), 1)
	go func() {
		_, rel, err := l.acquire(ctx, "p1")
		if assert.NoError(t, err) {
			acquired <- rel
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquire returned while the lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case rel := <-acquired:
		rel()
	case <-time.After(5 * time.Second):
		t.Fatal("acquire did not return after release")
	}
}

func TestLocker_AcquireHonoursContext(t *testing.T) {
	t.Parallel()
	l := newLocker(store.NewMemoryStore(), "owner-a", time.Minute, zap.NewNop())

	_, release, ok, err := l.tryAcquire(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err = l.acquire(ctx, "p1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocker_AcquireWaitsForForeignLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()

	// Another process holds a short lease that is never renewed.
	ok, err := st.AcquireLease(ctx, "p1", "crashed-process", 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	l := newLocker(st, "owner-a", time.Minute, zap.NewNop())
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	_, release, err := l.acquire(wctx, "p1")
	require.NoError(t, err)
	defer release()
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestLocker_HeartbeatCancelsOnLostLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := newLocker(st, "owner-a", 150*time.Millisecond, zap.NewNop())

	lctx, release, ok, err := l.tryAcquire(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	// Another owner takes over between heartbeats.
	require.NoError(t, st.ReleaseLease(ctx, "p1", "owner-a"))
	ok, err = st.AcquireLease(ctx, "p1", "thief", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case <-lctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("lock context was not cancelled after the lease was lost")
	}
}
