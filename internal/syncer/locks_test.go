package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerbridge/ledgerbridge/internal/mirror"
)

// The run lock must refuse a second holder while unexpired and hand over
// cleanly once the previous holder's expiry has passed.
func TestRunLockConflictThenExpiry(t *testing.T) {
	repo := newMemRepo()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }
	ctx := context.Background()

	require.NoError(t, repo.AcquireLock(ctx, 1, OpBackfill, lockTTL))

	err := repo.AcquireLock(ctx, 1, OpBackfill, lockTTL)
	require.ErrorIs(t, err, mirror.ErrLockHeld)

	// A different operation or tenant is unaffected.
	require.NoError(t, repo.AcquireLock(ctx, 1, OpIncremental, lockTTL))
	require.NoError(t, repo.AcquireLock(ctx, 2, OpBackfill, lockTTL))

	// Past the expiry the stale lock is reclaimed without a release.
	clock = clock.Add(lockTTL + time.Second)
	require.NoError(t, repo.AcquireLock(ctx, 1, OpBackfill, lockTTL))
}

// A conflicted run leaves the original holder's lock in place; the defer in
// run must not release a lock it never acquired.
func TestConflictedRunDoesNotReleaseForeignLock(t *testing.T) {
	repo := newMemRepo()
	seedConnection(repo)
	held := time.Date(2026, 3, 1, 12, 9, 0, 0, time.UTC)
	repo.locks["7:backfill"] = held

	svc := newTestService(t, repo, newMemAPI(), &memReconciler{})
	res := svc.Backfill(context.Background(), testTenant)

	require.Equal(t, StatusConflict, res.Status)
	require.Equal(t, held, repo.locks["7:backfill"])
}
