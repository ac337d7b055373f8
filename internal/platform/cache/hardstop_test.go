package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestFlags(t *testing.T) *HardStopFlags {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewHardStopFlags(client)
}

func TestHardStopRaiseAndClear(t *testing.T) {
	ctx := context.Background()
	flags := newTestFlags(t)

	blocked, err := flags.IsHardStopped(ctx, 1)
	require.NoError(t, err)
	require.False(t, blocked)

	require.NoError(t, flags.SetHardStop(ctx, 1, true))
	blocked, err = flags.IsHardStopped(ctx, 1)
	require.NoError(t, err)
	require.True(t, blocked)

	require.NoError(t, flags.SetHardStop(ctx, 1, false))
	blocked, err = flags.IsHardStopped(ctx, 1)
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestHardStopIsPerTenant(t *testing.T) {
	ctx := context.Background()
	flags := newTestFlags(t)

	require.NoError(t, flags.SetHardStop(ctx, 1, true))

	blocked, err := flags.IsHardStopped(ctx, 2)
	require.NoError(t, err)
	require.False(t, blocked)
}
