package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// HardStopFlags publishes the reconciliation hard-stop verdict per tenant.
// Collaborators poll the flag before posting downstream financial activity.
type HardStopFlags struct {
	client *redis.Client
}

// NewHardStopFlags constructs the flag store.
func NewHardStopFlags(client *redis.Client) *HardStopFlags {
	return &HardStopFlags{client: client}
}

func hardStopKey(tenantID int64) string {
	return fmt.Sprintf("reconcile:tenant:%d:hard_stop", tenantID)
}

// SetHardStop raises or clears the tenant's posting block. The flag carries
// no expiry: only a balanced reconciliation clears it.
func (f *HardStopFlags) SetHardStop(ctx context.Context, tenantID int64, blocked bool) error {
	if blocked {
		return f.client.Set(ctx, hardStopKey(tenantID), "1", 0).Err()
	}
	return f.client.Del(ctx, hardStopKey(tenantID)).Err()
}

// IsHardStopped reports whether postings are blocked for the tenant.
func (f *HardStopFlags) IsHardStopped(ctx context.Context, tenantID int64) (bool, error) {
	_, err := f.client.Get(ctx, hardStopKey(tenantID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
