package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLockMutualExclusion(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	first := ForCampaign(client, nil, "cmp-1", time.Minute)
	second := ForCampaign(client, nil, "cmp-1", time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second scheduler must not claim an owned campaign")

	require.NoError(t, first.Release(ctx))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "released campaign is claimable")
}

func TestRedisLockCampaignIsolation(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	a := ForCampaign(client, nil, "cmp-1", time.Minute)
	b := ForCampaign(client, nil, "cmp-2", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "different campaigns lock independently")
}

func TestRedisLockReleaseRequiresOwnership(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	owner := ForCampaign(client, nil, "cmp-1", time.Minute)
	intruder := ForCampaign(client, nil, "cmp-1", time.Minute)

	ok, err := owner.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A non-owner release must not free the owner's claim.
	require.NoError(t, intruder.Release(ctx))

	ok, err = intruder.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLockExtend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	lock := NewRedisLock(client, "dispatch:owner:cmp-1", time.Minute)
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Extend(ctx, 10*time.Minute))
	assert.Greater(t, mr.TTL("dispatch:owner:cmp-1"), time.Minute)
}
