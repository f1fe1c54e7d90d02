package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parvazhub/parvaz-crawler/pkg/logger"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() { mr.Close() })

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "text"})
}

func newTestElector(client *redis.Client, ttl, renew time.Duration, onBecome, onLose func()) *LeaderElector {
	return NewLeaderElector(client, "test:leader", ttl, renew, testLogger(), onBecome, onLose)
}

func TestLeaderElectorAcquireLock(t *testing.T) {
	_, client := setupTestRedis(t)
	le := newTestElector(client, 30*time.Second, 10*time.Second, nil, nil)

	ctx := context.Background()
	assert.True(t, le.tryAcquireLock(ctx), "should acquire lock when none exists")

	val, err := client.Get(ctx, "test:leader").Result()
	require.NoError(t, err)
	assert.Equal(t, le.instanceID, val)
}

func TestLeaderElectorAcquireLockAlreadyHeld(t *testing.T) {
	mr, client := setupTestRedis(t)
	mr.Set("test:leader", "other-instance-123")

	le := newTestElector(client, 30*time.Second, 10*time.Second, nil, nil)
	assert.False(t, le.tryAcquireLock(context.Background()))
}

func TestLeaderElectorRenewLock(t *testing.T) {
	mr, client := setupTestRedis(t)
	le := newTestElector(client, 30*time.Second, 10*time.Second, nil, nil)

	mr.Set("test:leader", le.instanceID)
	assert.True(t, le.renewLock(context.Background()))

	ttl := mr.TTL("test:leader")
	assert.Greater(t, ttl, time.Duration(0), "lock should have a TTL after renewal")
}

func TestLeaderElectorRenewLockLostOwnership(t *testing.T) {
	mr, client := setupTestRedis(t)
	le := newTestElector(client, 30*time.Second, 10*time.Second, nil, nil)

	// Another instance took the lock; the renew script must not extend it.
	mr.Set("test:leader", "other-instance-456")
	assert.False(t, le.renewLock(context.Background()))
}

func TestLeaderElectorReleaseLock(t *testing.T) {
	mr, client := setupTestRedis(t)
	le := newTestElector(client, 30*time.Second, 10*time.Second, nil, nil)

	mr.Set("test:leader", le.instanceID)
	le.releaseLock(context.Background())
	assert.False(t, mr.Exists("test:leader"))
}

func TestLeaderElectorReleaseLockNotOwned(t *testing.T) {
	mr, client := setupTestRedis(t)
	le := newTestElector(client, 30*time.Second, 10*time.Second, nil, nil)

	mr.Set("test:leader", "other-instance-789")
	le.releaseLock(context.Background())

	val, err := mr.Get("test:leader")
	require.NoError(t, err)
	assert.Equal(t, "other-instance-789", val, "lock held by another instance must survive release")
}

func TestLeaderElectorCallbacks(t *testing.T) {
	mr, client := setupTestRedis(t)

	becameLeader := false
	lostLeader := false
	le := newTestElector(client, 100*time.Millisecond, 50*time.Millisecond,
		func() { becameLeader = true },
		func() { lostLeader = true },
	)

	le.Start()
	time.Sleep(80 * time.Millisecond)

	assert.True(t, le.IsLeader(), "should be leader after startup")
	assert.True(t, becameLeader)

	// Simulate takeover so the next renewal fails.
	mr.Set("test:leader", "another-instance-took-over")
	time.Sleep(80 * time.Millisecond)

	assert.False(t, le.IsLeader())
	assert.True(t, lostLeader)

	le.Stop()
}

func TestLeaderElectorStartStop(t *testing.T) {
	_, client := setupTestRedis(t)
	le := newTestElector(client, 30*time.Second, 10*time.Second, nil, nil)

	le.Start()
	time.Sleep(50 * time.Millisecond)
	assert.True(t, le.IsLeader(), "should acquire leadership on start")

	le.Stop()

	exists, err := client.Exists(context.Background(), "test:leader").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists, "lock should be released after stop")
}

func TestLeaderElectorMultipleInstances(t *testing.T) {
	_, client := setupTestRedis(t)

	leader1Became := false
	leader2Became := false
	le1 := newTestElector(client, 100*time.Millisecond, 30*time.Millisecond,
		func() { leader1Became = true }, nil)
	le2 := newTestElector(client, 100*time.Millisecond, 30*time.Millisecond,
		func() { leader2Became = true }, nil)

	le1.Start()
	time.Sleep(50 * time.Millisecond)
	le2.Start()
	time.Sleep(150 * time.Millisecond)

	assert.True(t, le1.IsLeader() && !le2.IsLeader(), "exactly the first instance should lead")
	assert.True(t, leader1Became)
	assert.False(t, leader2Became)

	le1.Stop()
	le2.Stop()
}
