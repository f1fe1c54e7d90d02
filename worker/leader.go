package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parvazhub/parvaz-crawler/pkg/logger"
)

// LeaderElector coordinates which process runs the crawl scheduler. Only the
// leader enqueues scheduled crawls, so a schedule never fires twice when
// several workers share one Redis.
type LeaderElector struct {
	client        *redis.Client
	lockKey       string
	lockTTL       time.Duration
	renewInterval time.Duration
	instanceID    string
	isLeader      atomic.Bool
	stopChan      chan struct{}
	wg            sync.WaitGroup
	log           *logger.Logger

	onBecomeLeader func()
	onLoseLeader   func()
}

// NewLeaderElector builds an elector. The callbacks fire on leadership
// transitions and may be nil.
func NewLeaderElector(
	client *redis.Client,
	lockKey string,
	lockTTL time.Duration,
	renewInterval time.Duration,
	log *logger.Logger,
	onBecomeLeader func(),
	onLoseLeader func(),
) *LeaderElector {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	instanceID := fmt.Sprintf("%s-%d", hostname, time.Now().UnixNano())

	return &LeaderElector{
		client:         client,
		lockKey:        lockKey,
		lockTTL:        lockTTL,
		renewInterval:  renewInterval,
		instanceID:     instanceID,
		stopChan:       make(chan struct{}),
		log:            log.WithField("instance_id", instanceID),
		onBecomeLeader: onBecomeLeader,
		onLoseLeader:   onLoseLeader,
	}
}

// Start begins the election loop in a goroutine.
func (le *LeaderElector) Start() {
	le.wg.Add(1)
	go le.electionLoop()
	le.log.Info("leader election started", "lock_key", le.lockKey, "ttl", le.lockTTL.String())
}

// Stop releases leadership when held and stops the loop.
func (le *LeaderElector) Stop() {
	close(le.stopChan)
	le.wg.Wait()

	if le.isLeader.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		le.releaseLock(ctx)
		le.isLeader.Store(false)
	}
	le.log.Info("leader election stopped")
}

// IsLeader reports whether this instance currently holds the lock.
func (le *LeaderElector) IsLeader() bool { return le.isLeader.Load() }

// InstanceID returns this process's unique election identity.
func (le *LeaderElector) InstanceID() string { return le.instanceID }

func (le *LeaderElector) electionLoop() {
	defer le.wg.Done()

	le.tryMaintainLeadership()

	ticker := time.NewTicker(le.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-le.stopChan:
			return
		case <-ticker.C:
			le.tryMaintainLeadership()
		}
	}
}

func (le *LeaderElector) tryMaintainLeadership() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if le.isLeader.Load() {
		if !le.renewLock(ctx) {
			le.log.Warn("lost leadership, failed to renew lock")
			le.isLeader.Store(false)
			if le.onLoseLeader != nil {
				le.onLoseLeader()
			}
		}
		return
	}

	if le.tryAcquireLock(ctx) {
		le.log.Info("acquired leadership")
		le.isLeader.Store(true)
		if le.onBecomeLeader != nil {
			le.onBecomeLeader()
		}
	}
}

func (le *LeaderElector) tryAcquireLock(ctx context.Context) bool {
	ok, err := le.client.SetNX(ctx, le.lockKey, le.instanceID, le.lockTTL).Result()
	if err != nil {
		le.log.Error(err, "error acquiring leader lock")
		return false
	}
	return ok
}

// renewScript extends the lock only while this instance still owns it, so a
// slow renewal can never extend another instance's lock.
var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

func (le *LeaderElector) renewLock(ctx context.Context) bool {
	result, err := renewScript.Run(ctx, le.client,
		[]string{le.lockKey},
		le.instanceID,
		le.lockTTL.Milliseconds(),
	).Int()
	if err != nil {
		le.log.Error(err, "error renewing leader lock")
		return false
	}
	return result == 1
}

// releaseScript deletes the lock only while this instance owns it.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

func (le *LeaderElector) releaseLock(ctx context.Context) {
	result, err := releaseScript.Run(ctx, le.client,
		[]string{le.lockKey},
		le.instanceID,
	).Int()
	if err != nil {
		le.log.Error(err, "error releasing leader lock")
	} else if result != 1 {
		le.log.Warn("leader lock was not held at release")
	}
}
