// Package queue is the Redis Streams job queue that lets crawl requests be
// submitted from one process and executed by worker pools in others.
// Delivery is at-least-once: stale deliveries are reclaimed with XAUTOCLAIM
// after the visibility timeout, and job records expire after a day.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/parvazhub/parvaz-crawler/config"
	"github.com/parvazhub/parvaz-crawler/flight"
)

const jobTTL = 24 * time.Hour

// QueueCrawl is the queue crawl search jobs travel on.
const QueueCrawl = "search"

// Job statuses as persisted on the job record.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// CrawlPayload is the body of one crawl job. An empty SiteIDs means every
// enabled site.
type CrawlPayload struct {
	Query   flight.SearchQuery `json:"query"`
	SiteIDs []string           `json:"site_ids,omitempty"`
}

// Job is one queued crawl with its delivery bookkeeping.
type Job struct {
	ID          string       `json:"id"`
	Queue       string       `json:"queue"`
	Payload     CrawlPayload `json:"payload"`
	CreatedAt   time.Time    `json:"created_at"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
	Status      string       `json:"status"`
	StreamID    string       `json:"stream_id,omitempty"`
}

// Queue is the job queue the worker pool consumes from.
type Queue interface {
	Enqueue(ctx context.Context, queueName string, payload CrawlPayload) (string, error)
	// Dequeue blocks up to the configured block timeout; a nil job with a nil
	// error means the queue was empty.
	Dequeue(ctx context.Context, queueName string) (*Job, error)
	Ack(ctx context.Context, queueName, jobID string) error
	// Nack requeues the job until its attempt budget is spent, then parks it
	// in the failed set.
	Nack(ctx context.Context, queueName, jobID string) error
	// CancelJob flags a job so workers stop at their next cancellation check.
	CancelJob(ctx context.Context, queueName, jobID string) error
	IsJobCanceled(ctx context.Context, jobID string) (bool, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetJobStatus(ctx context.Context, jobID string) (string, error)
	GetQueueStats(ctx context.Context, queueName string) (map[string]int64, error)
	ListJobs(ctx context.Context, queueName, state string, limit int) ([]*Job, error)
	Close() error
}

// RedisQueue implements Queue on Redis Streams with one consumer group.
type RedisQueue struct {
	client       *redis.Client
	cfg          config.RedisConfig
	consumerName string

	mu              sync.Mutex
	ensuredStreams  map[string]struct{}
	lastAutoClaimID map[string]string
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(cfg config.RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisQueueWithClient(client, cfg), nil
}

// NewRedisQueueWithClient wraps an existing client. The caller keeps
// ownership of the client's lifecycle in tests; Close still closes it.
func NewRedisQueueWithClient(client *redis.Client, cfg config.RedisConfig) *RedisQueue {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return &RedisQueue{
		client:          client,
		cfg:             cfg,
		consumerName:    fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		ensuredStreams:  make(map[string]struct{}),
		lastAutoClaimID: make(map[string]string),
	}
}

// Close closes the underlying client.
func (q *RedisQueue) Close() error { return q.client.Close() }

// Client exposes the underlying Redis client for shared uses like leader
// election.
func (q *RedisQueue) Client() *redis.Client { return q.client }

// Enqueue appends a crawl job to the stream and records it as pending.
func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, payload CrawlPayload) (string, error) {
	if err := q.ensureStream(ctx, queueName); err != nil {
		return "", err
	}

	job := &Job{
		ID:          uuid.New().String(),
		Queue:       queueName,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
		MaxAttempts: 3,
		Status:      StatusPending,
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	stream := q.streamName(queueName)
	msgID, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"job": body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add job to stream: %w", err)
	}

	job.StreamID = msgID
	if err := q.persistJob(ctx, job); err != nil {
		return "", err
	}
	if err := q.client.SAdd(ctx, q.pendingKey(queueName), job.ID).Err(); err != nil {
		return "", fmt.Errorf("failed to record pending job: %w", err)
	}
	return job.ID, nil
}

// Dequeue claims one job: stale deliveries first, then new stream entries.
func (q *RedisQueue) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	if err := q.ensureStream(ctx, queueName); err != nil {
		return nil, err
	}

	if job, err := q.claimStale(ctx, queueName); err != nil {
		return nil, err
	} else if job != nil {
		return job, nil
	}

	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.QueueGroup,
		Consumer: q.consumerName,
		Streams:  []string{q.streamName(queueName), ">"},
		Count:    1,
		Block:    q.cfg.QueueBlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) || len(res) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	if len(res[0].Messages) == 0 {
		return nil, nil
	}
	return q.prepareMessage(ctx, queueName, res[0].Messages[0])
}

// Ack marks a job completed and clears its stream entry.
func (q *RedisQueue) Ack(ctx context.Context, queueName, jobID string) error {
	job, jobKey, err := q.getStoredJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = StatusCompleted
	if err := q.persistJob(ctx, job); err != nil {
		return err
	}

	stream := q.streamName(queueName)
	if job.StreamID != "" {
		if err := q.client.XAck(ctx, stream, q.cfg.QueueGroup, job.StreamID).Err(); err != nil {
			return fmt.Errorf("failed to ack message: %w", err)
		}
		_ = q.client.XDel(ctx, stream, job.StreamID).Err()
	}

	if err := q.client.SRem(ctx, q.processingKey(queueName), jobID).Err(); err != nil {
		return fmt.Errorf("failed to remove job from processing set: %w", err)
	}
	if err := q.client.SAdd(ctx, q.completedKey(queueName), jobID).Err(); err != nil {
		return fmt.Errorf("failed to add job to completed set: %w", err)
	}
	_ = q.client.Expire(ctx, jobKey, jobTTL).Err()
	return nil
}

// Nack requeues the job or, when its attempt budget is spent, parks it as
// failed.
func (q *RedisQueue) Nack(ctx context.Context, queueName, jobID string) error {
	job, jobKey, err := q.getStoredJob(ctx, jobID)
	if err != nil {
		return err
	}

	stream := q.streamName(queueName)
	if job.StreamID != "" {
		if err := q.client.XAck(ctx, stream, q.cfg.QueueGroup, job.StreamID).Err(); err != nil {
			return fmt.Errorf("failed to ack message before retry: %w", err)
		}
		_ = q.client.XDel(ctx, stream, job.StreamID).Err()
	}

	if job.Attempts < job.MaxAttempts {
		job.Status = StatusPending
		job.StreamID = ""

		body, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job for requeue: %w", err)
		}
		msgID, err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{"job": body},
		}).Result()
		if err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}

		job.StreamID = msgID
		if err := q.persistJob(ctx, job); err != nil {
			return err
		}
		if err := q.client.SAdd(ctx, q.pendingKey(queueName), jobID).Err(); err != nil {
			return fmt.Errorf("failed to mark job pending: %w", err)
		}
		if err := q.client.SRem(ctx, q.processingKey(queueName), jobID).Err(); err != nil {
			return fmt.Errorf("failed to clear processing flag: %w", err)
		}
	} else {
		job.Status = StatusFailed
		if err := q.persistJob(ctx, job); err != nil {
			return err
		}
		if err := q.client.SRem(ctx, q.processingKey(queueName), jobID).Err(); err != nil {
			return fmt.Errorf("failed to remove job from processing set: %w", err)
		}
		if err := q.client.SAdd(ctx, q.failedKey(queueName), jobID).Err(); err != nil {
			return fmt.Errorf("failed to add job to failed set: %w", err)
		}
	}

	_ = q.client.Expire(ctx, jobKey, jobTTL).Err()
	return nil
}

// CancelJob flags cancellation and pulls the job out of pending. An in-flight
// job observes the flag at its next cancellation check.
func (q *RedisQueue) CancelJob(ctx context.Context, queueName, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("missing job id")
	}
	if err := q.ensureStream(ctx, queueName); err != nil {
		return err
	}

	// The flag is set unconditionally so workers observe it even when the job
	// record already expired.
	if err := q.client.Set(ctx, q.cancelKey(jobID), "1", jobTTL).Err(); err != nil {
		return fmt.Errorf("failed to set cancel flag: %w", err)
	}

	if job, _, err := q.getStoredJob(ctx, jobID); err == nil && job != nil {
		job.Status = StatusCanceled
		_ = q.persistJob(ctx, job)
		if job.StreamID != "" {
			stream := q.streamName(queueName)
			_ = q.client.XAck(ctx, stream, q.cfg.QueueGroup, job.StreamID).Err()
			_ = q.client.XDel(ctx, stream, job.StreamID).Err()
		}
	}

	_ = q.client.SRem(ctx, q.pendingKey(queueName), jobID).Err()
	return nil
}

// IsJobCanceled reports whether cancellation was requested for the job.
func (q *RedisQueue) IsJobCanceled(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, nil
	}
	n, err := q.client.Exists(ctx, q.cancelKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cancel flag: %w", err)
	}
	return n > 0, nil
}

// GetJob fetches the persisted job record.
func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	job, _, err := q.getStoredJob(ctx, jobID)
	return job, err
}

// GetJobStatus returns the persisted status of a job.
func (q *RedisQueue) GetJobStatus(ctx context.Context, jobID string) (string, error) {
	job, _, err := q.getStoredJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// GetQueueStats returns the size of each status set.
func (q *RedisQueue) GetQueueStats(ctx context.Context, queueName string) (map[string]int64, error) {
	stats := make(map[string]int64, 4)
	for state, key := range map[string]string{
		StatusPending:    q.pendingKey(queueName),
		StatusProcessing: q.processingKey(queueName),
		StatusCompleted:  q.completedKey(queueName),
		StatusFailed:     q.failedKey(queueName),
	} {
		n, err := q.client.SCard(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get %s count: %w", state, err)
		}
		stats[state] = n
	}
	return stats, nil
}

// ListJobs lists persisted jobs in one state, newest first.
func (q *RedisQueue) ListJobs(ctx context.Context, queueName, state string, limit int) ([]*Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var setKey string
	switch strings.ToLower(strings.TrimSpace(state)) {
	case StatusPending:
		setKey = q.pendingKey(queueName)
	case StatusProcessing:
		setKey = q.processingKey(queueName)
	case StatusCompleted:
		setKey = q.completedKey(queueName)
	case StatusFailed:
		setKey = q.failedKey(queueName)
	default:
		return nil, fmt.Errorf("invalid state %q", state)
	}

	jobIDs, err := q.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", state, err)
	}

	jobs := make([]*Job, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		job, _, err := q.getStoredJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (q *RedisQueue) ensureStream(ctx context.Context, queueName string) error {
	stream := q.streamName(queueName)

	q.mu.Lock()
	if _, ok := q.ensuredStreams[stream]; ok {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	err := q.client.XGroupCreateMkStream(ctx, stream, q.cfg.QueueGroup, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	q.mu.Lock()
	q.ensuredStreams[stream] = struct{}{}
	q.mu.Unlock()
	return nil
}

// claimStale reclaims deliveries whose consumer died mid-job. The scan
// position survives between calls so the whole pending list is covered over
// successive dequeues.
func (q *RedisQueue) claimStale(ctx context.Context, queueName string) (*Job, error) {
	stream := q.streamName(queueName)

	q.mu.Lock()
	startID := q.lastAutoClaimID[stream]
	if startID == "" {
		startID = "0-0"
	}
	q.mu.Unlock()

	messages, nextID, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    q.cfg.QueueGroup,
		Consumer: q.consumerName,
		MinIdle:  q.cfg.QueueVisibilityTimeout,
		Start:    startID,
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to auto-claim messages: %w", err)
	}

	q.mu.Lock()
	q.lastAutoClaimID[stream] = nextID
	q.mu.Unlock()

	if len(messages) == 0 {
		return nil, nil
	}
	return q.prepareMessage(ctx, queueName, messages[0])
}

func (q *RedisQueue) prepareMessage(ctx context.Context, queueName string, msg redis.XMessage) (*Job, error) {
	rawJob, ok := msg.Values["job"]
	if !ok {
		return nil, fmt.Errorf("stream message missing job payload")
	}

	var body []byte
	switch v := rawJob.(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	default:
		return nil, fmt.Errorf("unexpected job payload type %T", v)
	}

	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job payload: %w", err)
	}

	job.StreamID = msg.ID
	if job.Queue == "" {
		job.Queue = queueName
	}
	job.Attempts++
	job.Status = StatusProcessing

	if err := q.persistJob(ctx, &job); err != nil {
		return nil, err
	}
	if err := q.client.SAdd(ctx, q.processingKey(queueName), job.ID).Err(); err != nil {
		return nil, fmt.Errorf("failed to mark job processing: %w", err)
	}
	if err := q.client.SRem(ctx, q.pendingKey(queueName), job.ID).Err(); err != nil {
		return nil, fmt.Errorf("failed to remove job from pending: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) persistJob(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job for storage: %w", err)
	}
	if err := q.client.Set(ctx, q.jobKey(job.ID), body, jobTTL).Err(); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

func (q *RedisQueue) getStoredJob(ctx context.Context, jobID string) (*Job, string, error) {
	jobKey := q.jobKey(jobID)
	body, err := q.client.Get(ctx, jobKey).Bytes()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get job details: %w", err)
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, jobKey, nil
}

func (q *RedisQueue) streamName(queueName string) string {
	return fmt.Sprintf("%s:%s", q.cfg.QueueStreamPrefix, queueName)
}

func (q *RedisQueue) jobKey(jobID string) string    { return fmt.Sprintf("job:%s", jobID) }
func (q *RedisQueue) cancelKey(jobID string) string { return fmt.Sprintf("job:%s:cancel", jobID) }

func (q *RedisQueue) pendingKey(queueName string) string {
	return fmt.Sprintf("queue:%s:pending", queueName)
}

func (q *RedisQueue) processingKey(queueName string) string {
	return fmt.Sprintf("queue:%s:processing", queueName)
}

func (q *RedisQueue) completedKey(queueName string) string {
	return fmt.Sprintf("queue:%s:completed", queueName)
}

func (q *RedisQueue) failedKey(queueName string) string {
	return fmt.Sprintf("queue:%s:failed", queueName)
}
