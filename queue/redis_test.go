package queue_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parvazhub/parvaz-crawler/config"
	"github.com/parvazhub/parvaz-crawler/flight"
	"github.com/parvazhub/parvaz-crawler/queue"
)

func newTestRedisQueue(t *testing.T, visibility time.Duration) *queue.RedisQueue {
	t.Helper()

	mr := miniredis.RunT(t)
	host, port, ok := strings.Cut(mr.Addr(), ":")
	require.True(t, ok)

	q, err := queue.NewRedisQueue(config.RedisConfig{
		Host:                   host,
		Port:                   port,
		QueueGroup:             "test_group",
		QueueStreamPrefix:      "test_stream",
		QueueBlockTimeout:      50 * time.Millisecond,
		QueueVisibilityTimeout: visibility,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func testPayload() queue.CrawlPayload {
	return queue.CrawlPayload{
		Query: flight.SearchQuery{
			Origin:        "THR",
			Destination:   "MHD",
			DepartureDate: time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
			Adults:        1,
			CabinClass:    "economy",
		},
		SiteIDs: []string{"mahan_air"},
	}
}

func TestRedisQueueRoundtrip(t *testing.T) {
	q := newTestRedisQueue(t, time.Minute)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, queue.QueueCrawl, testPayload())
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	status, err := q.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, status)

	job, err := q.Dequeue(ctx, queue.QueueCrawl)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, queue.StatusProcessing, job.Status)
	assert.Equal(t, "THR", job.Payload.Query.Origin)
	assert.Equal(t, []string{"mahan_air"}, job.Payload.SiteIDs)

	stats, err := q.GetQueueStats(ctx, queue.QueueCrawl)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats[queue.StatusPending])
	assert.EqualValues(t, 1, stats[queue.StatusProcessing])

	require.NoError(t, q.Ack(ctx, queue.QueueCrawl, jobID))
	status, err = q.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, status)

	stats, err = q.GetQueueStats(ctx, queue.QueueCrawl)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats[queue.StatusProcessing])
	assert.EqualValues(t, 1, stats[queue.StatusCompleted])
}

func TestRedisQueueDequeueEmpty(t *testing.T) {
	q := newTestRedisQueue(t, time.Minute)

	job, err := q.Dequeue(context.Background(), queue.QueueCrawl)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRedisQueueNackExhaustsAttempts(t *testing.T) {
	q := newTestRedisQueue(t, time.Minute)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, queue.QueueCrawl, testPayload())
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.Dequeue(ctx, queue.QueueCrawl)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		assert.Equal(t, attempt, job.Attempts)
		require.NoError(t, q.Nack(ctx, queue.QueueCrawl, jobID))
	}

	// Attempt budget spent: the job is parked, not requeued.
	job, err := q.Dequeue(ctx, queue.QueueCrawl)
	require.NoError(t, err)
	assert.Nil(t, job)

	status, err := q.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, status)

	failed, err := q.ListJobs(ctx, queue.QueueCrawl, queue.StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, jobID, failed[0].ID)
}

func TestRedisQueueStaleDeliveryIsReclaimed(t *testing.T) {
	q := newTestRedisQueue(t, 50*time.Millisecond)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, queue.QueueCrawl, testPayload())
	require.NoError(t, err)

	// First delivery is never acked; after the visibility timeout the next
	// dequeue reclaims it.
	job, err := q.Dequeue(ctx, queue.QueueCrawl)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)

	time.Sleep(100 * time.Millisecond)

	job, err = q.Dequeue(ctx, queue.QueueCrawl)
	require.NoError(t, err)
	require.NotNil(t, job, "stale delivery should be auto-claimed")
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, 2, job.Attempts)
}

func TestRedisQueueCancel(t *testing.T) {
	q := newTestRedisQueue(t, time.Minute)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, queue.QueueCrawl, testPayload())
	require.NoError(t, err)

	canceled, err := q.IsJobCanceled(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, canceled)

	require.NoError(t, q.CancelJob(ctx, queue.QueueCrawl, jobID))

	canceled, err = q.IsJobCanceled(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, canceled)

	status, err := q.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCanceled, status)

	// The canceled job is gone from the stream and never delivered.
	job, err := q.Dequeue(ctx, queue.QueueCrawl)
	require.NoError(t, err)
	assert.Nil(t, job)
}
