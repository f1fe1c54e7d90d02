package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parvazhub/parvaz-crawler/errs"
)

func TestBusDeliversInJobOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus(16)
	sub := bus.Subscribe()
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, JobStarted("job-1", 2)))
	require.NoError(t, bus.Publish(ctx, SiteStarted("job-1", "mahan_air")))
	require.NoError(t, bus.Publish(ctx, SiteCompleted("job-1", "mahan_air", 12, 800*time.Millisecond, 4096)))

	var seqs []uint64
	for i := 0; i < 3; i++ {
		e, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, e.MessageID)
		assert.False(t, e.Timestamp.IsZero())
		assert.Equal(t, time.UTC, e.Timestamp.Location())
		seqs = append(seqs, e.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestBusTypeFilter(t *testing.T) {
	t.Parallel()

	bus := NewBus(16)
	sub := bus.Subscribe(TypeSiteFailed)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, JobStarted("job-1", 1)))
	require.NoError(t, bus.Publish(ctx, SiteFailed("job-1", "mahan_air", errs.KindNetwork, "connection reset")))

	e, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeSiteFailed, e.Type)
	assert.Equal(t, string(errs.KindNetwork), e.Kind)
}

func TestBusShedsOldestDroppable(t *testing.T) {
	t.Parallel()

	bus := NewBus(3)
	sub := bus.Subscribe()
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, JobStarted("job-1", 1)))
	require.NoError(t, bus.Publish(ctx, SiteProgress("job-1", "mahan_air", 1, "retry")))
	require.NoError(t, bus.Publish(ctx, SiteProgress("job-1", "mahan_air", 2, "retry")))
	// Buffer is full; the oldest progress event is shed for the new one.
	require.NoError(t, bus.Publish(ctx, SiteCompleted("job-1", "mahan_air", 5, time.Second, 0)))

	var types []Type
	var attempts []int
	for i := 0; i < 3; i++ {
		e, err := sub.Next(ctx)
		require.NoError(t, err)
		types = append(types, e.Type)
		attempts = append(attempts, e.Attempt)
	}
	assert.Equal(t, []Type{TypeJobStarted, TypeSiteProgress, TypeSiteCompleted}, types)
	assert.Equal(t, 2, attempts[1], "attempt 1 was shed, attempt 2 kept")
}

func TestBusBlocksWhenFullOfCriticalEvents(t *testing.T) {
	t.Parallel()

	bus := NewBus(2)
	sub := bus.Subscribe()
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, JobStarted("job-1", 1)))
	require.NoError(t, bus.Publish(ctx, SiteStarted("job-1", "mahan_air")))

	// Nothing droppable in the buffer: publish must block until a read.
	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(blocked, SiteCompleted("job-1", "mahan_air", 1, time.Second, 0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		done <- bus.Publish(ctx, SiteFailed("job-1", "mahan_air", errs.KindTimeout, "deadline"))
	}()
	_, err = sub.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestBusCloseDrainsBuffer(t *testing.T) {
	t.Parallel()

	bus := NewBus(8)
	sub := bus.Subscribe()
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, JobStarted("job-1", 1)))
	bus.Close()

	e, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeJobStarted, e.Type)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrBusClosed)

	assert.ErrorIs(t, bus.Publish(ctx, SiteStarted("job-1", "x")), ErrBusClosed)
}

func TestSeqIsPerJob(t *testing.T) {
	t.Parallel()

	bus := NewBus(16)
	sub := bus.Subscribe()
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, JobStarted("job-a", 1)))
	require.NoError(t, bus.Publish(ctx, JobStarted("job-b", 1)))
	require.NoError(t, bus.Publish(ctx, SiteStarted("job-a", "x")))

	e1, _ := sub.Next(ctx)
	e2, _ := sub.Next(ctx)
	e3, _ := sub.Next(ctx)
	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(1), e2.Seq, "jobs count independently")
	assert.Equal(t, uint64(2), e3.Seq)
}
