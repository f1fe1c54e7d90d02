package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPublisherAppendsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	p := NewRedisPublisherWithClient(client, "crawl:events")
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, JobStarted("job-1", 3)))
	require.NoError(t, p.Publish(ctx, FlightsFound("job-1", "mahan_air", 7)))

	msgs, err := client.XRange(ctx, "crawl:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var first, second Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["event"].(string)), &first))
	require.NoError(t, json.Unmarshal([]byte(msgs[1].Values["event"].(string)), &second))

	assert.Equal(t, TypeJobStarted, first.Type)
	assert.Equal(t, 3, first.Sites)
	assert.NotEmpty(t, first.MessageID)
	assert.Equal(t, uint64(1), first.Seq)

	assert.Equal(t, TypeFlightsFound, second.Type)
	assert.Equal(t, 7, second.Delta)
	assert.Equal(t, uint64(2), second.Seq)
}
