//go:build integration

package notify

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisSinkAppendsToStream(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, container)

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	sink := NewRedisSink(client, "kfa:notifications", 1000)
	n := Notification{EntityType: "certification", EntityID: uuid.New(), Status: "expired", UserID: uuid.New()}
	require.NoError(t, sink.Send(ctx, n))

	entries, err := client.XRange(ctx, "kfa:notifications", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, n.EntityID.String(), entries[0].Values["entity_id"])
	assert.Equal(t, "expired", entries[0].Values["status"])
}
