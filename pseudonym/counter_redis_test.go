package pseudonym

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCounter_CloseReleasesClient(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	counter := NewRedisCounter(client)

	require.NoError(t, counter.Close())

	_, err := counter.Reserve(context.Background(), "TUDA1", 1)
	assert.ErrorIs(t, err, redis.ErrClosed)
}
