package redisstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// MGet reads many keys in one round trip. Missing keys come back as nil.
// Cluster clients cannot MGET across slots, so they get a pipeline instead.
func MGet(ctx context.Context, client redis.UniversalClient, keys ...string) ([]interface{}, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if _, ok := client.(*redis.ClusterClient); !ok {
		return client.MGet(ctx, keys...).Result()
	}

	pipe := client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	values := make([]interface{}, len(keys))
	for i, cmd := range cmds {
		v, err := cmd.Result()
		switch {
		case errors.Is(err, redis.Nil):
			values[i] = nil
		case err != nil:
			return nil, err
		default:
			values[i] = v
		}
	}
	return values, nil
}
