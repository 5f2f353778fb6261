package redisstore

import "github.com/redis/go-redis/v9"

// Owner-checked scripts. KEYS[1] is the key, ARGV[1] the value the caller
// believes it holds. Both return 0 when the key is gone or owned by someone
// else.
var (
	// CompareAndDelete deletes KEYS[1] if it still holds ARGV[1]
	CompareAndDelete = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
else
	return 0
end`)

	// CompareAndPExpire resets the TTL of KEYS[1] to ARGV[2] milliseconds
	// if it still holds ARGV[1]
	CompareAndPExpire = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('pexpire', KEYS[1], ARGV[2])
else
	return 0
end`)
)
