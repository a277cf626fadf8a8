package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eth2030/tokenrelay/core/types"
)

// DefaultRedisPrefix namespaces registry keys. The braces are a cluster
// hash tag: every key of one registry lands in the same slot.
const DefaultRedisPrefix = "{tokenrelay}:replay:"

// consumeScript marks a digest and bumps the entry count in one step.
// KEYS[1] = digest key, KEYS[2] = count key, ARGV[1] = unix timestamp.
var consumeScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX") then
    redis.call("INCR", KEYS[2])
    return 1
end
return 0
`)

// RedisRegistry shares consumed digests between relay instances. Keys
// never expire.
type RedisRegistry struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRegistry creates a registry on an existing client. A prefix
// without a hash tag is wrapped in one.
func NewRedisRegistry(client redis.UniversalClient, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisRegistry{client: client, prefix: slotPrefix(prefix)}
}

// slotPrefix returns prefix if it already carries a non-empty hash tag,
// otherwise prefix wrapped in braces.
func slotPrefix(prefix string) string {
	if i := strings.IndexByte(prefix, '{'); i >= 0 {
		if j := strings.IndexByte(prefix[i+1:], '}'); j > 0 {
			return prefix
		}
	}
	return "{" + prefix + "}"
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("replay: redis ping %s: %w", addr, err)
	}
	return NewRedisRegistry(client, prefix), nil
}

func (r *RedisRegistry) key(digest types.Hash) string { return r.prefix + digest.Hex() }

func (r *RedisRegistry) countKey() string { return r.prefix + "count" }

func (r *RedisRegistry) CheckAndInsert(ctx context.Context, digest types.Hash) (bool, error) {
	n, err := consumeScript.Run(ctx, r.client, []string{r.key(digest), r.countKey()}, time.Now().Unix()).Int()
	if err != nil {
		return false, fmt.Errorf("replay: redis consume: %w", err)
	}
	return n == 1, nil
}

func (r *RedisRegistry) Contains(ctx context.Context, digest types.Hash) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(digest)).Result()
	if err != nil {
		return false, fmt.Errorf("replay: redis exists: %w", err)
	}
	return n == 1, nil
}

func (r *RedisRegistry) Len(ctx context.Context) (int, error) {
	n, err := r.client.Get(ctx, r.countKey()).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("replay: redis count: %w", err)
	}
	return n, nil
}

func (r *RedisRegistry) Close() error { return r.client.Close() }
