package lease

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	retry "github.com/sethvargo/go-retry"
	"github.com/virtstor/virtstor"
)

// Lease keys carry this prefix on the coordination service so they share a
// database with unrelated keys without collisions.
const keyPrefix = "VL"

// Options configures the connection to the lease coordination service.
type Options struct {
	// Address is the host:port of the Redis server/cluster.
	Address string
	// Password required when connecting to the Redis server.
	Password string
	// DB to connect to.
	DB int
	// TLS config.
	TLSConfig *tls.Config
}

// DefaultOptions connects to a local Redis with no auth.
func DefaultOptions() Options {
	return Options{
		Address:  "localhost:6379",
		Password: "", // no password set
		DB:       0,  // use default DB
	}
}

// Redis is a lease Manager over one Redis connection. Each acquisition mints
// a fresh owner UUID and claims the key with a TTL; a second verification
// read confirms the claim won before ownership is reported.
type Redis struct {
	client *redis.Client
}

// NewRedis opens a client to the coordination service. The caller owns the
// returned manager's lifecycle; Close it when done.
func NewRedis(options Options) *Redis {
	client := redis.NewClient(&redis.Options{
		TLSConfig: options.TLSConfig,
		Addr:      options.Address,
		Password:  options.Password,
		DB:        options.DB,
	})
	return &Redis{client: client}
}

// Close releases the underlying connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping verifies the coordination service is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func redisKey(k Key) string {
	return keyPrefix + k.String()
}

// readWithRetry runs one read against the coordination service, retrying
// transient failures. redis.Nil passes through untouched; an absent key is
// an answer, not a service fault.
func readWithRetry(ctx context.Context, read func(ctx context.Context) (string, error)) (string, error) {
	var val string
	var terminal error
	err := virtstor.Retry(ctx, func(ctx context.Context) error {
		var rerr error
		val, rerr = read(ctx)
		if rerr != nil && rerr != redis.Nil && virtstor.ShouldRetry(rerr) {
			return retry.RetryableError(rerr)
		}
		terminal = rerr
		return nil
	}, nil)
	if err != nil {
		return "", err
	}
	return val, terminal
}

func (r *Redis) Acquire(ctx context.Context, key Key, ttl time.Duration) (Lease, error) {
	owner := virtstor.NewUUID()
	rk := redisKey(key)

	current, err := readWithRetry(ctx, func(ctx context.Context) (string, error) {
		return r.client.Get(ctx, rk).Result()
	})
	if err == nil {
		// Key exists: someone holds the lease.
		holder, _ := virtstor.ParseUUID(current)
		return nil, HeldError{Key: key, Owner: holder}
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("reading lease %s: %w", key, err)
	}

	if err := virtstor.Retry(ctx, func(ctx context.Context) error {
		rerr := r.client.SetNX(ctx, rk, owner.String(), ttl).Err()
		if virtstor.ShouldRetry(rerr) {
			return retry.RetryableError(rerr)
		}
		return rerr
	}, nil); err != nil {
		return nil, fmt.Errorf("claiming lease %s: %w", key, err)
	}
	// Use a 2nd "get" to ensure we won the claim and fail if not.
	readBack, err := readWithRetry(ctx, func(ctx context.Context) (string, error) {
		return r.client.Get(ctx, rk).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("verifying lease %s: %w", key, err)
	}
	if readBack != owner.String() {
		holder, _ := virtstor.ParseUUID(readBack)
		return nil, HeldError{Key: key, Owner: holder}
	}
	return &redisLease{mgr: r, key: key, owner: owner, ttl: ttl}, nil
}

type redisLease struct {
	mgr   *Redis
	key   Key
	owner virtstor.UUID
	ttl   time.Duration
}

func (l *redisLease) Key() Key {
	return l.key
}

func (l *redisLease) Owner() virtstor.UUID {
	return l.owner
}

// Confirm reports continued ownership, extending the TTL when owned.
func (l *redisLease) Confirm(ctx context.Context) (bool, error) {
	current, err := readWithRetry(ctx, func(ctx context.Context) (string, error) {
		return l.mgr.client.GetEx(ctx, redisKey(l.key), l.ttl).Result()
	})
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("confirming lease %s: %w", l.key, err)
	}
	return current == l.owner.String(), nil
}

// Release deletes the lease key only while this holder still owns it.
func (l *redisLease) Release(ctx context.Context) error {
	rk := redisKey(l.key)
	current, err := readWithRetry(ctx, func(ctx context.Context) (string, error) {
		return l.mgr.client.Get(ctx, rk).Result()
	})
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading lease %s for release: %w", l.key, err)
	}
	if current != l.owner.String() {
		// Expired and re-acquired elsewhere; not ours to delete.
		return nil
	}
	if err := l.mgr.client.Del(ctx, rk).Err(); err != nil {
		return fmt.Errorf("releasing lease %s: %w", l.key, err)
	}
	return nil
}
