// Package kv provides the KV+PubSub collaborator: simple string
// GET/SET/SETEX/DEL, PUBLISH/SUBSCRIBE, and an
// optimistic-locking helper for compare-and-set style upserts, backed by
// Redis.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the narrow collaborator contract the Live Bus and Queue Store are
// built against.
type KV interface {
	// Get returns the value and true, or "", false if the key is absent.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value with no expiry.
	Set(ctx context.Context, key, value string) error

	// SetEX stores value with a TTL, refreshed on every write.
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes key. Absence is not an error.
	Del(ctx context.Context, key string) error

	// Publish sends payload on channel. Delivery is at-most-once per
	// subscriber session and never durable.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe opens a subscription to channel. Callers must Close it.
	Subscribe(ctx context.Context, channel string) Subscription

	// CompareAndSwap runs fn against the key's current value inside a
	// WATCH/MULTI transaction, retrying on conflict up to maxRetries
	// times. fn returns the next value and the TTL to apply (zero TTL
	// means no expiry), or ErrAbortCAS to leave the key untouched and
	// return its current value unchanged.
	CompareAndSwap(ctx context.Context, key string, maxRetries int, fn CASFunc) (string, error)

	Close() error
}

// CASFunc computes the next value for a compare-and-set key given its
// current value. exists is false if the key was absent.
type CASFunc func(current string, exists bool) (next string, ttl time.Duration, err error)

// ErrAbortCAS signals CompareAndSwap to leave the key untouched.
var ErrAbortCAS = errors.New("kv: cas aborted")

// ErrCASConflict is returned when every retry attempt raced another
// writer.
var ErrCASConflict = errors.New("kv: compare-and-swap exhausted retries")

// Subscription is an open PubSub subscription.
type Subscription interface {
	// Channel streams payloads as they are published. It is closed when
	// the subscription is closed or the connection is lost.
	Channel() <-chan string
	Close() error
}

// RedisKV implements KV using go-redis's UniversalClient, which
// transparently supports single-node, cluster, and sentinel Redis
// deployments depending on how it is constructed.
type RedisKV struct {
	client redis.UniversalClient
}

// Config configures the Redis-backed KV+PubSub collaborator.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New creates a single-node Redis client. Use NewFromClient to plug in a
// cluster or sentinel UniversalClient instead.
func New(cfg Config) *RedisKV {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
	})
	return &RedisKV{client: client}
}

// NewFromClient wraps an already-constructed UniversalClient (cluster or
// sentinel mode).
func NewFromClient(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %q: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

func (r *RedisKV) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv setex %q: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv del %q: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Publish(ctx context.Context, channel, payload string) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("kv publish %q: %w", channel, err)
	}
	return nil
}

func (r *RedisKV) Subscribe(ctx context.Context, channel string) Subscription {
	pubsub := r.client.Subscribe(ctx, channel)
	out := make(chan string, 16)

	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for msg := range ch {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &redisSubscription{pubsub: pubsub, out: out}
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    <-chan string
}

func (s *redisSubscription) Channel() <-chan string { return s.out }
func (s *redisSubscription) Close() error           { return s.pubsub.Close() }

// CompareAndSwap implements the CAS retry loop the Queue Store uses (up
// to 5 retries), using Redis WATCH/MULTI to detect a concurrent writer.
func (r *RedisKV) CompareAndSwap(ctx context.Context, key string, maxRetries int, fn CASFunc) (string, error) {
	var result string
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Result()
			exists := true
			if errors.Is(err, redis.Nil) {
				exists = false
				current = ""
			} else if err != nil {
				return fmt.Errorf("cas watch get: %w", err)
			}

			next, ttl, fnErr := fn(current, exists)
			if fnErr != nil {
				if errors.Is(fnErr, ErrAbortCAS) {
					result = current
					return nil
				}
				return fnErr
			}

			_, txErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, ttl)
				return nil
			})
			if txErr != nil {
				return txErr
			}
			result = next
			return nil
		}, key)

		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // another writer raced us; retry
		}
		return "", err
	}
	return "", ErrCASConflict
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}

// IsConnRefused reports whether err looks like a connection-refused error
// from the Redis client, useful for health checks that want a distinct
// "unavailable" classification.
func IsConnRefused(err error) bool {
	return err != nil && strings.Contains(err.Error(), "connection refused")
}
