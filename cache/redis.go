package cache

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps stores in Redis hashes, one hash per store.
// Store names are tracked in a set so that they can be enumerated without SCAN.
// All keys are prefixed with the namespace, which should identify the origin.
type RedisCache struct {
	client    *redis.Client
	namespace string
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisCache(client *redis.Client, namespace string) *RedisCache {
	if namespace == "" {
		namespace = "swcache"
	}
	return &RedisCache{client: client, namespace: namespace}
}

func (r *RedisCache) storesKey() string {
	return r.namespace + ":stores"
}

func (r *RedisCache) storeKey(store string) string {
	return r.namespace + ":store:" + store
}

func (r *RedisCache) Open(ctx context.Context, store string) error {
	if err := r.client.SAdd(ctx, r.storesKey(), store).Err(); err != nil {
		return StoreUnavailable(err, store)
	}
	return nil
}

func (r *RedisCache) Stores(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.storesKey()).Result()
	if err != nil {
		return nil, StoreUnavailable(err, "")
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisCache) Delete(ctx context.Context, store string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, r.storesKey(), store)
		pipe.Del(ctx, r.storeKey(store))
		return nil
	})
	if err != nil {
		return false, StoreUnavailable(err, store)
	}
	return removed.Val() > 0, nil
}

func (r *RedisCache) Get(ctx context.Context, store, key string) ([]byte, bool, error) {
	b, err := r.client.HGet(ctx, r.storeKey(store), key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, StoreUnavailable(err, store)
	}
	return b, true, nil
}

func (r *RedisCache) Put(ctx context.Context, store, key string, bytes []byte) (bool, error) {
	// a write racing a delete may survive, which is accepted
	ok, err := r.client.SIsMember(ctx, r.storesKey(), store).Result()
	if err != nil {
		return false, StoreUnavailable(err, store)
	}
	if !ok {
		return false, nil
	}
	if err := r.client.HSet(ctx, r.storeKey(store), key, bytes).Err(); err != nil {
		return false, StoreUnavailable(err, store)
	}
	return true, nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
