package keyvalue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("key not found")

// Backend is the storage behind one binding.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error
	Add(ctx context.Context, key string, delta int64) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	ListAdd(ctx context.Context, key, value string) (int64, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	SetAdd(ctx context.Context, key, value string) (int64, error)
	SetMembers(ctx context.Context, key string) ([]string, error)
	Close() error
}

type redisBackend struct {
	client *redis.Client
}

func newRedisBackend(url string) (*redisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &redisBackend{client: redis.NewClient(opts)}, nil
}

func (b *redisBackend) Get(ctx context.Context, key string) (string, error) {
	v, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (b *redisBackend) Set(ctx context.Context, key, value string) error {
	return b.client.Set(ctx, key, value, 0).Err()
}

func (b *redisBackend) Del(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *redisBackend) Add(ctx context.Context, key string, delta int64) (int64, error) {
	return b.client.IncrBy(ctx, key, delta).Result()
}

func (b *redisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (b *redisBackend) ListAdd(ctx context.Context, key, value string) (int64, error) {
	return b.client.RPush(ctx, key, value).Result()
}

func (b *redisBackend) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return b.client.LRange(ctx, key, start, stop).Result()
}

func (b *redisBackend) SetAdd(ctx context.Context, key, value string) (int64, error) {
	return b.client.SAdd(ctx, key, value).Result()
}

func (b *redisBackend) SetMembers(ctx context.Context, key string) ([]string, error) {
	return b.client.SMembers(ctx, key).Result()
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}

// memoryBackend keeps values in process.
type memoryBackend struct {
	mu     sync.Mutex
	values map[string]string
	lists  map[string][]string
	sets   map[string]map[string]struct{}
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		values: make(map[string]string),
		lists:  make(map[string][]string),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (b *memoryBackend) Get(_ context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (b *memoryBackend) Set(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	return nil
}

func (b *memoryBackend) Del(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	delete(b.lists, key)
	delete(b.sets, key)
	return nil
}

func (b *memoryBackend) Add(_ context.Context, key string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var cur int64
	if v, ok := b.values[key]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not an integer", key)
		}
		cur = n
	}
	cur += delta
	b.values[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (b *memoryBackend) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, v := b.values[key]
	_, l := b.lists[key]
	_, s := b.sets[key]
	return v || l || s, nil
}

func (b *memoryBackend) ListAdd(_ context.Context, key, value string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists[key] = append(b.lists[key], value)
	return int64(len(b.lists[key])), nil
}

// ListRange follows redis LRANGE semantics, including negative indexes.
func (b *memoryBackend) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.lists[key]
	n := int64(len(list))
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []string{}, nil
	}
	return append([]string(nil), list[start:stop+1]...), nil
}

func (b *memoryBackend) SetAdd(_ context.Context, key, value string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sets[key]
	if !ok {
		set = make(map[string]struct{})
		b.sets[key] = set
	}
	if _, dup := set[value]; dup {
		return 0, nil
	}
	set[value] = struct{}{}
	return 1, nil
}

func (b *memoryBackend) SetMembers(_ context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sets[key]))
	for v := range b.sets[key] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (b *memoryBackend) Close() error { return nil }
