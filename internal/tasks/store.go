package tasks

import (
	"context"
	"encoding/json"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

// MemoryStore is the in-process artifact store used by tests and the
// memory queue backend.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]map[string]any)}
}

func (s *MemoryStore) Exists(_ context.Context, href string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[href]
	return ok, nil
}

func (s *MemoryStore) Put(_ context.Context, href string, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[href] = meta
	return nil
}

// Delete exists for tests that simulate a lost artifact.
func (s *MemoryStore) Delete(href string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, href)
}

// RedisStore keeps the artifact index in a Redis hash. The index records
// what was written where; the bytes themselves live in object storage
// outside this process.
type RedisStore struct {
	rdb *goredis.Client
	key string
}

func NewRedisStore(rdb *goredis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, key: "geoetl:artifacts"}
}

func (s *RedisStore) Exists(ctx context.Context, href string) (bool, error) {
	n, err := s.rdb.HExists(ctx, s.key, href).Result()
	if err != nil {
		return false, err
	}
	return n, nil
}

func (s *RedisStore) Put(ctx context.Context, href string, meta map[string]any) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.key, href, raw).Err()
}
