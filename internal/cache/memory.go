package cache

import (
	"strconv"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// MemoryStore is an in-memory LRU used as the degraded path when redis is
// unreachable (plan result cache) and by unit tests.
type MemoryStore struct {
	lru       *expirable.LRU[string, []byte]
	evictions atomic.Int64
	maxSize   int
}

// NewMemoryStore creates an in-memory LRU store with the given max size and TTL.
func NewMemoryStore(maxSize int, ttl time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	s := &MemoryStore{maxSize: maxSize}
	s.lru = expirable.NewLRU[string, []byte](maxSize, func(key string, value []byte) {
		s.evictions.Add(1)
	}, ttl)
	return s
}

func (s *MemoryStore) Get(key string) ([]byte, bool) {
	return s.lru.Get(key)
}

func (s *MemoryStore) Set(key string, value []byte) {
	s.lru.Add(key, value)
}

func (s *MemoryStore) Delete(key string) {
	s.lru.Remove(key)
}

func (s *MemoryStore) Purge() {
	s.lru.Purge()
}

// Stats describes store occupancy.
type Stats struct {
	Size      int
	MaxSize   int
	Evictions int64
}

func (s *MemoryStore) Stats() Stats {
	return Stats{
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Evictions: s.evictions.Load(),
	}
}
