// Package store implements the key-value broker: a concurrent map from
// string key to opaque bytes with an optional absolute expiry. It is
// intentionally the simplest of the four brokers — a dependency surface the
// rest of the server can lean on, not a focus of the design.
package store

import (
	"runtime"
	"sync"
	"time"
)

const shardCount = 32

type entry struct {
	value    []byte
	expireAt time.Time // zero means no expiry
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

// Store is a sharded concurrent map with lazy and periodic expiry. Sharding
// bounds lock contention the same way the queue/pubsub brokers bound it by
// queue name / root topic, just keyed by a hash of the string key instead.
type Store struct {
	shards [shardCount]*shard

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds a Store and starts its background sweeper, which runs every
// cleanupInterval. The sweeper goroutine holds no reference to the returned
// *Store other than through the stop channel, so once the caller drops the
// store and calls Close, the goroutine exits and nothing keeps the shards
// alive.
func New(cleanupInterval time.Duration) *Store {
	s := &Store{stop: make(chan struct{})}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]entry)}
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 30 * time.Second
	}
	go sweepLoop(s.shards[:], s.stop, cleanupInterval)
	return s
}

// sweepLoop is a free function (not a *Store method) so it closes only over
// the shard slice and the stop channel, never over the Store itself —
// otherwise the goroutine would keep the whole Store reachable forever.
func sweepLoop(shards []*shard, stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			for _, sh := range shards {
				sh.sweep(now)
			}
			runtime.Gosched()
		}
	}
}

func (sh *shard) sweep(now time.Time) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for k, e := range sh.items {
		if !e.expireAt.IsZero() && now.After(e.expireAt) {
			delete(sh.items, k)
		}
	}
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[fnv32(key)%shardCount]
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// Set stores value under key. If ttl > 0, the entry expires absolutely at
// time.Now().Add(ttl); ttl <= 0 means no expiry.
func (s *Store) Set(key string, value []byte, ttl time.Duration) {
	sh := s.shardFor(key)
	var expireAt time.Time
	if ttl > 0 {
		expireAt = time.Now().Add(ttl)
	}
	sh.mu.Lock()
	sh.items[key] = entry{value: value, expireAt: expireAt}
	sh.mu.Unlock()
}

// Get returns the value for key and true, or (nil, false) if the key is
// absent or has expired. Expiry is checked lazily here in addition to the
// periodic sweep, so a read never observes a logically-expired value even
// if the sweeper hasn't run yet.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.items[key]
	sh.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expireAt.IsZero() && time.Now().After(e.expireAt) {
		return nil, false
	}
	return e.value, true
}

// Del removes key. Deleting an absent key is a no-op.
func (s *Store) Del(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.items, key)
	sh.mu.Unlock()
}

// Close stops the background sweeper. Safe to call more than once.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}
