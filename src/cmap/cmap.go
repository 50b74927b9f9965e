// Package cmap contains a thread-safe concurrent awaitable map.
// It is optimised for large maps (e.g. tens of thousands of entries) in highly
// contended environments; for smaller maps another implementation may do better.
//
// It is specifically useful in cases where a caller wants to be able to await
// items entering the map (and not having to poll it to find out when another
// goroutine may insert them) and where exactly one caller per key should be
// responsible for producing its value.
package cmap

import (
	"fmt"
	"sync"
)

// DefaultShardCount is a reasonable default shard count for large maps.
const DefaultShardCount = 1 << 8

// A Map is the top-level map type. All functions on it are threadsafe.
// It should be constructed via New() rather than creating an instance directly.
type Map[K comparable, V any] struct {
	shards []shard[K, V]
	hasher func(K) uint32
	mask   uint32
}

// New creates a new Map using the given hasher to hash items in it.
// The shard count must be a power of 2; it will panic if not.
// Higher shard counts will improve concurrency but consume more memory.
// The DefaultShardCount of 256 is reasonable for a large map.
func New[K comparable, V any](shardCount uint32, hasher func(K) uint32) *Map[K, V] {
	mask := shardCount - 1
	if (shardCount & mask) != 0 {
		panic(fmt.Sprintf("Shard count %d is not a power of 2", shardCount))
	}
	m := &Map[K, V]{
		shards: make([]shard[K, V], shardCount),
		mask:   mask,
		hasher: hasher,
	}
	for i := range m.shards {
		m.shards[i].m = map[K]awaitableValue[V]{}
	}
	return m
}

func (m *Map[K, V]) shardFor(key K) *shard[K, V] {
	return &m.shards[m.hasher(key)&m.mask]
}

// Set is the equivalent of `map[key] = val`. Any goroutine waiting on the key
// via GetOrWait is released.
func (m *Map[K, V]) Set(key K, val V) {
	m.shardFor(key).Set(key, val)
}

// Add is like Set but refuses to overwrite an existing, already-produced value.
// It returns true if the item was freshly inserted, false if it already existed.
func (m *Map[K, V]) Add(key K, val V) bool {
	return m.shardFor(key).Add(key, val)
}

// Get returns the value for a key, or the zero value if it is not present
// (including if something is currently waiting for it to be set).
func (m *Map[K, V]) Get(key K) V {
	v, _ := m.shardFor(key).Get(key)
	return v
}

// GetOrWait returns the current value for a key, a channel that closes once a
// value has been Set (nil if the value is already present), and whether this
// call is the first to observe the key absent. A caller for whom first is true
// is responsible for eventually calling Set on the same key; every other
// concurrent caller instead waits on the returned channel.
func (m *Map[K, V]) GetOrWait(key K) (val V, wait <-chan struct{}, first bool) {
	return m.shardFor(key).GetOrWait(key)
}

// Delete removes a key from the map, if present.
func (m *Map[K, V]) Delete(key K) {
	m.shardFor(key).Delete(key)
}

// Values returns a slice of all the current, fully-set values in the map.
// No particular consistency guarantees are made.
func (m *Map[K, V]) Values() []V {
	ret := []V{}
	for i := range m.shards {
		ret = append(ret, m.shards[i].Values()...)
	}
	return ret
}

// An awaitableValue represents a value in the map & an awaitable channel for it to exist.
type awaitableValue[V any] struct {
	Val  V
	Wait chan struct{}
}

// A shard is one of the individual shards of a map.
type shard[K comparable, V any] struct {
	m map[K]awaitableValue[V]
	l sync.Mutex
}

func (s *shard[K, V]) Set(key K, val V) {
	s.l.Lock()
	defer s.l.Unlock()
	existing, present := s.m[key]
	s.m[key] = awaitableValue[V]{Val: val}
	if present && existing.Wait != nil {
		close(existing.Wait)
	}
}

func (s *shard[K, V]) Add(key K, val V) bool {
	s.l.Lock()
	defer s.l.Unlock()
	if existing, present := s.m[key]; present {
		if existing.Wait == nil {
			return false // already added
		}
		s.m[key] = awaitableValue[V]{Val: val}
		close(existing.Wait)
		return true
	}
	s.m[key] = awaitableValue[V]{Val: val}
	return true
}

func (s *shard[K, V]) Get(key K) (val V, wait <-chan struct{}) {
	s.l.Lock()
	defer s.l.Unlock()
	if v, ok := s.m[key]; ok {
		return v.Val, v.Wait
	}
	var zero V
	return zero, nil
}

func (s *shard[K, V]) GetOrWait(key K) (val V, wait <-chan struct{}, first bool) {
	s.l.Lock()
	defer s.l.Unlock()
	if v, ok := s.m[key]; ok {
		return v.Val, v.Wait, false
	}
	ch := make(chan struct{})
	s.m[key] = awaitableValue[V]{Wait: ch}
	var zero V
	return zero, ch, true
}

func (s *shard[K, V]) Delete(key K) {
	s.l.Lock()
	defer s.l.Unlock()
	delete(s.m, key)
}

// Values returns a copy of all the fully-set values currently in the shard.
func (s *shard[K, V]) Values() []V {
	s.l.Lock()
	defer s.l.Unlock()
	ret := make([]V, 0, len(s.m))
	for _, v := range s.m {
		if v.Wait == nil {
			ret = append(ret, v.Val)
		}
	}
	return ret
}
