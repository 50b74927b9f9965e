// Package cache implements the in-memory action-cache/content-addressed-
// store (AC+CAS) memory cache (spec §4.5): two maps keyed respectively by
// request fingerprint and value digest, with a shared-producer-task
// protocol guaranteeing at-most-one in-flight computation per
// fingerprint, pin/lock semantics, and LRU eviction.
//
// The single-flight idea is grounded on the teacher's src/cache
// asyncCache, which serialized concurrent Store calls for the same
// build target through an internal queue; here the same "exactly one
// goroutine drives this key" guarantee is built directly into the AC
// record via cmap's GetOrWait instead of a request channel, since AC
// entries (unlike build-cache stores) must support blocking waiters.
package cache

import (
	"container/list"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/open-cradle/cradle/src/cmap"
	"github.com/open-cradle/cradle/src/core"
	"github.com/open-cradle/cradle/src/hashes"
)

var log = logging.MustGetLogger("cache")

type acState int

const (
	acLoading acState = iota
	acReady
	acFailed
)

// acRecord is one action-cache entry (spec §3's "AC record").
type acRecord struct {
	mu       sync.Mutex
	state    acState
	cas      *casRecord
	err      error
	refcount int
	lastUsed time.Time
	locked   bool
	done     chan struct{}
	elem     *list.Element // non-nil while on the eviction list
}

// casRecord is one content-addressed-store entry (spec §3's "CAS
// record").
type casRecord struct {
	digest   hashes.Digest
	value    core.Value
	size     int
	refcount int
}

// digestOf returns the wire-encoded size of v along with its digest, used
// both to key the CAS and to track the memory cache's byte budget.
func digestOf(v core.Value) (hashes.Digest, int, error) {
	enc, err := v.Encode()
	if err != nil {
		return hashes.Digest{}, 0, err
	}
	h := hashes.NewHasher()
	h.Update(enc)
	return h.Sum(), len(enc), nil
}

// MemoryCache is the process-global AC+CAS pair (spec §4.5). Construct
// one per Resources; concurrent callers share it via CachePtr.
type MemoryCache struct {
	ac *cmap.Map[hashes.Digest, *acRecord]

	mu        sync.Mutex
	cas       map[hashes.Digest]*casRecord
	evictable *list.List // of AC keys (hashes.Digest), oldest (front) to newest (back)
	casBytes  uint64

	sizeLimit uint64
}

// NewMemoryCache constructs an empty memory cache with the given soft
// byte budget for the eviction list (config key
// MEMORY_CACHE_UNUSED_SIZE_LIMIT).
func NewMemoryCache(sizeLimit uint64) *MemoryCache {
	return &MemoryCache{
		ac:        cmap.New[hashes.Digest, *acRecord](cmap.DefaultShardCount, fingerprintHash),
		cas:       map[hashes.Digest]*casRecord{},
		evictable: list.New(),
		sizeLimit: sizeLimit,
	}
}

func fingerprintHash(d hashes.Digest) uint32 {
	return uint32(hashes.FastHash(d[:]))
}

// CachePtr is the owning handle a caller holds while resolving fingerprint
// k (spec glossary: "owning handle to an AC record that keeps it pinned
// and drives the producer task"). Callers must call Release exactly once.
type CachePtr struct {
	cache  *MemoryCache
	key    hashes.Digest
	record *acRecord
}

// GetOrCompute implements the resolve-with-memory-cache protocol of spec
// §4.5 steps 1-4. Exactly one caller per fingerprint (across any number
// of concurrent callers) invokes produce; everyone else awaits its
// result. A FAILED record does not block a later retry: every caller that
// sees FAILED discards the record and returns the error, and the next
// GetOrCompute for the key installs a fresh LOADING record.
func (c *MemoryCache) GetOrCompute(key hashes.Digest, produce func() (core.Value, error)) (CachePtr, core.Value, error) {
	for {
		record, isNew := c.obtainOrCreate(key)
		ptr := CachePtr{cache: c, key: key, record: record}
		c.pin(record)

		if isNew {
			c.run(key, record, produce)
		}

		<-record.done

		record.mu.Lock()
		state := record.state
		var value core.Value
		var err error
		if state == acReady {
			value = record.cas.value
		} else {
			err = record.err
		}
		record.mu.Unlock()

		if state == acFailed {
			// Let the caller retry: drop our pin and clear the slot so
			// the next GetOrCompute reinstalls LOADING (spec §4.5
			// step 4).
			ptr.Release()
			c.ac.Delete(key)
			return CachePtr{}, core.Value{}, err
		}
		return ptr, value, nil
	}
}

// obtainOrCreate returns the AC record for key, creating and installing a
// fresh LOADING record if none exists yet. isNew tells the caller whether
// it must itself run the producer.
func (c *MemoryCache) obtainOrCreate(key hashes.Digest) (*acRecord, bool) {
	existing, wait, first := c.ac.GetOrWait(key)
	if !first {
		if wait != nil {
			<-wait
			existing, _, _ = c.ac.GetOrWait(key)
		}
		return existing, false
	}
	record := &acRecord{state: acLoading, done: make(chan struct{})}
	c.ac.Set(key, record)
	return record, true
}

// run executes produce for a freshly-created record and publishes the
// result (spec §4.5 steps 3-4).
func (c *MemoryCache) run(key hashes.Digest, record *acRecord, produce func() (core.Value, error)) {
	value, err := produce()
	record.mu.Lock()
	defer record.mu.Unlock()
	if err != nil {
		record.state = acFailed
		record.err = err
		close(record.done)
		return
	}
	digest, size, encErr := digestOf(value)
	if encErr != nil {
		record.state = acFailed
		record.err = encErr
		close(record.done)
		return
	}
	cas := c.internCAS(digest, value, size)
	record.state = acReady
	record.cas = cas
	close(record.done)
}

// internCAS returns the CAS record for digest, creating it if absent and
// incrementing its refcount for the new AC link (spec §4.5 step 3, §3's
// "two requests that produce equal values share one CAS record").
func (c *MemoryCache) internCAS(digest hashes.Digest, value core.Value, size int) *casRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.cas[digest]; ok {
		existing.refcount++
		return existing
	}
	rec := &casRecord{digest: digest, value: value, size: size, refcount: 1}
	c.cas[digest] = rec
	c.casBytes += uint64(size)
	return rec
}

// pin increments an AC record's refcount, removing it from the eviction
// list if it was sitting there (spec §8 invariant 2).
func (c *MemoryCache) pin(record *acRecord) {
	record.mu.Lock()
	record.refcount++
	record.lastUsed = time.Now()
	if record.elem != nil {
		c.mu.Lock()
		c.evictable.Remove(record.elem)
		c.mu.Unlock()
		record.elem = nil
	}
	record.mu.Unlock()
}

// Release drops a CachePtr's pin. When the refcount reaches zero (and the
// record isn't explicitly locked) it joins the LRU eviction list.
func (p CachePtr) Release() {
	if p.cache == nil || p.record == nil {
		return
	}
	r := p.record
	r.mu.Lock()
	r.refcount--
	evictable := r.refcount == 0 && !r.locked && r.state != acLoading
	r.mu.Unlock()
	if evictable {
		p.cache.mu.Lock()
		r.mu.Lock()
		if r.refcount == 0 && !r.locked && r.elem == nil {
			r.elem = p.cache.evictable.PushBack(p.key)
		}
		r.mu.Unlock()
		p.cache.mu.Unlock()
	}
}

// Value returns the produced value, valid only when the GetOrCompute call
// that returned this ptr also returned a nil error.
func (p CachePtr) Value() (core.Value, bool) {
	p.record.mu.Lock()
	defer p.record.mu.Unlock()
	if p.record.state != acReady {
		return core.Value{}, false
	}
	return p.record.cas.value, true
}

// Lock attaches a cache_record_lock to the AC record for key, pinning it
// independently of any CachePtr. Attempting to attach a second lock to
// the same record fails (spec §4.5 "Lock").
func (c *MemoryCache) Lock(key hashes.Digest) error {
	record := c.ac.Get(key)
	if record == nil {
		return core.NewError(core.ErrNotFound, "no cache record for key to lock")
	}
	record.mu.Lock()
	defer record.mu.Unlock()
	if record.locked {
		return core.NewError(core.ErrInvalidArgument, "cache record already locked")
	}
	record.locked = true
	if record.elem != nil {
		c.mu.Lock()
		c.evictable.Remove(record.elem)
		c.mu.Unlock()
		record.elem = nil
	}
	return nil
}

// Unlock releases a previously-attached cache_record_lock, returning the
// record to the eviction list if its pin count is now zero.
func (c *MemoryCache) Unlock(key hashes.Digest) error {
	record := c.ac.Get(key)
	if record == nil {
		return core.NewError(core.ErrNotFound, "no cache record for key to unlock")
	}
	record.mu.Lock()
	record.locked = false
	evictable := record.refcount == 0
	record.mu.Unlock()
	if evictable {
		c.mu.Lock()
		record.mu.Lock()
		if record.elem == nil && record.refcount == 0 && !record.locked {
			record.elem = c.evictable.PushBack(key)
		}
		record.mu.Unlock()
		c.mu.Unlock()
	}
	return nil
}

// ClearUnusedEntries walks the eviction list oldest to newest, removing AC
// (and, once their refcount reaches zero, CAS) records until total CAS
// bytes fit within the configured soft limit (spec §4.5 "Eviction", §8
// invariant 3).
func (c *MemoryCache) ClearUnusedEntries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.casBytes > c.sizeLimit {
		front := c.evictable.Front()
		if front == nil {
			break
		}
		key := front.Value.(hashes.Digest)
		c.evictable.Remove(front)
		record := c.ac.Get(key)
		if record == nil {
			continue
		}
		c.ac.Delete(key)
		record.mu.Lock()
		cas := record.cas
		record.mu.Unlock()
		if cas == nil {
			continue
		}
		cas.refcount--
		if cas.refcount <= 0 {
			delete(c.cas, cas.digest)
			c.casBytes -= uint64(cas.size)
		}
	}
}

// CASBytes reports the current total size of CAS entries, for
// diagnostics and tests.
func (c *MemoryCache) CASBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.casBytes
}

// Lookup and Store implement core.Cache so MemoryCache can be installed
// directly on Resources; they bypass the shared-producer-task protocol
// since they're explicit lookups/stores, not resolutions (spec §7:
// not_found is for "explicit lookups", distinct from a resolve-path
// miss).
func (c *MemoryCache) Lookup(key hashes.Digest) (core.Value, bool, error) {
	record := c.ac.Get(key)
	if record == nil {
		return core.Value{}, false, nil
	}
	record.mu.Lock()
	defer record.mu.Unlock()
	if record.state != acReady {
		return core.Value{}, false, nil
	}
	return record.cas.value, true, nil
}

func (c *MemoryCache) Store(key hashes.Digest, value core.Value) error {
	ptr, _, err := c.GetOrCompute(key, func() (core.Value, error) { return value, nil })
	if err != nil {
		return err
	}
	ptr.Release()
	return nil
}

func (c *MemoryCache) Clean(key hashes.Digest) error {
	c.ac.Delete(key)
	return nil
}

func (c *MemoryCache) CleanAll() error {
	c.ac = cmap.New[hashes.Digest, *acRecord](cmap.DefaultShardCount, fingerprintHash)
	c.mu.Lock()
	c.cas = map[hashes.Digest]*casRecord{}
	c.evictable = list.New()
	c.casBytes = 0
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Shutdown() error {
	log.Debug("Shutting down memory cache")
	return nil
}

var _ core.Cache = (*MemoryCache)(nil)
