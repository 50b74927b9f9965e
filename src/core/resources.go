package core

import (
	"sync"
)

// Resources is the top-level object a process constructs once: it owns
// the configuration, the cache tiers, the seri-registry, the tasklet
// admin, the worker pool, and (once dialed) the remote proxy. Spec §9's
// design note calls for porting the source's process-global singletons
// "as explicit resources owned by the top-level resources object so
// tests can construct independent instances" — this is that object,
// grounded in naming and role on the teacher's BuildState (the object
// every build operation threads through) but holding CRADLE's own
// members instead of a build graph.
type Resources struct {
	Config *Configuration

	MemoryCache Cache
	DiskCache   Cache

	Registry Registry

	Tasklets *TaskletAdmin

	Pool Pool

	mu    sync.Mutex
	proxy Proxy
}

// NewResources constructs a Resources with the given configuration and
// cache tiers already wired; the registry and pool are created fresh so
// tests get an independent instance of each (spec §9).
func NewResources(config *Configuration, memoryCache, diskCache Cache, registry Registry) *Resources {
	return &Resources{
		Config:      config,
		MemoryCache: memoryCache,
		DiskCache:   diskCache,
		Registry:    registry,
		Tasklets:    NewTaskletAdmin(),
		Pool:        NewPool(runtimeWorkerCount()),
	}
}

func runtimeWorkerCount() int {
	return 8
}

// Proxy returns the currently-installed remote proxy, if any.
func (r *Resources) Proxy() (Proxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proxy, r.proxy != nil
}

// SetProxy installs (or replaces) the remote proxy. Called once a
// loopback or out-of-process dial succeeds.
func (r *Resources) SetProxy(p Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proxy = p
}

// Shutdown releases every owned resource: stops the pool, flushes and
// closes both cache tiers, and closes the proxy if one is installed.
func (r *Resources) Shutdown() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.MemoryCache != nil {
		record(r.MemoryCache.Shutdown())
	}
	if r.DiskCache != nil {
		record(r.DiskCache.Shutdown())
	}
	if p, ok := r.Proxy(); ok {
		record(p.Close())
	}
	if r.Pool != nil {
		for i := 0; i < runtimeWorkerCount(); i++ {
			r.Pool.StopWorker()
		}
	}
	return firstErr
}
