// Package seri implements the seri-registry and seri-catalog of spec
// §4.10: a process-wide uuid -> (deserializer, resolver) table, layered
// with scoped Catalog instances that a DLL load or test fixture can tear
// down independently without disturbing any other registrant's entries.
package seri

import (
	"sync"

	"github.com/open-cradle/cradle/src/cmap"
	"github.com/open-cradle/cradle/src/core"
	"github.com/open-cradle/cradle/src/hashes"
)

// NewBacking constructs the shared backing map a Resources instance
// hands to every Catalog built against it, so all of a process's
// catalogs resolve against one table (spec §6: one Registry per
// process).
func NewBacking() *cmap.Map[string, core.Registration] {
	return cmap.New[string, core.Registration](cmap.DefaultShardCount, hashUUID)
}

func hashUUID(uuid string) uint32 {
	return uint32(hashes.FastHash([]byte(uuid)))
}

// Catalog is a scoped core.Catalog backed by a shared cmap.Map: Register
// writes into the shared table, and Close removes only the entries this
// Catalog itself added (spec §4.10's "unloading a DLL removes just its
// own registrations").
type Catalog struct {
	backing *cmap.Map[string, core.Registration]

	mu    sync.Mutex
	owned map[string]bool
	refs  map[string]int64
}

// NewCatalog builds a Catalog layered on backing (typically
// Resources.Registry's backing map).
func NewCatalog(backing *cmap.Map[string, core.Registration]) *Catalog {
	return &Catalog{backing: backing, owned: map[string]bool{}, refs: map[string]int64{}}
}

// Lookup implements core.Registry. The zero Registration has a nil
// Deserialize, which cmap.Map.Get already returns for an absent key, so
// no second presence map is needed here.
func (c *Catalog) Lookup(uuid string) (core.Registration, bool) {
	reg := c.backing.Get(uuid)
	return reg, reg.Deserialize != nil
}

// Register implements core.Catalog.
func (c *Catalog) Register(uuid string, reg core.Registration) {
	c.backing.Set(uuid, reg)
	c.mu.Lock()
	c.owned[uuid] = true
	c.mu.Unlock()
}

// Close implements core.Catalog: removes every uuid this Catalog
// registered, leaving entries owned by any other Catalog sharing the
// same backing map untouched. Unlike Unload, Close does not consult
// refcounts: a Catalog's owner tearing itself down entirely (process
// exit, test cleanup) wins over any resolution still in flight against
// it, since nothing will be left to serve that resolution anyway.
func (c *Catalog) Close() {
	c.mu.Lock()
	owned := c.owned
	c.owned = map[string]bool{}
	c.refs = map[string]int64{}
	c.mu.Unlock()
	for uuid := range owned {
		c.backing.Delete(uuid)
	}
}

// Retain implements core.RefCounter: records that a resolution using
// uuid's registration has started.
func (c *Catalog) Retain(uuid string) {
	c.mu.Lock()
	c.refs[uuid]++
	c.mu.Unlock()
}

// Release implements core.RefCounter: records that a resolution using
// uuid's registration has finished. Releasing a uuid with no outstanding
// Retain is a no-op rather than going negative, so a stray Release after
// Unload already cleared refs can't corrupt a later registration reusing
// the same uuid.
func (c *Catalog) Release(uuid string) {
	c.mu.Lock()
	if c.refs[uuid] > 0 {
		c.refs[uuid]--
	}
	c.mu.Unlock()
}

// Unload removes a single uuid's registration, refusing (ErrInvalidArgument)
// while any resolution using it is still in flight — the refcount-guarded
// unload spec §9's open question calls for, scoped to in-flight
// resolutions rather than full cache residency: CRADLE's AC is keyed by
// request fingerprint, not by producing uuid, so there is no reverse
// index from a live cache record back to the registration that produced
// it for Unload to consult directly. Guarding the window in which the
// registration's own Resolve call is actually executing is what a
// concurrent unload-while-resolving race actually needs.
func (c *Catalog) Unload(uuid string) error {
	c.mu.Lock()
	if !c.owned[uuid] {
		c.mu.Unlock()
		return core.NewError(core.ErrInvalidArgument, "catalog does not own registration %q", uuid)
	}
	if c.refs[uuid] > 0 {
		n := c.refs[uuid]
		c.mu.Unlock()
		return core.NewError(core.ErrInvalidArgument, "cannot unload %q: %d resolution(s) still in flight", uuid, n)
	}
	delete(c.owned, uuid)
	delete(c.refs, uuid)
	c.mu.Unlock()
	c.backing.Delete(uuid)
	return nil
}

var (
	_ core.Registry   = (*Catalog)(nil)
	_ core.Catalog    = (*Catalog)(nil)
	_ core.RefCounter = (*Catalog)(nil)
)
