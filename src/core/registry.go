package core

// Deserializer reconstructs a Request from its serialized argument
// fields (the wire form minus the uuid discriminator, which the registry
// already consumed to find this deserializer).
type Deserializer func(fields map[string]interface{}) (Request, error)

// Resolver is the other half of a seri-registry registration: given a
// context and a request already reconstructed by a Deserializer, produce
// its serialized result. Kept distinct from Request.Resolve because a
// worker resolving a just-deserialized request needs to serialize the
// result before returning it over RPC (spec §4.10).
type Resolver func(ctx Context, req Request) ([]byte, error)

// Registration bundles the two functions a seri-catalog records per
// uuid.
type Registration struct {
	Deserialize Deserializer
	Resolve     Resolver
}

// Registry is the process-global uuid -> (deserializer, resolver) map
// (spec §4.10). A single process-wide Registry lives on Resources;
// Catalog instances layer scoped registrations on top of it.
type Registry interface {
	Lookup(uuid string) (Registration, bool)
}

// Catalog is a scoped bundle of registrations owned by a DLL or test
// fixture; destroying it (Close) removes just its entries from the
// backing Registry (spec §4.10).
type Catalog interface {
	Registry
	Register(uuid string, reg Registration)
	Close()
}

// RefCounter is implemented by a Registry that tracks how many
// resolutions are currently in flight against each uuid's registration,
// so it can refuse to unload one still in use (spec §9's "DLL/
// containment unload ownership" open question). Retain/Release must
// nest correctly: one Release per Retain. Optional — a plain Registry
// need not implement it, and callers type-assert before using it.
type RefCounter interface {
	Retain(uuid string)
	Release(uuid string)
}
