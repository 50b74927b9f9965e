package core

import "github.com/open-cradle/cradle/src/hashes"

// Cache is the uniform interface Resources uses to reach whichever
// concrete cache tier is installed — the in-memory AC+CAS (src/cache) or
// the secondary SQLite-backed disk cache (src/cache/disk). The original
// teacher interface of the same name served the same purpose (the
// abstraction BuildState used to reach whichever remote/dir/http cache
// backend was configured) one layer up the stack; this generalizes it to
// CRADLE's key (a fingerprint digest) and value (a Value) rather than a
// build target and output files.
type Cache interface {
	// Lookup retrieves the value for a fingerprint, if present.
	Lookup(key hashes.Digest) (Value, bool, error)
	// Store records the value for a fingerprint.
	Store(key hashes.Digest, value Value) error
	// Clean removes a single entry, if present.
	Clean(key hashes.Digest) error
	// CleanAll empties the cache.
	CleanAll() error
	// Shutdown blocks until any pending writes are flushed.
	Shutdown() error
}
