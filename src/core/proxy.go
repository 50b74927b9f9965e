package core

// SerializedResult is the RPC-level result of a resolution (spec §4.9):
// a response id (nonzero obligates the caller to ack once it has
// deserialized any transferred file blob, to release the worker's pin on
// it), an optional cache-record-lock id the caller may later release, and
// the serialized value bytes.
type SerializedResult struct {
	ResponseID    uint64
	CacheLockID   uint64
	ValueBytes    []byte
}

// AsyncID names a node in a remote async context tree; 0 is reserved as
// "not assigned" (spec glossary).
type AsyncID uint64

// AsyncStatus mirrors a remote node's status string for polling (spec
// §4.8).
type AsyncStatus string

const (
	AsyncCreated      AsyncStatus = "CREATED"
	AsyncSubsRunning  AsyncStatus = "SUBS_RUNNING"
	AsyncSelfRunning  AsyncStatus = "SELF_RUNNING"
	AsyncAwaitingResult AsyncStatus = "AWAITING_RESULT"
	AsyncFinished     AsyncStatus = "FINISHED"
	AsyncCancelled    AsyncStatus = "CANCELLED"
	AsyncError        AsyncStatus = "ERROR"
)

// SubContext is one entry of get_sub_contexts: a child async id plus
// whether that child corresponds to a sub-request (as opposed to a
// pre-finished literal argument).
type SubContext struct {
	ID    AsyncID
	IsReq bool
}

// Proxy is the set of operations the resolver consumes from a remote
// worker, whether loopback (in-process, spec §4.9) or out-of-process
// (spec §4.9, §4.11). A single interface serves both because the rest of
// the system must not be able to tell them apart.
type Proxy interface {
	// ResolveSync blocks until the request resolves, returning its
	// serialized result.
	ResolveSync(ctx Context, seriRequest []byte) (SerializedResult, error)
	// SubmitAsync creates a context-tree for the request on the worker
	// and returns its root id.
	SubmitAsync(ctx Context, seriRequest []byte) (AsyncID, error)
	// SubmitStored is like SubmitAsync but the request is read from a
	// (possibly remote) blob store by key.
	SubmitStored(ctx Context, storage, key string) (AsyncID, error)
	// GetAsyncStatus polls a node's status.
	GetAsyncStatus(id AsyncID) (AsyncStatus, error)
	// GetAsyncErrorMessage retrieves the error message of a node in
	// ERROR state.
	GetAsyncErrorMessage(id AsyncID) (string, error)
	// GetSubContexts enumerates a node's children; only valid once the
	// node has reached SUBS_RUNNING.
	GetSubContexts(id AsyncID) ([]SubContext, error)
	// GetAsyncResponse blocks until the given root reaches FINISHED (or
	// returns an error on ERROR/CANCELLED).
	GetAsyncResponse(root AsyncID) (SerializedResult, error)
	// RequestCancellation is best-effort and idempotent.
	RequestCancellation(id AsyncID) error
	// FinishAsync releases the worker's tree for root.
	FinishAsync(root AsyncID) error
	// ReleaseCacheRecordLock matches a lock taken via ResolveSync.
	ReleaseCacheRecordLock(lockID uint64) error
	// LoadSharedLibrary / UnloadSharedLibrary manage containment
	// plug-ins (spec §4.11).
	LoadSharedLibrary(dir, name string) error
	UnloadSharedLibrary(name string) error
	// MockHTTP is a test hook letting callers script HTTP responses the
	// worker's external-I/O layer will see.
	MockHTTP(body []byte) error
	// Close tears down the proxy's connection/process, if any.
	Close() error
}
