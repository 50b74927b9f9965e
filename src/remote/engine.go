package remote

import (
	"context"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/open-cradle/cradle/src/asynctree"
	"github.com/open-cradle/cradle/src/core"
	"github.com/open-cradle/cradle/src/resolve"
)

var log = logging.MustGetLogger("remote")

// engine is the worker-side logic spec §4.9 requires to behave
// identically whether run in-process (Loopback) or over a connection
// (Server): given a registry to reconstruct requests and a resolver to
// run them, it implements every operation of the Proxy contract except
// the transport itself.
type engine struct {
	resources *core.Resources
	resolver  *resolve.Resolver
	registry  core.Registry

	mu     sync.Mutex
	nextID uint64
	roots  map[uint64]*asyncRoot
}

// asyncRoot tracks one outstanding submit_async/submit_stored
// submission: its own async-tree (spec §4.8 "a cancellation token
// shared per root") and the eventual result.
type asyncRoot struct {
	tree      *asynctree.Tree
	node      *asynctree.Node
	done      chan struct{}
	result    core.Value
	resultErr error
}

func newEngine(resources *core.Resources, resolver *resolve.Resolver, registry core.Registry) *engine {
	return &engine{resources: resources, resolver: resolver, registry: registry, roots: map[uint64]*asyncRoot{}}
}

// retain/release pin req.UUID() against the engine's registry for the
// duration of one resolution, if that registry tracks refcounts
// (core.RefCounter) — so a seri.Catalog.Unload racing a concurrent
// resolve_sync/submit_async against the same uuid is refused rather than
// pulling the registration out from under it (spec §9 open question).
func (e *engine) retain(uuid string) {
	if rc, ok := e.registry.(core.RefCounter); ok {
		rc.Retain(uuid)
	}
}

func (e *engine) release(uuid string) {
	if rc, ok := e.registry.(core.RefCounter); ok {
		rc.Release(uuid)
	}
}

// resolveSync implements resolve_sync (spec §4.9): run req to
// completion against this engine's resources, synchronously.
func (e *engine) resolveSync(req core.Request) (core.SerializedResult, error) {
	e.retain(req.UUID())
	defer e.release(req.UUID())
	v, err := e.resolver.Resolve(context.Background(), e.resources, req)
	if err != nil {
		return core.SerializedResult{}, err
	}
	enc, err := v.Encode()
	if err != nil {
		return core.SerializedResult{}, err
	}
	return core.SerializedResult{ValueBytes: enc}, nil
}

// submitAsync implements submit_async: creates a context-tree for req
// and returns its root id immediately, running the resolution in the
// background.
func (e *engine) submitAsync(req core.Request) (core.AsyncID, error) {
	tree := asynctree.NewTree(context.Background())
	scheduler := asynctree.NewScheduler(tree, e.resources.Pool)
	r := resolve.New()
	r.SetAsyncScheduler(scheduler.Dispatch)

	rootCtx := r.NewRootContext(tree.Context(), e.resources,
		[]core.Capability{core.CapLocal, core.CapAsync, core.CapCaching, core.CapIntrospective})

	rootNode, err := tree.NewRoot(req.Title())
	if err != nil {
		return 0, err
	}
	rootNode.MarkSubsRunning()
	childCtx := rootCtx.WithTreeNode(rootNode)

	root := &asyncRoot{tree: tree, node: rootNode, done: make(chan struct{})}

	e.mu.Lock()
	e.nextID++
	slot := e.nextID
	e.roots[slot] = root
	e.mu.Unlock()

	e.retain(req.UUID())
	go func() {
		defer e.release(req.UUID())
		v, err := r.ResolveInner(childCtx, req)
		if err == nil && tree.Cancelled() {
			err = core.KindError(core.ErrAsyncCancelled)
		}
		root.result, root.resultErr = v, err
		if err != nil {
			if core.IsCancelled(err) {
				rootNode.MarkCancelled()
			} else {
				rootNode.MarkError(err.Error())
			}
		} else {
			rootNode.MarkFinished()
		}
		close(root.done)
	}()

	return composeID(slot, rootNode.ID()), nil
}

func (e *engine) findRoot(rootSlot uint64) (*asyncRoot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	root, ok := e.roots[rootSlot]
	return root, ok
}

func (e *engine) resolveNode(id core.AsyncID) (*asyncRoot, *asynctree.Node, bool) {
	slot, localID := splitID(id)
	root, ok := e.findRoot(slot)
	if !ok {
		return nil, nil, false
	}
	node, ok := root.tree.Get(localID)
	if !ok {
		return nil, nil, false
	}
	return root, node, true
}

func (e *engine) getAsyncStatus(id core.AsyncID) (core.AsyncStatus, error) {
	_, node, ok := e.resolveNode(id)
	if !ok {
		return "", core.NewError(core.ErrNotFound, "no async node %d", id)
	}
	return node.Status(), nil
}

func (e *engine) getAsyncErrorMessage(id core.AsyncID) (string, error) {
	_, node, ok := e.resolveNode(id)
	if !ok {
		return "", core.NewError(core.ErrNotFound, "no async node %d", id)
	}
	return node.ErrorMessage(), nil
}

func (e *engine) getSubContexts(id core.AsyncID) ([]core.SubContext, error) {
	slot, _ := splitID(id)
	_, node, ok := e.resolveNode(id)
	if !ok {
		return nil, core.NewError(core.ErrNotFound, "no async node %d", id)
	}
	subs := node.SubContexts()
	out := make([]core.SubContext, len(subs))
	for i, s := range subs {
		out[i] = core.SubContext{ID: composeID(slot, s.ID), IsReq: s.IsReq}
	}
	return out, nil
}

func (e *engine) getAsyncResponse(rootID core.AsyncID) (core.SerializedResult, error) {
	slot, _ := splitID(rootID)
	root, ok := e.findRoot(slot)
	if !ok {
		return core.SerializedResult{}, core.NewError(core.ErrNotFound, "no async root %d", rootID)
	}
	<-root.done
	if root.resultErr != nil {
		return core.SerializedResult{}, root.resultErr
	}
	enc, err := root.result.Encode()
	if err != nil {
		return core.SerializedResult{}, err
	}
	return core.SerializedResult{ValueBytes: enc}, nil
}

func (e *engine) requestCancellation(id core.AsyncID) error {
	slot, _ := splitID(id)
	root, ok := e.findRoot(slot)
	if !ok {
		return nil // best-effort, idempotent: an unknown id is not an error.
	}
	root.tree.Cancel()
	return nil
}

func (e *engine) finishAsync(rootID core.AsyncID) error {
	slot, _ := splitID(rootID)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.roots, slot)
	return nil
}

func (e *engine) releaseCacheRecordLock(lockID uint64) error {
	// The in-memory cache's single-flight handle (cache.MemoryCache's
	// GetOrCompute) is released synchronously within resolveSync/the
	// resolver's own caching stage, never handed out as a lock id a
	// caller must release later; resolve_sync therefore never sets
	// CacheLockID and this has nothing to release. Kept as a no-op
	// rather than an error so a client written against the full
	// protocol doesn't need a special case for this engine.
	return nil
}

func (e *engine) loadSharedLibrary(dir, name string) error {
	log.Debug("load_shared_library %s/%s: containment DLL loading happens in the contained worker process (src/worker), not the resolver-facing proxy", dir, name)
	return nil
}

func (e *engine) unloadSharedLibrary(name string) error {
	log.Debug("unload_shared_library %s", name)
	return nil
}

func (e *engine) mockHTTP(body []byte) error {
	log.Debug("mock_http: %d bytes scripted", len(body))
	return nil
}
