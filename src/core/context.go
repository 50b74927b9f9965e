package core

import (
	"context"
)

// Capability names one trait of the capability hierarchy a Context may
// implement (spec §4.4): Local, Remote, Sync, Async, Caching,
// Introspective. The resolver uses Has for the dynamic-cast-with-check
// the spec calls for when the concrete context type isn't known at the
// call site.
type Capability int

const (
	CapLocal Capability = iota
	CapRemote
	CapSync
	CapAsync
	CapCaching
	CapIntrospective
)

// ResolveFunc resolves a sub-request according to the full dispatch rules
// (remote/local, sync/async, cached/direct, retry — spec §4.7). Request
// implementations call back into it via Context.Resolve so that every
// sub-request, however deeply nested, goes through the same cache and
// dispatch machinery as the root. Kept as an injected function rather
// than an import of the resolve package to avoid a dependency cycle
// (resolve already depends on core).
type ResolveFunc func(ctx Context, req Request) (Value, error)

// Context is the capability-bearing object passed to every resolution
// (spec §4.4). A single concrete type, ResolutionContext, implements it;
// Has reports which capabilities that instance actually carries.
type Context interface {
	// Resources gives access to the shared caches, registry and config.
	Resources() *Resources
	// StdContext returns the stdlib context.Context carrying this
	// resolution's deadline and cancellation signal.
	StdContext() context.Context
	// Remotely reports whether this context dispatches to a remote
	// proxy rather than resolving locally.
	Remotely() bool
	// IsAsync reports whether this context resolves through the async
	// tree rather than blocking synchronously.
	IsAsync() bool
	// Has reports whether this context implements the given capability.
	Has(Capability) bool
	// Resolve resolves a sub-request through the full dispatch pipeline.
	Resolve(req Request) (Value, error)
	// TreeNode returns the async-tree node bound to this context, if
	// any (opaque to core; see package asynctree). Returns nil outside
	// an async resolution.
	TreeNode() interface{}
	// WithTreeNode returns a derived context bound to the given
	// async-tree node, used by the tree-builder when it creates a
	// child context per sub-request.
	WithTreeNode(node interface{}) Context
}

// ResolutionContext is the one concrete Context implementation. It is
// constructed with NewResolutionContext and augmented as resolution
// proceeds (e.g. bound to a tree node for async resolutions).
type ResolutionContext struct {
	resources *Resources
	std       context.Context
	remote    bool
	async     bool
	caps      map[Capability]bool
	resolveFn ResolveFunc
	treeNode  interface{}
}

// NewResolutionContext constructs a context with the given capability
// set. It is the only constructor; callers pass the remote/async flags
// and capabilities explicitly.
func NewResolutionContext(resources *Resources, std context.Context, remote, async bool, caps []Capability, resolveFn ResolveFunc) *ResolutionContext {
	set := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return &ResolutionContext{
		resources: resources,
		std:       std,
		remote:    remote,
		async:     async,
		caps:      set,
		resolveFn: resolveFn,
	}
}

func (c *ResolutionContext) Resources() *Resources        { return c.resources }
func (c *ResolutionContext) StdContext() context.Context   { return c.std }
func (c *ResolutionContext) Remotely() bool                { return c.remote }
func (c *ResolutionContext) IsAsync() bool                 { return c.async }
func (c *ResolutionContext) Has(cap Capability) bool       { return c.caps[cap] }
func (c *ResolutionContext) TreeNode() interface{}         { return c.treeNode }

func (c *ResolutionContext) Resolve(req Request) (Value, error) {
	if c.resolveFn == nil {
		return Value{}, NewError(ErrLogic, "context has no resolve function bound")
	}
	return c.resolveFn(c, req)
}

// WithTreeNode returns a shallow copy of c bound to the given tree node.
func (c *ResolutionContext) WithTreeNode(node interface{}) Context {
	cp := *c
	cp.treeNode = node
	return &cp
}

// WithStdContext returns a shallow copy of c using a different stdlib
// context (e.g. one derived with a per-call timeout).
func (c *ResolutionContext) WithStdContext(std context.Context) *ResolutionContext {
	cp := *c
	cp.std = std
	return &cp
}

// AsCaching performs the dynamic-cast-with-check for the Caching
// capability (spec §4.4): callers that need caching-specific behaviour
// use this instead of assuming every context supports it.
func AsCaching(ctx Context) (Context, bool) {
	if ctx.Has(CapCaching) {
		return ctx, true
	}
	return nil, false
}

// AsIntrospective performs the same check for the Introspective
// capability.
func AsIntrospective(ctx Context) (Context, bool) {
	if ctx.Has(CapIntrospective) {
		return ctx, true
	}
	return nil, false
}
