// Package resolve implements the resolver: the single entry point every
// request goes through on its way to a value (spec §4.7). Dispatch makes
// four decisions. They nest with stage 2 outermost, then 3, then 4, and
// stage 1 picks the executor that stage 4 calls:
//
//  1. remote-vs-local   — does this request's UUID/properties require a
//     remote proxy, or can it run req.Resolve in this process?
//  2. sync-vs-async     — does the calling context resolve synchronously,
//     or hand the work to the async-tree scheduler?
//  3. cached-vs-direct  — does the request's caching level mean checking
//     (and populating) the memory/disk caches first?
//  4. retry             — does the request's retry policy wrap the
//     underlying attempt in a bounded retry loop?
//
// Grounded on the teacher's src/core/state.go task-scheduling style (read
// for structure, not copied: its build-graph state machine has no direct
// analogue here) and on spec §4.7's dispatch-stage description.
package resolve

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/op/go-logging.v1"

	"github.com/open-cradle/cradle/src/cache"
	"github.com/open-cradle/cradle/src/core"
	"github.com/open-cradle/cradle/src/hashes"
	"github.com/open-cradle/cradle/src/metrics"
)

var log = logging.MustGetLogger("resolve")

// AsyncScheduler runs compute according to an async-tree's scheduling
// policy instead of calling it inline. It receives compute as a function
// of the context to use for the rest of this resolution, so it may bind
// a tree node to a derived context (ctx.WithTreeNode) before invoking
// compute — that's how nested sub-request resolutions end up attached to
// the right parent node as resolution actually proceeds, rather than
// needing a separate structural tree-building pass. Supplied by package
// asynctree; left nil here resolves synchronously even inside an
// "async" context, which is the correct fallback for tests that
// construct an async context without a tree behind it.
type AsyncScheduler func(ctx core.Context, req core.Request, compute func(core.Context) (core.Value, error)) (core.Value, error)

// RequestCodec turns a Request into the bytes a remote proxy's
// ResolveSync expects (spec §4.9). The default implementation is a
// self-contained envelope good enough for a loopback proxy in the same
// process; an out-of-process remote proxy driven by the seri-registry's
// own uuid-keyed (de)serializers can supply a richer Codec instead.
type RequestCodec interface {
	Encode(req core.Request) ([]byte, error)
}

// ContainmentDispatcher routes a request carrying containment_data to a
// contained child process instead of the ordinary remote-vs-local split
// (spec §4.11): req.Containment() already confirmed true by the caller.
// encode is the resolver's own codec, handed through so the dispatcher
// doesn't need to depend on resolve's internals to serialize req for
// the wire. Supplied by package worker; left nil resolves such a
// request as a logic error, since containment_data with no dispatcher
// installed can't be honoured.
type ContainmentDispatcher func(ctx core.Context, req core.Request, encode func(core.Request) ([]byte, error)) (core.Value, error)

// Resolver holds the (few) pluggable parts of the dispatch pipeline.
// The zero value is not usable; construct with New.
type Resolver struct {
	codec         RequestCodec
	asyncDispatch AsyncScheduler
	containment   ContainmentDispatcher
	metrics       *metrics.Metrics
}

// New constructs a Resolver with the default request codec and no async
// scheduler (plugged in later via SetAsyncScheduler once the async tree
// is wired to it).
func New() *Resolver {
	return &Resolver{codec: defaultCodec{}}
}

// SetAsyncScheduler installs the async-tree's scheduling hook.
func (r *Resolver) SetAsyncScheduler(s AsyncScheduler) {
	r.asyncDispatch = s
}

// SetCodec overrides the request-encoding strategy used for remote
// dispatch, e.g. once src/seri supplies a registry-driven one.
func (r *Resolver) SetCodec(c RequestCodec) {
	r.codec = c
}

// SetContainmentDispatcher installs package worker's containment hook.
func (r *Resolver) SetContainmentDispatcher(d ContainmentDispatcher) {
	r.containment = d
}

// SetMetrics installs a metrics.Metrics instance; left nil, resolution
// proceeds without recording anything (the default for tests that
// never construct one).
func (r *Resolver) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// ResolveFunc returns the core.ResolveFunc this Resolver implements, for
// binding into core.NewResolutionContext without core importing resolve
// (spec §4.4's documented cycle-avoidance).
func (r *Resolver) ResolveFunc() core.ResolveFunc {
	return r.resolveOne
}

// NewRootContext builds the root context resolution starts from: caps
// determines which capability checks (Has, AsCaching, AsIntrospective)
// pass for this resolution's lifetime.
func (r *Resolver) NewRootContext(std context.Context, resources *core.Resources, caps []core.Capability) core.Context {
	return core.NewResolutionContext(resources, std, hasCap(caps, core.CapRemote), hasCap(caps, core.CapAsync), caps, r.resolveOne)
}

// Resolve is the convenience entrypoint for a fresh top-level resolution:
// local, synchronous, caching- and introspection-capable.
func (r *Resolver) Resolve(std context.Context, resources *core.Resources, req core.Request) (core.Value, error) {
	ctx := r.NewRootContext(std, resources, []core.Capability{core.CapLocal, core.CapSync, core.CapCaching, core.CapIntrospective})
	return r.resolveOne(ctx, req)
}

func hasCap(caps []core.Capability, want core.Capability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// resolveOne is the core.ResolveFunc: every sub-request, however deeply
// nested, re-enters here via ctx.Resolve.
func (r *Resolver) resolveOne(ctx core.Context, req core.Request) (core.Value, error) {
	return r.applyScheduling(ctx, req, func(ctx core.Context) (core.Value, error) {
		return r.resolveInner(ctx, req)
	}) // stage 2: sync-vs-async, outermost — may rebind ctx before calling back in
}

// resolveInner runs stages 1/3/4 (remote-vs-local, cached-vs-direct,
// retry) against ctx as given, skipping stage 2. ResolveInner exports
// this for a caller that has already picked the scheduling stage itself
// — package asynctree/remote's submit_async creates its own root node
// and binds ctx to it before resolution starts, rather than letting
// Scheduler.Dispatch create that node implicitly on the first call.
func (r *Resolver) resolveInner(ctx core.Context, req core.Request) (core.Value, error) {
	doResolve := r.timeExecutor(r.isRemote(ctx, req), r.selectExecutor(ctx, req)) // stage 1: remote-vs-local
	if req.Properties().ValueBased && r.cachingEnabled(ctx, req) {
		// Value-based requests fold stages 3 and 4 together: see
		// applyRetryValueBased's doc comment for why flattening can't
		// happen ahead of retry the way the structural fingerprint does.
		return r.applyRetryValueBased(ctx, req, doResolve)
	}
	withRetry := func() (core.Value, error) {
		return r.applyRetry(ctx, req, doResolve) // stage 4: retry, innermost
	}
	return r.applyCaching(ctx, req, withRetry) // stage 3: cached-vs-direct
}

// cachingEnabled reports whether stage 3 applies at all for req in ctx:
// CachingNone, a non-caching context, or the absence of resources all
// mean there is nothing to cache against, so the ordinary direct-compute
// path runs regardless of ValueBased.
func (r *Resolver) cachingEnabled(ctx core.Context, req core.Request) bool {
	if req.Properties().Caching == core.CachingNone {
		return false
	}
	if _, ok := core.AsCaching(ctx); !ok {
		return false
	}
	return ctx.Resources() != nil
}

// ResolveInner is the exported form of resolveInner.
func (r *Resolver) ResolveInner(ctx core.Context, req core.Request) (core.Value, error) {
	return r.resolveInner(ctx, req)
}

// selectExecutor implements stage 1. A request carrying containment_data
// always dispatches to the contained-worker hook first (spec §4.11),
// ahead of the ordinary remote-vs-local split; otherwise it dispatches
// remotely when it carries no local body (IsProxy), when its properties
// name CapRemote explicitly, or when the calling context itself only
// ever dispatches remotely.
func (r *Resolver) selectExecutor(ctx core.Context, req core.Request) func(core.Context) (core.Value, error) {
	if _, ok := req.Containment(); ok {
		if r.containment == nil {
			return func(c core.Context) (core.Value, error) {
				return core.Value{}, core.NewError(core.ErrContainmentFailure, "request %s carries containment_data but no containment dispatcher is installed", req.UUID())
			}
		}
		return func(c core.Context) (core.Value, error) { return r.containment(c, req, r.codec.Encode) }
	}
	if r.isRemote(ctx, req) {
		return func(c core.Context) (core.Value, error) { return r.resolveRemote(c, req) }
	}
	return func(c core.Context) (core.Value, error) { return req.Resolve(c) }
}

// timeExecutor wraps compute with a metrics.RecordResolveDuration call,
// a no-op when no Metrics instance is installed.
func (r *Resolver) timeExecutor(remote bool, compute func(core.Context) (core.Value, error)) func(core.Context) (core.Value, error) {
	if r.metrics == nil {
		return compute
	}
	return func(ctx core.Context) (core.Value, error) {
		start := time.Now()
		v, err := compute(ctx)
		r.metrics.RecordResolveDuration(remote, time.Since(start))
		return v, err
	}
}

func (r *Resolver) isRemote(ctx core.Context, req core.Request) bool {
	if req.IsProxy() {
		return true
	}
	for _, cap := range req.Properties().RequiredCapabilities {
		if cap == core.CapRemote {
			return true
		}
	}
	return ctx.Remotely()
}

// applyScheduling implements stage 2: an async-capable context with a
// scheduler installed hands compute to it; everything else runs inline
// against the unmodified context.
func (r *Resolver) applyScheduling(ctx core.Context, req core.Request, compute func(core.Context) (core.Value, error)) (core.Value, error) {
	if ctx.IsAsync() && r.asyncDispatch != nil {
		return r.asyncDispatch(ctx, req, compute)
	}
	return compute(ctx)
}

// applyCaching implements stage 3 (spec §4.5's resolve-with-cache
// protocol). CachingNone or a context with no Caching capability skips
// straight to compute; CachingMemory consults/populates the memory
// cache with single-flight semantics when the concrete cache type
// supports it; CachingFull additionally consults/populates the disk
// cache first.
func (r *Resolver) applyCaching(ctx core.Context, req core.Request, compute func() (core.Value, error)) (core.Value, error) {
	if !r.cachingEnabled(ctx, req) {
		return compute()
	}
	return r.applyCachingWithKey(ctx, req, req.Fingerprint(), compute)
}

// applyCachingWithKey is applyCaching's body parameterized on the
// fingerprint to cache under, so a value-based request's per-attempt
// flattened fingerprint (applyRetryValueBased) can drive the same
// memory/disk lookup-and-populate protocol a structural fingerprint
// does. Callers must have already confirmed cachingEnabled.
func (r *Resolver) applyCachingWithKey(ctx core.Context, req core.Request, key hashes.Digest, compute func() (core.Value, error)) (core.Value, error) {
	props := req.Properties()
	resources := ctx.Resources()

	produce := compute
	if props.Caching == core.CachingFull && resources.DiskCache != nil {
		produce = func() (core.Value, error) {
			v, ok, err := resources.DiskCache.Lookup(key)
			r.recordCacheLookup("disk", ok && err == nil)
			if err == nil && ok {
				return v, nil
			}
			v, err = compute()
			if err == nil {
				if serr := resources.DiskCache.Store(key, v); serr != nil {
					log.Warning("disk cache store failed for %s: %s", key, serr)
				}
			}
			return v, err
		}
	}

	if resources.MemoryCache == nil {
		return produce()
	}
	if mc, ok := resources.MemoryCache.(*cache.MemoryCache); ok {
		computed := false
		instrumented := func() (core.Value, error) {
			computed = true
			return produce()
		}
		ptr, v, err := mc.GetOrCompute(key, instrumented)
		r.recordCacheLookup("memory", !computed)
		if err != nil {
			return core.Value{}, err
		}
		defer ptr.Release()
		return v, nil
	}
	// A plain core.Cache without single-flight semantics (e.g. a test
	// double): best-effort lookup/store instead.
	if v, ok, err := resources.MemoryCache.Lookup(key); err == nil && ok {
		r.recordCacheLookup("memory", true)
		return v, nil
	}
	r.recordCacheLookup("memory", false)
	v, err := produce()
	if err == nil {
		if serr := resources.MemoryCache.Store(key, v); serr != nil {
			log.Warning("memory cache store failed for %s: %s", key, serr)
		}
	}
	return v, err
}

// recordCacheLookup is a no-op when no Metrics instance is installed.
func (r *Resolver) recordCacheLookup(tier string, hit bool) {
	if r.metrics != nil {
		r.metrics.RecordCacheLookup(tier, hit)
	}
}

// applyRetry implements stage 4: up to policy.MaxAttempts attempts, with
// policy.Backoff(n) delay between them. Cancellation is never retried
// (spec §8 invariant: a cancelled resolution's FINISHED status is
// terminal, so retrying it would fight a decision the caller already
// made).
func (r *Resolver) applyRetry(ctx core.Context, req core.Request, doResolve func(core.Context) (core.Value, error)) (core.Value, error) {
	policy := req.Properties().Retry
	if policy == nil || policy.MaxAttempts <= 1 {
		return doResolve(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		v, err := doResolve(ctx)
		if err == nil {
			return v, nil
		}
		if core.IsCancelled(err) {
			return core.Value{}, err
		}
		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}
		delay := time.Duration(policy.Backoff(attempt)) * time.Millisecond
		if delay <= 0 {
			continue
		}
		std := ctx.StdContext()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-std.Done():
			timer.Stop()
			return core.Value{}, std.Err()
		}
	}
	log.Debug("request %s exhausted retries: %s", req.UUID(), lastErr)
	return core.Value{}, lastErr
}

// applyRetryValueBased folds stages 3 and 4 together for a request whose
// Properties.ValueBased is set (spec §4.5's value-based caching variant,
// SPEC_FULL §9 open question): every attempt first flattens the
// request's arguments to their resolved values and derives a fingerprint
// from those values rather than from request structure, then runs the
// ordinary cached-vs-direct protocol under that key. Flattening happens
// inside the retry loop, once per attempt, rather than once upfront,
// because a value-based request's sub-values may themselves come out of
// a resolution that is itself still being retried; fixing the
// fingerprint before that settles would cache a key computed from a
// possibly-not-yet-final sub-value.
func (r *Resolver) applyRetryValueBased(ctx core.Context, req core.Request, doResolve func(core.Context) (core.Value, error)) (core.Value, error) {
	policy := req.Properties().Retry
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 1 {
		maxAttempts = policy.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		key, err := r.flattenFingerprint(ctx, req)
		if err != nil {
			return core.Value{}, err
		}
		v, err := r.applyCachingWithKey(ctx, req, key, func() (core.Value, error) {
			return doResolve(ctx)
		})
		if err == nil {
			return v, nil
		}
		if core.IsCancelled(err) {
			return core.Value{}, err
		}
		lastErr = err
		if attempt == maxAttempts || policy == nil {
			break
		}
		delay := time.Duration(policy.Backoff(attempt)) * time.Millisecond
		if delay <= 0 {
			continue
		}
		std := ctx.StdContext()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-std.Done():
			timer.Stop()
			return core.Value{}, std.Err()
		}
	}
	log.Debug("value-based request %s exhausted retries: %s", req.UUID(), lastErr)
	return core.Value{}, lastErr
}

// flattenFingerprint resolves every sub-request argument of req to its
// value (through ctx.Resolve, so it goes through the full dispatch/cache
// pipeline like any other sub-resolution) and combines the resulting
// value digests with req.UUID(), producing a fingerprint over inputs
// rather than over input structure. Two structurally different requests
// that resolve to the same argument values collapse to the same key.
func (r *Resolver) flattenFingerprint(ctx core.Context, req core.Request) (hashes.Digest, error) {
	args := req.Args()
	parts := make([]hashes.Digest, len(args))
	for i, a := range args {
		var v core.Value
		var err error
		if a.Kind == core.ArgLiteral {
			v = a.Literal
		} else {
			v, err = ctx.Resolve(a.Sub)
			if err != nil {
				return hashes.Digest{}, err
			}
		}
		d, err := v.Digest()
		if err != nil {
			return hashes.Digest{}, err
		}
		parts[i] = d
	}
	return hashes.Combine(req.UUID(), parts...), nil
}

// resolveRemote implements the remote leg of stage 1: encode the
// request, round-trip it through the installed proxy, decode the
// result (spec §4.9).
func (r *Resolver) resolveRemote(ctx core.Context, req core.Request) (core.Value, error) {
	resources := ctx.Resources()
	if resources == nil {
		return core.Value{}, core.NewError(core.ErrLogic, "remote resolution requires resources")
	}
	proxy, ok := resources.Proxy()
	if !ok {
		return core.Value{}, core.NewError(core.ErrRemote, "no remote proxy installed for request %s", req.UUID())
	}
	encoded, err := r.codec.Encode(req)
	if err != nil {
		return core.Value{}, err
	}
	result, err := proxy.ResolveSync(ctx, encoded)
	if err != nil {
		return core.Value{}, err
	}
	if result.CacheLockID != 0 {
		defer func() {
			if rerr := proxy.ReleaseCacheRecordLock(result.CacheLockID); rerr != nil {
				log.Warning("failed to release cache record lock %d: %s", result.CacheLockID, rerr)
			}
		}()
	}
	return core.DecodeValue(result.ValueBytes)
}

// defaultCodec is a self-describing envelope {uuid, args: [[kind,
// payload], ...]} good enough for an in-process loopback proxy. An
// out-of-process proxy typically needs the uuid-keyed wire format the
// seri-registry's deserializers expect on the receiving end instead.
type defaultCodec struct{}

func (defaultCodec) Encode(req core.Request) ([]byte, error) {
	env, err := encodeRequestEnvelope(req)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(env)
}

func encodeRequestEnvelope(req core.Request) (map[string]interface{}, error) {
	args := make([]interface{}, 0, len(req.Args()))
	for _, a := range req.Args() {
		encoded, err := encodeArg(a)
		if err != nil {
			return nil, err
		}
		args = append(args, encoded)
	}
	return map[string]interface{}{
		"uuid": req.UUID(),
		"args": args,
	}, nil
}

func encodeArg(a core.Arg) (interface{}, error) {
	if a.Kind == core.ArgLiteral {
		enc, err := a.Literal.Encode()
		if err != nil {
			return nil, err
		}
		return []interface{}{"literal", enc}, nil
	}
	sub, err := encodeRequestEnvelope(a.Sub)
	if err != nil {
		return nil, err
	}
	return []interface{}{"sub", sub}, nil
}
