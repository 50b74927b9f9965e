package core

import (
	"fmt"

	"github.com/open-cradle/cradle/src/hashes"
)

// CachingLevel is a request's caching-level property (spec §4.3).
type CachingLevel int

const (
	CachingNone CachingLevel = iota
	CachingMemory
	CachingFull
)

// FunctionFlavour is a request's function-flavour property (spec §4.3).
type FunctionFlavour int

const (
	FlavourPlain FunctionFlavour = iota
	FlavourCoroutine
	FlavourProxyPlain
	FlavourProxyCoroutine
)

// RetryPolicy is the optional retry configuration a request may carry
// (spec §4.3, §4.7): up to MaxAttempts total attempts, with Backoff(n)
// giving the delay before attempt n+1 (n is 1-based attempt just failed).
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) (delay int64 /* milliseconds */)
}

// ContainmentData names the contained worker that must resolve a request
// carrying it (spec §4.11): a registration uuid plus the directory and
// name of the shared library the contained process should load.
type ContainmentData struct {
	UUID         string
	DLLDirectory string
	DLLName      string
}

// Properties bundles the declarative traits of a request (spec §4.3).
type Properties struct {
	Caching              CachingLevel
	Flavour              FunctionFlavour
	Introspective        bool
	Retry                *RetryPolicy
	ValueBased           bool
	RequiredCapabilities []Capability
}

// ArgKind discriminates a request argument: a literal value, or a
// sub-request that must itself be resolved to produce the value (spec
// §3's "tuple of arguments, each either a literal value [or] a
// sub-request").
type ArgKind int

const (
	ArgLiteral ArgKind = iota
	ArgSub
)

// Arg is one argument slot of a request.
type Arg struct {
	Kind    ArgKind
	Literal Value
	Sub     Request
}

// LiteralArg builds a literal-value argument.
func LiteralArg(v Value) Arg { return Arg{Kind: ArgLiteral, Literal: v} }

// SubArg builds a sub-request argument.
func SubArg(r Request) Arg { return Arg{Kind: ArgSub, Sub: r} }

// Fingerprint returns the argument's contribution to its owner's
// fingerprint: either the normalized-literal digest or the sub-request's
// own fingerprint.
func (a Arg) Fingerprint() hashes.Digest {
	if a.Kind == ArgLiteral {
		d, err := a.Literal.Digest()
		if err != nil {
			// A value that can't be canonically encoded is a logic
			// error elsewhere; fold it into the digest rather than
			// panicking, so callers see a (wrong but deterministic)
			// fingerprint and the real error surfaces at resolve time.
			return hashes.Combine("cradle.invalid-literal", hashes.Digest{})
		}
		return d
	}
	return a.Sub.Fingerprint()
}

// Request is the type-erased interface every request kind implements
// (spec §3, §4.3). "Typed" in the spec's sense — the request's value
// type — is captured dynamically via the Kind of the Value Resolve
// returns, rather than as a Go type parameter, since core.Value is
// already itself a tagged union.
type Request interface {
	// UUID is the stable string identifying this request's class:
	// function identity, caching level, containment flag, retry flag.
	UUID() string
	// Title is a human-readable label for introspection; defaults to
	// UUID when the constructor didn't set one explicitly.
	Title() string
	// Properties returns this request's declarative traits.
	Properties() Properties
	// Args returns the request's arguments in order.
	Args() []Arg
	// Visit calls f once per argument, in order, for tree-building
	// (spec §4.3's visit(arg_visitor)).
	Visit(f func(Arg))
	// Fingerprint is the deterministic digest over (uuid, argument
	// fingerprints) (spec §4.1, §8 invariant 4).
	Fingerprint() hashes.Digest
	// IsProxy reports whether this request carries no local function
	// and can only be resolved remotely.
	IsProxy() bool
	// Containment returns this request's containment data, if any.
	Containment() (ContainmentData, bool)
	// SetContainment attaches containment data, returning a new request
	// value (requests are immutable once constructed).
	SetContainment(ContainmentData) Request
	// Resolve performs the local direct function application: resolve
	// every sub-request argument via ctx.Resolve (so each goes through
	// the full dispatch/cache pipeline in turn), then applies the
	// request's function to the resulting values. IsProxy() requests
	// return a not_implemented error: only the remote proxy can resolve
	// them.
	Resolve(ctx Context) (Value, error)
}

// baseRequest holds the fields common to every concrete Request kind.
type baseRequest struct {
	uuid        string
	title       string
	props       Properties
	args        []Arg
	containment *ContainmentData
}

func newBase(uuid string, props Properties, args []Arg) baseRequest {
	return baseRequest{uuid: uuid, title: uuid, props: props, args: args}
}

func (b baseRequest) UUID() string         { return b.uuid }
func (b baseRequest) Title() string        { return b.title }
func (b baseRequest) Properties() Properties { return b.props }
func (b baseRequest) Args() []Arg          { return b.args }

func (b baseRequest) Visit(f func(Arg)) {
	for _, a := range b.args {
		f(a)
	}
}

func (b baseRequest) Fingerprint() hashes.Digest {
	parts := make([]hashes.Digest, len(b.args))
	for i, a := range b.args {
		parts[i] = a.Fingerprint()
	}
	return hashes.Combine(b.uuid, parts...)
}

func (b baseRequest) Containment() (ContainmentData, bool) {
	if b.containment == nil {
		return ContainmentData{}, false
	}
	return *b.containment, true
}

// functionRequest is a request with a local function body (spec §4.3(a)).
type functionRequest struct {
	baseRequest
	fn func(ctx Context, args []Value) (Value, error)
}

// NewFunction builds a request over literal/sub-request args, evaluated
// locally by fn when resolved directly (spec §4.3(a)).
func NewFunction(uuid string, props Properties, args []Arg, fn func(ctx Context, args []Value) (Value, error)) Request {
	return &functionRequest{baseRequest: newBase(uuid, props, args), fn: fn}
}

func (r *functionRequest) IsProxy() bool { return false }

func (r *functionRequest) SetContainment(c ContainmentData) Request {
	cp := *r
	cp.containment = &c
	return &cp
}

func (r *functionRequest) Resolve(ctx Context) (Value, error) {
	vals := make([]Value, len(r.args))
	for i, a := range r.args {
		v, err := resolveArg(ctx, a)
		if err != nil {
			return Value{}, err
		}
		vals[i] = v
	}
	return r.fn(ctx, vals)
}

// NewNormalized builds a request over normalized args: every literal
// argument is wrapped in a stable-uuid'd sub-request first, so arguments
// participate uniformly in hashing and serialization (spec §4.3(b)).
// Wrapping is idempotent: an argument that is already a normalized
// literal request is passed through unchanged rather than double-wrapped
// (ground truth: tests/inner/generic in the original implementation,
// which relies on re-normalizing an already-normalized argument being a
// no-op).
func NewNormalized(uuid string, props Properties, args []Arg, fn func(ctx Context, args []Value) (Value, error)) Request {
	normalized := make([]Arg, len(args))
	for i, a := range args {
		if a.Kind == ArgLiteral {
			normalized[i] = SubArg(normalizeLiteral(a.Literal))
		} else {
			normalized[i] = a
		}
	}
	return NewFunction(uuid, props, normalized, fn)
}

const normalizedLiteralUUID = "cradle.normalized-literal"

func normalizeLiteral(v Value) Request {
	return NewFunction(normalizedLiteralUUID, Properties{Caching: CachingNone}, nil,
		func(ctx Context, _ []Value) (Value, error) { return v, nil },
	).(*functionRequest).withLiteral(v)
}

// withLiteral stores the literal directly so Fingerprint covers the
// value's own digest rather than an empty arg list (keeping
// "wrapping-is-idempotent" true: the fingerprint of a normalized literal
// depends only on the literal's value, not on how many times it has been
// re-wrapped). This does not make the two fingerprints equal: the
// normalized sub-request's own Fingerprint is Combine(normalizedLiteralUUID,
// v.Digest()), not v.Digest() alone.
func (r *functionRequest) withLiteral(v Value) *functionRequest {
	r.args = []Arg{LiteralArg(v)}
	return r
}

// proxyRequest carries no local function; it can only be resolved by
// dispatching to a remote proxy (spec §4.3(c)).
type proxyRequest struct {
	baseRequest
}

// NewProxy builds a proxy request: uuid + args only, destined for remote
// resolution.
func NewProxy(uuid string, props Properties, args []Arg) Request {
	return &proxyRequest{baseRequest: newBase(uuid, props, args)}
}

func (r *proxyRequest) IsProxy() bool { return true }

func (r *proxyRequest) SetContainment(c ContainmentData) Request {
	cp := *r
	cp.containment = &c
	return &cp
}

func (r *proxyRequest) Resolve(ctx Context) (Value, error) {
	return Value{}, NewError(ErrNotImplemented, "proxy request %s has no local body; it can only be resolved remotely", r.uuid)
}

// metaRequest is a request whose result is itself a request, letting a
// worker hand the client something further to resolve (spec §4.3(d)).
type metaRequest struct {
	baseRequest
	fn func(ctx Context, args []Value) (Request, error)
}

// NewMeta builds a meta request: fn produces a further Request, which is
// then itself resolved through ctx.Resolve to produce the final value.
func NewMeta(uuid string, props Properties, args []Arg, fn func(ctx Context, args []Value) (Request, error)) Request {
	return &metaRequest{baseRequest: newBase(uuid, props, args), fn: fn}
}

func (r *metaRequest) IsProxy() bool { return false }

func (r *metaRequest) SetContainment(c ContainmentData) Request {
	cp := *r
	cp.containment = &c
	return &cp
}

func (r *metaRequest) Resolve(ctx Context) (Value, error) {
	vals := make([]Value, len(r.args))
	for i, a := range r.args {
		v, err := resolveArg(ctx, a)
		if err != nil {
			return Value{}, err
		}
		vals[i] = v
	}
	inner, err := r.fn(ctx, vals)
	if err != nil {
		return Value{}, err
	}
	return ctx.Resolve(inner)
}

func resolveArg(ctx Context, a Arg) (Value, error) {
	if a.Kind == ArgLiteral {
		return a.Literal, nil
	}
	return ctx.Resolve(a.Sub)
}

func (r *functionRequest) String() string { return fmt.Sprintf("%s(%d args)", r.uuid, len(r.args)) }
func (r *proxyRequest) String() string    { return fmt.Sprintf("proxy:%s(%d args)", r.uuid, len(r.args)) }
func (r *metaRequest) String() string     { return fmt.Sprintf("meta:%s(%d args)", r.uuid, len(r.args)) }
