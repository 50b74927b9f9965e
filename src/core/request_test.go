package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func directResolveFn(ctx Context, req Request) (Value, error) {
	return req.Resolve(ctx)
}

func newTestContext() Context {
	return NewResolutionContext(nil, context.Background(), false, false, []Capability{CapLocal, CapSync}, directResolveFn)
}

func add(a, b Arg) Request {
	return NewFunction("test.add", Properties{Caching: CachingNone}, []Arg{a, b}, func(ctx Context, args []Value) (Value, error) {
		x, _ := args[0].AsInt()
		y, _ := args[1].AsInt()
		return Int(x + y), nil
	})
}

func TestFunctionRequestResolve(t *testing.T) {
	ctx := newTestContext()
	r := add(LiteralArg(Int(1)), LiteralArg(Int(2)))
	v, err := ctx.Resolve(r)
	assert.NoError(t, err)
	got, _ := v.AsInt()
	assert.Equal(t, int64(3), got)
}

func TestFingerprintDeterministic(t *testing.T) {
	r1 := add(LiteralArg(Int(1)), LiteralArg(Int(2)))
	r2 := add(LiteralArg(Int(1)), LiteralArg(Int(2)))
	assert.Equal(t, r1.Fingerprint(), r2.Fingerprint())
}

func TestFingerprintSensitiveToArgs(t *testing.T) {
	r1 := add(LiteralArg(Int(1)), LiteralArg(Int(2)))
	r2 := add(LiteralArg(Int(1)), LiteralArg(Int(3)))
	assert.NotEqual(t, r1.Fingerprint(), r2.Fingerprint())
}

func TestNestedSubRequest(t *testing.T) {
	ctx := newTestContext()
	inner := add(LiteralArg(Int(1)), LiteralArg(Int(2)))
	outer := add(SubArg(inner), LiteralArg(Int(10)))
	v, err := ctx.Resolve(outer)
	assert.NoError(t, err)
	got, _ := v.AsInt()
	assert.Equal(t, int64(13), got)
}

func TestProxyRequestCannotResolveLocally(t *testing.T) {
	ctx := newTestContext()
	p := NewProxy("test.remote-only", Properties{}, []Arg{LiteralArg(Int(1))})
	_, err := p.Resolve(ctx)
	assert.Error(t, err)
	assert.True(t, IsKind(err, ErrNotImplemented))
}

func TestMetaRequestResolvesProducedRequest(t *testing.T) {
	ctx := newTestContext()
	inner := add(LiteralArg(Int(4)), LiteralArg(Int(5)))
	meta := NewMeta("test.meta", Properties{}, nil, func(ctx Context, args []Value) (Request, error) {
		return inner, nil
	})
	v, err := ctx.Resolve(meta)
	assert.NoError(t, err)
	got, _ := v.AsInt()
	assert.Equal(t, int64(9), got)
}

func TestNormalizedArgsWrapLiterals(t *testing.T) {
	ctx := newTestContext()
	r := NewNormalized("test.norm-add", Properties{}, []Arg{LiteralArg(Int(2)), LiteralArg(Int(3))}, func(ctx Context, args []Value) (Value, error) {
		x, _ := args[0].AsInt()
		y, _ := args[1].AsInt()
		return Int(x + y), nil
	})
	v, err := ctx.Resolve(r)
	assert.NoError(t, err)
	got, _ := v.AsInt()
	assert.Equal(t, int64(5), got)
}

func TestContainmentRoundTrip(t *testing.T) {
	r := add(LiteralArg(Int(1)), LiteralArg(Int(2)))
	_, ok := r.Containment()
	assert.False(t, ok)
	withC := r.SetContainment(ContainmentData{UUID: "x", DLLDirectory: "/d", DLLName: "lib.so"})
	c, ok := withC.Containment()
	assert.True(t, ok)
	assert.Equal(t, "lib.so", c.DLLName)
}

// IsKind is a small test helper reporting whether err is itself a *Error
// of the given Kind (it does not unwrap).
func IsKind(err error, kind ErrKind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
