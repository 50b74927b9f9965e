package seri

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-cradle/cradle/src/core"
)

func registration(n int64) core.Registration {
	return core.Registration{
		Deserialize: func(fields map[string]interface{}) (core.Request, error) {
			return core.NewFunction("seri.test.const", core.Properties{}, nil,
				func(ctx core.Context, vals []core.Value) (core.Value, error) {
					return core.Int(n), nil
				}), nil
		},
	}
}

func TestCatalogRegisterAndLookup(t *testing.T) {
	backing := NewBacking()
	cat := NewCatalog(backing)

	_, ok := cat.Lookup("does.not.exist")
	assert.False(t, ok)

	cat.Register("seri.test.const", registration(42))
	reg, ok := cat.Lookup("seri.test.const")
	require.True(t, ok)
	req, err := reg.Deserialize(nil)
	require.NoError(t, err)
	v, err := req.Resolve(nil)
	require.NoError(t, err)
	got, _ := v.AsInt()
	assert.EqualValues(t, 42, got)
}

func TestCatalogCloseOnlyRemovesOwnRegistrations(t *testing.T) {
	backing := NewBacking()
	a := NewCatalog(backing)
	b := NewCatalog(backing)

	a.Register("seri.test.a", registration(1))
	b.Register("seri.test.b", registration(2))

	a.Close()

	_, ok := a.Lookup("seri.test.a")
	assert.False(t, ok)
	_, ok = b.Lookup("seri.test.b")
	assert.True(t, ok)
}

func TestSharedBackingVisibleAcrossCatalogs(t *testing.T) {
	backing := NewBacking()
	a := NewCatalog(backing)
	b := NewCatalog(backing)

	a.Register("seri.test.shared", registration(7))
	_, ok := b.Lookup("seri.test.shared")
	assert.True(t, ok)
}

func TestUnloadRemovesRegistrationWhenIdle(t *testing.T) {
	backing := NewBacking()
	cat := NewCatalog(backing)
	cat.Register("seri.test.unload", registration(1))

	require.NoError(t, cat.Unload("seri.test.unload"))

	_, ok := cat.Lookup("seri.test.unload")
	assert.False(t, ok)
}

func TestUnloadRefusesWhileRetained(t *testing.T) {
	backing := NewBacking()
	cat := NewCatalog(backing)
	cat.Register("seri.test.busy", registration(1))

	cat.Retain("seri.test.busy")
	err := cat.Unload("seri.test.busy")
	assert.Error(t, err)

	_, ok := cat.Lookup("seri.test.busy")
	assert.True(t, ok)

	cat.Release("seri.test.busy")
	require.NoError(t, cat.Unload("seri.test.busy"))
}

func TestUnloadRefusesForUnownedUUID(t *testing.T) {
	backing := NewBacking()
	cat := NewCatalog(backing)

	err := cat.Unload("seri.test.nonexistent")
	assert.Error(t, err)
}

func TestReleaseWithoutRetainDoesNotGoNegative(t *testing.T) {
	backing := NewBacking()
	cat := NewCatalog(backing)
	cat.Register("seri.test.norace", registration(1))

	cat.Release("seri.test.norace")
	require.NoError(t, cat.Unload("seri.test.norace"))
}
