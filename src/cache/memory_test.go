package cache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/open-cradle/cradle/src/core"
	"github.com/open-cradle/cradle/src/hashes"
)

func TestGetOrComputeRunsOnce(t *testing.T) {
	c := NewMemoryCache(1 << 20)
	key := hashes.Combine("test")
	var calls int32

	produce := func() (core.Value, error) {
		atomic.AddInt32(&calls, 1)
		return core.Int(42), nil
	}

	var wg sync.WaitGroup
	results := make([]int64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ptr, v, err := c.GetOrCompute(key, produce)
			assert.NoError(t, err)
			got, _ := v.AsInt()
			results[i] = got
			ptr.Release()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls)
	for _, r := range results {
		assert.Equal(t, int64(42), r)
	}
}

func TestGetOrComputeFailureAllowsRetry(t *testing.T) {
	c := NewMemoryCache(1 << 20)
	key := hashes.Combine("test-fail")
	var calls int32

	produce := func() (core.Value, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return core.Value{}, core.NewError(core.ErrLogic, "boom")
		}
		return core.Int(7), nil
	}

	_, _, err := c.GetOrCompute(key, produce)
	assert.Error(t, err)

	ptr, v, err := c.GetOrCompute(key, produce)
	assert.NoError(t, err)
	got, _ := v.AsInt()
	assert.Equal(t, int64(7), got)
	ptr.Release()
	assert.Equal(t, int32(2), calls)
}

func TestSharedValueSharesOneCASRecord(t *testing.T) {
	c := NewMemoryCache(1 << 20)
	k1 := hashes.Combine("a")
	k2 := hashes.Combine("b")
	produce := func() (core.Value, error) { return core.Int(99), nil }

	p1, _, err := c.GetOrCompute(k1, produce)
	assert.NoError(t, err)
	p2, _, err := c.GetOrCompute(k2, produce)
	assert.NoError(t, err)

	before := c.CASBytes()
	_, size, err := digestOf(core.Int(99))
	assert.NoError(t, err)
	assert.Equal(t, uint64(size), before, "two keys producing the same value should hold one CAS record")
	p1.Release()
	p2.Release()
	assert.Equal(t, before, c.CASBytes(), "CAS bytes shouldn't change just from releasing pins")
}

func TestLockPreventsDoubleLock(t *testing.T) {
	c := NewMemoryCache(1 << 20)
	key := hashes.Combine("locked")
	ptr, _, err := c.GetOrCompute(key, func() (core.Value, error) { return core.Bool(true), nil })
	assert.NoError(t, err)
	ptr.Release()

	assert.NoError(t, c.Lock(key))
	assert.Error(t, c.Lock(key))
	assert.NoError(t, c.Unlock(key))
}

func TestClearUnusedEntriesRespectsLimit(t *testing.T) {
	c := NewMemoryCache(1) // tiny limit forces eviction
	for i := 0; i < 10; i++ {
		key := hashes.Combine("key", hashes.Digest{byte(i)})
		ptr, _, err := c.GetOrCompute(key, func() (core.Value, error) { return core.String("some value bytes"), nil })
		assert.NoError(t, err)
		ptr.Release()
	}
	c.ClearUnusedEntries()
	assert.LessOrEqual(t, c.CASBytes(), uint64(64))
}

func TestCacheImplementsCoreCache(t *testing.T) {
	c := NewMemoryCache(1 << 20)
	key := hashes.Combine("explicit")
	assert.NoError(t, c.Store(key, core.Int(5)))
	v, ok, err := c.Lookup(key)
	assert.NoError(t, err)
	assert.True(t, ok)
	got, _ := v.AsInt()
	assert.Equal(t, int64(5), got)
}
