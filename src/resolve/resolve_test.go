package resolve

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/open-cradle/cradle/src/cache"
	"github.com/open-cradle/cradle/src/core"
	"github.com/open-cradle/cradle/src/metrics"
)

func newTestResources() *core.Resources {
	return core.NewResources(core.DefaultConfiguration(), cache.NewMemoryCache(1<<20), nil, nil)
}

// cacheLookups reads one cradle_cache_lookups_total series from m's
// registry, the only part of metrics.Metrics visible outside its package.
func cacheLookups(t *testing.T, m *metrics.Metrics, tier, hit string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	assert.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "cradle_cache_lookups_total" {
			continue
		}
		for _, series := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range series.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["tier"] == tier && labels["hit"] == hit {
				return series.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func countingAdd(calls *int32) core.Request {
	return core.NewFunction("resolve.test.add", core.Properties{Caching: core.CachingMemory},
		[]core.Arg{core.LiteralArg(core.Int(1)), core.LiteralArg(core.Int(2))},
		func(ctx core.Context, args []core.Value) (core.Value, error) {
			atomic.AddInt32(calls, 1)
			x, _ := args[0].AsInt()
			y, _ := args[1].AsInt()
			return core.Int(x + y), nil
		})
}

func TestResolveLocalDirect(t *testing.T) {
	r := New()
	resources := newTestResources()
	req := core.NewFunction("resolve.test.noop", core.Properties{Caching: core.CachingNone}, nil,
		func(ctx core.Context, args []core.Value) (core.Value, error) { return core.Int(5), nil })

	v, err := r.Resolve(context.Background(), resources, req)
	assert.NoError(t, err)
	got, _ := v.AsInt()
	assert.Equal(t, int64(5), got)
}

func TestResolveSharesMemoryCacheAcrossConcurrentCallers(t *testing.T) {
	r := New()
	resources := newTestResources()
	var calls int32
	req := countingAdd(&calls)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := r.Resolve(context.Background(), resources, req)
			assert.NoError(t, err)
			got, _ := v.AsInt()
			assert.Equal(t, int64(3), got)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls)
}

func TestResolveRetriesOnFailure(t *testing.T) {
	r := New()
	resources := newTestResources()
	var attempts int32
	req := core.NewFunction("resolve.test.flaky", core.Properties{
		Caching: core.CachingNone,
		Retry: &core.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     func(attempt int) int64 { return 0 },
		},
	}, nil, func(ctx core.Context, args []core.Value) (core.Value, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return core.Value{}, core.NewError(core.ErrLogic, "not yet")
		}
		return core.Int(99), nil
	})

	v, err := r.Resolve(context.Background(), resources, req)
	assert.NoError(t, err)
	got, _ := v.AsInt()
	assert.Equal(t, int64(99), got)
	assert.Equal(t, int32(3), attempts)
}

func TestResolveRetryExhaustsAndReturnsError(t *testing.T) {
	r := New()
	resources := newTestResources()
	req := core.NewFunction("resolve.test.always-fails", core.Properties{
		Caching: core.CachingNone,
		Retry:   &core.RetryPolicy{MaxAttempts: 2, Backoff: func(int) int64 { return 0 }},
	}, nil, func(ctx core.Context, args []core.Value) (core.Value, error) {
		return core.Value{}, core.NewError(core.ErrLogic, "nope")
	})

	_, err := r.Resolve(context.Background(), resources, req)
	assert.Error(t, err)
}

func TestResolveDoesNotRetryCancellation(t *testing.T) {
	r := New()
	resources := newTestResources()
	var attempts int32
	req := core.NewFunction("resolve.test.cancelled", core.Properties{
		Caching: core.CachingNone,
		Retry:   &core.RetryPolicy{MaxAttempts: 5, Backoff: func(int) int64 { return 0 }},
	}, nil, func(ctx core.Context, args []core.Value) (core.Value, error) {
		atomic.AddInt32(&attempts, 1)
		return core.Value{}, core.KindError(core.ErrAsyncCancelled)
	})

	_, err := r.Resolve(context.Background(), resources, req)
	assert.Error(t, err)
	assert.Equal(t, int32(1), attempts)
}

type fakeProxy struct {
	result core.SerializedResult
}

func (f *fakeProxy) ResolveSync(ctx core.Context, seriRequest []byte) (core.SerializedResult, error) {
	return f.result, nil
}
func (f *fakeProxy) SubmitAsync(ctx core.Context, seriRequest []byte) (core.AsyncID, error) {
	return 0, nil
}
func (f *fakeProxy) SubmitStored(ctx core.Context, storage, key string) (core.AsyncID, error) {
	return 0, nil
}
func (f *fakeProxy) GetAsyncStatus(id core.AsyncID) (core.AsyncStatus, error) { return "", nil }
func (f *fakeProxy) GetAsyncErrorMessage(id core.AsyncID) (string, error)     { return "", nil }
func (f *fakeProxy) GetSubContexts(id core.AsyncID) ([]core.SubContext, error) {
	return nil, nil
}
func (f *fakeProxy) GetAsyncResponse(root core.AsyncID) (core.SerializedResult, error) {
	return core.SerializedResult{}, nil
}
func (f *fakeProxy) RequestCancellation(id core.AsyncID) error    { return nil }
func (f *fakeProxy) FinishAsync(root core.AsyncID) error          { return nil }
func (f *fakeProxy) ReleaseCacheRecordLock(lockID uint64) error    { return nil }
func (f *fakeProxy) LoadSharedLibrary(dir, name string) error     { return nil }
func (f *fakeProxy) UnloadSharedLibrary(name string) error         { return nil }
func (f *fakeProxy) MockHTTP(body []byte) error                    { return nil }
func (f *fakeProxy) Close() error                                  { return nil }

func TestResolveDispatchesProxyRequestRemotely(t *testing.T) {
	r := New()
	resources := newTestResources()
	want := core.Int(42)
	enc, err := want.Encode()
	assert.NoError(t, err)
	resources.SetProxy(&fakeProxy{result: core.SerializedResult{ValueBytes: enc}})

	req := core.NewProxy("resolve.test.remote", core.Properties{Caching: core.CachingNone}, []core.Arg{core.LiteralArg(core.Int(1))})
	v, err := r.Resolve(context.Background(), resources, req)
	assert.NoError(t, err)
	got, _ := v.AsInt()
	assert.Equal(t, int64(42), got)
}

func TestResolveWithoutProxyInstalledFailsForRemoteRequest(t *testing.T) {
	r := New()
	resources := newTestResources()
	req := core.NewProxy("resolve.test.remote-missing", core.Properties{}, nil)
	_, err := r.Resolve(context.Background(), resources, req)
	assert.Error(t, err)
}

func TestSetMetricsRecordsCacheLookupsAndResolveDuration(t *testing.T) {
	r := New()
	r.SetMetrics(metrics.New())
	resources := newTestResources()
	var calls int32
	req := countingAdd(&calls)

	v, err := r.Resolve(context.Background(), resources, req)
	assert.NoError(t, err)
	got, _ := v.AsInt()
	assert.Equal(t, int64(3), got)

	v, err = r.Resolve(context.Background(), resources, req)
	assert.NoError(t, err)
	got, _ = v.AsInt()
	assert.Equal(t, int64(3), got)

	assert.Equal(t, int32(1), calls)
	assert.Equal(t, float64(1), cacheLookups(t, r.metrics, "memory", "true"))
	assert.Equal(t, float64(1), cacheLookups(t, r.metrics, "memory", "false"))

	count, err := testutil.GatherAndCount(r.metrics.Registry(), "cradle_resolve_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestResolveWithoutMetricsInstalledStillResolves(t *testing.T) {
	r := New()
	resources := newTestResources()
	req := core.NewFunction("resolve.test.nometrics", core.Properties{Caching: core.CachingNone}, nil,
		func(ctx core.Context, args []core.Value) (core.Value, error) { return core.Int(7), nil })

	v, err := r.Resolve(context.Background(), resources, req)
	assert.NoError(t, err)
	got, _ := v.AsInt()
	assert.Equal(t, int64(7), got)
}
