package remote

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/open-cradle/cradle/src/cache"
	"github.com/open-cradle/cradle/src/core"
	"github.com/open-cradle/cradle/src/resolve"
)

// encodeEnvelopeForTest mirrors resolve.go's unexported default codec
// (uuid + recursively-encoded args), standing in for it here since a
// resolve.Resolver normally performs this encoding internally before
// ever handing bytes to a Proxy.
func encodeEnvelopeForTest(req core.Request) ([]byte, error) {
	args := make([]interface{}, 0, len(req.Args()))
	for _, a := range req.Args() {
		if a.Kind == core.ArgLiteral {
			enc, err := a.Literal.Encode()
			if err != nil {
				return nil, err
			}
			args = append(args, []interface{}{"literal", enc})
		} else {
			sub, err := encodeEnvelopeMapForTest(a.Sub)
			if err != nil {
				return nil, err
			}
			args = append(args, []interface{}{"sub", sub})
		}
	}
	return msgpack.Marshal(map[string]interface{}{"uuid": req.UUID(), "args": args})
}

func encodeEnvelopeMapForTest(req core.Request) (map[string]interface{}, error) {
	args := make([]interface{}, 0, len(req.Args()))
	for _, a := range req.Args() {
		if a.Kind == core.ArgLiteral {
			enc, err := a.Literal.Encode()
			if err != nil {
				return nil, err
			}
			args = append(args, []interface{}{"literal", enc})
		} else {
			sub, err := encodeEnvelopeMapForTest(a.Sub)
			if err != nil {
				return nil, err
			}
			args = append(args, []interface{}{"sub", sub})
		}
	}
	return map[string]interface{}{"uuid": req.UUID(), "args": args}, nil
}

// testRegistry is a minimal core.Registry: one fixed "remote.test.add"
// registration reconstructing a request that sums its two literal
// integer args, enough to exercise decodeEnvelope's recursive arg
// decoding without needing the full seri-registry package.
type testRegistry struct{}

func (testRegistry) Lookup(uuid string) (core.Registration, bool) {
	if uuid != "remote.test.add" {
		return core.Registration{}, false
	}
	return core.Registration{
		Deserialize: func(fields map[string]interface{}) (core.Request, error) {
			args, _ := fields["args"].([]core.Arg)
			return core.NewFunction("remote.test.add", core.Properties{Caching: core.CachingNone}, args,
				func(ctx core.Context, vals []core.Value) (core.Value, error) {
					x, _ := vals[0].AsInt()
					y, _ := vals[1].AsInt()
					return core.Int(x + y), nil
				}), nil
		},
	}, true
}

func addRequest(x, y int64) core.Request {
	return core.NewFunction("remote.test.add", core.Properties{Caching: core.CachingNone},
		[]core.Arg{core.LiteralArg(core.Int(x)), core.LiteralArg(core.Int(y))},
		func(ctx core.Context, vals []core.Value) (core.Value, error) {
			a, _ := vals[0].AsInt()
			b, _ := vals[1].AsInt()
			return core.Int(a + b), nil
		})
}

func encodeRequestForTest(t *testing.T, req core.Request) []byte {
	t.Helper()
	env, err := encodeEnvelopeForTest(req)
	require.NoError(t, err)
	return env
}

func newTestResources() *core.Resources {
	return core.NewResources(core.DefaultConfiguration(), cache.NewMemoryCache(1<<20), nil, testRegistry{})
}

func TestLoopbackResolveSyncRoundTrip(t *testing.T) {
	resources := newTestResources()
	resolver := resolve.New()
	lb := NewLoopback(resources, resolver, testRegistry{})

	enc := encodeRequestForTest(t, addRequest(3, 4))
	result, err := lb.ResolveSync(nil, enc)
	require.NoError(t, err)

	v, err := core.DecodeValue(result.ValueBytes)
	require.NoError(t, err)
	got, _ := v.AsInt()
	assert.Equal(t, int64(7), got)
}

func TestLoopbackSubmitAsyncReachesFinished(t *testing.T) {
	resources := newTestResources()
	resolver := resolve.New()
	lb := NewLoopback(resources, resolver, testRegistry{})

	enc := encodeRequestForTest(t, addRequest(10, 20))
	id, err := lb.SubmitAsync(nil, enc)
	require.NoError(t, err)
	require.NotZero(t, id)

	result, err := lb.GetAsyncResponse(id)
	require.NoError(t, err)
	v, err := core.DecodeValue(result.ValueBytes)
	require.NoError(t, err)
	got, _ := v.AsInt()
	assert.Equal(t, int64(30), got)

	status, err := lb.GetAsyncStatus(id)
	require.NoError(t, err)
	assert.Equal(t, core.AsyncFinished, status)

	require.NoError(t, lb.FinishAsync(id))
	_, err = lb.GetAsyncStatus(id)
	assert.Error(t, err)
}

func TestLoopbackSubmitAsyncCancellation(t *testing.T) {
	resources := newTestResources()
	resolver := resolve.New()

	started := make(chan struct{})
	blockUntilCancelled := make(chan struct{})
	slowReg := testRegistryFunc(func(uuid string) (core.Registration, bool) {
		if uuid != "remote.test.slow" {
			return core.Registration{}, false
		}
		return core.Registration{
			Deserialize: func(fields map[string]interface{}) (core.Request, error) {
				return core.NewFunction("remote.test.slow", core.Properties{}, nil,
					func(ctx core.Context, vals []core.Value) (core.Value, error) {
						close(started)
						<-blockUntilCancelled
						return core.Int(1), nil
					}), nil
			},
		}, true
	})
	lb2 := NewLoopback(resources, resolver, slowReg)

	enc, err := encodeEnvelopeForTest(core.NewFunction("remote.test.slow", core.Properties{}, nil, nil))
	require.NoError(t, err)
	id, err := lb2.SubmitAsync(nil, enc)
	require.NoError(t, err)

	<-started
	require.NoError(t, lb2.RequestCancellation(id))
	close(blockUntilCancelled)

	require.Eventually(t, func() bool {
		status, err := lb2.GetAsyncStatus(id)
		return err == nil && status == core.AsyncCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientServerResolveSyncOverTCP(t *testing.T) {
	resources := newTestResources()
	resolver := resolve.New()
	server := NewServer(resources, resolver, testRegistry{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go server.Serve(ln)

	client, err := Dial("tcp", ln.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	enc := encodeRequestForTest(t, addRequest(5, 6))
	result, err := client.ResolveSync(nil, enc)
	require.NoError(t, err)
	v, err := core.DecodeValue(result.ValueBytes)
	require.NoError(t, err)
	got, _ := v.AsInt()
	assert.Equal(t, int64(11), got)
}

func TestClientRejectsProtocolMismatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var f frame
		if err := readFrame(conn, &f); err != nil {
			return
		}
		writeFrame(conn, frameResult{Result: "stale-protocol-v0"})
	}()

	_, err = Dial("tcp", ln.Addr().String(), 2*time.Second)
	assert.Error(t, err)
}

// testRegistryFunc adapts a plain function to core.Registry.
type testRegistryFunc func(uuid string) (core.Registration, bool)

func (f testRegistryFunc) Lookup(uuid string) (core.Registration, bool) { return f(uuid) }

// refCountingRegistry wraps testRegistry to also satisfy core.RefCounter,
// recording every Retain/Release call so a test can assert the engine
// pins a request's uuid for exactly the duration of its resolution.
type refCountingRegistry struct {
	testRegistry
	mu     sync.Mutex
	counts map[string]int
}

func newRefCountingRegistry() *refCountingRegistry {
	return &refCountingRegistry{counts: map[string]int{}}
}

func (r *refCountingRegistry) Retain(uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[uuid]++
}

func (r *refCountingRegistry) Release(uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[uuid]--
}

func (r *refCountingRegistry) count(uuid string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[uuid]
}

func TestLoopbackResolveSyncRetainsAndReleasesRegistryUUID(t *testing.T) {
	registry := newRefCountingRegistry()
	resources := core.NewResources(core.DefaultConfiguration(), cache.NewMemoryCache(1<<20), nil, registry)
	resolver := resolve.New()
	lb := NewLoopback(resources, resolver, registry)

	enc := encodeRequestForTest(t, addRequest(1, 2))
	_, err := lb.ResolveSync(nil, enc)
	require.NoError(t, err)

	assert.Equal(t, 0, registry.count("remote.test.add"))
}

func TestLoopbackSubmitAsyncRetainsAndReleasesRegistryUUID(t *testing.T) {
	registry := newRefCountingRegistry()
	resources := core.NewResources(core.DefaultConfiguration(), cache.NewMemoryCache(1<<20), nil, registry)
	resolver := resolve.New()
	lb := NewLoopback(resources, resolver, registry)

	enc := encodeRequestForTest(t, addRequest(5, 6))
	id, err := lb.SubmitAsync(nil, enc)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := lb.GetAsyncStatus(id)
		return err == nil && status == core.AsyncFinished
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, registry.count("remote.test.add"))
}
