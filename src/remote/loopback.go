package remote

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/open-cradle/cradle/src/core"
	"github.com/open-cradle/cradle/src/resolve"
)

// Loopback runs the worker logic of spec §4.9 in-process, against a
// second core.Resources instance, so local callers exercise the exact
// same code paths a dialed-out Client would: "code paths are identical
// to out-of-process."
type Loopback struct {
	engine *engine
}

// NewLoopback builds a Loopback dispatching onto resources using
// resolver, reconstructing incoming serialized requests via registry.
func NewLoopback(resources *core.Resources, resolver *resolve.Resolver, registry core.Registry) *Loopback {
	return &Loopback{engine: newEngine(resources, resolver, registry)}
}

func (l *Loopback) decode(seriRequest []byte) (core.Request, error) {
	var env map[string]interface{}
	if err := msgpack.Unmarshal(seriRequest, &env); err != nil {
		return nil, core.WrapError(core.ErrParsing, err, "decoding serialized request")
	}
	return decodeEnvelope(env, l.engine.registry)
}

func (l *Loopback) ResolveSync(ctx core.Context, seriRequest []byte) (core.SerializedResult, error) {
	req, err := l.decode(seriRequest)
	if err != nil {
		return core.SerializedResult{}, err
	}
	return l.engine.resolveSync(req)
}

func (l *Loopback) SubmitAsync(ctx core.Context, seriRequest []byte) (core.AsyncID, error) {
	req, err := l.decode(seriRequest)
	if err != nil {
		return 0, err
	}
	return l.engine.submitAsync(req)
}

func (l *Loopback) SubmitStored(ctx core.Context, storage, key string) (core.AsyncID, error) {
	return 0, core.NewError(core.ErrNotImplemented, "loopback proxy has no blob store to read %s/%s from", storage, key)
}

func (l *Loopback) GetAsyncStatus(id core.AsyncID) (core.AsyncStatus, error) {
	return l.engine.getAsyncStatus(id)
}

func (l *Loopback) GetAsyncErrorMessage(id core.AsyncID) (string, error) {
	return l.engine.getAsyncErrorMessage(id)
}

func (l *Loopback) GetSubContexts(id core.AsyncID) ([]core.SubContext, error) {
	return l.engine.getSubContexts(id)
}

func (l *Loopback) GetAsyncResponse(root core.AsyncID) (core.SerializedResult, error) {
	return l.engine.getAsyncResponse(root)
}

func (l *Loopback) RequestCancellation(id core.AsyncID) error {
	return l.engine.requestCancellation(id)
}

func (l *Loopback) FinishAsync(root core.AsyncID) error {
	return l.engine.finishAsync(root)
}

func (l *Loopback) ReleaseCacheRecordLock(lockID uint64) error {
	return l.engine.releaseCacheRecordLock(lockID)
}

func (l *Loopback) LoadSharedLibrary(dir, name string) error {
	return l.engine.loadSharedLibrary(dir, name)
}

func (l *Loopback) UnloadSharedLibrary(name string) error {
	return l.engine.unloadSharedLibrary(name)
}

func (l *Loopback) MockHTTP(body []byte) error {
	return l.engine.mockHTTP(body)
}

func (l *Loopback) Close() error {
	return nil
}

var _ core.Proxy = (*Loopback)(nil)
