package remote

import (
	"io"
	"net"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/open-cradle/cradle/src/core"
	"github.com/open-cradle/cradle/src/resolve"
)

// Server is the out-of-process half of spec §4.9: it runs the same
// engine a Loopback runs, reached over net.Conn instead of direct calls.
// A contained worker (spec §4.11) is a Server started against a
// resources instance scoped to one containment_data registration.
type Server struct {
	engine *engine
}

// NewServer builds a Server dispatching onto resources using resolver,
// reconstructing incoming serialized requests via registry.
func NewServer(resources *core.Resources, resolver *resolve.Resolver, registry core.Registry) *Server {
	return &Server{engine: newEngine(resources, resolver, registry)}
}

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed). Each connection is served by its own
// goroutine and may carry many sequential RPCs.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.ServeConn(conn)
	}
}

// ServeConn serves one conn until it errors or is closed, then closes
// it. A contained worker (spec §4.11) calls this directly over a pipe
// pair instead of going through Serve/net.Listener.
func (s *Server) ServeConn(conn io.ReadWriteCloser) {
	defer conn.Close()
	for {
		var f frame
		if err := readFrame(conn, &f); err != nil {
			log.Debug("remote server connection closed: %s", err)
			return
		}
		result, err := s.dispatch(f)
		resp := frameResult{Result: result}
		if err != nil {
			resp.Err = err.Error()
		}
		if err := writeFrame(conn, resp); err != nil {
			log.Error("remote server failed writing response: %s", err)
			return
		}
	}
}

// dispatch runs one frame against the engine. Args are whatever
// MessagePack produced decoding into interface{}, so each case asserts
// its own expected shapes.
func (s *Server) dispatch(f frame) (interface{}, error) {
	switch f.Method {
	case "ping":
		nonce, _ := argString(f.Args, 0)
		return map[string]interface{}{"Version": ProtocolVersion, "Nonce": nonce}, nil
	case "resolve_sync":
		req, err := decodeEnvelopeArg(f.Args, 0, s.engine.registry)
		if err != nil {
			return nil, err
		}
		result, err := s.engine.resolveSync(req)
		if err != nil {
			return nil, err
		}
		return result, nil
	case "submit_async":
		req, err := decodeEnvelopeArg(f.Args, 0, s.engine.registry)
		if err != nil {
			return nil, err
		}
		id, err := s.engine.submitAsync(req)
		return uint64(id), err
	case "submit_stored":
		storage, _ := argString(f.Args, 0)
		key, _ := argString(f.Args, 1)
		return nil, core.NewError(core.ErrNotImplemented, "server proxy has no blob store to read %s/%s from", storage, key)
	case "get_async_status":
		id, _ := argUint64(f.Args, 0)
		status, err := s.engine.getAsyncStatus(core.AsyncID(id))
		return string(status), err
	case "get_async_error_message":
		id, _ := argUint64(f.Args, 0)
		return s.engine.getAsyncErrorMessage(core.AsyncID(id))
	case "get_sub_contexts":
		id, _ := argUint64(f.Args, 0)
		subs, err := s.engine.getSubContexts(core.AsyncID(id))
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, len(subs))
		for i, sc := range subs {
			out[i] = []interface{}{uint64(sc.ID), sc.IsReq}
		}
		return out, nil
	case "get_async_response":
		id, _ := argUint64(f.Args, 0)
		return s.engine.getAsyncResponse(core.AsyncID(id))
	case "request_cancellation":
		id, _ := argUint64(f.Args, 0)
		return nil, s.engine.requestCancellation(core.AsyncID(id))
	case "finish_async":
		id, _ := argUint64(f.Args, 0)
		return nil, s.engine.finishAsync(core.AsyncID(id))
	case "release_cache_record_lock":
		id, _ := argUint64(f.Args, 0)
		return nil, s.engine.releaseCacheRecordLock(id)
	case "load_shared_library":
		dir, _ := argString(f.Args, 0)
		name, _ := argString(f.Args, 1)
		return nil, s.engine.loadSharedLibrary(dir, name)
	case "unload_shared_library":
		name, _ := argString(f.Args, 0)
		return nil, s.engine.unloadSharedLibrary(name)
	case "mock_http":
		body, _ := argBytes(f.Args, 0)
		return nil, s.engine.mockHTTP(body)
	}
	return nil, core.NewError(core.ErrInvalidArgument, "unknown RPC method %q", f.Method)
}

func decodeEnvelopeArg(args []interface{}, i int, registry core.Registry) (core.Request, error) {
	if i >= len(args) {
		return nil, core.NewError(core.ErrMissingField, "missing argument %d", i)
	}
	// A request argument travels the wire pre-encoded by the caller's
	// RequestCodec (spec §4.7's resolveRemote); args[i] is therefore
	// the raw encoded bytes, not a msgpack-native map.
	enc, ok := args[i].([]byte)
	if !ok {
		return nil, core.NewError(core.ErrParsing, "argument %d is not an encoded request", i)
	}
	var env map[string]interface{}
	if err := msgpack.Unmarshal(enc, &env); err != nil {
		return nil, core.WrapError(core.ErrParsing, err, "decoding serialized request")
	}
	return decodeEnvelope(env, registry)
}

func argString(args []interface{}, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func argBytes(args []interface{}, i int) ([]byte, bool) {
	if i >= len(args) {
		return nil, false
	}
	b, ok := args[i].([]byte)
	return b, ok
}

func argUint64(args []interface{}, i int) (uint64, bool) {
	if i >= len(args) {
		return 0, false
	}
	switch n := args[i].(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case int32:
		return uint64(n), true
	case int:
		return uint64(n), true
	}
	return 0, false
}
