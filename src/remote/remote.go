package remote

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/open-cradle/cradle/src/core"
)

// Client is the out-of-process Proxy: it forwards every operation of
// spec §4.9 over one conn to a Server. The conn carries one RPC at a
// time (a call blocks the connection until its response arrives);
// concurrent callers serialize behind callMu, and there is no
// request/response multiplexing (each Client owns its connection
// exclusively). conn is an io.ReadWriteCloser rather than net.Conn so
// the same Client also works over a contained child process's stdin/
// stdout pipes (spec §4.11), via NewClientConn.
type Client struct {
	conn   io.ReadWriteCloser
	callMu sync.Mutex
}

// Dial connects to addr, performs the ping/protocol-version handshake
// (spec §6), and returns a ready Client. A version mismatch is a fatal
// error: old and new peers are never allowed to talk.
func Dial(network, addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, core.WrapError(core.ErrRemote, err, "dialing remote proxy at %s", addr)
	}
	c, err := NewClientConn(conn)
	if err != nil {
		return nil, core.WrapError(core.ErrRemote, err, "handshaking with remote proxy at %s", addr)
	}
	return c, nil
}

// NewClientConn wraps an already-established conn (a TCP socket, or a
// contained child process's combined stdin/stdout pipe) and performs
// the same ping/protocol-version handshake Dial does. A fresh nonce
// accompanies the ping and must come back unchanged, catching a peer
// that echoes stale or mis-framed data before any real RPC is sent.
func NewClientConn(conn io.ReadWriteCloser) (*Client, error) {
	c := &Client{conn: conn}
	nonce := uuid.New().String()
	resp, err := c.call("ping", nonce)
	if err != nil {
		conn.Close()
		return nil, err
	}
	m, _ := resp.(map[string]interface{})
	v, _ := m["Version"].(string)
	gotNonce, _ := m["Nonce"].(string)
	if v != ProtocolVersion {
		conn.Close()
		return nil, core.NewError(core.ErrRemote, "remote proxy speaks protocol %q, expected %q", v, ProtocolVersion)
	}
	if gotNonce != nonce {
		conn.Close()
		return nil, core.NewError(core.ErrRemote, "remote proxy handshake nonce mismatch")
	}
	return c, nil
}

func (c *Client) call(method string, args ...interface{}) (interface{}, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	if err := writeFrame(c.conn, frame{Method: method, Args: args}); err != nil {
		return nil, core.WrapError(core.ErrRemote, err, "sending %s", method)
	}
	var resp frameResult
	if err := readFrame(c.conn, &resp); err != nil {
		return nil, core.WrapError(core.ErrRemote, err, "reading %s response", method)
	}
	if resp.Err != "" {
		return nil, core.NewError(core.ErrRemote, "%s", resp.Err)
	}
	return resp.Result, nil
}

func (c *Client) ResolveSync(ctx core.Context, seriRequest []byte) (core.SerializedResult, error) {
	result, err := c.call("resolve_sync", seriRequest)
	if err != nil {
		return core.SerializedResult{}, err
	}
	return decodeSerializedResult(result)
}

func (c *Client) SubmitAsync(ctx core.Context, seriRequest []byte) (core.AsyncID, error) {
	result, err := c.call("submit_async", seriRequest)
	if err != nil {
		return 0, err
	}
	id, _ := argUint64([]interface{}{result}, 0)
	return core.AsyncID(id), nil
}

func (c *Client) SubmitStored(ctx core.Context, storage, key string) (core.AsyncID, error) {
	result, err := c.call("submit_stored", storage, key)
	if err != nil {
		return 0, err
	}
	id, _ := argUint64([]interface{}{result}, 0)
	return core.AsyncID(id), nil
}

func (c *Client) GetAsyncStatus(id core.AsyncID) (core.AsyncStatus, error) {
	result, err := c.call("get_async_status", uint64(id))
	if err != nil {
		return "", err
	}
	s, _ := result.(string)
	return core.AsyncStatus(s), nil
}

func (c *Client) GetAsyncErrorMessage(id core.AsyncID) (string, error) {
	result, err := c.call("get_async_error_message", uint64(id))
	if err != nil {
		return "", err
	}
	s, _ := result.(string)
	return s, nil
}

func (c *Client) GetSubContexts(id core.AsyncID) ([]core.SubContext, error) {
	result, err := c.call("get_sub_contexts", uint64(id))
	if err != nil {
		return nil, err
	}
	raw, _ := result.([]interface{})
	out := make([]core.SubContext, 0, len(raw))
	for _, r := range raw {
		pair, ok := r.([]interface{})
		if !ok || len(pair) != 2 {
			continue
		}
		id, _ := argUint64(pair, 0)
		isReq, _ := pair[1].(bool)
		out = append(out, core.SubContext{ID: core.AsyncID(id), IsReq: isReq})
	}
	return out, nil
}

func (c *Client) GetAsyncResponse(root core.AsyncID) (core.SerializedResult, error) {
	result, err := c.call("get_async_response", uint64(root))
	if err != nil {
		return core.SerializedResult{}, err
	}
	return decodeSerializedResult(result)
}

func (c *Client) RequestCancellation(id core.AsyncID) error {
	_, err := c.call("request_cancellation", uint64(id))
	return err
}

func (c *Client) FinishAsync(root core.AsyncID) error {
	_, err := c.call("finish_async", uint64(root))
	return err
}

func (c *Client) ReleaseCacheRecordLock(lockID uint64) error {
	_, err := c.call("release_cache_record_lock", lockID)
	return err
}

func (c *Client) LoadSharedLibrary(dir, name string) error {
	_, err := c.call("load_shared_library", dir, name)
	return err
}

func (c *Client) UnloadSharedLibrary(name string) error {
	_, err := c.call("unload_shared_library", name)
	return err
}

func (c *Client) MockHTTP(body []byte) error {
	_, err := c.call("mock_http", body)
	return err
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func decodeSerializedResult(result interface{}) (core.SerializedResult, error) {
	m, ok := result.(map[string]interface{})
	if !ok {
		return core.SerializedResult{}, core.NewError(core.ErrParsing, "malformed serialized_result on the wire")
	}
	var out core.SerializedResult
	if b, ok := m["ValueBytes"].([]byte); ok {
		out.ValueBytes = b
	}
	if n, ok := argUint64([]interface{}{m["ResponseID"]}, 0); ok {
		out.ResponseID = n
	}
	if n, ok := argUint64([]interface{}{m["CacheLockID"]}, 0); ok {
		out.CacheLockID = n
	}
	return out, nil
}

var _ core.Proxy = (*Client)(nil)
