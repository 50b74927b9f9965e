// Package remote implements the remote proxy (spec §4.9): the
// resolver's view of a worker, whether it runs in this process
// (Loopback) or as a separate server reached over a socket (Client +
// Server). Both share one engine implementing the worker-side
// operations, so "code paths are identical to out-of-process" the way
// spec §4.9 requires.
//
// Wire protocol: length-prefixed MessagePack frames carrying (method
// name, positional args) over a net.Conn or, for a contained worker
// (src/worker), over a child process's stdin/stdout pipes (spec §6).
package remote

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/open-cradle/cradle/src/core"
)

// ProtocolVersion is exchanged on every new connection: the client sends
// a ping frame first and expects this string back verbatim; a mismatch
// closes the connection with a fatal error (spec §6).
const ProtocolVersion = "cradle-rpc-v1"

// maxFrameSize bounds a length prefix before it is trusted enough to
// drive an allocation; generous enough for any serialized value this
// system produces, small enough that a garbled prefix fails fast.
const maxFrameSize = 256 << 20

// frame is one request: a method name plus its positional arguments,
// matching spec §6's "peer-to-peer RPC messages carry (method name,
// positional args)".
type frame struct {
	Method string        `msgpack:"method"`
	Args   []interface{} `msgpack:"args"`
}

// frameResult is one response: either a result value or an error
// message, never both.
type frameResult struct {
	Result interface{} `msgpack:"result"`
	Err    string      `msgpack:"err,omitempty"`
}

func writeFrame(w io.Writer, v interface{}) error {
	enc, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(enc)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(enc)
	return err
}

func readFrame(r io.Reader, v interface{}) error {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > maxFrameSize {
		return fmt.Errorf("remote: frame of %d bytes exceeds %d byte limit", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return msgpack.Unmarshal(buf, v)
}

// decodeEnvelope reconstructs a Request from the {uuid, args} envelope
// resolve.RequestCodec's default implementation produces (spec §4.10's
// "each serialized request embeds its uuid as the first discriminator
// field"). It is the wire-protocol counterpart of resolve's
// encodeRequestEnvelope/encodeArg — kept independent of package resolve
// since decoding is purely a function of the wire contract and the
// registry, not of the resolver.
func decodeEnvelope(env map[string]interface{}, registry core.Registry) (core.Request, error) {
	if registry == nil {
		return nil, core.NewError(core.ErrLogic, "no seri-registry installed to reconstruct requests")
	}
	uuid, _ := env["uuid"].(string)
	if uuid == "" {
		return nil, core.NewError(core.ErrMissingField, "serialized request has no uuid")
	}
	reg, ok := registry.Lookup(uuid)
	if !ok {
		return nil, core.NewError(core.ErrUnregisteredUUID, "no registration for uuid %q", uuid)
	}
	rawArgs, _ := env["args"].([]interface{})
	args := make([]core.Arg, 0, len(rawArgs))
	for _, ra := range rawArgs {
		arg, err := decodeArg(ra, registry)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return reg.Deserialize(map[string]interface{}{"uuid": uuid, "args": args})
}

func decodeArg(raw interface{}, registry core.Registry) (core.Arg, error) {
	pair, ok := raw.([]interface{})
	if !ok || len(pair) != 2 {
		return core.Arg{}, core.NewError(core.ErrParsing, "malformed argument envelope")
	}
	tag, _ := pair[0].(string)
	switch tag {
	case "literal":
		enc, ok := pair[1].([]byte)
		if !ok {
			return core.Arg{}, core.NewError(core.ErrParsing, "malformed literal argument")
		}
		v, err := core.DecodeValue(enc)
		if err != nil {
			return core.Arg{}, err
		}
		return core.LiteralArg(v), nil
	case "sub":
		sub, ok := pair[1].(map[string]interface{})
		if !ok {
			return core.Arg{}, core.NewError(core.ErrParsing, "malformed sub-request argument")
		}
		req, err := decodeEnvelope(sub, registry)
		if err != nil {
			return core.Arg{}, err
		}
		return core.SubArg(req), nil
	}
	return core.Arg{}, core.NewError(core.ErrParsing, "unknown argument tag %q", tag)
}

// composeID folds a root slot and a tree-local node id into one
// external core.AsyncID, so get_async_status/get_sub_contexts/etc. can
// address any node of any outstanding submission with a single integer
// without asynctree needing a cross-tree id space of its own. Slot 0 is
// never issued (nextID starts at 1), so a composed id is always nonzero.
func composeID(rootSlot uint64, localID core.AsyncID) core.AsyncID {
	return core.AsyncID((rootSlot << 32) | (uint64(localID) & 0xffffffff))
}

func splitID(id core.AsyncID) (rootSlot uint64, localID core.AsyncID) {
	v := uint64(id)
	return v >> 32, core.AsyncID(v & 0xffffffff)
}
