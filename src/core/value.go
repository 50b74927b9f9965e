package core

import (
	"fmt"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/open-cradle/cradle/src/hashes"
)

// Kind discriminates the tagged union a Value is.
type Kind int

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBlob
	KindDatetime
	KindList
	KindMap
)

// maxBlobSize is the largest blob Encode will accept, per spec §6.
const maxBlobSize = 4 << 30 // 4 GiB

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBlob:
		return "blob"
	case KindDatetime:
		return "datetime"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return "unknown"
}

// A MapEntry is one key/value pair of a Value map. Kept as a slice rather
// than a Go map because Value (which may itself be a list or map) isn't
// always a valid Go map key.
type MapEntry struct {
	Key   Value
	Value Value
}

// Value is CRADLE's tagged-union runtime value: the thing requests
// ultimately resolve to. The zero Value is KindNil.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	blob Blob
	t    time.Time
	list []Value
	m    []MapEntry
}

func Nil() Value                { return Value{kind: KindNil} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Int(i int64) Value         { return Value{kind: KindInt, i: i} }
func Float(f float64) Value     { return Value{kind: KindFloat, f: f} }
func String(s string) Value     { return Value{kind: KindString, s: s} }
func BlobValue(b Blob) Value    { return Value{kind: KindBlob, blob: b} }
func Datetime(t time.Time) Value {
	return Value{kind: KindDatetime, t: t.UTC().Truncate(time.Millisecond)}
}
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

// Map builds a mapping value. Entries are stored in the order given;
// Encode canonicalizes the order by key so two maps with the same
// entries in different insertion order produce the same fingerprint.
func Map(entries ...MapEntry) Value {
	return Value{kind: KindMap, m: entries}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsBool() (bool, bool)          { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool)          { return v.i, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool)      { return v.f, v.kind == KindFloat }
func (v Value) AsString() (string, bool)      { return v.s, v.kind == KindString }
func (v Value) AsBlob() (Blob, bool)          { return v.blob, v.kind == KindBlob }
func (v Value) AsDatetime() (time.Time, bool) { return v.t, v.kind == KindDatetime }
func (v Value) AsList() ([]Value, bool)       { return v.list, v.kind == KindList }
func (v Value) AsMap() ([]MapEntry, bool)     { return v.m, v.kind == KindMap }

// Equal implements value equality per spec §3: same kind, same content.
func (v Value) Equal(other Value) bool {
	return v.Compare(other) == 0
}

// Compare gives Values a total order, first by Kind then by content; used
// both for map-key canonicalization and for any caller needing a stable
// sort over heterogeneous values.
func (v Value) Compare(other Value) int {
	if v.kind != other.kind {
		if v.kind < other.kind {
			return -1
		}
		return 1
	}
	switch v.kind {
	case KindNil:
		return 0
	case KindBool:
		return boolCompare(v.b, other.b)
	case KindInt:
		return int64Compare(v.i, other.i)
	case KindFloat:
		return float64Compare(v.f, other.f)
	case KindString:
		return stringCompare(v.s, other.s)
	case KindBlob:
		return v.blob.Compare(other.blob)
	case KindDatetime:
		return int64Compare(v.t.UnixMilli(), other.t.UnixMilli())
	case KindList:
		return listCompare(v.list, other.list)
	case KindMap:
		return mapCompare(v.m, other.m)
	}
	return 0
}

func boolCompare(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

func int64Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func float64Compare(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func stringCompare(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func listCompare(a, b []Value) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	return int64Compare(int64(len(a)), int64(len(b)))
}

func mapCompare(a, b []MapEntry) int {
	sa, sb := sortedEntries(a), sortedEntries(b)
	for i := 0; i < len(sa) && i < len(sb); i++ {
		if c := sa[i].Key.Compare(sb[i].Key); c != 0 {
			return c
		}
		if c := sa[i].Value.Compare(sb[i].Value); c != 0 {
			return c
		}
	}
	return int64Compare(int64(len(sa)), int64(len(sb)))
}

func sortedEntries(entries []MapEntry) []MapEntry {
	out := make([]MapEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out
}

// Digest returns the value's content-address: the key the CAS stores it
// under. Two equal values always produce the same digest (spec §3, §8
// invariant 5), computed over the canonical MessagePack encoding so that
// structurally-equal values collapse to one CAS record regardless of
// which request produced them.
func (v Value) Digest() (hashes.Digest, error) {
	enc, err := v.Encode()
	if err != nil {
		return hashes.Digest{}, err
	}
	h := hashes.NewHasher()
	h.Update(enc)
	return h.Sum(), nil
}

// Encode renders the canonical MessagePack encoding used for hashing,
// disk-cache storage and RPC transfer (spec §6). Blobs encode as the raw
// bytes (never the data-owner identity, per §4.1); the canonicalized-map
// ordering matches Compare so Digest is order-independent. Every value
// encodes as a [kind, payload] pair so DecodeValue can tell a list from a
// map's flattened key/value payload without guessing.
func (v Value) Encode() ([]byte, error) {
	iface, err := v.toWireInterface()
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(iface)
}

// DecodeValue inverts Encode.
func DecodeValue(enc []byte) (Value, error) {
	var iface interface{}
	if err := msgpack.Unmarshal(enc, &iface); err != nil {
		return Value{}, WrapError(ErrParsing, err, "decoding value")
	}
	return fromWireInterface(iface)
}

func (v Value) toWireInterface() (interface{}, error) {
	payload, err := v.wirePayload()
	if err != nil {
		return nil, err
	}
	return []interface{}{int8(v.kind), payload}, nil
}

func (v Value) wirePayload() (interface{}, error) {
	switch v.kind {
	case KindNil:
		return nil, nil
	case KindBool:
		return v.b, nil
	case KindInt:
		return v.i, nil
	case KindFloat:
		return v.f, nil
	case KindString:
		return v.s, nil
	case KindBlob:
		if v.blob.Length() > maxBlobSize {
			return nil, NewError(ErrInvalidArgument, "blob of %d bytes exceeds the %d byte (4 GiB) encoding limit", v.blob.Length(), maxBlobSize)
		}
		b, err := v.blob.Bytes()
		if err != nil {
			return nil, err
		}
		return b, nil
	case KindDatetime:
		return v.t.Format(time.RFC3339Nano), nil
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, e := range v.list {
			w, err := e.toWireInterface()
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case KindMap:
		sorted := sortedEntries(v.m)
		out := make([]interface{}, 0, len(sorted)*2)
		for _, e := range sorted {
			wk, err := e.Key.toWireInterface()
			if err != nil {
				return nil, err
			}
			wv, err := e.Value.toWireInterface()
			if err != nil {
				return nil, err
			}
			out = append(out, wk, wv)
		}
		return out, nil
	}
	return nil, NewError(ErrLogic, "unknown value kind %v", v.kind)
}

func fromWireInterface(w interface{}) (Value, error) {
	arr, ok := w.([]interface{})
	if !ok || len(arr) != 2 {
		return Value{}, NewError(ErrParsing, "malformed wire value")
	}
	kindNum, ok := toInt64(arr[0])
	if !ok {
		return Value{}, NewError(ErrParsing, "malformed wire value kind")
	}
	kind := Kind(kindNum)
	payload := arr[1]
	switch kind {
	case KindNil:
		return Nil(), nil
	case KindBool:
		b, ok := payload.(bool)
		if !ok {
			return Value{}, NewError(ErrParsing, "expected bool payload")
		}
		return Bool(b), nil
	case KindInt:
		i, ok := toInt64(payload)
		if !ok {
			return Value{}, NewError(ErrParsing, "expected int payload")
		}
		return Int(i), nil
	case KindFloat:
		f, ok := payload.(float64)
		if !ok {
			return Value{}, NewError(ErrParsing, "expected float payload")
		}
		return Float(f), nil
	case KindString:
		s, ok := payload.(string)
		if !ok {
			return Value{}, NewError(ErrParsing, "expected string payload")
		}
		return String(s), nil
	case KindBlob:
		b, ok := payload.([]byte)
		if !ok {
			return Value{}, NewError(ErrParsing, "expected blob payload")
		}
		return BlobValue(NewBlobBytes(b)), nil
	case KindDatetime:
		s, ok := payload.(string)
		if !ok {
			return Value{}, NewError(ErrParsing, "expected datetime payload")
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Value{}, WrapError(ErrParsing, err, "parsing datetime")
		}
		return Datetime(t), nil
	case KindList:
		items, ok := payload.([]interface{})
		if !ok {
			return Value{}, NewError(ErrParsing, "expected list payload")
		}
		vs := make([]Value, len(items))
		for i, it := range items {
			ev, err := fromWireInterface(it)
			if err != nil {
				return Value{}, err
			}
			vs[i] = ev
		}
		return List(vs...), nil
	case KindMap:
		items, ok := payload.([]interface{})
		if !ok {
			return Value{}, NewError(ErrParsing, "expected map payload")
		}
		if len(items)%2 != 0 {
			return Value{}, NewError(ErrParsing, "odd map payload length")
		}
		entries := make([]MapEntry, 0, len(items)/2)
		for i := 0; i < len(items); i += 2 {
			k, err := fromWireInterface(items[i])
			if err != nil {
				return Value{}, err
			}
			ev, err := fromWireInterface(items[i+1])
			if err != nil {
				return Value{}, err
			}
			entries = append(entries, MapEntry{Key: k, Value: ev})
		}
		return Map(entries...), nil
	}
	return Value{}, NewError(ErrParsing, "unknown wire kind %d", kind)
}

func toInt64(x interface{}) (int64, bool) {
	switch n := x.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

// String renders a Value for logs and tasklet introspection; not a wire
// format.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		return fmt.Sprintf("%v", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindBlob:
		return fmt.Sprintf("blob(%d bytes)", v.blob.Length())
	case KindDatetime:
		return v.t.Format(time.RFC3339)
	case KindList:
		return fmt.Sprintf("list(%d)", len(v.list))
	case KindMap:
		return fmt.Sprintf("map(%d)", len(v.m))
	}
	return "?"
}
