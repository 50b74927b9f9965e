package core

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/exp/mmap"
)

// DataOwner is the uniform interface over the three ways CRADLE can back a
// blob's bytes (spec §4.2): an owned heap buffer, a memory-mapped file, or
// bytes pinned by an outstanding RPC acknowledgement.
type DataOwner interface {
	// Bytes returns the full backing range. Callers must not retain a
	// reference beyond the owner's lifetime for file/remote owners.
	Bytes() ([]byte, error)
	// Len returns the size of the backing range in bytes.
	Len() int
	// Path returns the file path backing this owner, if any. Used to
	// transfer file-backed blobs by path to same-host peers instead of
	// inlining their bytes.
	Path() (string, bool)
	// Release relinquishes this owner's hold on its bytes (closes a
	// mapped file, acks a remote transfer). Idempotent.
	Release() error
}

// heapOwner is a blob backed by an owned Go byte slice.
type heapOwner struct {
	buf []byte
}

// NewHeapOwner wraps an owned byte slice as a DataOwner.
func NewHeapOwner(buf []byte) DataOwner { return &heapOwner{buf: buf} }

func (h *heapOwner) Bytes() ([]byte, error)  { return h.buf, nil }
func (h *heapOwner) Len() int                { return len(h.buf) }
func (h *heapOwner) Path() (string, bool)    { return "", false }
func (h *heapOwner) Release() error          { h.buf = nil; return nil }

// mappedFileOwner is a blob backed by a memory-mapped file, used when
// ShouldFileBack selects file backing so inter-process transfer can be
// zero-copy by path (spec §4.2).
type mappedFileOwner struct {
	path   string
	reader *mmap.ReaderAt
}

// NewMappedFileOwner opens path and memory-maps it read-only.
func NewMappedFileOwner(path string) (DataOwner, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, WrapError(ErrInvalidArgument, err, "mapping file %s", path)
	}
	return &mappedFileOwner{path: path, reader: r}, nil
}

func (m *mappedFileOwner) Bytes() ([]byte, error) {
	buf := make([]byte, m.reader.Len())
	if _, err := m.reader.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

func (m *mappedFileOwner) Len() int             { return m.reader.Len() }
func (m *mappedFileOwner) Path() (string, bool) { return m.path, true }
func (m *mappedFileOwner) Release() error       { return m.reader.Close() }

// remoteOwner pins bytes that arrived over an RPC connection until the
// transfer is acknowledged (spec §4.2, §4.9 resolve_sync response_id).
type remoteOwner struct {
	buf    []byte
	acker  func() error
	acked  bool
}

// NewRemoteOwner wraps bytes received from a proxy, with an ack callback
// invoked on Release to let the sender free its copy.
func NewRemoteOwner(buf []byte, ack func() error) DataOwner {
	return &remoteOwner{buf: buf, acker: ack}
}

func (r *remoteOwner) Bytes() ([]byte, error) { return r.buf, nil }
func (r *remoteOwner) Len() int               { return len(r.buf) }
func (r *remoteOwner) Path() (string, bool)   { return "", false }
func (r *remoteOwner) Release() error {
	if r.acked || r.acker == nil {
		return nil
	}
	r.acked = true
	return r.acker()
}

// Blob is a contiguous byte range view (data_owner, start, length), per
// spec §3/§4.2. The zero Blob is empty.
type Blob struct {
	owner  DataOwner
	start  int
	length int
}

// NewBlob wraps an entire owner's bytes as a blob.
func NewBlob(owner DataOwner) Blob {
	return Blob{owner: owner, start: 0, length: owner.Len()}
}

// NewBlobBytes is a convenience constructor for an in-memory blob.
func NewBlobBytes(b []byte) Blob {
	return NewBlob(NewHeapOwner(b))
}

// Slice returns a zero-copy sub-range of b.
func (b Blob) Slice(start, length int) Blob {
	return Blob{owner: b.owner, start: b.start + start, length: length}
}

// Length returns the blob's byte length.
func (b Blob) Length() int { return b.length }

// Bytes materializes the blob's content. For file/remote owners this may
// copy.
func (b Blob) Bytes() ([]byte, error) {
	if b.owner == nil {
		return nil, nil
	}
	full, err := b.owner.Bytes()
	if err != nil {
		return nil, err
	}
	return full[b.start : b.start+b.length], nil
}

// Path returns the backing file path, if the blob is wholly file-backed
// and unsliced (so the path still denotes exactly this range).
func (b Blob) Path() (string, bool) {
	if b.owner == nil {
		return "", false
	}
	path, ok := b.owner.Path()
	if !ok || b.start != 0 || b.length != b.owner.Len() {
		return "", false
	}
	return path, true
}

// Equal compares blobs by byte content, never by data-owner identity
// (spec §3).
func (b Blob) Equal(other Blob) bool {
	return b.Compare(other) == 0
}

// Compare orders blobs by byte content.
func (b Blob) Compare(other Blob) int {
	ba, _ := b.Bytes()
	bb, _ := other.Bytes()
	return bytes.Compare(ba, bb)
}

// Release releases the underlying data owner, if any.
func (b Blob) Release() error {
	if b.owner == nil {
		return nil
	}
	return b.owner.Release()
}

// BlobFileWriter allocates a file-backed buffer of a known size up front,
// exposes it for in-place writes, and is sealed into a read-only Blob by
// Seal (spec §4.2's blob_file_writer / on_write_completed).
type BlobFileWriter struct {
	path string
	file *os.File
	size int
}

// NewBlobFileWriter creates a temp file of the given size under dir
// (config key DEPLOY_DIR's sibling scratch directory in practice).
func NewBlobFileWriter(dir string, size int) (*BlobFileWriter, error) {
	f, err := os.CreateTemp(dir, "cradle-blob-*")
	if err != nil {
		return nil, WrapError(ErrInvalidArgument, err, "creating blob file in %s", dir)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, WrapError(ErrLogic, err, "truncating blob file %s", f.Name())
	}
	return &BlobFileWriter{path: f.Name(), file: f, size: size}, nil
}

// Path returns the backing file's path.
func (w *BlobFileWriter) Path() string { return w.path }

// WriteAt writes into the backing file at the given offset, before the
// writer is sealed.
func (w *BlobFileWriter) WriteAt(b []byte, off int64) (int, error) {
	return w.file.WriteAt(b, off)
}

// Seal performs on_write_completed: flushes and closes the writable
// handle, then returns a read-only, memory-mapped Blob over the file.
func (w *BlobFileWriter) Seal() (Blob, error) {
	if err := w.file.Sync(); err != nil {
		return Blob{}, err
	}
	if err := w.file.Close(); err != nil {
		return Blob{}, err
	}
	owner, err := NewMappedFileOwner(w.path)
	if err != nil {
		return Blob{}, err
	}
	return NewBlob(owner), nil
}

// ShouldFileBack decides heap vs file backing for a blob of the given
// size, per spec §4.2: size over the threshold, or shared memory
// explicitly requested for fast RPC transfer.
func ShouldFileBack(size int, threshold int, preferSharedMemory bool) bool {
	return preferSharedMemory || size > threshold
}

func blobFmt(b Blob) string {
	if path, ok := b.Path(); ok {
		return fmt.Sprintf("blob(file=%s, %d bytes)", path, b.length)
	}
	return fmt.Sprintf("blob(%d bytes)", b.length)
}
