package vfs

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/mcsohan/fusevirtio/internal/protoerr"
	"github.com/mcsohan/fusevirtio/internal/wirefuse"
)

// SchemeFlags are the flag bits spec §6 recognizes for the scheme
// interface's open call.
type SchemeFlags uint32

const (
	SchemeReadOnly  SchemeFlags = 1 << 0
	SchemeDirectory SchemeFlags = 1 << 1
	SchemeStatOnly  SchemeFlags = 1 << 2
	SchemeTruncate  SchemeFlags = 1 << 3
)

// schemeRecord is the per-descriptor state the scheme adapter keeps.
// Directory listings are fetched once, eagerly, at open time and kept
// here as a pre-formatted NUL-terminated name blob; this is deliberately
// per-descriptor rather than a shared mutable buffer (spec §9's warning
// against a process-wide byte vector hazard).
type schemeRecord struct {
	isDir bool
	inode uint64

	fileHandle uint64 // valid when !isDir: the vfs.Session handle backing this descriptor
	blob       []byte // valid when isDir: packed NUL-terminated names
}

// Scheme exposes a Session as a host-namespace scheme (spec §4.4, §6):
// open/read/write/fstat/close addressed by small integer descriptor.
type Scheme struct {
	vfs *Session

	mu      sync.Mutex
	records map[uint64]*schemeRecord
}

// NewScheme builds a scheme adapter over an existing VFS session.
func NewScheme(vfs *Session) *Scheme {
	return &Scheme{vfs: vfs, records: make(map[uint64]*schemeRecord)}
}

// Open resolves url, decides file vs directory from flags' directory bit,
// and returns a scheme descriptor. File opens reuse the vfs.Session handle
// directly as the descriptor, since both are minted from the same
// monotonic counter (spec §4.4).
func (sch *Scheme) Open(ctx context.Context, url string, flags SchemeFlags) (uint64, error) {
	if flags&SchemeDirectory != 0 {
		sch.vfs.mu.Lock()
		inode, err := sch.vfs.resolve(ctx, url)
		sch.vfs.mu.Unlock()
		if err != nil {
			return 0, err
		}
		entries, err := sch.vfs.Readdir(ctx, url)
		if err != nil {
			return 0, err
		}

		sch.vfs.mu.Lock()
		id := sch.vfs.allocHandle()
		sch.vfs.mu.Unlock()

		sch.mu.Lock()
		sch.records[id] = &schemeRecord{isDir: true, inode: inode, blob: packNames(entries)}
		sch.mu.Unlock()
		return id, nil
	}

	var openFlags uint32
	if flags&SchemeReadOnly == 0 {
		openFlags |= 1 // O_WRONLY-equivalent bit; remote interprets per its own ABI
	}
	if flags&SchemeTruncate != 0 {
		openFlags |= 1 << 9 // O_TRUNC-equivalent bit
	}

	h, err := sch.vfs.Open(ctx, url, openFlags)
	if err != nil {
		return 0, err
	}

	sch.vfs.mu.Lock()
	f := sch.vfs.openFiles[h]
	sch.vfs.mu.Unlock()

	sch.mu.Lock()
	sch.records[h] = &schemeRecord{isDir: false, inode: f.inode, fileHandle: h}
	sch.mu.Unlock()
	return h, nil
}

func (sch *Scheme) record(id uint64) (*schemeRecord, error) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	r, ok := sch.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown scheme descriptor %d", protoerr.ErrBadDescriptor, id)
	}
	return r, nil
}

// Read dispatches by descriptor kind (spec §4.4). A directory read formats
// entries as NUL-terminated names packed into buf, truncating at the last
// entry that fits whole.
func (sch *Scheme) Read(ctx context.Context, id uint64, buf []byte, off uint64) (int, error) {
	r, err := sch.record(id)
	if err != nil {
		return 0, err
	}
	if r.isDir {
		return copyWholeNames(buf, r.blob, off), nil
	}
	data, err := sch.vfs.ReadAt(ctx, r.fileHandle, off, uint32(len(buf)))
	if err != nil {
		return 0, err
	}
	return copy(buf, data), nil
}

// Write dispatches by descriptor kind; writing to a directory descriptor
// is a validation failure caught before any remote call.
func (sch *Scheme) Write(ctx context.Context, id uint64, buf []byte, off uint64) (int, error) {
	r, err := sch.record(id)
	if err != nil {
		return 0, err
	}
	if r.isDir {
		return 0, fmt.Errorf("%w: cannot write to a directory descriptor", protoerr.ErrInvalidInput)
	}
	return sch.vfs.WriteAt(ctx, r.fileHandle, off, buf)
}

// Fstat replies from a fresh getattr on the descriptor's inode.
func (sch *Scheme) Fstat(ctx context.Context, id uint64) (wirefuse.Attr, error) {
	r, err := sch.record(id)
	if err != nil {
		return wirefuse.Attr{}, err
	}
	return sch.vfs.proto.Getattr(ctx, r.inode)
}

// Close releases the remote handle (for a file descriptor) and forgets
// the record. Directory descriptors hold no outstanding remote handle:
// Readdir already drained and released it eagerly at Open time.
func (sch *Scheme) Close(ctx context.Context, id uint64) error {
	r, err := sch.record(id)
	if err != nil {
		return err
	}
	sch.mu.Lock()
	delete(sch.records, id)
	sch.mu.Unlock()

	if r.isDir {
		return nil
	}
	return sch.vfs.Close(ctx, r.fileHandle)
}

// packNames joins entry names into a blob of NUL-terminated strings.
func packNames(entries []DirEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e.Name)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// copyWholeNames copies complete NUL-terminated names from blob starting
// at off into dst, stopping before any name that wouldn't fit whole, and
// returns the number of bytes copied.
func copyWholeNames(dst, blob []byte, off uint64) int {
	if off >= uint64(len(blob)) {
		return 0
	}
	remaining := blob[off:]
	written := 0
	for len(remaining) > 0 && written < len(dst) {
		nul := bytes.IndexByte(remaining, 0)
		if nul < 0 {
			break // malformed blob: no terminator, nothing more to offer
		}
		entryLen := nul + 1
		if written+entryLen > len(dst) {
			break
		}
		copy(dst[written:], remaining[:entryLen])
		written += entryLen
		remaining = remaining[entryLen:]
	}
	return written
}
