// Package vfs implements the VFS session (spec §4.4): path resolution over
// component-at-a-time remote lookups, a file-handle table with positional
// and cursor-advancing I/O, directory listing (Readdir drains a directory
// handle and returns every entry at once), and the
// scheme adapter that exposes the session to a host kernel's
// file-descriptor-style API (scheme.go).
package vfs

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/mcsohan/fusevirtio/internal/protoerr"
	"github.com/mcsohan/fusevirtio/internal/session"
	"github.com/mcsohan/fusevirtio/internal/wirefuse"
)

// Mode bits from the wire attr's Mode field (S_IFMT family), used to tell
// directories from regular files without inventing a parallel type.
const (
	modeFmt = 0o170000
	modeDir = 0o040000
	modeReg = 0o100000
)

// IsDir reports whether mode (as returned in an Attr) denotes a directory.
func IsDir(mode uint32) bool { return mode&modeFmt == modeDir }

// IsRegular reports whether mode denotes a regular file.
func IsRegular(mode uint32) bool { return mode&modeFmt == modeReg }

// openFile is the VFS session's record for one outstanding Open (spec §3:
// "Open-file record. {inode, fh, offset, flags}").
type openFile struct {
	inode  uint64
	fh     uint64
	offset uint64
	flags  uint32
}

// Session is the VFS layer: path resolution, handle table, and the
// high-level file operations spec §4.4 lists. It is not safe for
// concurrent use, matching the protocol session beneath it.
type Session struct {
	proto *session.Session

	mu       sync.Mutex
	cwdInode uint64
	cwdPath  string

	nextHandle uint64 // starts at 3 (spec §4.4)
	openFiles  map[uint64]*openFile
}

// NewSession wraps an initialized protocol session. The caller must have
// already completed proto.Init before constructing a VFS session.
func NewSession(proto *session.Session) *Session {
	return &Session{
		proto:      proto,
		cwdInode:   1,
		cwdPath:    "/",
		nextHandle: 3,
		openFiles:  make(map[uint64]*openFile),
	}
}

// allocHandle mints the next scheme-visible descriptor. Shared by file
// opens here and by the scheme adapter's directory opens, so the two kinds
// of record live in one flat id space (spec §3's scheme descriptor).
func (s *Session) allocHandle() uint64 {
	h := s.nextHandle
	s.nextHandle++
	return h
}

// resolve walks path component at a time (spec §4.4): an absolute path
// resets the walking inode to 1; "." is a no-op; ".." issues a literal
// lookup against the walking inode; anything else is a remote lookup whose
// NoEntry failure is surfaced verbatim.
func (s *Session) resolve(ctx context.Context, p string) (uint64, error) {
	walking := s.cwdInode
	if strings.HasPrefix(p, "/") {
		walking = 1
	}
	for _, c := range strings.Split(p, "/") {
		switch c {
		case "", ".":
			continue
		default:
			e, err := s.proto.Lookup(ctx, walking, c)
			if err != nil {
				return 0, err
			}
			walking = e.NodeID
		}
	}
	return walking, nil
}

// Open resolves path and opens it as a regular file, returning a handle
// good for Read/ReadAt/Write/WriteAt/Close.
func (s *Session) Open(ctx context.Context, p string, flags uint32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inode, err := s.resolve(ctx, p)
	if err != nil {
		return 0, err
	}
	fh, _, err := s.proto.Open(ctx, inode, flags)
	if err != nil {
		return 0, err
	}
	h := s.allocHandle()
	s.openFiles[h] = &openFile{inode: inode, fh: fh, flags: flags}
	return h, nil
}

func (s *Session) file(h uint64) (*openFile, error) {
	f, ok := s.openFiles[h]
	if !ok {
		return nil, fmt.Errorf("%w: unknown file handle %d", protoerr.ErrBadDescriptor, h)
	}
	return f, nil
}

// Read reads up to size bytes at the handle's current offset and advances
// it by the number of bytes returned (spec §4.4's cursor variant).
func (s *Session) Read(ctx context.Context, h uint64, size uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.file(h)
	if err != nil {
		return nil, err
	}
	data, err := s.proto.Read(ctx, f.inode, f.fh, f.offset, size)
	if err != nil {
		return nil, err
	}
	f.offset += uint64(len(data))
	return data, nil
}

// ReadAt reads up to size bytes at offset without mutating the handle's
// cursor (spec §4.4's positional variant).
func (s *Session) ReadAt(ctx context.Context, h uint64, offset uint64, size uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.file(h)
	if err != nil {
		return nil, err
	}
	return s.proto.Read(ctx, f.inode, f.fh, offset, size)
}

// Write writes data at the handle's current offset and advances it by the
// number of bytes the remote reports as written.
func (s *Session) Write(ctx context.Context, h uint64, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.file(h)
	if err != nil {
		return 0, err
	}
	n, err := s.proto.Write(ctx, f.inode, f.fh, f.offset, data)
	if err != nil {
		return 0, err
	}
	f.offset += uint64(n)
	return int(n), nil
}

// WriteAt writes data at offset without mutating the handle's cursor.
func (s *Session) WriteAt(ctx context.Context, h uint64, offset uint64, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.file(h)
	if err != nil {
		return 0, err
	}
	n, err := s.proto.Write(ctx, f.inode, f.fh, offset, data)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close releases the remote file handle and forgets the record.
func (s *Session) Close(ctx context.Context, h uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.file(h)
	if err != nil {
		return err
	}
	if err := s.proto.Release(ctx, f.inode, f.fh); err != nil {
		return err
	}
	delete(s.openFiles, h)
	return nil
}

// Stat resolves path and fetches its attributes directly, without an open
// handle (spec §4.4: "attribute enrichment is a separate stat call").
func (s *Session) Stat(ctx context.Context, p string) (wirefuse.Attr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inode, err := s.resolve(ctx, p)
	if err != nil {
		return wirefuse.Attr{}, err
	}
	return s.proto.Getattr(ctx, inode)
}

// readdirPageSize is the READDIR request size used while draining a
// directory to completion inside Readdir.
const readdirPageSize = 4096

// DirEntry is one resolved directory entry: name, child inode, and type
// (the high nibble of the wire dirent's mode-equivalent type field).
type DirEntry struct {
	Name  string
	Inode uint64
	Type  uint32
}

// Readdir resolves path, opens a directory handle, drains it to
// completion by repeated READDIR calls keyed on the previous entry's
// cookie, stops on the first empty reply, and releases the handle before
// returning (spec §4.4, §8 scenario 4).
func (s *Session) Readdir(ctx context.Context, p string) ([]DirEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inode, err := s.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	fh, err := s.proto.Opendir(ctx, inode)
	if err != nil {
		return nil, err
	}

	var out []DirEntry
	var offset uint64
	for {
		entries, err := s.proto.Readdir(ctx, inode, fh, offset, readdirPageSize)
		if err != nil {
			_ = s.proto.Releasedir(ctx, inode, fh)
			return nil, err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			out = append(out, DirEntry{Name: e.Name, Inode: e.Ino, Type: e.Type})
			offset = e.Off
		}
	}
	if err := s.proto.Releasedir(ctx, inode, fh); err != nil {
		return nil, err
	}
	return out, nil
}

// Mkdir creates name under the directory resolved from the parent portion
// of p. An empty name is rejected before any remote call (spec §7).
func (s *Session) Mkdir(ctx context.Context, p string, mode uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, name := path.Split(strings.TrimSuffix(p, "/"))
	if name == "" {
		return fmt.Errorf("%w: empty path on mkdir", protoerr.ErrInvalidInput)
	}
	parent, err := s.resolve(ctx, dir)
	if err != nil {
		return err
	}
	_, err = s.proto.Mkdir(ctx, parent, name, mode, 0)
	return err
}

// Chdir resolves path, verifies it names a directory, and sets the
// working directory to the lexically-normalized absolute form of
// (existing cwd + requested path). This corrects the source's blind
// string append, which never collapsed "." or ".." (spec §9).
func (s *Session) Chdir(ctx context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inode, err := s.resolve(ctx, p)
	if err != nil {
		return err
	}
	attr, err := s.proto.Getattr(ctx, inode)
	if err != nil {
		return err
	}
	if !IsDir(attr.Mode) {
		return fmt.Errorf("%w: %s", protoerr.ErrNotDirectory, p)
	}

	combined := p
	if !strings.HasPrefix(p, "/") {
		combined = s.cwdPath + "/" + p
	}
	normalized := path.Clean(combined)
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}

	s.cwdInode = inode
	s.cwdPath = normalized
	return nil
}

// Getwd returns the session's current working directory path and inode.
func (s *Session) Getwd() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwdPath, s.cwdInode
}
