// Package session implements the FUSE protocol session (spec §4.3): the
// correlation-id allocator, the INIT handshake, and one method per opcode,
// each running the request lifecycle (allocate id, build header, hand to
// transport, decode reply, map errors) on top of internal/wirefuse and
// internal/transport.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/mcsohan/fusevirtio/internal/protoerr"
	"github.com/mcsohan/fusevirtio/internal/transport"
	"github.com/mcsohan/fusevirtio/internal/wirefuse"
)

// Session holds a transport, a correlation counter, and the negotiated
// version (spec §4.3). It is not safe for concurrent use by design: spec
// §5 models each session as single-threaded cooperative from the caller's
// point of view, one request in flight at a time.
type Session struct {
	rt     transport.RoundTripper
	logger *slog.Logger

	uid, gid, pid uint32

	mu     sync.Mutex
	unique uint64 // next correlation id to hand out; starts at 2 (spec §3)
	closed bool
	major  uint32
	minor  uint32
}

// New constructs a session over rt. uid/gid/pid are stamped into every
// request header; a zero pid defaults to the running process's pid.
func New(rt transport.RoundTripper, uid, gid, pid uint32, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if pid == 0 {
		pid = uint32(os.Getpid())
	}
	return &Session{rt: rt, logger: logger, uid: uid, gid: gid, pid: pid, unique: 2}
}

// nextUnique allocates the next correlation id. Never 0 or 1, never reused
// (spec §3, §8).
func (s *Session) nextUnique() uint64 {
	id := s.unique
	s.unique++
	return id
}

// roundTrip runs the full request lifecycle of spec §4.3: allocate id,
// build the request, hand it to the transport, decode the reply header.
// A transport-level failure (the RoundTripper itself erroring) is
// session-fatal; a malformed-but-delivered reply is a per-call Framing
// error and leaves the session usable (spec §7, scenario 6).
func (s *Session) roundTrip(ctx context.Context, opcode wirefuse.Opcode, nodeid uint64, payload []byte) (wirefuse.OutHeader, []byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wirefuse.OutHeader{}, nil, protoerr.ErrSessionClosed
	}
	unique := s.nextUnique()
	s.mu.Unlock()

	req := wirefuse.BuildRequest(opcode, unique, nodeid, s.uid, s.gid, s.pid, payload)
	s.logger.Debug("session request", "opcode", opcode, "unique", unique, "nodeid", nodeid)

	reply, err := s.rt.RoundTrip(ctx, req)
	if err != nil {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		return wirefuse.OutHeader{}, nil, fmt.Errorf("%w: %v", protoerr.ErrSessionClosed, err)
	}

	hdr, body, err := wirefuse.DecodeOutHeader(reply)
	if err != nil {
		return wirefuse.OutHeader{}, nil, fmt.Errorf("%w: %v", protoerr.ErrFraming, err)
	}
	if hdr.Unique != unique {
		return wirefuse.OutHeader{}, nil, fmt.Errorf("%w: reply unique %d does not match request unique %d", protoerr.ErrFraming, hdr.Unique, unique)
	}
	if hdr.Error != 0 {
		return hdr, nil, protoerr.FromErrno(hdr.Error)
	}
	return hdr, body, nil
}

// InitResult is the negotiated handshake outcome (spec §4.3's init row).
type InitResult struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
}

// Init performs the INIT handshake. Must be the first call on a new
// session (spec §4.3).
func (s *Session) Init(ctx context.Context) (InitResult, error) {
	payload := wirefuse.EncodeInitIn(wirefuse.InitIn{
		Major:        wirefuse.ProtocolMajor,
		Minor:        wirefuse.ProtocolMinor,
		MaxReadahead: 128 * 1024,
	})
	_, body, err := s.roundTrip(ctx, wirefuse.OpInit, 0, payload)
	if err != nil {
		return InitResult{}, err
	}
	out, err := wirefuse.DecodeInitOut(body)
	if err != nil {
		return InitResult{}, fmt.Errorf("%w: %v", protoerr.ErrFraming, err)
	}
	// The client records the remote's reply and never downgrades below
	// what it asked for (spec §4.1).
	s.mu.Lock()
	s.major, s.minor = out.Major, out.Minor
	s.mu.Unlock()

	return InitResult{
		Major:               out.Major,
		Minor:               out.Minor,
		MaxReadahead:        out.MaxReadahead,
		Flags:               out.Flags,
		MaxBackground:       out.MaxBackground,
		CongestionThreshold: out.CongestionThreshold,
		MaxWrite:            out.MaxWrite,
	}, nil
}

// Entry is a LOOKUP/MKDIR reply (spec §4.3).
type Entry struct {
	NodeID     uint64
	Generation uint64
	Attr       wirefuse.Attr
}

func entryFromWire(e wirefuse.EntryOut) Entry {
	return Entry{NodeID: e.NodeID, Generation: e.Generation, Attr: e.Attr}
}

// Lookup resolves name under parent. A failed lookup (ENOENT) surfaces as
// protoerr.ErrNoEntry via protoerr.RemoteError's errors.Is support.
func (s *Session) Lookup(ctx context.Context, parent uint64, name string) (Entry, error) {
	_, body, err := s.roundTrip(ctx, wirefuse.OpLookup, parent, wirefuse.EncodeLookupIn(name))
	if err != nil {
		return Entry{}, err
	}
	out, err := wirefuse.DecodeEntryOut(body)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", protoerr.ErrFraming, err)
	}
	return entryFromWire(out), nil
}

// Getattr fetches an inode's attributes without a file handle.
func (s *Session) Getattr(ctx context.Context, inode uint64) (wirefuse.Attr, error) {
	_, body, err := s.roundTrip(ctx, wirefuse.OpGetattr, inode, wirefuse.EncodeGetattrIn(wirefuse.GetattrIn{}))
	if err != nil {
		return wirefuse.Attr{}, err
	}
	out, err := wirefuse.DecodeAttrOut(body)
	if err != nil {
		return wirefuse.Attr{}, fmt.Errorf("%w: %v", protoerr.ErrFraming, err)
	}
	return out.Attr, nil
}

// Open opens inode (not a directory) with flags, returning the remote-
// minted file handle.
func (s *Session) Open(ctx context.Context, inode uint64, flags uint32) (fh uint64, openFlags uint32, err error) {
	return s.openEither(ctx, wirefuse.OpOpen, inode, flags)
}

// Opendir is analogous to Open for directories (spec §4.3).
func (s *Session) Opendir(ctx context.Context, inode uint64) (fh uint64, err error) {
	fh, _, err = s.openEither(ctx, wirefuse.OpOpendir, inode, 0)
	return fh, err
}

func (s *Session) openEither(ctx context.Context, opcode wirefuse.Opcode, inode uint64, flags uint32) (uint64, uint32, error) {
	_, body, err := s.roundTrip(ctx, opcode, inode, wirefuse.EncodeOpenIn(wirefuse.OpenIn{Flags: flags}))
	if err != nil {
		return 0, 0, err
	}
	out, err := wirefuse.DecodeOpenOut(body)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", protoerr.ErrFraming, err)
	}
	return out.FH, out.OpenFlags, nil
}

// Read requests up to size bytes from inode/fh at offset. An empty
// payload means EOF.
func (s *Session) Read(ctx context.Context, inode, fh, offset uint64, size uint32) ([]byte, error) {
	_, body, err := s.roundTrip(ctx, wirefuse.OpRead, inode, wirefuse.EncodeReadIn(wirefuse.ReadIn{FH: fh, Offset: offset, Size: size}))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Write sends buf to inode/fh at offset and returns the bytes the remote
// reports as written.
func (s *Session) Write(ctx context.Context, inode, fh, offset uint64, buf []byte) (uint32, error) {
	_, body, err := s.roundTrip(ctx, wirefuse.OpWrite, inode, wirefuse.EncodeWriteIn(wirefuse.WriteIn{FH: fh, Offset: offset}, buf))
	if err != nil {
		return 0, err
	}
	out, err := wirefuse.DecodeWriteOut(body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", protoerr.ErrFraming, err)
	}
	return out.Size, nil
}

// Release frees a file handle returned by Open.
func (s *Session) Release(ctx context.Context, inode, fh uint64) error {
	_, _, err := s.roundTrip(ctx, wirefuse.OpRelease, inode, wirefuse.EncodeReleaseIn(wirefuse.ReleaseIn{FH: fh}))
	return err
}

// Releasedir frees a directory handle returned by Opendir.
func (s *Session) Releasedir(ctx context.Context, inode, fh uint64) error {
	_, _, err := s.roundTrip(ctx, wirefuse.OpReleasedir, inode, wirefuse.EncodeReleaseIn(wirefuse.ReleaseIn{FH: fh}))
	return err
}

// Readdir requests one READDIR reply buffer and returns its decoded
// entries; the caller drives pagination by passing the previous entry's
// Off back in as offset (spec §4.3, §4.4).
func (s *Session) Readdir(ctx context.Context, inode, fh, offset uint64, size uint32) ([]wirefuse.DirEnt, error) {
	_, body, err := s.roundTrip(ctx, wirefuse.OpReaddir, inode, wirefuse.EncodeReaddirIn(wirefuse.ReaddirIn{FH: fh, Offset: offset, Size: size}))
	if err != nil {
		return nil, err
	}
	return wirefuse.NewDirStream(body).All(), nil
}

// Mkdir creates name under parent with mode; umask is passed as 0 unless
// supplied (spec §4.3).
func (s *Session) Mkdir(ctx context.Context, parent uint64, name string, mode, umask uint32) (Entry, error) {
	_, body, err := s.roundTrip(ctx, wirefuse.OpMkdir, parent, wirefuse.EncodeMkdirIn(wirefuse.MkdirIn{Mode: mode, Umask: umask}, name))
	if err != nil {
		return Entry{}, err
	}
	out, err := wirefuse.DecodeEntryOut(body)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", protoerr.ErrFraming, err)
	}
	return entryFromWire(out), nil
}

// Closed reports whether a transport-fatal error has already ended the
// session (spec §4.3's failure semantics).
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
