// Package faketest implements a small in-process fake FUSE remote: an
// in-memory node tree that answers the opcodes session.Session issues,
// satisfying transport.RoundTripper. It exists purely for tests exercising
// the session and vfs packages without a real remote or kernel.
package faketest

import (
	"context"
	"sort"

	"github.com/mcsohan/fusevirtio/internal/wirefuse"
)

const (
	modeDir = 0o040000
	modeReg = 0o100000

	errNoEnt   = -2
	errExist   = -17
	errNotImpl = -38
)

type node struct {
	ino      uint64
	mode     uint32
	size     uint64
	data     []byte
	parent   *node
	children map[string]*node // only populated for directories
}

// Server is a fake FUSE remote: a tree of nodes rooted at inode 1, and a
// table of open file/directory handles it mints on OPEN/OPENDIR.
type Server struct {
	nodes   map[uint64]*node
	nextIno uint64

	openFH map[uint64]*node
	nextFH uint64
}

// NewServer builds an empty root directory at inode 1.
func NewServer() *Server {
	root := &node{ino: 1, mode: modeDir | 0o755, children: make(map[string]*node)}
	s := &Server{
		nodes:   map[uint64]*node{1: root},
		nextIno: 2,
		openFH:  make(map[uint64]*node),
		nextFH:  100, // remote-minted fh space, disjoint from any client-side numbering
	}
	return s
}

// AddFile creates a regular file named name under parentIno with the
// given content, for use by test setup.
func (s *Server) AddFile(parentIno uint64, name string, data []byte, mode uint32) uint64 {
	parent := s.nodes[parentIno]
	ino := s.nextIno
	s.nextIno++
	n := &node{ino: ino, mode: modeReg | mode, size: uint64(len(data)), data: append([]byte(nil), data...), parent: parent}
	parent.children[name] = n
	s.nodes[ino] = n
	return ino
}

// AddDir creates a subdirectory named name under parentIno.
func (s *Server) AddDir(parentIno uint64, name string, mode uint32) uint64 {
	parent := s.nodes[parentIno]
	ino := s.nextIno
	s.nextIno++
	n := &node{ino: ino, mode: modeDir | mode, parent: parent, children: make(map[string]*node)}
	parent.children[name] = n
	s.nodes[ino] = n
	return ino
}

func (n *node) attr() wirefuse.Attr {
	return wirefuse.Attr{
		Ino:     n.ino,
		Size:    n.size,
		Mode:    n.mode,
		NLink:   1,
		BlkSize: 4096,
	}
}

// RoundTrip implements transport.RoundTripper by dispatching on the
// decoded request header's opcode.
func (s *Server) RoundTrip(ctx context.Context, req []byte) ([]byte, error) {
	hdr, err := wirefuse.DecodeInHeader(req)
	if err != nil {
		return nil, err
	}
	body := req[wirefuse.InHeaderSize:]

	switch hdr.Opcode {
	case wirefuse.OpInit:
		return wirefuse.BuildReply(hdr.Unique, 0, wirefuse.EncodeInitOut(wirefuse.InitOut{
			Major: wirefuse.ProtocolMajor, Minor: wirefuse.ProtocolMinor, MaxWrite: 1 << 20,
		})), nil

	case wirefuse.OpLookup:
		return s.lookup(hdr, body), nil

	case wirefuse.OpGetattr:
		n, ok := s.nodes[hdr.NodeID]
		if !ok {
			return wirefuse.BuildReply(hdr.Unique, errNoEnt, nil), nil
		}
		return wirefuse.BuildReply(hdr.Unique, 0, wirefuse.EncodeAttrOut(wirefuse.AttrOut{Attr: n.attr()})), nil

	case wirefuse.OpOpen, wirefuse.OpOpendir:
		n, ok := s.nodes[hdr.NodeID]
		if !ok {
			return wirefuse.BuildReply(hdr.Unique, errNoEnt, nil), nil
		}
		fh := s.nextFH
		s.nextFH++
		s.openFH[fh] = n
		return wirefuse.BuildReply(hdr.Unique, 0, wirefuse.EncodeOpenOut(wirefuse.OpenOut{FH: fh})), nil

	case wirefuse.OpRead:
		return s.read(hdr, body), nil

	case wirefuse.OpWrite:
		return s.write(hdr, body), nil

	case wirefuse.OpRelease, wirefuse.OpReleasedir:
		in, err := wirefuse.DecodeReleaseIn(body)
		if err != nil {
			return nil, err
		}
		delete(s.openFH, in.FH)
		return wirefuse.BuildReply(hdr.Unique, 0, nil), nil

	case wirefuse.OpReaddir:
		return s.readdir(hdr, body), nil

	case wirefuse.OpMkdir:
		return s.mkdir(hdr, body), nil

	default:
		return wirefuse.BuildReply(hdr.Unique, errNotImpl, nil), nil
	}
}

func (s *Server) lookup(hdr wirefuse.InHeader, body []byte) []byte {
	name := cString(body)
	parent, ok := s.nodes[hdr.NodeID]
	if !ok || parent.children == nil {
		return wirefuse.BuildReply(hdr.Unique, errNoEnt, nil)
	}

	var target *node
	switch name {
	case ".":
		target = parent
	case "..":
		target = parent.parent
		if target == nil {
			target = parent // root's parent is itself, by convention
		}
	default:
		target = parent.children[name]
	}
	if target == nil {
		return wirefuse.BuildReply(hdr.Unique, errNoEnt, nil)
	}
	return wirefuse.BuildReply(hdr.Unique, 0, wirefuse.EncodeEntryOut(wirefuse.EntryOut{NodeID: target.ino, Attr: target.attr()}))
}

func (s *Server) read(hdr wirefuse.InHeader, body []byte) []byte {
	in, err := wirefuse.DecodeReadIn(body)
	if err != nil {
		return nil
	}
	n, ok := s.openFH[in.FH]
	if !ok {
		return wirefuse.BuildReply(hdr.Unique, errNoEnt, nil)
	}
	if in.Offset >= uint64(len(n.data)) {
		return wirefuse.BuildReply(hdr.Unique, 0, nil)
	}
	end := in.Offset + uint64(in.Size)
	if end > uint64(len(n.data)) {
		end = uint64(len(n.data))
	}
	return wirefuse.BuildReply(hdr.Unique, 0, n.data[in.Offset:end])
}

func (s *Server) write(hdr wirefuse.InHeader, body []byte) []byte {
	in, data, err := wirefuse.DecodeWriteIn(body)
	if err != nil {
		return nil
	}
	n, ok := s.openFH[in.FH]
	if !ok {
		return wirefuse.BuildReply(hdr.Unique, errNoEnt, nil)
	}
	end := in.Offset + uint64(len(data))
	if end > uint64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[in.Offset:], data)
	n.size = uint64(len(n.data))
	return wirefuse.BuildReply(hdr.Unique, 0, wirefuse.EncodeWriteOut(wirefuse.WriteOut{Size: uint32(len(data))}))
}

func (s *Server) readdir(hdr wirefuse.InHeader, body []byte) []byte {
	in, err := wirefuse.DecodeReaddirIn(body)
	if err != nil {
		return nil
	}
	dir, ok := s.openFH[in.FH]
	if !ok || dir.children == nil {
		return wirefuse.BuildReply(hdr.Unique, errNoEnt, nil)
	}

	type listed struct {
		name string
		ino  uint64
		typ  uint32
	}
	all := []listed{
		{".", dir.ino, modeDir >> 12},
	}
	parentIno := dir.ino
	if dir.parent != nil {
		parentIno = dir.parent.ino
	}
	all = append(all, listed{"..", parentIno, modeDir >> 12})

	names := make([]string, 0, len(dir.children))
	for name := range dir.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := dir.children[name]
		typ := uint32(modeReg >> 12)
		if c.children != nil {
			typ = modeDir >> 12
		}
		all = append(all, listed{name, c.ino, typ})
	}

	var payload []byte
	for i, e := range all {
		cookie := uint64(i + 1)
		if cookie <= in.Offset {
			continue
		}
		rec := wirefuse.EncodeDirEnt(wirefuse.DirEnt{Ino: e.ino, Off: cookie, Type: e.typ, Name: e.name})
		if uint32(len(payload)+len(rec)) > in.Size {
			break
		}
		payload = append(payload, rec...)
	}
	return wirefuse.BuildReply(hdr.Unique, 0, payload)
}

func (s *Server) mkdir(hdr wirefuse.InHeader, body []byte) []byte {
	in, name, err := wirefuse.DecodeMkdirIn(body)
	if err != nil {
		return nil
	}
	parent, ok := s.nodes[hdr.NodeID]
	if !ok || parent.children == nil {
		return wirefuse.BuildReply(hdr.Unique, errNoEnt, nil)
	}
	if _, exists := parent.children[name]; exists {
		return wirefuse.BuildReply(hdr.Unique, errExist, nil)
	}
	ino := s.nextIno
	s.nextIno++
	n := &node{ino: ino, mode: modeDir | in.Mode, parent: parent, children: make(map[string]*node)}
	parent.children[name] = n
	s.nodes[ino] = n
	return wirefuse.BuildReply(hdr.Unique, 0, wirefuse.EncodeEntryOut(wirefuse.EntryOut{NodeID: ino, Attr: n.attr()}))
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
