package wirefuse

import "encoding/binary"

// DirEntHeaderSize is sizeof(struct fuse_dirent) before the variable-length
// name field: {ino:u64, off:u64, namelen:u32, type:u32}.
const DirEntHeaderSize = 8 + 8 + 4 + 4

// DirEnt is one decoded directory-entry record from a READDIR reply.
type DirEnt struct {
	Ino  uint64
	Off  uint64 // cookie for the next READDIR call
	Type uint32
	Name string
}

// EncodeDirEnt builds one 8-byte-aligned directory record, for use by
// test doubles that play the remote side of READDIR.
func EncodeDirEnt(e DirEnt) []byte {
	namelen := len(e.Name)
	recordLen := DirEntHeaderSize + namelen
	alignedLen := (recordLen + 7) &^ 7

	buf := make([]byte, alignedLen)
	binary.LittleEndian.PutUint64(buf[0:8], e.Ino)
	binary.LittleEndian.PutUint64(buf[8:16], e.Off)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(namelen))
	binary.LittleEndian.PutUint32(buf[20:24], e.Type)
	copy(buf[24:], e.Name)
	return buf
}

// DirStream is a lazy, finite, non-restartable sequence of directory
// records over one READDIR reply buffer (spec §4.1). A truncated trailing
// record terminates iteration without error.
type DirStream struct {
	buf []byte
	pos int
}

// NewDirStream wraps one READDIR reply payload for iteration.
func NewDirStream(payload []byte) *DirStream {
	return &DirStream{buf: payload}
}

// Next returns the next entry, or ok=false when the stream is exhausted
// (either cleanly, at the end of the buffer, or because the final record
// was truncated).
func (s *DirStream) Next() (DirEnt, bool) {
	if s.pos+DirEntHeaderSize > len(s.buf) {
		return DirEnt{}, false
	}
	rec := s.buf[s.pos:]
	ino := binary.LittleEndian.Uint64(rec[0:8])
	off := binary.LittleEndian.Uint64(rec[8:16])
	namelen := binary.LittleEndian.Uint32(rec[16:20])
	typ := binary.LittleEndian.Uint32(rec[20:24])

	nameEnd := DirEntHeaderSize + int(namelen)
	if nameEnd > len(rec) {
		// Truncated trailing record: stop here, no partial entry.
		s.pos = len(s.buf)
		return DirEnt{}, false
	}
	name := string(rec[DirEntHeaderSize:nameEnd])

	recordLen := (nameEnd + 7) &^ 7
	s.pos += recordLen

	return DirEnt{Ino: ino, Off: off, Type: typ, Name: name}, true
}

// All drains the stream into a slice. Prefer Next for large directories;
// All is for callers (and tests) that want the whole listing at once.
func (s *DirStream) All() []DirEnt {
	var out []DirEnt
	for {
		e, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}
