package wirefuse

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// errShort is wrapped by every decode path that finds a buffer shorter
// than the opcode's fixed payload size. It is not exported directly;
// callers match on protoerr.ErrFraming at the session layer, which wraps
// whatever this package returns.
var errShort = errors.New("wirefuse: short buffer")

// IsShort reports whether err indicates an undersized wire buffer
// (spec §7 framing errors).
func IsShort(err error) bool { return errors.Is(err, errShort) }

// Attr mirrors the wire attr structure (spec §3): size, blocks, a/m/ctime
// (sec + nsec), mode, nlink, uid, gid, rdev, blksize.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	ATimeSec  uint64
	MTimeSec  uint64
	CTimeSec  uint64
	ATimeNsec uint32
	MTimeNsec uint32
	CTimeNsec uint32
	Mode      uint32
	NLink     uint32
	UID       uint32
	GID       uint32
	RDev      uint32
	BlkSize   uint32
}

const attrWireSize = 88 // 6*8 (ino,size,blocks,atime,mtime,ctime) + 9*4 (nsecs, mode..blksize) + 4 padding

func encodeAttr(dst []byte, a Attr) {
	binary.LittleEndian.PutUint64(dst[0:8], a.Ino)
	binary.LittleEndian.PutUint64(dst[8:16], a.Size)
	binary.LittleEndian.PutUint64(dst[16:24], a.Blocks)
	binary.LittleEndian.PutUint64(dst[24:32], a.ATimeSec)
	binary.LittleEndian.PutUint64(dst[32:40], a.MTimeSec)
	binary.LittleEndian.PutUint64(dst[40:48], a.CTimeSec)
	binary.LittleEndian.PutUint32(dst[48:52], a.ATimeNsec)
	binary.LittleEndian.PutUint32(dst[52:56], a.MTimeNsec)
	binary.LittleEndian.PutUint32(dst[56:60], a.CTimeNsec)
	binary.LittleEndian.PutUint32(dst[60:64], a.Mode)
	binary.LittleEndian.PutUint32(dst[64:68], a.NLink)
	binary.LittleEndian.PutUint32(dst[68:72], a.UID)
	binary.LittleEndian.PutUint32(dst[72:76], a.GID)
	binary.LittleEndian.PutUint32(dst[76:80], a.RDev)
	binary.LittleEndian.PutUint32(dst[80:84], a.BlkSize)
	// dst[84:88] padding, left zero
}

func decodeAttr(src []byte) Attr {
	return Attr{
		Ino:       binary.LittleEndian.Uint64(src[0:8]),
		Size:      binary.LittleEndian.Uint64(src[8:16]),
		Blocks:    binary.LittleEndian.Uint64(src[16:24]),
		ATimeSec:  binary.LittleEndian.Uint64(src[24:32]),
		MTimeSec:  binary.LittleEndian.Uint64(src[32:40]),
		CTimeSec:  binary.LittleEndian.Uint64(src[40:48]),
		ATimeNsec: binary.LittleEndian.Uint32(src[48:52]),
		MTimeNsec: binary.LittleEndian.Uint32(src[52:56]),
		CTimeNsec: binary.LittleEndian.Uint32(src[56:60]),
		Mode:      binary.LittleEndian.Uint32(src[60:64]),
		NLink:     binary.LittleEndian.Uint32(src[64:68]),
		UID:       binary.LittleEndian.Uint32(src[68:72]),
		GID:       binary.LittleEndian.Uint32(src[72:76]),
		RDev:      binary.LittleEndian.Uint32(src[76:80]),
		BlkSize:   binary.LittleEndian.Uint32(src[80:84]),
	}
}

// --- INIT ---

type InitIn struct {
	Major, Minor uint32
	MaxReadahead uint32
	Flags        uint32
}

// initInSize is the INIT request payload size: the four fields above
// followed by 12 reserved bytes sent as zero, so an INIT request is 68
// bytes including its header.
const initInSize = 28

func EncodeInitIn(in InitIn) []byte {
	buf := make([]byte, initInSize)
	binary.LittleEndian.PutUint32(buf[0:4], in.Major)
	binary.LittleEndian.PutUint32(buf[4:8], in.Minor)
	binary.LittleEndian.PutUint32(buf[8:12], in.MaxReadahead)
	binary.LittleEndian.PutUint32(buf[12:16], in.Flags)
	return buf
}

func DecodeInitIn(src []byte) (InitIn, error) {
	if len(src) < initInSize {
		return InitIn{}, fmt.Errorf("%w: fuse_init_in", errShort)
	}
	return InitIn{
		Major:        binary.LittleEndian.Uint32(src[0:4]),
		Minor:        binary.LittleEndian.Uint32(src[4:8]),
		MaxReadahead: binary.LittleEndian.Uint32(src[8:12]),
		Flags:        binary.LittleEndian.Uint32(src[12:16]),
	}, nil
}

// InitOut is {major, minor, max_readahead, flags, max_bg, congestion,
// max_write} per spec §4.3's init operation table.
type InitOut struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
}

const initOutSize = 24

func EncodeInitOut(out InitOut) []byte {
	buf := make([]byte, initOutSize)
	binary.LittleEndian.PutUint32(buf[0:4], out.Major)
	binary.LittleEndian.PutUint32(buf[4:8], out.Minor)
	binary.LittleEndian.PutUint32(buf[8:12], out.MaxReadahead)
	binary.LittleEndian.PutUint32(buf[12:16], out.Flags)
	binary.LittleEndian.PutUint16(buf[16:18], out.MaxBackground)
	binary.LittleEndian.PutUint16(buf[18:20], out.CongestionThreshold)
	binary.LittleEndian.PutUint32(buf[20:24], out.MaxWrite)
	return buf
}

// DecodeInitOut ignores any trailing bytes beyond initOutSize: "later
// protocol revisions may append fields; the codec ignores trailing
// bytes" (spec §4.1).
func DecodeInitOut(src []byte) (InitOut, error) {
	if len(src) < initOutSize {
		return InitOut{}, fmt.Errorf("%w: fuse_init_out", errShort)
	}
	return InitOut{
		Major:               binary.LittleEndian.Uint32(src[0:4]),
		Minor:               binary.LittleEndian.Uint32(src[4:8]),
		MaxReadahead:        binary.LittleEndian.Uint32(src[8:12]),
		Flags:               binary.LittleEndian.Uint32(src[12:16]),
		MaxBackground:       binary.LittleEndian.Uint16(src[16:18]),
		CongestionThreshold: binary.LittleEndian.Uint16(src[18:20]),
		MaxWrite:            binary.LittleEndian.Uint32(src[20:24]),
	}, nil
}

// --- LOOKUP / MKDIR reply: entry ---

// EntryOut is {nodeid, generation, attr, valid durations}.
type EntryOut struct {
	NodeID         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           Attr
}

const entryOutSize = 8 + 8 + 8 + 8 + 4 + 4 + attrWireSize

func EncodeEntryOut(e EntryOut) []byte {
	buf := make([]byte, entryOutSize)
	binary.LittleEndian.PutUint64(buf[0:8], e.NodeID)
	binary.LittleEndian.PutUint64(buf[8:16], e.Generation)
	binary.LittleEndian.PutUint64(buf[16:24], e.EntryValid)
	binary.LittleEndian.PutUint64(buf[24:32], e.AttrValid)
	binary.LittleEndian.PutUint32(buf[32:36], e.EntryValidNsec)
	binary.LittleEndian.PutUint32(buf[36:40], e.AttrValidNsec)
	encodeAttr(buf[40:40+attrWireSize], e.Attr)
	return buf
}

func DecodeEntryOut(src []byte) (EntryOut, error) {
	if len(src) < entryOutSize {
		return EntryOut{}, fmt.Errorf("%w: fuse_entry_out", errShort)
	}
	return EntryOut{
		NodeID:         binary.LittleEndian.Uint64(src[0:8]),
		Generation:     binary.LittleEndian.Uint64(src[8:16]),
		EntryValid:     binary.LittleEndian.Uint64(src[16:24]),
		AttrValid:      binary.LittleEndian.Uint64(src[24:32]),
		EntryValidNsec: binary.LittleEndian.Uint32(src[32:36]),
		AttrValidNsec:  binary.LittleEndian.Uint32(src[36:40]),
		Attr:           decodeAttr(src[40 : 40+attrWireSize]),
	}, nil
}

// EncodeLookupIn appends the NUL terminator spec §4.3 requires ("Name is
// null-terminated on the wire").
func EncodeLookupIn(name string) []byte {
	buf := make([]byte, len(name)+1)
	copy(buf, name)
	return buf
}

// --- GETATTR ---

type GetattrIn struct {
	Flags uint32
	FH    uint64
}

const getattrInSize = 16

func EncodeGetattrIn(in GetattrIn) []byte {
	buf := make([]byte, getattrInSize)
	binary.LittleEndian.PutUint32(buf[0:4], in.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], in.FH)
	return buf
}

// AttrOut is the GETATTR reply: {attr_valid, attr_valid_nsec, dummy, attr}.
type AttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Attr          Attr
}

const attrOutSize = 8 + 4 + 4 + attrWireSize

func EncodeAttrOut(out AttrOut) []byte {
	buf := make([]byte, attrOutSize)
	binary.LittleEndian.PutUint64(buf[0:8], out.AttrValid)
	binary.LittleEndian.PutUint32(buf[8:12], out.AttrValidNsec)
	encodeAttr(buf[16:16+attrWireSize], out.Attr)
	return buf
}

func DecodeAttrOut(src []byte) (AttrOut, error) {
	if len(src) < attrOutSize {
		return AttrOut{}, fmt.Errorf("%w: fuse_attr_out", errShort)
	}
	return AttrOut{
		AttrValid:     binary.LittleEndian.Uint64(src[0:8]),
		AttrValidNsec: binary.LittleEndian.Uint32(src[8:12]),
		Attr:          decodeAttr(src[16 : 16+attrWireSize]),
	}, nil
}

// --- OPEN / OPENDIR ---

type OpenIn struct {
	Flags uint32
}

const openInSize = 8

func EncodeOpenIn(in OpenIn) []byte {
	buf := make([]byte, openInSize)
	binary.LittleEndian.PutUint32(buf[0:4], in.Flags)
	return buf
}

func DecodeOpenIn(src []byte) (OpenIn, error) {
	if len(src) < openInSize {
		return OpenIn{}, fmt.Errorf("%w: fuse_open_in", errShort)
	}
	return OpenIn{Flags: binary.LittleEndian.Uint32(src[0:4])}, nil
}

// OpenOut is {fh, open_flags}.
type OpenOut struct {
	FH        uint64
	OpenFlags uint32
}

const openOutSize = 16

func EncodeOpenOut(out OpenOut) []byte {
	buf := make([]byte, openOutSize)
	binary.LittleEndian.PutUint64(buf[0:8], out.FH)
	binary.LittleEndian.PutUint32(buf[8:12], out.OpenFlags)
	return buf
}

func DecodeOpenOut(src []byte) (OpenOut, error) {
	if len(src) < openOutSize {
		return OpenOut{}, fmt.Errorf("%w: fuse_open_out", errShort)
	}
	return OpenOut{
		FH:        binary.LittleEndian.Uint64(src[0:8]),
		OpenFlags: binary.LittleEndian.Uint32(src[8:12]),
	}, nil
}

// --- READ ---

type ReadIn struct {
	FH     uint64
	Offset uint64
	Size   uint32
}

const readInSize = 24

func EncodeReadIn(in ReadIn) []byte {
	buf := make([]byte, readInSize)
	binary.LittleEndian.PutUint64(buf[0:8], in.FH)
	binary.LittleEndian.PutUint64(buf[8:16], in.Offset)
	binary.LittleEndian.PutUint32(buf[16:20], in.Size)
	return buf
}

func DecodeReadIn(src []byte) (ReadIn, error) {
	if len(src) < readInSize {
		return ReadIn{}, fmt.Errorf("%w: fuse_read_in", errShort)
	}
	return ReadIn{
		FH:     binary.LittleEndian.Uint64(src[0:8]),
		Offset: binary.LittleEndian.Uint64(src[8:16]),
		Size:   binary.LittleEndian.Uint32(src[16:20]),
	}, nil
}

// --- WRITE ---

type WriteIn struct {
	FH     uint64
	Offset uint64
}

const writeInHeaderSize = 16

// EncodeWriteIn prepends the fixed header to the payload bytes being
// written; the data follows immediately, matching the kernel FUSE ABI.
func EncodeWriteIn(in WriteIn, data []byte) []byte {
	buf := make([]byte, writeInHeaderSize+len(data))
	binary.LittleEndian.PutUint64(buf[0:8], in.FH)
	binary.LittleEndian.PutUint64(buf[8:16], in.Offset)
	copy(buf[writeInHeaderSize:], data)
	return buf
}

func DecodeWriteIn(src []byte) (WriteIn, []byte, error) {
	if len(src) < writeInHeaderSize {
		return WriteIn{}, nil, fmt.Errorf("%w: fuse_write_in", errShort)
	}
	return WriteIn{
		FH:     binary.LittleEndian.Uint64(src[0:8]),
		Offset: binary.LittleEndian.Uint64(src[8:16]),
	}, src[writeInHeaderSize:], nil
}

type WriteOut struct {
	Size uint32
}

const writeOutSize = 8

func EncodeWriteOut(out WriteOut) []byte {
	buf := make([]byte, writeOutSize)
	binary.LittleEndian.PutUint32(buf[0:4], out.Size)
	return buf
}

func DecodeWriteOut(src []byte) (WriteOut, error) {
	if len(src) < writeOutSize {
		return WriteOut{}, fmt.Errorf("%w: fuse_write_out", errShort)
	}
	return WriteOut{Size: binary.LittleEndian.Uint32(src[0:4])}, nil
}

// --- RELEASE / RELEASEDIR ---

type ReleaseIn struct {
	FH    uint64
	Flags uint32
}

const releaseInSize = 24

func EncodeReleaseIn(in ReleaseIn) []byte {
	buf := make([]byte, releaseInSize)
	binary.LittleEndian.PutUint64(buf[0:8], in.FH)
	binary.LittleEndian.PutUint32(buf[8:12], in.Flags)
	return buf
}

func DecodeReleaseIn(src []byte) (ReleaseIn, error) {
	if len(src) < releaseInSize {
		return ReleaseIn{}, fmt.Errorf("%w: fuse_release_in", errShort)
	}
	return ReleaseIn{
		FH:    binary.LittleEndian.Uint64(src[0:8]),
		Flags: binary.LittleEndian.Uint32(src[8:12]),
	}, nil
}

// --- READDIR ---

// ReaddirIn reuses ReadIn's layout (fh, offset, size) per the FUSE ABI.
type ReaddirIn = ReadIn

func EncodeReaddirIn(in ReaddirIn) []byte { return EncodeReadIn(in) }
func DecodeReaddirIn(src []byte) (ReaddirIn, error) { return DecodeReadIn(src) }

// --- MKDIR ---

type MkdirIn struct {
	Mode  uint32
	Umask uint32
}

const mkdirInHeaderSize = 8

func EncodeMkdirIn(in MkdirIn, name string) []byte {
	buf := make([]byte, mkdirInHeaderSize+len(name)+1)
	binary.LittleEndian.PutUint32(buf[0:4], in.Mode)
	binary.LittleEndian.PutUint32(buf[4:8], in.Umask)
	copy(buf[mkdirInHeaderSize:], name)
	return buf
}

func DecodeMkdirIn(src []byte) (MkdirIn, string, error) {
	if len(src) < mkdirInHeaderSize {
		return MkdirIn{}, "", fmt.Errorf("%w: fuse_mkdir_in", errShort)
	}
	in := MkdirIn{
		Mode:  binary.LittleEndian.Uint32(src[0:4]),
		Umask: binary.LittleEndian.Uint32(src[4:8]),
	}
	name := src[mkdirInHeaderSize:]
	if i := indexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return in, string(name), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
