// Package wirefuse implements the bit-exact FUSE wire grammar: request and
// reply headers, opcode payload encode/decode, and the directory-entry
// stream format. All integer fields are little-endian; layouts follow the
// kernel FUSE ABI at major 7, minor 31.
package wirefuse

import (
	"encoding/binary"
	"fmt"
)

// Negotiated protocol version. The client records the remote's reply and
// never downgrades below what it asked for.
const (
	ProtocolMajor = 7
	ProtocolMinor = 31
)

// Fixed header sizes (spec §4.1).
const (
	InHeaderSize  = 40
	OutHeaderSize = 16
)

// InHeader is the 40-byte fixed request header: total length (including
// header), opcode, unique, nodeid, uid, gid, pid, padding.
type InHeader struct {
	Len     uint32
	Opcode  Opcode
	Unique  uint64
	NodeID  uint64
	UID     uint32
	GID     uint32
	PID     uint32
	Padding uint32
}

// EncodeInHeader writes h into dst, which must be at least InHeaderSize
// bytes. Any trailing payload is the caller's responsibility.
func EncodeInHeader(dst []byte, h InHeader) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Len)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(h.Opcode))
	binary.LittleEndian.PutUint64(dst[8:16], h.Unique)
	binary.LittleEndian.PutUint64(dst[16:24], h.NodeID)
	binary.LittleEndian.PutUint32(dst[24:28], h.UID)
	binary.LittleEndian.PutUint32(dst[28:32], h.GID)
	binary.LittleEndian.PutUint32(dst[32:36], h.PID)
	binary.LittleEndian.PutUint32(dst[36:40], h.Padding)
}

// DecodeInHeader parses the fixed request header from src.
func DecodeInHeader(src []byte) (InHeader, error) {
	if len(src) < InHeaderSize {
		return InHeader{}, fmt.Errorf("%w: in_header needs %d bytes, got %d", errShort, InHeaderSize, len(src))
	}
	return InHeader{
		Len:     binary.LittleEndian.Uint32(src[0:4]),
		Opcode:  Opcode(binary.LittleEndian.Uint32(src[4:8])),
		Unique:  binary.LittleEndian.Uint64(src[8:16]),
		NodeID:  binary.LittleEndian.Uint64(src[16:24]),
		UID:     binary.LittleEndian.Uint32(src[24:28]),
		GID:     binary.LittleEndian.Uint32(src[28:32]),
		PID:     binary.LittleEndian.Uint32(src[32:36]),
		Padding: binary.LittleEndian.Uint32(src[36:40]),
	}, nil
}

// OutHeader is the 16-byte fixed reply header: total length, signed error
// (0 = success; negative errno = failure), unique.
type OutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

// EncodeOutHeader writes h into dst, which must be at least OutHeaderSize
// bytes.
func EncodeOutHeader(dst []byte, h OutHeader) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Len)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(h.Error))
	binary.LittleEndian.PutUint64(dst[8:16], h.Unique)
}

// DecodeOutHeader parses the fixed reply header and returns it along with
// the payload slice it implies (src[OutHeaderSize:h.Len]). Per spec §3,
// "reply length field equals header size + payload size and never exceeds
// the transport's maximum message" — DecodeOutHeader enforces the first
// half of that; maxMessage enforcement is the transport's job.
func DecodeOutHeader(src []byte) (OutHeader, []byte, error) {
	if len(src) < OutHeaderSize {
		return OutHeader{}, nil, fmt.Errorf("%w: out_header needs %d bytes, got %d", errShort, OutHeaderSize, len(src))
	}
	h := OutHeader{
		Len:    binary.LittleEndian.Uint32(src[0:4]),
		Error:  int32(binary.LittleEndian.Uint32(src[4:8])),
		Unique: binary.LittleEndian.Uint64(src[8:16]),
	}
	if uint64(h.Len) > uint64(len(src)) {
		return OutHeader{}, nil, fmt.Errorf("%w: out_header.len %d exceeds buffer %d", errShort, h.Len, len(src))
	}
	if h.Len < OutHeaderSize {
		return OutHeader{}, nil, fmt.Errorf("%w: out_header.len %d shorter than header", errShort, h.Len)
	}
	return h, src[OutHeaderSize:h.Len], nil
}

// BuildRequest concatenates an encoded InHeader with payload and returns
// the full request buffer, with Len filled in automatically.
func BuildRequest(opcode Opcode, unique, nodeid uint64, uid, gid, pid uint32, payload []byte) []byte {
	total := InHeaderSize + len(payload)
	buf := make([]byte, total)
	EncodeInHeader(buf, InHeader{
		Len:    uint32(total),
		Opcode: opcode,
		Unique: unique,
		NodeID: nodeid,
		UID:    uid,
		GID:    gid,
		PID:    pid,
	})
	copy(buf[InHeaderSize:], payload)
	return buf
}

// BuildReply concatenates an encoded OutHeader with payload, for use by
// test doubles that play the remote side.
func BuildReply(unique uint64, errno int32, payload []byte) []byte {
	total := OutHeaderSize + len(payload)
	buf := make([]byte, total)
	EncodeOutHeader(buf, OutHeader{Len: uint32(total), Error: errno, Unique: unique})
	copy(buf[OutHeaderSize:], payload)
	return buf
}
