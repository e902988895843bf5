package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Stream is the stream-socket backend of spec §4.2: write the full
// request buffer, then read the 4-byte little-endian length prefix (the
// reply header's own len field), then read length-4 more bytes. Partial
// reads are looped; a short read at EOF is an unexpected-EOF error.
type Stream struct {
	conn   net.Conn
	logger *slog.Logger

	mu sync.Mutex // serializes round-trips from this transport's owning session (spec §4.2)
}

// NewStream wraps an already-connected bidirectional stream (typically a
// UNIX-domain socket) as a RoundTripper.
func NewStream(conn net.Conn, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{conn: conn, logger: logger}
}

// Dial connects to a stream endpoint at path, the client side of spec
// §6's "filesystem path to a bound bidirectional reliable stream
// endpoint."
func Dial(path string, logger *slog.Logger) (*Stream, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", path, err)
	}
	return NewStream(conn, logger), nil
}

// Listen creates the endpoint at path, removing any stale socket node
// first, and accepts exactly one peer, holding the connection for the
// session (spec §6). Intended for the remote side of a test harness, not
// for the client itself.
func Listen(path string) (*Stream, error) {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("transport: remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", path, err)
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return NewStream(conn, nil), nil
}

// RoundTrip implements RoundTripper.
func (s *Stream) RoundTrip(ctx context.Context, req []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(deadline)
	} else {
		_ = s.conn.SetDeadline(time.Time{})
	}

	s.logger.Debug("transport.stream round trip", "request_bytes", len(req))

	if _, err := s.conn.Write(req); err != nil {
		return nil, fmt.Errorf("transport: write request: %w", err)
	}

	var lenPrefix [4]byte
	if err := readFull(s.conn, lenPrefix[:]); err != nil {
		return nil, fmt.Errorf("transport: read length prefix: %w", err)
	}
	total := binary.LittleEndian.Uint32(lenPrefix[:])
	if total < 4 {
		return nil, fmt.Errorf("transport: reply length %d shorter than its own prefix", total)
	}
	if total > MaxMessageSize {
		return nil, fmt.Errorf("transport: reply length %d exceeds max message size %d", total, MaxMessageSize)
	}

	reply := make([]byte, total)
	copy(reply, lenPrefix[:])
	if err := readFull(s.conn, reply[4:]); err != nil {
		return nil, fmt.Errorf("transport: read reply body: %w", err)
	}
	return reply, nil
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}

// readFull loops partial reads to fill buf entirely, surfacing a short
// read at EOF as an unexpected-EOF error rather than returning a partial
// buffer (spec §4.2).
func readFull(r io.Reader, buf []byte) error {
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return fmt.Errorf("unexpected EOF after %d of %d bytes: %w", n, len(buf), io.ErrUnexpectedEOF)
		}
		return err
	}
	return nil
}
