package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mcsohan/fusevirtio/internal/pcidrv"
)

// VirtIO is the split-virtqueue backend of spec §4.2: each round trip
// chains one read-only DMA request buffer and one write-only DMA reply
// buffer (capped at MaxMessageSize) through the primary request queue,
// waits for the device's completion signal, and returns exactly the bytes
// the device wrote back.
type VirtIO struct {
	driver *pcidrv.Driver
	logger *slog.Logger

	mu       sync.Mutex
	reqBuf   *dmaBuf
	replyBuf *dmaBuf
}

// NewVirtIO wraps an already-opened pcidrv.Driver. It allocates the pair of
// DMA buffers this transport reuses across round trips: requests are
// serialized one at a time (spec §4.2), so one pair suffices.
func NewVirtIO(driver *pcidrv.Driver, logger *slog.Logger) (*VirtIO, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reqBuf, err := newDMABuf(MaxMessageSize)
	if err != nil {
		return nil, fmt.Errorf("transport: allocate request dma buffer: %w", err)
	}
	replyBuf, err := newDMABuf(MaxMessageSize)
	if err != nil {
		reqBuf.free()
		return nil, fmt.Errorf("transport: allocate reply dma buffer: %w", err)
	}
	return &VirtIO{driver: driver, logger: logger, reqBuf: reqBuf, replyBuf: replyBuf}, nil
}

// RoundTrip implements RoundTripper.
func (v *VirtIO) RoundTrip(ctx context.Context, req []byte) ([]byte, error) {
	if len(req) > MaxMessageSize {
		return nil, fmt.Errorf("transport: request of %d bytes exceeds max message size %d", len(req), MaxMessageSize)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	copy(v.reqBuf.bytes(), req)
	clear(v.replyBuf.bytes())

	v.logger.Debug("transport.virtio round trip", "request_bytes", len(req))

	replyLen, err := v.driver.RoundTrip(ctx,
		uint64(uintptr(v.reqBuf.ptr)), uint32(len(req)),
		uint64(uintptr(v.replyBuf.ptr)), uint32(len(v.replyBuf.bytes())))
	if err != nil {
		return nil, fmt.Errorf("transport: virtio round trip: %w", err)
	}
	// The 128 KiB cap (spec §8's boundary behavior) is enforced before any
	// payload is copied out of the DMA buffer.
	if replyLen > MaxMessageSize {
		return nil, fmt.Errorf("transport: device reported reply of %d bytes, exceeding max message size %d", replyLen, MaxMessageSize)
	}

	out := make([]byte, replyLen)
	copy(out, v.replyBuf.bytes()[:replyLen])
	return out, nil
}

// Close releases the transport's DMA buffers.
func (v *VirtIO) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	err1 := v.reqBuf.free()
	err2 := v.replyBuf.free()
	if err1 != nil {
		return err1
	}
	return err2
}
