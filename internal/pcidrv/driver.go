package pcidrv

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"
)

// QueueSize is the primary request queue's descriptor ring depth. Fixed
// rather than negotiated: the filesystem device's transport contract
// (spec §4.2) serializes round trips one at a time per session, so a
// handful of in-flight chains is plenty of headroom.
const QueueSize = 64

// CompletionWaiter blocks until the device has signaled a completion
// (an MSI-X interrupt on real hardware). Tests substitute a channel-backed
// fake; there is no default real implementation here since it is
// necessarily platform-specific interrupt plumbing.
type CompletionWaiter interface {
	Wait(ctx context.Context) error
}

// Driver is the guest-side virtio-fs PCI driver: it probes the bus,
// negotiates features, binds the primary request queue to the primary
// MSI-X vector, and exposes descriptor-level round trips that
// transport.VirtIO wraps as a transport.RoundTripper (spec §5, §6).
type Driver struct {
	cfg    ConfigSpace
	queue  *Virtqueue
	waiter CompletionWaiter
	logger *slog.Logger

	sl *semaphore.Weighted // bounds round trips to one in flight at a time (spec §4.2's shared-transport serialization)
}

// Open probes cfg, performs the virtio status-register handshake
// (ACKNOWLEDGE -> DRIVER -> negotiate features -> FEATURES_OK -> DRIVER_OK),
// and binds the queue rings backed by descTable/availRing/usedRing.
func Open(cfg ConfigSpace, waiter CompletionWaiter, descTable, availRing, usedRing []byte, logger *slog.Logger) (*Driver, error) {
	if !Probe(cfg) {
		return nil, fmt.Errorf("pcidrv: device %04x:%04x is not a recognized virtio-fs device", cfg.VendorID(), cfg.DeviceID())
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg.SetStatus(0) // reset
	cfg.SetStatus(StatusAcknowledge)
	cfg.SetStatus(StatusAcknowledge | StatusDriver)

	offered := cfg.OfferedFeatures()
	cfg.SetDriverFeatures(offered) // accept every offered feature (spec §5)
	cfg.SetStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK)
	if cfg.Status()&StatusFeaturesOK == 0 {
		cfg.SetStatus(StatusFailed)
		return nil, fmt.Errorf("pcidrv: device rejected feature negotiation")
	}

	queue, err := NewVirtqueue(QueueSize, descTable, availRing, usedRing)
	if err != nil {
		cfg.SetStatus(StatusFailed)
		return nil, err
	}
	if err := cfg.BindQueue(QueueAddresses{
		DescTableAddr: 0, // all three ring addresses are passed as 0; only the queue size reaches the device
		AvailRingAddr: 0,
		UsedRingAddr:  0,
		Size:          QueueSize,
	}); err != nil {
		cfg.SetStatus(StatusFailed)
		return nil, fmt.Errorf("pcidrv: bind primary queue: %w", err)
	}

	cfg.SetStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK | StatusDriverOK)
	logger.Debug("pcidrv: device ready", "vendor", cfg.VendorID(), "device", cfg.DeviceID(), "features", offered)

	return &Driver{
		cfg:    cfg,
		queue:  queue,
		waiter: waiter,
		logger: logger,
		sl:     semaphore.NewWeighted(1),
	}, nil
}

// RoundTrip chains a read-only request descriptor and a write-only reply
// descriptor, notifies the device, blocks for completion, and returns the
// number of bytes the device wrote into the reply buffer. It works on
// buffer addresses rather than byte slices; transport.VirtIO adapts it to
// transport.RoundTripper.
func (d *Driver) RoundTrip(ctx context.Context, reqAddr uint64, reqLen uint32, replyAddr uint64, replyCap uint32) (uint32, error) {
	if err := d.sl.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("pcidrv: acquire transport: %w", err)
	}
	defer d.sl.Release(1)

	head, err := d.queue.Submit([]Descriptor{
		{Addr: reqAddr, Len: reqLen, Write: false},
		{Addr: replyAddr, Len: replyCap, Write: true},
	})
	if err != nil {
		return 0, fmt.Errorf("pcidrv: submit: %w", err)
	}
	d.cfg.Notify(0)

	for {
		if err := d.waiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("pcidrv: await completion: %w", err)
		}
		for _, u := range d.queue.PollUsed() {
			if u.ID == head {
				return u.Len, nil
			}
			d.logger.Debug("pcidrv: discarding stale completion", "id", u.ID)
		}
	}
}
