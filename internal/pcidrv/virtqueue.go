package pcidrv

import (
	"encoding/binary"
	"fmt"
)

// descSize is sizeof(struct vring_desc): {addr:u64, len:u32, flags:u16, next:u16}.
const descSize = 16

const (
	descFlagNext  uint16 = 1 << 0
	descFlagWrite uint16 = 1 << 1
)

// Descriptor is one entry of a chain the driver hands to the device: a
// single DMA-resident buffer plus whether the device should write into it
// (a reply buffer) or only read it (a request buffer).
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Write bool
}

// Virtqueue is the driver side of a split virtqueue: the driver owns and
// writes the descriptor table and the available ring, and polls the used
// ring the device writes back to. This is the mirror image of
// internal/devices/virtio/queue.go's VirtQueue, which plays the device
// side of the same three rings.
type Virtqueue struct {
	size uint16

	descTable []byte // size*16 bytes
	availRing []byte // 4 + 2*size + 2 bytes: flags, idx, ring[size], used_event
	usedRing  []byte // 4 + 8*size + 2 bytes: flags, idx, ring[size]{id,len}, avail_event

	freeHead  uint16
	numFree   uint16
	lastUsed  uint16
	avail     uint16 // next avail.idx value this driver will publish
	chainLen  map[uint16]uint16
}

// NewVirtqueue lays out the three rings over caller-provided DMA memory
// (one contiguous region per ring, already zeroed).
func NewVirtqueue(size uint16, descTable, availRing, usedRing []byte) (*Virtqueue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("pcidrv: queue size %d must be a nonzero power of two", size)
	}
	if len(descTable) < int(size)*descSize {
		return nil, fmt.Errorf("pcidrv: descriptor table too small for queue size %d", size)
	}
	if len(availRing) < 4+2*int(size)+2 {
		return nil, fmt.Errorf("pcidrv: avail ring too small for queue size %d", size)
	}
	if len(usedRing) < 4+8*int(size)+2 {
		return nil, fmt.Errorf("pcidrv: used ring too small for queue size %d", size)
	}

	q := &Virtqueue{
		size:      size,
		descTable: descTable,
		availRing: availRing,
		usedRing:  usedRing,
		numFree:   size,
		chainLen:  make(map[uint16]uint16),
	}
	for i := uint16(0); i < size; i++ {
		q.writeDesc(i, Descriptor{}, i+1)
	}
	return q, nil
}

func (q *Virtqueue) writeDesc(idx uint16, d Descriptor, next uint16) {
	off := int(idx) * descSize
	binary.LittleEndian.PutUint64(q.descTable[off:], d.Addr)
	binary.LittleEndian.PutUint32(q.descTable[off+8:], d.Len)
	flags := uint16(0)
	if d.Write {
		flags |= descFlagWrite
	}
	if next != q.size {
		flags |= descFlagNext
	}
	binary.LittleEndian.PutUint16(q.descTable[off+12:], flags)
	binary.LittleEndian.PutUint16(q.descTable[off+14:], next)
}

// Submit chains the given descriptors (spec §6: one read-only request
// buffer followed by one write-only reply buffer, both DMA-resident),
// publishes them on the available ring, and returns the head index the
// caller should watch for in the used ring.
func (q *Virtqueue) Submit(chain []Descriptor) (head uint16, err error) {
	if len(chain) == 0 {
		return 0, fmt.Errorf("pcidrv: empty descriptor chain")
	}
	if uint16(len(chain)) > q.numFree {
		return 0, fmt.Errorf("pcidrv: descriptor ring exhausted: need %d, have %d free", len(chain), q.numFree)
	}

	head = q.freeHead
	idx := head
	var after uint16 // free-list successor of the chain's tail, read before the tail is overwritten
	for i, d := range chain {
		var next uint16
		if i == len(chain)-1 {
			after = q.nextFreeAfter(idx)
			next = q.size // sentinel: no next
		} else {
			next = q.nextFreeAfter(idx)
		}
		q.writeDesc(idx, d, next)
		if i < len(chain)-1 {
			idx = next
		}
	}
	q.freeHead = after
	q.numFree -= uint16(len(chain))
	q.chainLen[head] = uint16(len(chain))

	ringSlot := q.avail % q.size
	binary.LittleEndian.PutUint16(q.availRing[4+2*int(ringSlot):], head)
	q.avail++
	binary.LittleEndian.PutUint16(q.availRing[2:], q.avail) // publish idx

	return head, nil
}

// nextFreeAfter reads the "next" field already encoded at idx, which on a
// freshly-initialized ring forms the free list idx -> idx+1 -> ... .
func (q *Virtqueue) nextFreeAfter(idx uint16) uint16 {
	off := int(idx)*descSize + 14
	return binary.LittleEndian.Uint16(q.descTable[off:])
}

// PollUsed drains any newly completed entries from the used ring. The
// caller is expected to call this after being woken by the device's
// completion signal (an IRQ in real hardware; pcidrv.Driver waits on its
// CompletionWaiter).
func (q *Virtqueue) PollUsed() []UsedEntry {
	usedIdx := binary.LittleEndian.Uint16(q.usedRing[2:])
	var entries []UsedEntry
	for q.lastUsed != usedIdx {
		slot := q.lastUsed % q.size
		off := 4 + 8*int(slot)
		id := binary.LittleEndian.Uint32(q.usedRing[off:])
		length := binary.LittleEndian.Uint32(q.usedRing[off+4:])
		entries = append(entries, UsedEntry{ID: uint16(id), Len: length})
		q.lastUsed++
		q.release(uint16(id))
	}
	return entries
}

// release returns every descriptor in the chain rooted at head to the
// front of the free list, walking the chain-linkage "next" fields written
// by Submit.
func (q *Virtqueue) release(head uint16) {
	n, ok := q.chainLen[head]
	if !ok {
		return
	}
	delete(q.chainLen, head)

	idx := head
	for i := uint16(1); i < n; i++ {
		idx = q.nextFreeAfter(idx)
	}
	// idx is now the chain's tail; relink it to the current free list head.
	tailOff := int(idx)*descSize + 14
	binary.LittleEndian.PutUint16(q.descTable[tailOff:], q.freeHead)
	q.freeHead = head
	q.numFree += n
}

// UsedEntry is one completed descriptor chain as the device reported it.
type UsedEntry struct {
	ID  uint16 // head descriptor index from Submit
	Len uint32 // bytes the device wrote into the chain's write-only buffers
}
