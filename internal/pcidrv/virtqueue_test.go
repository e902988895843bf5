package pcidrv

import (
	"encoding/binary"
	"testing"
)

func newTestQueue(t *testing.T, size uint16) *Virtqueue {
	t.Helper()
	descTable := make([]byte, int(size)*descSize)
	availRing := make([]byte, 4+2*int(size)+2)
	usedRing := make([]byte, 4+8*int(size)+2)
	q, err := NewVirtqueue(size, descTable, availRing, usedRing)
	if err != nil {
		t.Fatalf("NewVirtqueue: %v", err)
	}
	return q
}

func TestVirtqueueSubmitPublishesAvailEntry(t *testing.T) {
	q := newTestQueue(t, 4)
	head, err := q.Submit([]Descriptor{
		{Addr: 0x1000, Len: 64, Write: false},
		{Addr: 0x2000, Len: 128, Write: true},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if head != 0 {
		t.Fatalf("expected first submission to use head 0, got %d", head)
	}

	availIdx := binary.LittleEndian.Uint16(q.availRing[2:])
	if availIdx != 1 {
		t.Fatalf("expected avail.idx=1 after one submission, got %d", availIdx)
	}
	publishedHead := binary.LittleEndian.Uint16(q.availRing[4:])
	if publishedHead != head {
		t.Fatalf("expected published head %d, got %d", head, publishedHead)
	}

	// First descriptor: read-only, chained to the second.
	flags0 := binary.LittleEndian.Uint16(q.descTable[12:14])
	if flags0&descFlagNext == 0 || flags0&descFlagWrite != 0 {
		t.Fatalf("unexpected flags on descriptor 0: %#x", flags0)
	}
	// Second descriptor: write-only, terminal.
	flags1 := binary.LittleEndian.Uint16(q.descTable[descSize+12 : descSize+14])
	if flags1&descFlagNext != 0 || flags1&descFlagWrite == 0 {
		t.Fatalf("unexpected flags on descriptor 1: %#x", flags1)
	}
}

func TestVirtqueuePollUsedReleasesDescriptors(t *testing.T) {
	q := newTestQueue(t, 4)
	head, err := q.Submit([]Descriptor{{Addr: 1, Len: 8}, {Addr: 2, Len: 8, Write: true}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if q.numFree != 2 {
		t.Fatalf("expected 2 free descriptors after submitting a 2-chain from 4, got %d", q.numFree)
	}

	// Simulate the device completing the chain.
	binary.LittleEndian.PutUint32(q.usedRing[4:], uint32(head))
	binary.LittleEndian.PutUint32(q.usedRing[8:], 42)
	binary.LittleEndian.PutUint16(q.usedRing[2:], 1)

	entries := q.PollUsed()
	if len(entries) != 1 || entries[0].ID != head || entries[0].Len != 42 {
		t.Fatalf("unexpected used entries: %+v", entries)
	}
	if q.numFree != 4 {
		t.Fatalf("expected all 4 descriptors free after release, got %d", q.numFree)
	}
}

func TestVirtqueueSubmitRejectsOversizedChain(t *testing.T) {
	q := newTestQueue(t, 2)
	_, err := q.Submit([]Descriptor{{Addr: 1, Len: 1}, {Addr: 2, Len: 1}, {Addr: 3, Len: 1}})
	if err == nil {
		t.Fatalf("expected an error submitting more descriptors than the ring holds")
	}
}

func TestNewVirtqueueRejectsNonPowerOfTwoSize(t *testing.T) {
	if _, err := NewVirtqueue(3, make([]byte, 48), make([]byte, 16), make([]byte, 34)); err == nil {
		t.Fatalf("expected an error for a non-power-of-two queue size")
	}
}
