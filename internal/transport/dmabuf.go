package transport

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// dmaBuf is a page-aligned, DMA-resident byte buffer backed by an anonymous
// mmap rather than a Go-managed allocation: the VirtIO backend hands its
// address directly to the device as a descriptor, so it must never move
// under the garbage collector and must stay valid until explicitly freed.
//
// This mirrors internal/hv/hvf's approach of calling the native platform
// library through purego rather than cgo: here the target is libc's
// mmap/munmap instead of Hypervisor.framework, which keeps the allocator
// portable across darwin and linux without a C toolchain.
type dmaBuf struct {
	ptr  unsafe.Pointer
	size int
}

const (
	protRead  = 0x1
	protWrite = 0x2
	mapPriv   = 0x0002
	mapAnon   = 0x1000 // darwin value; newDMABuf uses 0x20 instead on linux
)

var (
	dmaOnce  sync.Once
	dmaErr   error
	mmapFn   func(addr unsafe.Pointer, length uintptr, prot, flags, fd int32, offset int64) unsafe.Pointer
	munmapFn func(addr unsafe.Pointer, length uintptr) int32
)

func ensureDMAFuncs() error {
	dmaOnce.Do(func() {
		libPath, err := libcPath()
		if err != nil {
			dmaErr = err
			return
		}
		lib, err := purego.Dlopen(libPath, purego.RTLD_GLOBAL|purego.RTLD_NOW)
		if err != nil {
			dmaErr = fmt.Errorf("transport: dlopen libc: %w", err)
			return
		}
		purego.RegisterLibFunc(&mmapFn, lib, "mmap")
		purego.RegisterLibFunc(&munmapFn, lib, "munmap")
	})
	return dmaErr
}

// libcPath returns the shared-library path purego should dlopen, which
// differs between darwin and the various linux libc layouts.
func libcPath() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		return "/usr/lib/libSystem.B.dylib", nil
	case "linux":
		return "libc.so.6", nil
	default:
		return "", fmt.Errorf("transport: dma buffers unsupported on %s", runtime.GOOS)
	}
}

// newDMABuf allocates size bytes (rounded up to the page size by the
// kernel) as an anonymous, private mapping suitable for handing to the
// VirtIO device as a descriptor address.
func newDMABuf(size int) (*dmaBuf, error) {
	if err := ensureDMAFuncs(); err != nil {
		return nil, err
	}
	flags := int32(mapPriv)
	if runtime.GOOS == "linux" {
		flags |= 0x20 // MAP_ANONYMOUS on linux
	} else {
		flags |= mapAnon
	}
	ptr := mmapFn(nil, uintptr(size), protRead|protWrite, flags, -1, 0)
	if ptr == nil || uintptr(ptr) == ^uintptr(0) {
		return nil, fmt.Errorf("transport: mmap %d bytes: failed", size)
	}
	return &dmaBuf{ptr: ptr, size: size}, nil
}

// bytes views the mapping as a Go byte slice, valid until free is called.
func (b *dmaBuf) bytes() []byte {
	return unsafe.Slice((*byte)(b.ptr), b.size)
}

func (b *dmaBuf) free() error {
	if b.ptr == nil {
		return nil
	}
	if munmapFn(b.ptr, uintptr(b.size)) != 0 {
		return fmt.Errorf("transport: munmap %d bytes: failed", b.size)
	}
	b.ptr = nil
	return nil
}
