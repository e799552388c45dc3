// Package addr provides a concrete implementation of pool.Translator:
// the frame-map and address-translation primitives spec.md §6 treats
// as externally supplied. Production embedders (a hypervisor with a
// real vmemmap and direct map) will normally write their own
// Translator; Arena is a page-aligned simulation backend meant for
// tests and for callers without a real physical address space yet.
package addr

import (
	"fmt"
	"unsafe"

	"hyppool/pool"
)

var descSize = unsafe.Sizeof(pool.PageDescriptor{})

// Arena simulates a bounded physical address range plus its frame
// map. Physical addresses are offsets into a single mmap'd (or, on
// platforms without mmap, plain heap-allocated) byte region; frame
// number 0 sits at physical address 0. This keeps PhysOfPFN trivial
// and lets tests reason about alignment against real page-aligned
// memory rather than an arbitrary Go slice header offset.
type Arena struct {
	descs   []pool.PageDescriptor
	frames  []byte
	base    uintptr
	closeFn func() error
}

// NewArena allocates simulated storage for nrFrames frames: one
// PageDescriptor per frame plus nrFrames*pool.PageSize bytes of frame
// content.
func NewArena(nrFrames uint64) (*Arena, error) {
	if nrFrames == 0 {
		return nil, fmt.Errorf("addr: NewArena: nrFrames must be positive")
	}
	size := int(nrFrames) * pool.PageSize

	data, closeFn, err := allocBacking(size)
	if err != nil {
		return nil, fmt.Errorf("addr: NewArena: %w", err)
	}

	return &Arena{
		descs:   make([]pool.PageDescriptor, nrFrames),
		frames:  data,
		base:    uintptr(unsafe.Pointer(&data[0])),
		closeFn: closeFn,
	}, nil
}

// Close releases the arena's backing memory.
func (a *Arena) Close() error {
	if a.closeFn == nil {
		return nil
	}
	return a.closeFn()
}

// NrFrames returns the number of frames this arena was sized for.
func (a *Arena) NrFrames() uint64 {
	return uint64(len(a.descs))
}

func (a *Arena) indexOfDescriptor(d *pool.PageDescriptor) uint64 {
	off := uintptr(unsafe.Pointer(d)) - uintptr(unsafe.Pointer(&a.descs[0]))
	return uint64(off / descSize)
}

// PhysOfDescriptor implements pool.Translator.
func (a *Arena) PhysOfDescriptor(d *pool.PageDescriptor) uintptr {
	return uintptr(a.indexOfDescriptor(d)) * pool.PageSize
}

// DescriptorOfPhys implements pool.Translator.
func (a *Arena) DescriptorOfPhys(phys uintptr) *pool.PageDescriptor {
	idx := phys / pool.PageSize
	return &a.descs[idx]
}

// VirtOfDescriptor implements pool.Translator.
func (a *Arena) VirtOfDescriptor(d *pool.PageDescriptor) uintptr {
	return a.base + uintptr(a.indexOfDescriptor(d))*pool.PageSize
}

// DescriptorOfVirt implements pool.Translator.
func (a *Arena) DescriptorOfVirt(virt uintptr) *pool.PageDescriptor {
	idx := (virt - a.base) / pool.PageSize
	return &a.descs[idx]
}

// PhysOfPFN implements pool.Translator.
func (a *Arena) PhysOfPFN(pfn uint64) uintptr {
	return uintptr(pfn) * pool.PageSize
}
