// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package platform defines the single capability the xHCI core requires
// from its embedder: DMA-contiguous memory allocation, MMIO mapping, and
// virtual-to-physical address translation.
//
// The core never touches hardware except through a Platform, so it can be
// built and tested away from any particular SoC or bootloader (see
// platform/mock for the implementation used by this repository's own
// tests).
package platform

// Platform is implemented by the embedder (kernel, bootloader, hypervisor,
// firmware) hosting the xHCI core. All addresses it deals in are virtual;
// the core asks it to resolve physical addresses only when a hardware
// register needs one.
//
// Memory returned by Alloc must be coherent with device DMA, either
// because it is uncached or because the embedder inserts the necessary
// cache maintenance around transfers. Addresses returned by MapMMIO must
// be valid targets for volatile load/store.
type Platform interface {
	// Alloc returns the virtual address of a newly allocated region of
	// size bytes, physically contiguous, aligned to align bytes (a
	// power of 2). Returns an error if the region cannot be satisfied.
	Alloc(size, align int) (virt uintptr, err error)

	// Free releases a region previously returned by Alloc. size and
	// align must match the original allocation.
	Free(virt uintptr, size, align int)

	// MapMMIO maps size bytes of MMIO space at physical address phys
	// and returns its virtual address.
	MapMMIO(phys uintptr, size int) (virt uintptr, err error)

	// UnmapMMIO releases a mapping previously returned by MapMMIO.
	UnmapMMIO(virt uintptr, size int)

	// VirtToPhys translates a virtual address, previously returned by
	// Alloc or MapMMIO, to its physical address.
	VirtToPhys(virt uintptr) uintptr

	// PageSize returns the platform page size in bytes.
	PageSize() int
}
