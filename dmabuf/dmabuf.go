// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dmabuf implements the DMA buffer described in spec.md §3/§4.3:
// an exclusively-owned region of physically contiguous memory with a
// known virtual base, physical base, size, and alignment, obtained from a
// platform.Platform and released explicitly through it.
package dmabuf

import (
	"unsafe"

	"github.com/usbarmory/xhci/platform"
)

// Buffer is a physically contiguous region of DMA-capable memory. All
// fields are fixed at construction time; Phys is computed once via the
// platform and cached.
//
// Buffer is not freed on scope exit: the owner must call Release once the
// buffer is no longer handed to hardware.
type Buffer struct {
	Virt  uintptr
	Phys  uintptr
	Size  int
	Align int
}

// Alloc allocates a zero-filled Buffer of size bytes aligned to align
// bytes via p.
func Alloc(p platform.Platform, size, align int) (*Buffer, error) {
	virt, err := p.Alloc(size, align)
	if err != nil {
		return nil, err
	}

	b := &Buffer{
		Virt:  virt,
		Phys:  p.VirtToPhys(virt),
		Size:  size,
		Align: align,
	}

	b.zero()

	return b, nil
}

// Release frees the buffer through p. The Buffer must not be used
// afterwards.
func (b *Buffer) Release(p platform.Platform) {
	p.Free(b.Virt, b.Size, b.Align)
}

func (b *Buffer) zero() {
	s := b.Bytes()
	for i := range s {
		s[i] = 0
	}
}

// Bytes returns a slice over the buffer's memory.
func (b *Buffer) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(b.Virt)), b.Size)
}

// CopyIn copies src into the buffer starting at offset 0, truncating to
// the buffer's size.
func (b *Buffer) CopyIn(src []byte) {
	copy(b.Bytes(), src)
}

// CopyOut copies up to len(dst) bytes from the buffer into dst and
// returns the number of bytes copied.
func (b *Buffer) CopyOut(dst []byte) int {
	return copy(dst, b.Bytes())
}

// WriteUint32At writes a little-endian uint32 at the given byte offset,
// used to populate context words (Slot/Endpoint Context dwords, Input
// Control Context flags).
func (b *Buffer) WriteUint32At(offset int, val uint32) {
	reg := (*uint32)(unsafe.Pointer(b.Virt + uintptr(offset)))
	*reg = val
}

// ReadUint32At reads a little-endian uint32 at the given byte offset.
func (b *Buffer) ReadUint32At(offset int) uint32 {
	reg := (*uint32)(unsafe.Pointer(b.Virt + uintptr(offset)))
	return *reg
}

// WriteUint64At writes a little-endian uint64 at the given byte offset,
// used to populate pointer arrays (DCBAA, scratchpad array, ERST) that
// are hardware-readable tables of physical addresses.
func (b *Buffer) WriteUint64At(offset int, val uint64) {
	reg := (*uint64)(unsafe.Pointer(b.Virt + uintptr(offset)))
	*reg = val
}

// ReadUint64At reads a little-endian uint64 at the given byte offset.
func (b *Buffer) ReadUint64At(offset int) uint64 {
	reg := (*uint64)(unsafe.Pointer(b.Virt + uintptr(offset)))
	return *reg
}
