// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ring

import (
	"sync"
	"unsafe"

	"github.com/usbarmory/xhci/dmabuf"
	"github.com/usbarmory/xhci/platform"
)

const trbSize = 16

// entrySize is the alignment required of a ring's backing buffer
// (spec.md §3: "16-byte for TRB rings").
const entrySize = 16

func writeTrbAt(virt uintptr, index int, t Trb) {
	base := virt + uintptr(index*trbSize)
	*(*uint64)(unsafe.Pointer(base)) = t.Parameter
	*(*uint32)(unsafe.Pointer(base + 8)) = t.Status
	*(*uint32)(unsafe.Pointer(base + 12)) = t.Control
}

func readTrbAt(virt uintptr, index int) Trb {
	base := virt + uintptr(index*trbSize)
	return Trb{
		Parameter: *(*uint64)(unsafe.Pointer(base)),
		Status:    *(*uint32)(unsafe.Pointer(base + 8)),
		Control:   *(*uint32)(unsafe.Pointer(base + 12)),
	}
}

func setControlAt(virt uintptr, index int, control uint32) {
	base := virt + uintptr(index*trbSize)
	*(*uint32)(unsafe.Pointer(base + 12)) = control
}

func setCycleBitAt(virt uintptr, index int, cycle uint32) {
	base := virt + uintptr(index*trbSize) + 12
	ctrl := *(*uint32)(unsafe.Pointer(base))
	ctrl = (ctrl &^ 1) | (cycle & 1)
	*(*uint32)(unsafe.Pointer(base)) = ctrl
}

// Ring is a producer TRB ring: a Command Ring or a device Transfer Ring.
// Capacity n includes the trailing Link TRB, so n-1 TRBs are usable
// between wraps.
type Ring struct {
	mu           sync.Mutex
	buf          *dmabuf.Buffer
	n            int
	enqueueIndex int
	pcs          uint32
}

// New allocates a ring of n TRBs (n-1 usable), installs the Link TRB at
// the last slot pointing at the ring's own physical base with the Toggle
// Cycle bit set, and sets the initial producer cycle state to 1.
func New(p platform.Platform, n int) (*Ring, error) {
	buf, err := dmabuf.Alloc(p, n*trbSize, entrySize)
	if err != nil {
		return nil, err
	}

	r := &Ring{
		buf: buf,
		n:   n,
		pcs: 1,
	}

	// Link TRB: parameter = own physical base, TC (control bit 1) set.
	// Built in two phases per spec.md §9 ("self-referential ring"):
	// allocate first, then fill in the physical address once known.
	// Its cycle bit is corrected by Enqueue on every wrap, so its
	// zero-filled initial value is never consulted by hardware.
	link := Trb{
		Parameter: uint64(buf.Phys),
		Control:   TypeLink<<10 | (1 << 1),
	}
	writeTrbAt(buf.Virt, n-1, link)

	return r, nil
}

// Release frees the ring's backing memory through p.
func (r *Ring) Release(p platform.Platform) {
	r.buf.Release(p)
}

// PhysicalBase returns the physical address of index 0, the value
// written to CRCR or to an Endpoint Context's transfer-ring pointer.
func (r *Ring) PhysicalBase() uint64 {
	return uint64(r.buf.Phys)
}

// Enqueue writes trb at the current enqueue index, forcing its cycle bit
// to the producer cycle state, advances the index, and performs the
// Link-TRB wrap (toggling PCS and resetting the index to 0) if the
// advance lands on the Link TRB.
func (r *Ring) Enqueue(trb Trb) {
	r.mu.Lock()
	defer r.mu.Unlock()

	trb.Control = (trb.Control &^ 1) | r.pcs
	writeTrbAt(r.buf.Virt, r.enqueueIndex, trb)

	r.enqueueIndex++
	if r.enqueueIndex == r.n-1 {
		setCycleBitAt(r.buf.Virt, r.n-1, r.pcs)
		r.pcs ^= 1
		r.enqueueIndex = 0
	}
}

// EventRing is the consumer xHCI Event Ring with its one-entry Event
// Ring Segment Table. It is read-only from software except for the
// dequeue pointer written back to the controller after each drain.
type EventRing struct {
	mu           sync.Mutex
	ring         *dmabuf.Buffer
	erst         *dmabuf.Buffer
	n            int
	dequeueIndex int
	ccs          uint32
}

// erstEntrySize is the size of one Event Ring Segment Table entry: ring
// base physical address, ring size, and 4 reserved bytes.
const erstEntrySize = 16

// NewEventRing allocates an n-entry event ring and its one-entry ERST,
// and initializes the consumer cycle state to 1.
func NewEventRing(p platform.Platform, n int) (*EventRing, error) {
	ringBuf, err := dmabuf.Alloc(p, n*trbSize, entrySize)
	if err != nil {
		return nil, err
	}

	erstBuf, err := dmabuf.Alloc(p, erstEntrySize, entrySize)
	if err != nil {
		ringBuf.Release(p)
		return nil, err
	}

	erstBuf.WriteUint64At(0, uint64(ringBuf.Phys))
	*(*uint32)(unsafe.Pointer(erstBuf.Virt + 8)) = uint32(n)

	return &EventRing{
		ring: ringBuf,
		erst: erstBuf,
		n:    n,
		ccs:  1,
	}, nil
}

// Release frees the event ring and ERST through p.
func (e *EventRing) Release(p platform.Platform) {
	e.ring.Release(p)
	e.erst.Release(p)
}

// TryDequeue returns the TRB at the current dequeue index if its cycle
// bit matches the consumer cycle state (hardware has produced it), or
// ok=false if no event is available.
func (e *EventRing) TryDequeue() (trb Trb, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	trb = readTrbAt(e.ring.Virt, e.dequeueIndex)
	if trb.CycleBit() != e.ccs {
		return Trb{}, false
	}

	e.dequeueIndex++
	if e.dequeueIndex == e.n {
		e.dequeueIndex = 0
		e.ccs ^= 1
	}

	return trb, true
}

// DequeuePointer returns the physical address of the current dequeue
// index slot. Callers OR in the Event Handler Busy bit (bit 3) before
// writing it to ERDP.
func (e *EventRing) DequeuePointer() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return uint64(e.ring.Phys) + uint64(e.dequeueIndex*trbSize)
}

// ErstPhysical returns the physical address of the one-entry ERST.
func (e *EventRing) ErstPhysical() uint64 {
	return uint64(e.erst.Phys)
}

// RingPhysical returns the physical address of index 0 of the event
// ring, the value written as the initial ERDP.
func (e *EventRing) RingPhysical() uint64 {
	return uint64(e.ring.Phys)
}
