// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ring

import (
	"sync"
	"testing"
	"unsafe"
)

// fakePlatform is a minimal platform.Platform backed by the Go heap, local
// to this test file to avoid a ring->platform/mock->ring import cycle.
type fakePlatform struct{}

func (fakePlatform) Alloc(size, align int) (uintptr, error) {
	if align < 1 {
		align = 1
	}
	raw := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(align-1)) &^ uintptr(align-1)
	allocsMu.Lock()
	allocs[aligned] = raw
	allocsMu.Unlock()
	return aligned, nil
}

func (fakePlatform) Free(virt uintptr, size, align int) {
	allocsMu.Lock()
	delete(allocs, virt)
	allocsMu.Unlock()
}

func (fakePlatform) MapMMIO(phys uintptr, size int) (uintptr, error) { return phys, nil }
func (fakePlatform) UnmapMMIO(virt uintptr, size int)                {}
func (fakePlatform) VirtToPhys(virt uintptr) uintptr                 { return virt }
func (fakePlatform) PageSize() int                                   { return 4096 }

var (
	allocsMu sync.Mutex
	allocs   = make(map[uintptr][]byte)
)

func TestRingEnqueueWrap(t *testing.T) {
	p := fakePlatform{}

	const n = 4 // 3 usable slots + Link TRB
	r, err := New(p, n)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Fill the ring exactly to its capacity (n-1 usable entries) and
	// confirm every enqueued TRB's cycle bit matches the producer cycle
	// state in effect when it was written.
	for i := 0; i < n-1; i++ {
		r.Enqueue(Trb{Parameter: uint64(i)})
	}

	for i := 0; i < n-1; i++ {
		got := readTrbAt(r.buf.Virt, i)
		if got.CycleBit() != 1 {
			t.Errorf("slot %d: cycle bit = %d, want 1", i, got.CycleBit())
		}
		if got.Parameter != uint64(i) {
			t.Errorf("slot %d: parameter = %d, want %d", i, got.Parameter, i)
		}
	}

	if r.enqueueIndex != 0 {
		t.Fatalf("enqueueIndex = %d after filling ring, want 0 (wrapped)", r.enqueueIndex)
	}
	if r.pcs != 0 {
		t.Fatalf("pcs = %d after one full wrap, want 0 (toggled)", r.pcs)
	}

	link := readTrbAt(r.buf.Virt, n-1)
	if link.CycleBit() != 1 {
		t.Fatalf("link TRB cycle bit = %d after wrap, want 1 (old pcs)", link.CycleBit())
	}

	// A second pass around the ring must tag every TRB with the new,
	// toggled cycle state.
	for i := 0; i < n-1; i++ {
		r.Enqueue(Trb{Parameter: uint64(100 + i)})
	}
	for i := 0; i < n-1; i++ {
		got := readTrbAt(r.buf.Virt, i)
		if got.CycleBit() != 0 {
			t.Errorf("second pass slot %d: cycle bit = %d, want 0", i, got.CycleBit())
		}
	}
}

func TestEventRingDequeueCycle(t *testing.T) {
	p := fakePlatform{}

	const n = 4
	e, err := NewEventRing(p, n)
	if err != nil {
		t.Fatalf("NewEventRing: %v", err)
	}

	if _, ok := e.TryDequeue(); ok {
		t.Fatal("TryDequeue on empty ring returned ok=true")
	}

	// Simulate hardware producing n events with the initial consumer
	// cycle state (1).
	for i := 0; i < n; i++ {
		writeTrbAt(e.ring.Virt, i, Trb{
			Status:  uint32(i),
			Control: uint32(TypeTransferEvent<<10) | 1,
		})
	}

	for i := 0; i < n; i++ {
		trb, ok := e.TryDequeue()
		if !ok {
			t.Fatalf("event %d: TryDequeue returned ok=false", i)
		}
		if trb.Status != uint32(i) {
			t.Errorf("event %d: status = %d, want %d", i, trb.Status, i)
		}
	}

	if e.dequeueIndex != 0 {
		t.Fatalf("dequeueIndex = %d after draining n events, want 0", e.dequeueIndex)
	}
	if e.ccs != 0 {
		t.Fatalf("ccs = %d after one full wrap, want 0 (toggled)", e.ccs)
	}

	// A TRB still bearing the old cycle bit (1) must not be dequeued
	// once the consumer has toggled to 0.
	writeTrbAt(e.ring.Virt, 0, Trb{Control: uint32(TypeTransferEvent<<10) | 1})
	if _, ok := e.TryDequeue(); ok {
		t.Fatal("TryDequeue returned ok=true for a stale-cycle TRB")
	}
}
