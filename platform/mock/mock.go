// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mock implements a platform.Platform backed by ordinary Go heap
// memory, together with a Host that behaves enough like xHCI silicon to
// drive this repository's own test suite without real hardware: it
// answers the controller's MMIO init sequence, processes Command Ring
// and Transfer Ring entries in a background goroutine, and posts Event
// Ring completions the same way the controller's PollEvent expects to
// read them.
//
// Host is not a cycle-accurate xHCI model. On a Transfer Ring it batches
// every TRB queued before a doorbell ring and reports one completion for
// the last TRB in that batch carrying the Interrupt-On-Completion bit,
// which is all this repository's own control- and bulk-transfer paths
// ever wait for. Every Command Ring TRB gets its own Command Completion
// Event.
package mock

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/usbarmory/xhci"
	"github.com/usbarmory/xhci/internal/regio"
	"github.com/usbarmory/xhci/platform"
	"github.com/usbarmory/xhci/ring"
)

// xHCI register bit positions not exported by the driver's own reg.go
// (this package models hardware knowledge of the wire format, not the
// driver's internal symbols).
const (
	usbcmdRun   = 0
	usbcmdHCRST = 1
	usbstsHCH   = 0
	usbstsCNR   = 11

	portscBase   = 0x400
	portscStride = 0x10
	portscCCS    = 0
	portscPR     = 4
	portscPP     = 9
	portscSpeed  = 10

	interrupter0      = 0x20
	interrupterERSTBA = 0x10

	trbSize = 16

	capLengthValue = 0x20
	rtsOffValue    = 0x1000
	dbOffValue     = 0x2000

	trbCompletionError = 5 // TRB Error, for Enable Slot exhaustion

	// cmdDoorbellIdle is held in the command doorbell between rings, since
	// the driver rings it by writing target 0.
	cmdDoorbellIdle = 0xffffffff

	// Input/Device Context geometry, mirroring device/context.go's wire
	// layout (32-byte contexts, 31-endpoint arrays).
	contextSize                = 32
	inputSlotOffset            = 32
	inputEndpointsOffset       = 64
	deviceSlotOffset           = 0
	deviceEndpointsOffset      = 32
	inputControlAddFlagsOffset = 4
)

// epKey identifies one device's endpoint transfer ring by slot and
// Device Context Index.
type epKey struct {
	slot uint8
	dci  uint8
}

// completionOverride lets a test script substitute a specific outcome
// (stall, short packet, canned IN data) for the next transfer completed
// on a given endpoint.
type completionOverride struct {
	code     uint8
	residual uint32
	data     []byte
}

type ringState struct {
	idx   int
	cycle uint32
}

// Host simulates one xHCI controller's MMIO register file and the
// command/transfer processing behind it.
type Host struct {
	mu sync.Mutex

	mmio     []byte
	mmioVirt uintptr
	opBase   uintptr
	rtBase   uintptr
	dbBase   uintptr

	maxSlots uint8
	maxPorts uint8

	slotUsed []bool
	ports    []portState

	cmdIdx   int
	cmdCycle uint32
	evIdx    int
	evCycle  uint32

	epRings   map[epKey]*ringState
	overrides map[epKey]completionOverride

	stop chan struct{}
}

type portState struct {
	connected bool
	speed     uint8
}

// NewHost allocates a simulated MMIO register file advertising maxSlots
// device slots, maxPorts root hub ports, and maxScratchpad scratchpad
// buffers, and programs its capability registers accordingly. The
// controller is left stopped (USBSTS.HCH set) until New's init sequence
// runs; call Start to begin processing doorbells.
func NewHost(maxSlots uint8, maxPorts uint8, maxScratchpad uint32) *Host {
	mmio := make([]byte, 0x10000)
	mmioVirt := uintptr(unsafe.Pointer(&mmio[0]))

	h := &Host{
		mmio:      mmio,
		mmioVirt:  mmioVirt,
		opBase:    mmioVirt + capLengthValue,
		rtBase:    mmioVirt + rtsOffValue,
		dbBase:    mmioVirt + dbOffValue,
		maxSlots:  maxSlots,
		maxPorts:  maxPorts,
		slotUsed:  make([]bool, int(maxSlots)+1),
		ports:     make([]portState, maxPorts),
		cmdCycle:  1,
		evCycle:   1,
		epRings:   make(map[epKey]*ringState),
		overrides: make(map[epKey]completionOverride),
		stop:      make(chan struct{}),
	}

	regio.Write32(mmioVirt+xhci.CAPLENGTH, capLengthValue)
	regio.Write32(mmioVirt+xhci.HCSPARAMS1, uint32(maxSlots)|uint32(maxPorts)<<24)
	regio.Write32(mmioVirt+xhci.HCSPARAMS2, ((maxScratchpad&0x1f)<<27)|(((maxScratchpad>>5)&0x1f)<<21))
	regio.Write32(mmioVirt+xhci.DBOFF, dbOffValue)
	regio.Write32(mmioVirt+xhci.RTSOFF, rtsOffValue)
	regio.Write32(h.opBase+xhci.USBSTS, 1<<usbstsHCH)
	regio.Write32(h.dbBase, cmdDoorbellIdle)

	return h
}

// Platform returns a platform.Platform whose MMIO region is this Host
// and whose DMA memory is backed by the Go heap, addresses used directly
// as their own physical address (no IOMMU translation is modeled).
func (h *Host) Platform() platform.Platform {
	return &Platform{host: h, allocs: make(map[uintptr][]byte)}
}

// ConnectPort marks port (0-based) connected at the given xhci.Speed*
// value, as if a device had just been plugged in.
func (h *Host) ConnectPort(port uint8, speed uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ports[port] = portState{connected: true, speed: speed}

	off := h.portOffset(port)
	regio.Write32(off, (1<<portscCCS)|(1<<portscPP)|(uint32(speed)<<portscSpeed))
}

// QueueTransferResult overrides the outcome of the next transfer
// completed on slot's endpoint dci: code is the completion code
// (ring.CompletionSuccess/CompletionStallError/...), residual is the
// untransferred byte count, and data, if non-nil, is copied into the
// transfer's buffer for an IN endpoint before the completion is posted.
func (h *Host) QueueTransferResult(slot uint8, dci uint8, code uint8, residual uint32, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.overrides[epKey{slot, dci}] = completionOverride{code: code, residual: residual, data: data}
}

// DCI returns the Device Context Index for endpoint number n and
// direction, the same formula device.Device uses, exported here so test
// scripts can address QueueTransferResult without reaching into that
// package's internals.
func DCI(epNum uint8, isIn bool) uint8 {
	d := 2 * epNum
	if isIn {
		d++
	}
	return d
}

// Start launches the background goroutine that answers the controller's
// MMIO init sequence and processes doorbells.
func (h *Host) Start() {
	go h.run()
}

// Stop terminates the background goroutine. The Host must not be used
// afterwards.
func (h *Host) Stop() {
	close(h.stop)
}

func (h *Host) run() {
	for {
		select {
		case <-h.stop:
			return
		default:
		}
		h.step()
		runtime.Gosched()
	}
}

func (h *Host) step() {
	h.mu.Lock()
	defer h.mu.Unlock()

	usbcmd := regio.Read32(h.opBase + xhci.USBCMD)

	if usbcmd&(1<<usbcmdHCRST) != 0 {
		regio.Write32(h.opBase+xhci.USBCMD, usbcmd&^(1<<usbcmdHCRST))
		regio.Clear32(h.opBase+xhci.USBSTS, usbstsCNR)
	}

	if usbcmd&(1<<usbcmdRun) != 0 {
		regio.Clear32(h.opBase+xhci.USBSTS, usbstsHCH)
	} else {
		regio.Set32(h.opBase+xhci.USBSTS, usbstsHCH)
	}

	for port := uint8(0); port < h.maxPorts; port++ {
		off := h.portOffset(port)
		portsc := regio.Read32(off)
		if portsc&(1<<portscPR) != 0 {
			// CCS and Port Speed are read-only in hardware, so a reset
			// write does not clear them.
			portsc &^= 1 << portscPR
			if st := h.ports[port]; st.connected {
				portsc |= (1 << portscCCS) | (uint32(st.speed) << portscSpeed)
			}
			regio.Write32(off, portsc)
		}
	}

	if regio.Read32(h.dbBase) != cmdDoorbellIdle {
		regio.Write32(h.dbBase, cmdDoorbellIdle)
		h.processCommandRing()
	}

	for slot := uint8(1); slot <= h.maxSlots; slot++ {
		addr := h.dbBase + uintptr(slot)*4
		if val := regio.Read32(addr); val != 0 {
			regio.Write32(addr, 0)
			h.processTransferRing(slot, uint8(val))
		}
	}
}

func (h *Host) portOffset(port uint8) uintptr {
	return h.mmioVirt + capLengthValue + portscBase + uintptr(port)*portscStride
}

func readTRB(addr uintptr) ring.Trb {
	return ring.Trb{
		Parameter: regio.Read64(addr),
		Status:    regio.Read32(addr + 8),
		Control:   regio.Read32(addr + 12),
	}
}

func writeTRB(addr uintptr, t ring.Trb) {
	regio.Write64(addr, t.Parameter)
	regio.Write32(addr+8, t.Status)
	regio.Write32(addr+12, t.Control)
}

// dequeueProducerTRB reads the next TRB from a producer ring (Command
// Ring or a device Transfer Ring), following Link TRBs and toggling the
// consumer cycle state the same way real hardware does, returning
// ok=false once it catches up to an unproduced (cycle-mismatched) slot.
func dequeueProducerTRB(base uintptr, idx *int, cycle *uint32) (ring.Trb, bool) {
	for {
		addr := base + uintptr(*idx*trbSize)
		t := readTRB(addr)

		if t.CycleBit() != *cycle {
			return ring.Trb{}, false
		}

		if t.TrbType() == ring.TypeLink {
			toggle := t.Control&(1<<1) != 0
			*idx = 0
			if toggle {
				*cycle ^= 1
			}
			continue
		}

		*idx++
		return t, true
	}
}

func (h *Host) processCommandRing() {
	base := uintptr(regio.Read64(h.opBase+xhci.CRCR) &^ 0x3f)

	for {
		t, ok := dequeueProducerTRB(base, &h.cmdIdx, &h.cmdCycle)
		if !ok {
			return
		}
		code, slot := h.execCommand(t)
		h.postEvent(ring.Trb{
			Status:  uint32(code) << 24,
			Control: (ring.TypeCommandCompletionEvent << 10) | (uint32(slot) << 24),
		})
	}
}

func (h *Host) execCommand(t ring.Trb) (code uint8, slot uint8) {
	switch t.TrbType() {
	case ring.TypeEnableSlot:
		for s := uint8(1); int(s) <= int(h.maxSlots); s++ {
			if !h.slotUsed[s] {
				h.slotUsed[s] = true
				return ring.CompletionSuccess, s
			}
		}
		return trbCompletionError, 0

	case ring.TypeDisableSlot:
		s := t.SlotID()
		if int(s) < len(h.slotUsed) {
			h.slotUsed[s] = false
		}
		return ring.CompletionSuccess, s

	case ring.TypeAddressDevice:
		s := t.SlotID()
		inputBase := uintptr(t.Parameter)
		if deviceBase := h.deviceContextBase(s); deviceBase != 0 {
			copyBytes(deviceBase+deviceSlotOffset, inputBase+inputSlotOffset, contextSize)
			copyBytes(deviceBase+deviceEndpointsOffset, inputBase+inputEndpointsOffset, contextSize)
		}
		return ring.CompletionSuccess, s

	case ring.TypeConfigureEndpoint:
		s := t.SlotID()
		inputBase := uintptr(t.Parameter)
		deviceBase := h.deviceContextBase(s)
		addFlags := regio.Read32(inputBase + inputControlAddFlagsOffset)

		if deviceBase != 0 {
			for dci := 2; dci <= 31; dci++ {
				if addFlags&(1<<uint(dci)) == 0 {
					continue
				}
				idx := dci - 1
				off := uintptr(idx * contextSize)
				copyBytes(deviceBase+deviceEndpointsOffset+off, inputBase+inputEndpointsOffset+off, contextSize)
			}
		}
		return ring.CompletionSuccess, s

	default:
		return ring.CompletionSuccess, t.SlotID()
	}
}

func (h *Host) deviceContextBase(slot uint8) uintptr {
	dcbaa := regio.Read64(h.opBase + xhci.DCBAAP)
	if dcbaa == 0 {
		return 0
	}
	return uintptr(regio.Read64(uintptr(dcbaa) + uintptr(slot)*8))
}

func copyBytes(dst, src uintptr, n int) {
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(d, s)
}

func (h *Host) postEvent(evt ring.Trb) {
	erst := regio.Read64(h.rtBase + interrupter0 + interrupterERSTBA)
	if erst == 0 {
		return
	}

	ringBase := regio.Read64(uintptr(erst))
	n := regio.Read32(uintptr(erst) + 8)
	if n == 0 {
		return
	}

	addr := uintptr(ringBase) + uintptr(h.evIdx*trbSize)
	evt.Control = (evt.Control &^ 1) | h.evCycle
	writeTRB(addr, evt)

	h.evIdx++
	if h.evIdx == int(n) {
		h.evIdx = 0
		h.evCycle ^= 1
	}
}

// processTransferRing drains every TRB queued on slot's dci endpoint
// ring since the last doorbell ring and posts one Transfer Event for the
// last TRB carrying the Interrupt-On-Completion bit.
func (h *Host) processTransferRing(slot uint8, dci uint8) {
	deviceBase := h.deviceContextBase(slot)
	if deviceBase == 0 {
		return
	}

	epCtxAddr := deviceBase + deviceEndpointsOffset + uintptr(int(dci-1)*contextSize)
	lo := regio.Read32(epCtxAddr + 8)
	hi := regio.Read32(epCtxAddr + 12)
	ringBase := uintptr((uint64(hi)<<32 | uint64(lo)) &^ 0xf)
	if ringBase == 0 {
		return
	}

	key := epKey{slot, dci}
	state, ok := h.epRings[key]
	if !ok {
		state = &ringState{cycle: 1}
		h.epRings[key] = state
	}

	var lastIOC *ring.Trb
	var dataTRB *ring.Trb
	sawSetup := false

	for {
		t, ok := dequeueProducerTRB(ringBase, &state.idx, &state.cycle)
		if !ok {
			break
		}

		switch t.TrbType() {
		case ring.TypeSetupStage:
			sawSetup = true
		case ring.TypeDataStage, ring.TypeNormal:
			tc := t
			dataTRB = &tc
		}

		if t.Control&(1<<5) != 0 {
			tc := t
			lastIOC = &tc
		}
	}

	if lastIOC == nil {
		return
	}

	ov, hasOverride := h.overrides[key]
	delete(h.overrides, key)

	code := uint8(ring.CompletionSuccess)
	var residual uint32

	if hasOverride {
		code = ov.code
		residual = ov.residual
	}

	if dataTRB != nil && hasOverride && len(ov.data) > 0 {
		isIn := dataTRB.Control&(1<<16) != 0
		if !sawSetup {
			isIn = dci%2 == 1
		}
		if isIn {
			length := int(dataTRB.Status & 0xffffff)
			n := len(ov.data)
			if n > length {
				n = length
			}
			d := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(dataTRB.Parameter))), n)
			copy(d, ov.data[:n])
		}
	}

	h.postEvent(ring.Trb{
		Status:  (uint32(code) << 24) | (residual & 0xffffff),
		Control: (ring.TypeTransferEvent << 10) | (uint32(slot) << 24),
	})
}

// Platform is a platform.Platform backed by the Go heap, for use with a
// single Host.
type Platform struct {
	mu     sync.Mutex
	allocs map[uintptr][]byte
	host   *Host
}

// Alloc satisfies platform.Platform using a plain Go allocation; the
// backing slice is retained in allocs to keep it alive (and its address
// stable, since Go's garbage collector does not move heap objects) until
// Free.
func (p *Platform) Alloc(size, align int) (uintptr, error) {
	if align < 1 {
		align = 1
	}

	raw := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(align-1)) &^ uintptr(align-1)

	p.mu.Lock()
	p.allocs[aligned] = raw
	p.mu.Unlock()

	return aligned, nil
}

// Free releases a region returned by Alloc.
func (p *Platform) Free(virt uintptr, size, align int) {
	p.mu.Lock()
	delete(p.allocs, virt)
	p.mu.Unlock()
}

// MapMMIO ignores phys and size and always returns the Host's single
// simulated register file.
func (p *Platform) MapMMIO(phys uintptr, size int) (uintptr, error) {
	return p.host.mmioVirt, nil
}

// UnmapMMIO is a no-op: the Host's register file lives for the Platform's
// lifetime.
func (p *Platform) UnmapMMIO(virt uintptr, size int) {}

// VirtToPhys is the identity function: this mock has no IOMMU or
// virtual-to-physical remapping to model.
func (p *Platform) VirtToPhys(virt uintptr) uintptr {
	return virt
}

// PageSize reports a conventional 4KiB page.
func (p *Platform) PageSize() int {
	return 4096
}
