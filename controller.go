// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package xhci implements the core of a bare-metal xHCI host-controller
// stack: controller initialization, the Device Context Base Address
// Array and scratchpad, and the Command Ring / Event Ring pair used to
// enumerate and drive USB devices.
//
// The package never touches memory except through a platform.Platform,
// so it has no dependency on any particular SoC, bootloader, or
// operating system.
package xhci

import (
	"runtime"
	"sync"

	"github.com/usbarmory/xhci/dmabuf"
	"github.com/usbarmory/xhci/internal/regio"
	"github.com/usbarmory/xhci/platform"
	"github.com/usbarmory/xhci/ring"
)

// Port speed IDs (default xHCI Protocol Speed ID assignment, spec.md §4.5).
const (
	SpeedFullSpeed  = 1
	SpeedLowSpeed   = 2
	SpeedHighSpeed  = 3
	SpeedSuperSpeed = 4
)

const (
	mmioInitSize  = 0x1000
	cmdRingSize   = 256
	eventRingSize = 256
)

// Controller owns an xHCI MMIO region, its DCBAA and scratchpad, and one
// Command Ring / Event Ring pair. It is constructed once per MMIO region
// and may be shared by multiple Device handles; its rings are guarded by
// internal locks. The Event Ring is not demultiplexed by event type or
// slot: a command submission and a transfer wait running at the same
// time may each consume and discard the other's event.
type Controller struct {
	p platform.Platform

	mmio     uintptr
	mmioSize int
	opBase   uintptr
	rtBase   uintptr

	capLength uint8
	dbOff     uint32

	maxSlots uint8
	maxPorts uint8

	dcbaa          *dmabuf.Buffer
	scratchpadPtrs *dmabuf.Buffer
	scratchpadBufs *dmabuf.Buffer

	cmdRing   *ring.Ring
	eventRing *ring.EventRing

	cmdMu sync.Mutex
}

// New maps the xHCI MMIO region at mmioPhys through p, resets and
// initializes the controller (spec.md §4.4 steps 1-11), and returns it
// running with interrupts and the scheduler enabled.
func New(p platform.Platform, mmioPhys uintptr) (*Controller, error) {
	initVirt, err := p.MapMMIO(mmioPhys, mmioInitSize)
	if err != nil {
		return nil, ErrMMIOMapFailed
	}

	capLength := uint8(regio.Read32(initVirt) & 0xff)
	hcs1 := regio.Read32(initVirt + HCSPARAMS1)
	hcs2 := regio.Read32(initVirt + HCSPARAMS2)
	dbOff := regio.Read32(initVirt+DBOFF) &^ 0x3
	rtsOff := regio.Read32(initVirt+RTSOFF) &^ 0x1f

	maxSlots := uint8(hcs1 & 0xff)
	maxPorts := uint8((hcs1 >> 24) & 0xff)
	maxScratchpad := ((hcs2 >> 27) & 0x1f) | (((hcs2 >> 21) & 0x1f) << 5)

	p.UnmapMMIO(initVirt, mmioInitSize)

	mmioSize := maxInt3(
		int(rtsOff)+0x40,
		int(dbOff)+(int(maxSlots)+1)*4,
		0x10000,
	)

	mmio, err := p.MapMMIO(mmioPhys, mmioSize)
	if err != nil {
		return nil, ErrMMIOMapFailed
	}

	c := &Controller{
		p:         p,
		mmio:      mmio,
		mmioSize:  mmioSize,
		opBase:    mmio + uintptr(capLength),
		rtBase:    mmio + uintptr(rtsOff),
		capLength: capLength,
		dbOff:     dbOff,
		maxSlots:  maxSlots,
		maxPorts:  maxPorts,
	}

	if err := c.init(maxScratchpad); err != nil {
		p.UnmapMMIO(mmio, mmioSize)
		return nil, err
	}

	return c, nil
}

func maxInt3(a, b, c int) int {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

func (c *Controller) init(maxScratchpad uint32) error {
	// Stop the controller if it is running.
	usbcmd := regio.Read32(c.opBase + USBCMD)
	if usbcmd&(1<<usbcmdRun) != 0 {
		regio.Write32(c.opBase+USBCMD, usbcmd&^(1<<usbcmdRun))
		regio.Wait(c.opBase+USBSTS, usbstsHCH, 1, 1)
	}

	// Reset and wait for Controller Not Ready to clear.
	regio.Write32(c.opBase+USBCMD, 1<<usbcmdHCRST)
	regio.Wait(c.opBase+USBCMD, usbcmdHCRST, 1, 0)
	regio.Wait(c.opBase+USBSTS, usbstsCNR, 1, 0)

	dcbaa, err := dmabuf.Alloc(c.p, (int(c.maxSlots)+1)*8, 64)
	if err != nil {
		return ErrOutOfMemory
	}
	c.dcbaa = dcbaa

	if maxScratchpad > 0 {
		ptrs, err := dmabuf.Alloc(c.p, int(maxScratchpad)*8, 64)
		if err != nil {
			return ErrOutOfMemory
		}

		pageSize := c.p.PageSize()
		bufs, err := dmabuf.Alloc(c.p, int(maxScratchpad)*pageSize, pageSize)
		if err != nil {
			ptrs.Release(c.p)
			return ErrOutOfMemory
		}

		for i := 0; i < int(maxScratchpad); i++ {
			ptrs.WriteUint64At(i*8, uint64(bufs.Phys)+uint64(i*pageSize))
		}

		c.dcbaa.WriteUint64At(0, uint64(ptrs.Phys))

		c.scratchpadPtrs = ptrs
		c.scratchpadBufs = bufs
	}

	cmdRing, err := ring.New(c.p, cmdRingSize)
	if err != nil {
		return ErrOutOfMemory
	}
	c.cmdRing = cmdRing

	eventRing, err := ring.NewEventRing(c.p, eventRingSize)
	if err != nil {
		return ErrOutOfMemory
	}
	c.eventRing = eventRing

	regio.Write64(c.opBase+CRCR, cmdRing.PhysicalBase()|1)
	regio.Write64(c.opBase+DCBAAP, uint64(dcbaa.Phys))

	intBase := c.rtBase + interrupter0
	regio.Write32(intBase+interrupterERSTSZ, 1)
	regio.Write64(intBase+interrupterERSTBA, eventRing.ErstPhysical())
	regio.Write64(intBase+interrupterERDP, eventRing.RingPhysical())

	regio.SetN32(c.opBase+CONFIG, 0, 0xff, uint32(c.maxSlots))

	regio.Write32(c.opBase+USBCMD, (1<<usbcmdRun)|(1<<usbcmdINTE))
	regio.Wait(c.opBase+USBSTS, usbstsHCH, 1, 0)

	return nil
}

// Close stops the controller and unmaps its MMIO region. Rings and
// contexts of any still-live Device are not released; callers must
// destroy every Device before calling Close.
func (c *Controller) Close() {
	usbcmd := regio.Read32(c.opBase + USBCMD)
	regio.Write32(c.opBase+USBCMD, usbcmd&^(1<<usbcmdRun))
	regio.Wait(c.opBase+USBSTS, usbstsHCH, 1, 1)

	c.cmdRing.Release(c.p)
	c.eventRing.Release(c.p)
	c.dcbaa.Release(c.p)

	if c.scratchpadPtrs != nil {
		c.scratchpadPtrs.Release(c.p)
		c.scratchpadBufs.Release(c.p)
	}

	c.p.UnmapMMIO(c.mmio, c.mmioSize)
}

// MaxSlots returns the maximum number of device slots the controller
// supports.
func (c *Controller) MaxSlots() uint8 {
	return c.maxSlots
}

// MaxPorts returns the number of root hub ports.
func (c *Controller) MaxPorts() uint8 {
	return c.maxPorts
}

// Platform returns the embedder capability this controller was
// constructed with, for use by collaborators that allocate their own DMA
// buffers (device contexts, transfer buffers).
func (c *Controller) Platform() platform.Platform {
	return c.p
}

func (c *Controller) ringCmdDoorbell() {
	regio.Write32(c.mmio+doorbellOffset(c.dbOff, 0), 0)
}

// RingDoorbell notifies the controller of new work on a device's
// endpoint transfer ring.
func (c *Controller) RingDoorbell(slot uint8, target uint8) {
	regio.Write32(c.mmio+doorbellOffset(c.dbOff, slot), uint32(target))
}

func (c *Controller) updateErdp() {
	ptr := c.eventRing.DequeuePointer() | (1 << erdpEHB)
	regio.Write64(c.rtBase+interrupter0+interrupterERDP, ptr)
}

// PollEvent performs a single non-blocking dequeue from the Event Ring,
// updating ERDP if an event was consumed. Used by device and collaborator
// layers to wait for Transfer Events.
func (c *Controller) PollEvent() (ring.Trb, bool) {
	trb, ok := c.eventRing.TryDequeue()
	if ok {
		c.updateErdp()
	}
	return trb, ok
}

// SubmitCommand enqueues trb on the Command Ring, rings the command
// doorbell, and blocks until the matching Command Completion Event is
// observed (§4.4.1: command submission is serialized behind cmdMu, and
// the drain here discards any Transfer Events it passes over, per the
// core's minimal conflated-event-ring design).
func (c *Controller) SubmitCommand(trb ring.Trb) (ring.Trb, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.cmdRing.Enqueue(trb)
	c.ringCmdDoorbell()

	for {
		evt, ok := c.eventRing.TryDequeue()
		if !ok {
			runtime.Gosched()
			continue
		}

		c.updateErdp()

		if evt.TrbType() != ring.TypeCommandCompletionEvent {
			continue
		}

		if code := evt.CompletionCode(); code != ring.CompletionSuccess {
			return evt, &CommandError{Code: code}
		}

		return evt, nil
	}
}

// EnableSlot submits an Enable Slot command and returns the assigned
// slot id.
func (c *Controller) EnableSlot() (uint8, error) {
	evt, err := c.SubmitCommand(ring.Trb{Control: ring.TypeEnableSlot << 10})
	if err != nil {
		return 0, err
	}
	return evt.SlotID(), nil
}

// DisableSlot submits a Disable Slot command for slotID.
func (c *Controller) DisableSlot(slotID uint8) error {
	_, err := c.SubmitCommand(ring.Trb{
		Control: (ring.TypeDisableSlot << 10) | (uint32(slotID) << 24),
	})
	return err
}

// SetDeviceContext writes phys into DCBAA[slot].
func (c *Controller) SetDeviceContext(slot uint8, phys uint64) error {
	if slot > c.maxSlots {
		return ErrInvalidSlot
	}
	c.dcbaa.WriteUint64At(int(slot)*8, phys)
	return nil
}

func (c *Controller) portOffset(port uint8) uintptr {
	return c.mmio + portscOffset(c.capLength, port)
}

// ResetPort issues a port reset on a 0-based port number (spec.md §9:
// PORTSC is indexed 0-based here; the Slot Context's root-hub-port field
// uses port+1 to match xHCI's 1-based hardware port numbering) and waits
// for the reset to complete, then clears the Port Reset Change bit.
func (c *Controller) ResetPort(port uint8) error {
	if port >= c.maxPorts {
		return ErrInvalidPort
	}

	off := c.portOffset(port)

	portsc := regio.Read32(off)
	regio.Write32(off, (portsc&(1<<portscPP))|(1<<portscPR))

	regio.Wait(off, portscPR, 1, 0)

	portsc = regio.Read32(off)
	regio.Write32(off, portsc|(1<<portscPRC))

	return nil
}

// PortSpeed returns the negotiated port speed (PORTSC bits 13:10).
func (c *Controller) PortSpeed(port uint8) uint8 {
	return uint8(regio.Get32(c.portOffset(port), portscSpeed, 0xf))
}

// PortConnected reports whether a device is currently connected on port.
func (c *Controller) PortConnected(port uint8) bool {
	return regio.Get32(c.portOffset(port), portscCCS, 1) == 1
}
