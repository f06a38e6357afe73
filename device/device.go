// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package device implements per-device state on top of a controller:
// slot enable/address, Input/Device Context population, EP0 control
// transfers, endpoint configuration, and generic endpoint queueing.
package device

import (
	"math/bits"
	"runtime"
	"sync"

	"github.com/usbarmory/xhci"
	"github.com/usbarmory/xhci/desc"
	"github.com/usbarmory/xhci/dmabuf"
	"github.com/usbarmory/xhci/ring"
)

const ep0RingSize = 256
const epRingSize = 256

// Device is a single addressed USB device on one xHCI controller's root
// hub. It owns its Device/Input Contexts and its EP0 and configured
// endpoint transfer rings.
type Device struct {
	ctrl  *xhci.Controller
	slot  uint8
	port  uint8
	speed uint8

	deviceCtx *dmabuf.Buffer
	inputCtx  *dmabuf.Buffer

	ep0Mu   sync.Mutex
	ep0Ring *ring.Ring

	epMu    sync.Mutex
	epRings [numEndpoints]*ring.Ring
}

func maxPacketSizeForSpeed(speed uint8) uint16 {
	switch speed {
	case xhci.SpeedLowSpeed, xhci.SpeedFullSpeed:
		return 8
	case xhci.SpeedHighSpeed:
		return 64
	case xhci.SpeedSuperSpeed:
		return 512
	default:
		return 8
	}
}

// New enables a slot for port, resets the port and reads its speed,
// allocates the Device/Input Contexts and the EP0 transfer ring, and
// issues Address Device (spec.md §4.5 construction steps 1-8).
//
// port is the 0-based PORTSC index used by Controller.ResetPort; the Slot
// Context's root-hub-port field is set to port+1.
func New(ctrl *xhci.Controller, port uint8) (*Device, error) {
	p := ctrl.Platform()

	slot, err := ctrl.EnableSlot()
	if err != nil {
		return nil, err
	}

	if err := ctrl.ResetPort(port); err != nil {
		return nil, err
	}
	speed := ctrl.PortSpeed(port)

	deviceCtx, err := dmabuf.Alloc(p, deviceContextSize, contextAlign)
	if err != nil {
		return nil, xhci.ErrOutOfMemory
	}

	inputCtx, err := dmabuf.Alloc(p, inputContextSize, contextAlign)
	if err != nil {
		deviceCtx.Release(p)
		return nil, xhci.ErrOutOfMemory
	}

	ep0Ring, err := ring.New(p, ep0RingSize)
	if err != nil {
		deviceCtx.Release(p)
		inputCtx.Release(p)
		return nil, xhci.ErrOutOfMemory
	}

	// Input Control Context add-flags: Slot Context (bit 0) | EP0 (bit 1).
	inputCtx.WriteUint32At(inputControlAddFlagsOffset, 0b11)

	slotBytes := slotContextBytes(0, speed, 1, port+1)
	copyBytes(inputCtx, inputSlotOffset, slotBytes[:])

	ep0Bytes := endpointContextBytes(4, maxPacketSizeForSpeed(speed), 0, 0, ep0Ring.PhysicalBase())
	writeContextAt(inputCtx, inputEndpointsOffset, 0, ep0Bytes)

	if err := ctrl.SetDeviceContext(slot, uint64(deviceCtx.Phys)); err != nil {
		ep0Ring.Release(p)
		deviceCtx.Release(p)
		inputCtx.Release(p)
		return nil, err
	}

	addTrb := ring.Trb{
		Parameter: uint64(inputCtx.Phys),
		Control:   (ring.TypeAddressDevice << 10) | (uint32(slot) << 24),
	}
	if _, err := ctrl.SubmitCommand(addTrb); err != nil {
		ep0Ring.Release(p)
		deviceCtx.Release(p)
		inputCtx.Release(p)
		return nil, err
	}

	return &Device{
		ctrl:      ctrl,
		slot:      slot,
		port:      port,
		speed:     speed,
		deviceCtx: deviceCtx,
		inputCtx:  inputCtx,
		ep0Ring:   ep0Ring,
	}, nil
}

func copyBytes(buf *dmabuf.Buffer, offset int, src []byte) {
	copy(buf.Bytes()[offset:offset+len(src)], src)
}

// setupParameter packs a Setup packet into the 64-bit TRB parameter
// field under the IDT bit, little-endian, in wire field order (design
// note §9: "Immediate Data TRBs").
func setupParameter(s desc.SetupPacket) uint64 {
	return uint64(s.RequestType) |
		uint64(s.Request)<<8 |
		uint64(s.Value)<<16 |
		uint64(s.Index)<<32 |
		uint64(s.Length)<<48
}

const (
	trtNone = 0
	trtOut  = 2
	trtIn   = 3
)

// ControlTransfer issues a Setup/Data/Status control transfer on EP0 and
// waits for its Transfer Event (spec.md §4.5). data is the transfer's
// data stage buffer: for an IN request (RequestType bit 7 set) it
// receives up to len(data) bytes; for an OUT request its contents are
// sent. The data stage is omitted entirely when data is empty.
func (d *Device) ControlTransfer(setup desc.SetupPacket, data []byte) (int, error) {
	d.ep0Mu.Lock()

	p := d.ctrl.Platform()
	dataIn := setup.RequestType&0x80 != 0
	dataLen := len(data)

	var dataBuf *dmabuf.Buffer
	if dataLen > 0 {
		buf, err := dmabuf.Alloc(p, dataLen, 64)
		if err != nil {
			d.ep0Mu.Unlock()
			return 0, xhci.ErrOutOfMemory
		}
		if !dataIn {
			buf.CopyIn(data)
		}
		dataBuf = buf
	}

	trt := trtNone
	if dataLen > 0 && setup.Length > 0 {
		if dataIn {
			trt = trtIn
		} else {
			trt = trtOut
		}
	}

	setupTrb := ring.Trb{
		Parameter: setupParameter(setup),
		Status:    8,
		Control:   (ring.TypeSetupStage << 10) | (1 << 6) | (uint32(trt) << 16),
	}
	d.ep0Ring.Enqueue(setupTrb)

	if dataBuf != nil {
		dir := uint32(0)
		if dataIn {
			dir = 1 << 16
		}
		dataTrb := ring.Trb{
			Parameter: uint64(dataBuf.Phys),
			Status:    uint32(setup.Length),
			Control:   (ring.TypeDataStage << 10) | dir | (1 << 5),
		}
		d.ep0Ring.Enqueue(dataTrb)
	}

	statusDir := uint32(1 << 16)
	if dataLen > 0 && setup.Length > 0 && dataIn {
		statusDir = 0
	}
	statusTrb := ring.Trb{
		Control: (ring.TypeStatusStage << 10) | statusDir | (1 << 5),
	}
	d.ep0Ring.Enqueue(statusTrb)

	d.ep0Mu.Unlock()

	d.ctrl.RingDoorbell(d.slot, 1)

	for {
		evt, ok := d.ctrl.PollEvent()
		if !ok {
			runtime.Gosched()
			continue
		}

		if evt.TrbType() != ring.TypeTransferEvent || evt.SlotID() != d.slot {
			continue
		}

		code := evt.CompletionCode()

		switch code {
		case ring.CompletionSuccess, ring.CompletionShortPacket:
			transferred := int(setup.Length) - int(evt.TransferLength())

			if dataIn && dataBuf != nil {
				n := transferred
				if n > len(data) {
					n = len(data)
				}
				dataBuf.CopyOut(data[:n])
			}
			if dataBuf != nil {
				dataBuf.Release(p)
			}

			return transferred, nil

		case ring.CompletionStallError:
			if dataBuf != nil {
				dataBuf.Release(p)
			}
			return 0, xhci.ErrStall

		default:
			if dataBuf != nil {
				dataBuf.Release(p)
			}
			return 0, &xhci.TransferError{Code: code}
		}
	}
}

// dci returns the Device Context Index for endpoint number n and
// direction (spec.md §3: DCI = 2n + (1 if IN else 0) for n≥1).
func dci(epNum uint8, isIn bool) int {
	d := 2 * int(epNum)
	if isIn {
		d++
	}
	return d
}

func xhciEndpointType(transferType uint8, isIn bool) uint8 {
	switch {
	case transferType == desc.EPControl:
		return 4
	case transferType == desc.EPIsochronous && !isIn:
		return 1
	case transferType == desc.EPIsochronous && isIn:
		return 5
	case transferType == desc.EPBulk && !isIn:
		return 2
	case transferType == desc.EPBulk && isIn:
		return 6
	case transferType == desc.EPInterrupt && !isIn:
		return 3
	case transferType == desc.EPInterrupt && isIn:
		return 7
	default:
		return 4
	}
}

// xhciInterval derives the xHCI interval field from a USB endpoint
// descriptor's bInterval (spec.md §4.5 step 5).
func xhciInterval(speed uint8, descriptorInterval uint8) uint8 {
	if speed >= xhci.SpeedHighSpeed {
		if descriptorInterval == 0 {
			return 0
		}
		return descriptorInterval - 1
	}

	ms := uint32(descriptorInterval)
	if ms < 1 {
		ms = 1
	}

	return uint8(ceilLog2(ms)) + 3
}

func ceilLog2(n uint32) uint8 {
	if n <= 1 {
		return 0
	}
	return uint8(bits.Len32(n - 1))
}

// ConfigureEndpoint allocates a transfer ring for ep, populates the
// Input Context at its Device Context Index, and submits Configure
// Endpoint (spec.md §4.5).
func (d *Device) ConfigureEndpoint(ep desc.EndpointDescriptor) error {
	p := d.ctrl.Platform()

	index := dci(ep.Number(), ep.IsIn())
	ringIdx := index - 1

	r, err := ring.New(p, epRingSize)
	if err != nil {
		return xhci.ErrOutOfMemory
	}

	d.inputCtx.WriteUint32At(inputControlDropFlagsOffset, 0)
	d.inputCtx.WriteUint32At(inputControlAddFlagsOffset, (uint32(1)<<uint32(index))|1)

	epType := xhciEndpointType(ep.TransferType(), ep.IsIn())
	interval := xhciInterval(d.speed, ep.Interval)

	ctxBytes := endpointContextBytes(epType, ep.PacketSize(), 0, interval, r.PhysicalBase())
	writeContextAt(d.inputCtx, inputEndpointsOffset, ringIdx, ctxBytes)

	d.epMu.Lock()
	d.epRings[ringIdx] = r
	d.epMu.Unlock()

	trb := ring.Trb{
		Parameter: uint64(d.inputCtx.Phys),
		Control:   (ring.TypeConfigureEndpoint << 10) | (uint32(d.slot) << 24),
	}
	_, err = d.ctrl.SubmitCommand(trb)
	return err
}

// QueueTransfer enqueues a Normal TRB on the endpoint's transfer ring
// and rings its doorbell (spec.md §4.5 generic endpoint queue).
// Completion is observed by polling the controller's event ring for a
// Transfer Event matching this device's slot id.
func (d *Device) QueueTransfer(epNum uint8, isIn bool, buf *dmabuf.Buffer, length int) error {
	index := dci(epNum, isIn)
	ringIdx := index - 1

	d.epMu.Lock()
	r := d.epRings[ringIdx]
	d.epMu.Unlock()

	if r == nil {
		return xhci.ErrInvalidEndpoint
	}

	trb := ring.Trb{
		Parameter: uint64(buf.Phys),
		Status:    uint32(length),
		Control:   (ring.TypeNormal << 10) | (1 << 5),
	}
	r.Enqueue(trb)

	d.ctrl.RingDoorbell(d.slot, uint8(index))

	return nil
}

// SlotID returns the xHCI slot id assigned to this device.
func (d *Device) SlotID() uint8 {
	return d.slot
}

// Port returns the root hub port this device is connected to.
func (d *Device) Port() uint8 {
	return d.port
}

// Speed returns the device speed (xhci.Speed* constants).
func (d *Device) Speed() uint8 {
	return d.speed
}

// Controller returns the owning controller, for collaborators that need
// to poll its event ring directly.
func (d *Device) Controller() *xhci.Controller {
	return d.ctrl
}

// Close disables the device's slot and releases every endpoint ring and
// its Input/Device Contexts (spec.md §4.5 device destruction).
func (d *Device) Close() error {
	err := d.ctrl.DisableSlot(d.slot)

	p := d.ctrl.Platform()

	d.epMu.Lock()
	for i, r := range d.epRings {
		if r != nil {
			r.Release(p)
			d.epRings[i] = nil
		}
	}
	d.epMu.Unlock()

	d.ep0Ring.Release(p)
	d.deviceCtx.Release(p)
	d.inputCtx.Release(p)

	return err
}
