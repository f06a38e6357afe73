// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hid implements Boot Protocol keyboard and mouse support on top
// of device.Device: interrupt-endpoint report polling and the class
// requests (SET_PROTOCOL, SET_IDLE, SET_REPORT) boot devices expect, a
// thin adapter over the core's control- and interrupt-transfer
// primitives (spec.md §1: "out of scope as a collaborator").
package hid

import (
	"github.com/usbarmory/xhci"
	"github.com/usbarmory/xhci/desc"
	"github.com/usbarmory/xhci/device"
	"github.com/usbarmory/xhci/dmabuf"
)

// Type classifies a Boot Protocol HID device.
type Type int

const (
	TypeKeyboard Type = iota
	TypeMouse
	TypeOther
)

// KeyboardReport is the 8-byte Boot Protocol keyboard report.
type KeyboardReport struct {
	Modifiers uint8
	Reserved  uint8
	Keys      [6]uint8
}

// Ctrl reports whether either Ctrl key is held.
func (r KeyboardReport) Ctrl() bool { return r.Modifiers&0x11 != 0 }

// Shift reports whether either Shift key is held.
func (r KeyboardReport) Shift() bool { return r.Modifiers&0x22 != 0 }

// Alt reports whether either Alt key is held.
func (r KeyboardReport) Alt() bool { return r.Modifiers&0x44 != 0 }

func parseKeyboardReport(b []byte) KeyboardReport {
	var r KeyboardReport
	r.Modifiers = b[0]
	r.Reserved = b[1]
	copy(r.Keys[:], b[2:8])
	return r
}

// Boot Protocol keyboard usage-page scancode tables, indexed by the
// 8-bit usage ID reported in a KeyboardReport's Keys array. A zero entry
// marks a usage with no printable ASCII mapping.
const (
	scancodeNormal  = "\x00\x00\x00\x00abcdefghijklmnopqrstuvwxyz1234567890\n\x1b\x08\t -=[]\\#;'`,./"
	scancodeShifted = "\x00\x00\x00\x00ABCDEFGHIJKLMNOPQRSTUVWXYZ!@#$%^&*()\n\x1b\x08\t _+{}|~:\"~<>?"
)

// ScancodeToASCII maps a single Boot Protocol keyboard usage ID to its
// ASCII rendering, applying shift (either Shift modifier) to pick the
// shifted table. ok is false for reserved/unmapped usages or a scancode
// past the end of the table (function keys, modifiers, and similar keys
// with no ASCII representation).
func ScancodeToASCII(scancode uint8, shift bool) (c byte, ok bool) {
	table := scancodeNormal
	if shift {
		table = scancodeShifted
	}

	if int(scancode) >= len(table) {
		return 0, false
	}

	c = table[scancode]
	return c, c != 0
}

// MouseReport is the 3-byte Boot Protocol mouse report.
type MouseReport struct {
	Buttons uint8
	X       int8
	Y       int8
}

// Left reports whether the left button is held.
func (r MouseReport) Left() bool { return r.Buttons&0x01 != 0 }

// Right reports whether the right button is held.
func (r MouseReport) Right() bool { return r.Buttons&0x02 != 0 }

// Middle reports whether the middle button is held.
func (r MouseReport) Middle() bool { return r.Buttons&0x04 != 0 }

func parseMouseReport(b []byte) MouseReport {
	return MouseReport{Buttons: b[0], X: int8(b[1]), Y: int8(b[2])}
}

// Device wraps a device.Device configured as a Boot Protocol HID
// keyboard or mouse, polling its interrupt-IN endpoint for reports.
type Device struct {
	dev       *device.Device
	kind      Type
	iface     uint8
	epIn      uint8
	maxPacket uint16
	reportBuf *dmabuf.Buffer
}

// FromInterface configures the interrupt-IN endpoint of iface/epIn on
// dev, selects Boot Protocol when iface is of the Boot subclass, and
// requests a zero idle rate (an error from that request is ignored).
func FromInterface(dev *device.Device, iface desc.InterfaceDescriptor, epIn desc.EndpointDescriptor) (*Device, error) {
	if iface.InterfaceClass != desc.ClassHID {
		return nil, xhci.ErrNotSupported
	}

	kind := TypeOther
	if iface.InterfaceSubClass == desc.HIDSubClassBoot {
		switch iface.InterfaceProtocol {
		case desc.HIDProtocolKeyboard:
			kind = TypeKeyboard
		case desc.HIDProtocolMouse:
			kind = TypeMouse
		}
	}

	if err := dev.ConfigureEndpoint(epIn); err != nil {
		return nil, err
	}

	reportBuf, err := dmabuf.Alloc(dev.Controller().Platform(), int(epIn.PacketSize()), 64)
	if err != nil {
		return nil, xhci.ErrOutOfMemory
	}

	h := &Device{
		dev:       dev,
		kind:      kind,
		iface:     iface.InterfaceNumber,
		epIn:      epIn.Number(),
		maxPacket: epIn.PacketSize(),
		reportBuf: reportBuf,
	}

	if iface.InterfaceSubClass == desc.HIDSubClassBoot {
		if _, err := dev.ControlTransfer(desc.SetProtocol(h.iface, 0), nil); err != nil {
			reportBuf.Release(dev.Controller().Platform())
			return nil, err
		}
	}

	// Idle rate 0 (report only on change) is best-effort: some boot
	// devices stall this request and still function correctly.
	_, _ = dev.ControlTransfer(desc.SetIdle(h.iface, 0, 0), nil)

	return h, nil
}

// SetLEDs sets the keyboard's Num/Caps/Scroll Lock LEDs. Only valid for
// TypeKeyboard devices.
func (h *Device) SetLEDs(leds uint8) error {
	if h.kind != TypeKeyboard {
		return xhci.ErrNotSupported
	}
	buf := []byte{leds}
	_, err := h.dev.ControlTransfer(desc.HIDSetReport(h.iface, desc.ReportTypeOutput, 0, 1), buf)
	return err
}

// QueueRead queues a single interrupt-IN transfer into the report
// buffer.
func (h *Device) QueueRead() error {
	return h.dev.QueueTransfer(h.epIn, true, h.reportBuf, int(h.maxPacket))
}

// PollKeyboard performs a single non-blocking poll of the controller's
// event ring and returns a decoded report if a matching Transfer Event
// for this device's slot completed successfully, re-queueing the read
// automatically.
func (h *Device) PollKeyboard() (KeyboardReport, bool) {
	if h.kind != TypeKeyboard {
		return KeyboardReport{}, false
	}
	if !h.pollCompleted() {
		return KeyboardReport{}, false
	}
	report := parseKeyboardReport(h.reportBuf.Bytes())
	_ = h.QueueRead()
	return report, true
}

// PollMouse is PollKeyboard for TypeMouse devices.
func (h *Device) PollMouse() (MouseReport, bool) {
	if h.kind != TypeMouse {
		return MouseReport{}, false
	}
	if !h.pollCompleted() {
		return MouseReport{}, false
	}
	report := parseMouseReport(h.reportBuf.Bytes())
	_ = h.QueueRead()
	return report, true
}

func (h *Device) pollCompleted() bool {
	evt, ok := h.dev.Controller().PollEvent()
	if !ok || evt.SlotID() != h.dev.SlotID() {
		return false
	}
	code := evt.CompletionCode()
	return code == 1 || code == 13 // Success or Short Packet
}

// ReadKeyboard queues a read and blocks until a report is available.
func (h *Device) ReadKeyboard() (KeyboardReport, error) {
	if h.kind != TypeKeyboard {
		return KeyboardReport{}, xhci.ErrNotSupported
	}
	if err := h.QueueRead(); err != nil {
		return KeyboardReport{}, err
	}
	for {
		if r, ok := h.PollKeyboard(); ok {
			return r, nil
		}
	}
}

// ReadMouse is ReadKeyboard for TypeMouse devices.
func (h *Device) ReadMouse() (MouseReport, error) {
	if h.kind != TypeMouse {
		return MouseReport{}, xhci.ErrNotSupported
	}
	if err := h.QueueRead(); err != nil {
		return MouseReport{}, err
	}
	for {
		if r, ok := h.PollMouse(); ok {
			return r, nil
		}
	}
}

// Type returns the HID device's Boot Protocol classification.
func (h *Device) Type() Type { return h.kind }

// Interface returns the interface number this HID device was built from.
func (h *Device) Interface() uint8 { return h.iface }

// Close releases the report buffer. The underlying device.Device and its
// configured endpoint ring are not released; call device.Device.Close
// separately.
func (h *Device) Close() {
	h.reportBuf.Release(h.dev.Controller().Platform())
}
