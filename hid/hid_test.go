// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hid_test

import (
	"testing"

	"github.com/usbarmory/xhci"
	"github.com/usbarmory/xhci/desc"
	"github.com/usbarmory/xhci/device"
	"github.com/usbarmory/xhci/hid"
	"github.com/usbarmory/xhci/platform/mock"
	"github.com/usbarmory/xhci/ring"
)

func newTestKeyboard(t *testing.T) (*hid.Device, *device.Device, *mock.Host) {
	t.Helper()

	host := mock.NewHost(8, 1, 0)
	host.Start()
	t.Cleanup(host.Stop)
	host.ConnectPort(0, xhci.SpeedFullSpeed)

	ctrl, err := xhci.New(host.Platform(), 0)
	if err != nil {
		t.Fatalf("xhci.New: %v", err)
	}
	t.Cleanup(ctrl.Close)

	dev, err := device.New(ctrl, 0)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	iface := desc.InterfaceDescriptor{
		InterfaceNumber:   0,
		InterfaceClass:    desc.ClassHID,
		InterfaceSubClass: desc.HIDSubClassBoot,
		InterfaceProtocol: desc.HIDProtocolKeyboard,
	}
	epIn := desc.EndpointDescriptor{
		EndpointAddress: 0x81,
		Attributes:      desc.EPInterrupt,
		MaxPacketSize:   8,
		Interval:        10,
	}

	kb, err := hid.FromInterface(dev, iface, epIn)
	if err != nil {
		t.Fatalf("hid.FromInterface: %v", err)
	}
	t.Cleanup(kb.Close)

	return kb, dev, host
}

func TestFromInterfaceRejectsNonHID(t *testing.T) {
	host := mock.NewHost(8, 1, 0)
	host.Start()
	t.Cleanup(host.Stop)
	host.ConnectPort(0, xhci.SpeedFullSpeed)

	ctrl, err := xhci.New(host.Platform(), 0)
	if err != nil {
		t.Fatalf("xhci.New: %v", err)
	}
	t.Cleanup(ctrl.Close)

	dev, err := device.New(ctrl, 0)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	iface := desc.InterfaceDescriptor{InterfaceClass: desc.ClassMassStorage}
	epIn := desc.EndpointDescriptor{EndpointAddress: 0x81, Attributes: desc.EPBulk, MaxPacketSize: 512}

	if _, err := hid.FromInterface(dev, iface, epIn); err != xhci.ErrNotSupported {
		t.Fatalf("FromInterface error = %v, want xhci.ErrNotSupported", err)
	}
}

func TestKeyboardType(t *testing.T) {
	kb, _, _ := newTestKeyboard(t)

	if kb.Type() != hid.TypeKeyboard {
		t.Errorf("Type() = %v, want TypeKeyboard", kb.Type())
	}
	if kb.Interface() != 0 {
		t.Errorf("Interface() = %d, want 0", kb.Interface())
	}
}

func TestReadKeyboardReport(t *testing.T) {
	kb, dev, host := newTestKeyboard(t)

	report := []byte{0x02, 0x00, 0x04, 0, 0, 0, 0, 0} // left shift + 'a'
	host.QueueTransferResult(dev.SlotID(), mock.DCI(1, true), ring.CompletionSuccess, 0, report)

	got, err := kb.ReadKeyboard()
	if err != nil {
		t.Fatalf("ReadKeyboard: %v", err)
	}
	if !got.Shift() {
		t.Error("Shift() = false, want true")
	}
	if got.Keys[0] != 0x04 {
		t.Errorf("Keys[0] = %#x, want 0x04", got.Keys[0])
	}
}
