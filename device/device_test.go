// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package device_test

import (
	"errors"
	"testing"

	"github.com/usbarmory/xhci"
	"github.com/usbarmory/xhci/desc"
	"github.com/usbarmory/xhci/device"
	"github.com/usbarmory/xhci/dmabuf"
	"github.com/usbarmory/xhci/platform/mock"
	"github.com/usbarmory/xhci/ring"
)

func newTestDevice(t *testing.T) (*device.Device, *mock.Host) {
	t.Helper()

	host := mock.NewHost(8, 4, 0)
	host.Start()
	t.Cleanup(host.Stop)

	host.ConnectPort(0, xhci.SpeedSuperSpeed)

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

	return dev, host
}

func TestDeviceNewAssignsSlotAndSpeed(t *testing.T) {
	dev, _ := newTestDevice(t)

	if dev.SlotID() == 0 {
		t.Fatal("SlotID() = 0")
	}
	if dev.Port() != 0 {
		t.Errorf("Port() = %d, want 0", dev.Port())
	}
	if dev.Speed() != xhci.SpeedSuperSpeed {
		t.Errorf("Speed() = %d, want %d", dev.Speed(), xhci.SpeedSuperSpeed)
	}
}

func TestControlTransferSuccess(t *testing.T) {
	dev, _ := newTestDevice(t)

	if _, err := dev.ControlTransfer(desc.SetConfiguration(1), nil); err != nil {
		t.Fatalf("ControlTransfer(SetConfiguration): %v", err)
	}
}

func TestControlTransferDataIn(t *testing.T) {
	dev, host := newTestDevice(t)

	want := make([]byte, desc.DeviceDescriptorSize)
	want[0] = desc.DeviceDescriptorSize
	want[1] = desc.TypeDevice
	want[7] = 64 // bMaxPacketSize0

	// EP0 is always DCI 1.
	host.QueueTransferResult(dev.SlotID(), 1, ring.CompletionSuccess, 0, want)

	got := make([]byte, desc.DeviceDescriptorSize)
	n, err := dev.ControlTransfer(desc.GetDescriptor(desc.TypeDevice, 0, uint16(len(got))), got)
	if err != nil {
		t.Fatalf("ControlTransfer(GetDescriptor): %v", err)
	}
	if n != len(got) {
		t.Errorf("transferred = %d, want %d", n, len(got))
	}

	d := desc.ParseDeviceDescriptor(got)
	if d.MaxPacketSize0 != 64 {
		t.Errorf("MaxPacketSize0 = %d, want 64", d.MaxPacketSize0)
	}
}

func TestControlTransferStall(t *testing.T) {
	dev, host := newTestDevice(t)

	host.QueueTransferResult(dev.SlotID(), 1, ring.CompletionStallError, 0, nil)

	_, err := dev.ControlTransfer(desc.SetConfiguration(1), nil)
	if !errors.Is(err, xhci.ErrStall) {
		t.Fatalf("ControlTransfer error = %v, want xhci.ErrStall", err)
	}
}

func TestControlTransferShortPacket(t *testing.T) {
	dev, host := newTestDevice(t)

	want := make([]byte, 18)
	want[0] = 8

	host.QueueTransferResult(dev.SlotID(), 1, ring.CompletionShortPacket, 10, want)

	got := make([]byte, 18)
	n, err := dev.ControlTransfer(desc.GetDescriptor(desc.TypeDevice, 0, uint16(len(got))), got)
	if err != nil {
		t.Fatalf("ControlTransfer: %v", err)
	}
	if n != 8 {
		t.Errorf("transferred = %d, want 8 (18 requested - 10 residual)", n)
	}
}

func TestConfigureEndpointAndQueueTransfer(t *testing.T) {
	dev, host := newTestDevice(t)

	ep := desc.EndpointDescriptor{
		EndpointAddress: 0x81, // EP1 IN
		Attributes:      desc.EPBulk,
		MaxPacketSize:   512,
	}

	if err := dev.ConfigureEndpoint(ep); err != nil {
		t.Fatalf("ConfigureEndpoint: %v", err)
	}

	dci := mock.DCI(ep.Number(), ep.IsIn())
	if dci != 3 {
		t.Fatalf("mock.DCI(1, true) = %d, want 3", dci)
	}

	payload := []byte("block of data from the device")
	host.QueueTransferResult(dev.SlotID(), dci, ring.CompletionSuccess, 0, payload)

	p := dev.Controller().Platform()
	buf, err := dmabuf.Alloc(p, 512, 64)
	if err != nil {
		t.Fatalf("dmabuf.Alloc: %v", err)
	}
	defer buf.Release(p)

	if err := dev.QueueTransfer(ep.Number(), true, buf, 512); err != nil {
		t.Fatalf("QueueTransfer: %v", err)
	}

	for {
		evt, ok := dev.Controller().PollEvent()
		if !ok {
			continue
		}
		if evt.SlotID() != dev.SlotID() {
			continue
		}
		if evt.CompletionCode() != ring.CompletionSuccess {
			t.Fatalf("completion code = %d, want CompletionSuccess", evt.CompletionCode())
		}
		break
	}

	got := make([]byte, len(payload))
	buf.CopyOut(got)
	if string(got) != string(payload) {
		t.Errorf("transferred data = %q, want %q", got, payload)
	}
}

func TestQueueTransferInvalidEndpoint(t *testing.T) {
	dev, _ := newTestDevice(t)

	p := dev.Controller().Platform()
	buf, err := dmabuf.Alloc(p, 64, 64)
	if err != nil {
		t.Fatalf("dmabuf.Alloc: %v", err)
	}
	defer buf.Release(p)

	err = dev.QueueTransfer(5, true, buf, 64)
	if !errors.Is(err, xhci.ErrInvalidEndpoint) {
		t.Fatalf("QueueTransfer on unconfigured endpoint error = %v, want xhci.ErrInvalidEndpoint", err)
	}
}
