// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc_test

import (
	"testing"

	"github.com/usbarmory/xhci"
	"github.com/usbarmory/xhci/desc"
	"github.com/usbarmory/xhci/device"
	"github.com/usbarmory/xhci/msc"
	"github.com/usbarmory/xhci/platform/mock"
	"github.com/usbarmory/xhci/ring"
)

func newTestMSC(t *testing.T) (*msc.Device, *device.Device, *mock.Host) {
	t.Helper()

	host := mock.NewHost(8, 1, 0)
	host.Start()
	t.Cleanup(host.Stop)
	host.ConnectPort(0, xhci.SpeedHighSpeed)

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
		InterfaceClass:    desc.ClassMassStorage,
		InterfaceProtocol: desc.MSCProtocolBBB,
	}
	epIn := desc.EndpointDescriptor{EndpointAddress: 0x81, Attributes: desc.EPBulk, MaxPacketSize: 512}
	epOut := desc.EndpointDescriptor{EndpointAddress: 0x02, Attributes: desc.EPBulk, MaxPacketSize: 512}

	// FromInterface's GET_MAX_LUN probe runs over EP0 (DCI 1) and is left
	// unstalled here, so it completes with the default Success/zero-data
	// outcome and maxLUN comes back 0.
	m, err := msc.FromInterface(dev, iface, epIn, epOut)
	if err != nil {
		t.Fatalf("msc.FromInterface: %v", err)
	}

	return m, dev, host
}

func buildCSW(tag uint32, residue uint32, status uint8) []byte {
	b := make([]byte, 13)
	putLE32(b[0:4], 0x53425355)
	putLE32(b[4:8], tag)
	putLE32(b[8:12], residue)
	b[12] = status
	return b
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func TestTestUnitReadyPasses(t *testing.T) {
	m, dev, host := newTestMSC(t)

	cswDCI := mock.DCI(1, true) // epIn
	host.QueueTransferResult(dev.SlotID(), cswDCI, ring.CompletionSuccess, 0, buildCSW(0, 0, 0))

	ready, err := m.TestUnitReady(0)
	if err != nil {
		t.Fatalf("TestUnitReady: %v", err)
	}
	if !ready {
		t.Error("TestUnitReady = false, want true")
	}
}

func TestTestUnitReadyFails(t *testing.T) {
	m, dev, host := newTestMSC(t)

	cswDCI := mock.DCI(1, true)
	host.QueueTransferResult(dev.SlotID(), cswDCI, ring.CompletionSuccess, 0, buildCSW(0, 0, 1))

	ready, err := m.TestUnitReady(0)
	if err != nil {
		t.Fatalf("TestUnitReady: %v", err)
	}
	if ready {
		t.Error("TestUnitReady = true, want false (CSW status Failed)")
	}
}

func TestSyncCache(t *testing.T) {
	m, dev, host := newTestMSC(t)

	cswDCI := mock.DCI(1, true)
	host.QueueTransferResult(dev.SlotID(), cswDCI, ring.CompletionSuccess, 0, buildCSW(0, 0, 0))

	if err := m.SyncCache(0); err != nil {
		t.Fatalf("SyncCache: %v", err)
	}
}

func TestFindInterfaces(t *testing.T) {
	config := []byte{
		9, desc.TypeConfiguration, 32, 0, 1, 1, 0, 0, 0,
		9, desc.TypeInterface, 0, 0, 2, desc.ClassMassStorage, 0x06, desc.MSCProtocolBBB, 0,
		7, desc.TypeEndpoint, 0x81, 0x02, 0, 2, 0, // bulk IN
		7, desc.TypeEndpoint, 0x02, 0x02, 0, 2, 0, // bulk OUT
	}

	pairs := msc.FindInterfaces(config)
	if len(pairs) != 1 {
		t.Fatalf("FindInterfaces returned %d pairs, want 1", len(pairs))
	}

	p := pairs[0]
	if p.Interface.InterfaceClass != desc.ClassMassStorage {
		t.Errorf("InterfaceClass = %#x, want %#x", p.Interface.InterfaceClass, desc.ClassMassStorage)
	}
	if !p.EPIn.IsIn() {
		t.Error("EPIn.IsIn() = false")
	}
	if p.EPOut.IsIn() {
		t.Error("EPOut.IsIn() = true")
	}
}
