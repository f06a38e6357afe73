// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci_test

import (
	"testing"

	"github.com/usbarmory/xhci"
	"github.com/usbarmory/xhci/platform/mock"
)

func newTestController(t *testing.T) (*xhci.Controller, *mock.Host) {
	t.Helper()

	host := mock.NewHost(8, 4, 0)
	host.Start()
	t.Cleanup(host.Stop)

	c, err := xhci.New(host.Platform(), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)

	return c, host
}

func TestControllerInit(t *testing.T) {
	c, _ := newTestController(t)

	if got := c.MaxSlots(); got != 8 {
		t.Errorf("MaxSlots() = %d, want 8", got)
	}
	if got := c.MaxPorts(); got != 4 {
		t.Errorf("MaxPorts() = %d, want 4", got)
	}
}

func TestEnableDisableSlot(t *testing.T) {
	c, _ := newTestController(t)

	slot, err := c.EnableSlot()
	if err != nil {
		t.Fatalf("EnableSlot: %v", err)
	}
	if slot == 0 {
		t.Fatal("EnableSlot returned slot 0")
	}

	other, err := c.EnableSlot()
	if err != nil {
		t.Fatalf("second EnableSlot: %v", err)
	}
	if other == slot {
		t.Fatalf("second EnableSlot reused slot %d", slot)
	}

	if err := c.DisableSlot(slot); err != nil {
		t.Fatalf("DisableSlot: %v", err)
	}
	if err := c.DisableSlot(other); err != nil {
		t.Fatalf("DisableSlot other: %v", err)
	}
}

func TestEnableSlotExhaustion(t *testing.T) {
	c, _ := newTestController(t)

	n := int(c.MaxSlots())
	for i := 0; i < n; i++ {
		if _, err := c.EnableSlot(); err != nil {
			t.Fatalf("EnableSlot %d: %v", i, err)
		}
	}

	if _, err := c.EnableSlot(); err == nil {
		t.Fatal("EnableSlot succeeded past slot exhaustion, want error")
	}
}

func TestPortConnectAndReset(t *testing.T) {
	c, host := newTestController(t)

	const port = 0
	host.ConnectPort(port, xhci.SpeedSuperSpeed)

	if !c.PortConnected(port) {
		t.Fatal("PortConnected = false after ConnectPort")
	}
	if got := c.PortSpeed(port); got != xhci.SpeedSuperSpeed {
		t.Errorf("PortSpeed = %d, want %d", got, xhci.SpeedSuperSpeed)
	}

	if err := c.ResetPort(port); err != nil {
		t.Fatalf("ResetPort: %v", err)
	}
}

func TestResetPortInvalid(t *testing.T) {
	c, _ := newTestController(t)

	if err := c.ResetPort(c.MaxPorts()); err == nil {
		t.Fatal("ResetPort on out-of-range port succeeded, want error")
	}
}
