// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command xhci-example enumerates the root hub, constructs a Device on
// the first connected port, and issues a GET_DESCRIPTOR(DEVICE) control
// transfer, printing the result.
//
// It runs against platform/mock rather than real silicon, so it builds
// and runs under a hosted GOOS; an embedder targeting actual hardware
// supplies its own platform.Platform (MMIO mapping, DMA allocation) in
// place of mock.Host.
package main

import (
	"fmt"
	"os"

	"github.com/usbarmory/xhci"
	"github.com/usbarmory/xhci/desc"
	"github.com/usbarmory/xhci/device"
	"github.com/usbarmory/xhci/platform/mock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "xhci-example:", err)
		os.Exit(1)
	}
}

func run() error {
	host := mock.NewHost(8, 4, 0)
	host.Start()
	defer host.Stop()

	host.ConnectPort(0, xhci.SpeedSuperSpeed)

	ctrl, err := xhci.New(host.Platform(), 0)
	if err != nil {
		return fmt.Errorf("controller init: %w", err)
	}
	defer ctrl.Close()

	port, err := firstConnectedPort(ctrl)
	if err != nil {
		return err
	}

	dev, err := device.New(ctrl, port)
	if err != nil {
		return fmt.Errorf("device on port %d: %w", port, err)
	}
	defer dev.Close()

	buf := make([]byte, desc.DeviceDescriptorSize)
	if _, err := dev.ControlTransfer(desc.GetDescriptor(desc.TypeDevice, 0, uint16(len(buf))), buf); err != nil {
		return fmt.Errorf("get device descriptor: %w", err)
	}

	d := desc.ParseDeviceDescriptor(buf)
	fmt.Printf("slot %d, port %d, speed %d: vid=%#04x pid=%#04x ep0MaxPacket=%d\n",
		dev.SlotID(), dev.Port(), dev.Speed(), d.VendorID, d.ProductID, d.MaxPacketSize0)

	return nil
}

func firstConnectedPort(ctrl *xhci.Controller) (uint8, error) {
	for port := uint8(0); port < ctrl.MaxPorts(); port++ {
		if ctrl.PortConnected(port) {
			return port, nil
		}
	}
	return 0, xhci.ErrDeviceNotFound
}
