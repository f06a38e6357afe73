// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

// xHCI register offsets and bit positions (spec.md §6: "bit-exact with
// that specification"). Offsets relative to mmio unless noted.
const (
	// Capability registers.
	CAPLENGTH  = 0x00
	HCSPARAMS1 = 0x04
	HCSPARAMS2 = 0x08
	DBOFF      = 0x14
	RTSOFF     = 0x18

	// Operational registers, relative to op_base (mmio + CAPLENGTH).
	USBCMD = 0x00
	USBSTS = 0x04
	CRCR   = 0x18
	DCBAAP = 0x30
	CONFIG = 0x38

	// USBCMD bits.
	usbcmdRun   = 0
	usbcmdHCRST = 1
	usbcmdINTE  = 2

	// USBSTS bits.
	usbstsHCH = 0
	usbstsCNR = 11

	// PORTSC, relative to mmio: CAPLENGTH + 0x400 + port*0x10.
	portscBase   = 0x400
	portscStride = 0x10

	portscCCS   = 0
	portscPR    = 4
	portscPP    = 9
	portscSpeed = 10 // bits 13:10
	portscPRC   = 21

	// Primary interrupter (index 0), relative to rt_base.
	interrupter0      = 0x20
	interrupterERSTSZ = 0x08
	interrupterERSTBA = 0x10
	interrupterERDP   = 0x18

	// ERDP Event Handler Busy bit.
	erdpEHB = 3
)

// doorbellOffset returns the offset of the doorbell register for slot
// (0 = command doorbell), relative to mmio.
func doorbellOffset(dboff uint32, slot uint8) uintptr {
	return uintptr(dboff) + uintptr(slot)*4
}

// portscOffset returns the offset of PORTSC for a 0-based port number,
// relative to mmio (spec.md §9: "the PORTSC index is 0-based").
func portscOffset(capLength uint8, port uint8) uintptr {
	return uintptr(capLength) + portscBase + uintptr(port)*portscStride
}
