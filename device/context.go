// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package device

import "github.com/usbarmory/xhci/dmabuf"

// Slot/Endpoint Context geometry (spec.md §3): both are 32-byte, 8-dword
// quantities; an Input Context is an 8-dword Input Control Context
// followed by one Slot Context and 31 Endpoint Contexts; a Device
// Context drops the Input Control Context.
const (
	contextSize   = 32
	numEndpoints  = 31
	inputCtrlSize = 32

	inputContextSize  = inputCtrlSize + contextSize + numEndpoints*contextSize
	deviceContextSize = contextSize + numEndpoints*contextSize

	contextAlign = 64
)

// slotContextBytes packs the first two dwords of a Slot Context (spec.md §3:
// route string/speed/context-entries in dw0, root-hub-port in dw1); the
// remaining dwords are left zero.
func slotContextBytes(route uint32, speed uint8, contextEntries uint8, rootPort uint8) [contextSize]byte {
	var c [contextSize]byte

	dw0 := (route & 0xfffff) | (uint32(speed) << 20) | (uint32(contextEntries) << 27)
	dw1 := uint32(rootPort) << 16

	putU32(c[0:4], dw0)
	putU32(c[4:8], dw1)

	return c
}

// endpointContextBytes packs an Endpoint Context's five used dwords
// (spec.md §3: type/max-packet/max-burst in dw1, dequeue pointer with
// embedded DCS in dw2/dw3, interval in dw0).
func endpointContextBytes(epType uint8, maxPacketSize uint16, maxBurst uint8, interval uint8, trPtr uint64) [contextSize]byte {
	var c [contextSize]byte

	dw0 := uint32(interval) << 16
	dw1 := (uint32(3) << 1) | // CErr = 3
		(uint32(epType) << 3) |
		(uint32(maxBurst) << 8) |
		(uint32(maxPacketSize) << 16)

	putU32(c[0:4], dw0)
	putU32(c[4:8], dw1)
	putU32(c[8:12], uint32(trPtr)|1) // DCS = 1
	putU32(c[12:16], uint32(trPtr>>32))
	putU32(c[16:20], 8) // Average TRB Length

	return c
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// writeContextAt copies a 32-byte context into buf at entry slot of the
// array of 32-byte contexts starting at baseOffset. With baseOffset =
// inputEndpointsOffset, entry DCI-1 holds the Endpoint Context for DCI
// (entry 0 is EP0).
func writeContextAt(buf *dmabuf.Buffer, baseOffset int, slot int, c [contextSize]byte) {
	off := baseOffset + slot*contextSize
	for i, b := range c {
		buf.Bytes()[off+i] = b
	}
}

// inputControlAddFlagsOffset is the byte offset of the Input Control
// Context's add-flags dword (dword 1; dword 0 is drop-flags) within an
// Input Context buffer.
const inputControlAddFlagsOffset = 4
const inputControlDropFlagsOffset = 0

// inputSlotOffset is the byte offset of the Slot Context within an Input
// Context buffer, immediately following the 32-byte Input Control
// Context.
const inputSlotOffset = inputCtrlSize

// inputEndpointsOffset is the byte offset of the Endpoint Context array
// within an Input Context buffer.
const inputEndpointsOffset = inputCtrlSize + contextSize

// deviceSlotOffset is the byte offset of the Slot Context within a
// Device Context buffer (no Input Control Context prefix).
const deviceSlotOffset = 0

// deviceEndpointsOffset is the byte offset of the Endpoint Context array
// within a Device Context buffer.
const deviceEndpointsOffset = contextSize
