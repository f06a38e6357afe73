// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ring implements the xHCI Transfer Request Block rings:
// the producer Command/Transfer ring with its cycle-bit protocol and
// self-referential Link TRB, and the consumer Event Ring with its
// one-entry Event Ring Segment Table.
//
// This is the only package that knows the TRB wire layout; the
// controller and device packages build on it without reaching into ring
// memory directly.
package ring

// TRB types (spec.md §3, control bits 15:10).
const (
	TypeNormal                 = 1
	TypeSetupStage             = 2
	TypeDataStage              = 3
	TypeStatusStage            = 4
	TypeLink                   = 6
	TypeEnableSlot             = 9
	TypeDisableSlot            = 10
	TypeAddressDevice          = 11
	TypeConfigureEndpoint      = 12
	TypeTransferEvent          = 32
	TypeCommandCompletionEvent = 33
)

// Completion codes (status bits 31:24 of Transfer/Command Completion
// Events).
const (
	CompletionSuccess     = 1
	CompletionStallError  = 6
	CompletionShortPacket = 13
)

// Trb is a 16-byte Transfer Request Block: a 64-bit parameter, a 32-bit
// status, and a 32-bit control word whose low bit is the cycle bit.
type Trb struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

// CycleBit returns the cycle bit (control bit 0).
func (t Trb) CycleBit() uint32 {
	return t.Control & 1
}

// TrbType returns the TRB type (control bits 15:10).
func (t Trb) TrbType() uint8 {
	return uint8((t.Control >> 10) & 0x3f)
}

// SlotID returns the slot id (control bits 31:24), valid on command and
// transfer completion events and on slot/endpoint commands.
func (t Trb) SlotID() uint8 {
	return uint8((t.Control >> 24) & 0xff)
}

// CompletionCode returns the completion code (status bits 31:24), valid
// on Transfer Event and Command Completion Event TRBs.
func (t Trb) CompletionCode() uint8 {
	return uint8((t.Status >> 24) & 0xff)
}

// TransferLength returns the residual byte count (status bits 23:0) of a
// Transfer Event TRB. This is the number of bytes *not* transferred, not
// the transferred count.
func (t Trb) TransferLength() uint32 {
	return t.Status & 0xffffff
}
