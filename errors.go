// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "fmt"

// Error kinds returned by the core. Sentinel errors are compared with
// errors.Is; CommandError and TransferError additionally carry the xHCI
// completion code with errors.As.
var (
	ErrTimeout           = fmt.Errorf("xhci: timed out waiting for hardware")
	ErrOutOfMemory       = fmt.Errorf("xhci: out of memory")
	ErrMMIOMapFailed     = fmt.Errorf("xhci: failed to map mmio region")
	ErrInvalidSlot       = fmt.Errorf("xhci: invalid slot id")
	ErrInvalidPort       = fmt.Errorf("xhci: invalid port number")
	ErrInvalidEndpoint   = fmt.Errorf("xhci: invalid endpoint")
	ErrStall             = fmt.Errorf("xhci: endpoint stalled")
	ErrDeviceNotFound    = fmt.Errorf("xhci: device not found")
	ErrNotSupported      = fmt.Errorf("xhci: not supported")
	ErrInvalidDescriptor = fmt.Errorf("xhci: invalid descriptor")
)

// CommandError reports a Command Ring TRB that completed with a
// non-Success completion code.
type CommandError struct {
	Code uint8
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("xhci: command failed, completion code %d", e.Code)
}

// TransferError reports a Transfer Event with a non-Success,
// non-Short-Packet, non-Stall completion code. Stall is reported
// separately as ErrStall since callers routinely treat it as
// unsupported-but-recoverable rather than fatal.
//
// The msc package also returns a TransferError when a Command Status
// Wrapper reports failure; Code then holds the CSW status byte rather
// than an xHCI completion code.
type TransferError struct {
	Code uint8
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("xhci: transfer failed, completion code %d", e.Code)
}
