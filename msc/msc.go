// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package msc implements the USB Mass Storage Class Bulk-Only Transport
// (BBB) protocol on top of device.Device: Command/Status Block Wrapper
// framing and the handful of SCSI commands needed to identify and read
// or write a block device, a thin adapter over the core's bulk-transfer
// primitives (spec.md §1: "out of scope as a collaborator").
package msc

import (
	"runtime"

	"github.com/usbarmory/xhci"
	"github.com/usbarmory/xhci/desc"
	"github.com/usbarmory/xhci/device"
	"github.com/usbarmory/xhci/dmabuf"
	"github.com/usbarmory/xhci/ring"
)

const (
	cbwSignature = 0x43425355
	cswSignature = 0x53425355

	cbwSize = 31
	cswSize = 13

	cswStatusPassed     = 0
	cswStatusFailed     = 1
	cswStatusPhaseError = 2
)

// SCSI operation codes used by this package.
const (
	scsiTestUnitReady      = 0x00
	scsiRequestSense       = 0x03
	scsiInquiry            = 0x12
	scsiReadCapacity10     = 0x25
	scsiRead10             = 0x28
	scsiWrite10            = 0x2a
	scsiSynchronizeCache10 = 0x35
)

// InquiryData is the fixed portion of a SCSI INQUIRY standard response.
type InquiryData struct {
	Peripheral         uint8
	RMB                uint8
	Version            uint8
	ResponseFormat     uint8
	AdditionalLength   uint8
	Flags              [3]uint8
	Vendor             [8]uint8
	Product            [16]uint8
	Revision           [4]uint8
}

// DeviceType returns the peripheral device type (0x00 = direct access
// block device).
func (d InquiryData) DeviceType() uint8 { return d.Peripheral & 0x1f }

// Removable reports whether the RMB bit is set.
func (d InquiryData) Removable() bool { return d.RMB&0x80 != 0 }

func parseInquiryData(b []byte) InquiryData {
	var d InquiryData
	d.Peripheral = b[0]
	d.RMB = b[1]
	d.Version = b[2]
	d.ResponseFormat = b[3]
	d.AdditionalLength = b[4]
	copy(d.Flags[:], b[5:8])
	copy(d.Vendor[:], b[8:16])
	copy(d.Product[:], b[16:32])
	copy(d.Revision[:], b[32:36])
	return d
}

// ReadCapacity10Data is a SCSI READ CAPACITY (10) response.
type ReadCapacity10Data struct {
	LastLBA   uint32
	BlockSize uint32
}

// CapacityBytes returns the device's total capacity.
func (c ReadCapacity10Data) CapacityBytes() uint64 {
	return (uint64(c.LastLBA) + 1) * uint64(c.BlockSize)
}

func parseReadCapacity10Data(b []byte) ReadCapacity10Data {
	return ReadCapacity10Data{
		LastLBA:   beUint32(b[0:4]),
		BlockSize: beUint32(b[4:8]),
	}
}

// RequestSenseData is a fixed-format SCSI REQUEST SENSE response.
type RequestSenseData struct {
	ResponseCode          uint8
	SenseKeyRaw           uint8
	Information           [4]uint8
	AdditionalSenseLength uint8
	ASC                   uint8
	ASCQ                  uint8
}

// SenseKey returns the sense key (low nibble of the sense key byte).
func (r RequestSenseData) SenseKey() uint8 { return r.SenseKeyRaw & 0x0f }

func parseRequestSenseData(b []byte) RequestSenseData {
	return RequestSenseData{
		ResponseCode:          b[0],
		SenseKeyRaw:           b[2],
		Information:           [4]byte{b[3], b[4], b[5], b[6]},
		AdditionalSenseLength: b[7],
		ASC:                   b[12],
		ASCQ:                  b[13],
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Device wraps a device.Device configured as a Bulk-Only Transport mass
// storage device.
type Device struct {
	dev         *device.Device
	iface       uint8
	epIn        uint8
	epOut       uint8
	maxLUN      uint8
	tag         uint32
}

// FromInterface configures the bulk IN/OUT endpoint pair of iface on dev
// and queries the device's maximum LUN.
func FromInterface(dev *device.Device, iface desc.InterfaceDescriptor, epIn, epOut desc.EndpointDescriptor) (*Device, error) {
	if iface.InterfaceClass != desc.ClassMassStorage {
		return nil, xhci.ErrNotSupported
	}

	if err := dev.ConfigureEndpoint(epIn); err != nil {
		return nil, err
	}
	if err := dev.ConfigureEndpoint(epOut); err != nil {
		return nil, err
	}

	m := &Device{
		dev:   dev,
		iface: iface.InterfaceNumber,
		epIn:  epIn.Number(),
		epOut: epOut.Number(),
		tag:   1,
	}

	lun, err := m.getMaxLUN()
	if err == nil {
		m.maxLUN = lun
	}

	return m, nil
}

func (m *Device) getMaxLUN() (uint8, error) {
	buf := make([]byte, 1)
	_, err := m.dev.ControlTransfer(desc.MSCGetMaxLUN(m.iface), buf)
	if err == xhci.ErrStall {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

// MaxLUN returns the highest valid logical unit number.
func (m *Device) MaxLUN() uint8 { return m.maxLUN }

// Interface returns the interface number this device was built from.
func (m *Device) Interface() uint8 { return m.iface }

// Reset performs a Bulk-Only Mass Storage Reset class request.
func (m *Device) Reset() error {
	_, err := m.dev.ControlTransfer(desc.MSCReset(m.iface), nil)
	return err
}

// buildCBW builds the 31-byte Command Block Wrapper.
func buildCBW(tag uint32, length uint32, dataIn bool, lun uint8, cdb []byte) []byte {
	b := make([]byte, cbwSize)
	putLE32(b[0:4], cbwSignature)
	putLE32(b[4:8], tag)
	putLE32(b[8:12], length)
	if dataIn {
		b[12] = 0x80
	}
	b[13] = lun & 0x0f
	n := len(cdb)
	if n > 16 {
		n = 16
	}
	b[14] = uint8(n)
	copy(b[15:31], cdb[:n])
	return b
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// csw is the parsed 13-byte Command Status Wrapper.
type csw struct {
	signature   uint32
	tag         uint32
	dataResidue uint32
	status      uint8
}

func parseCSW(b []byte) csw {
	return csw{
		signature:   leUint32(b[0:4]),
		tag:         leUint32(b[4:8]),
		dataResidue: leUint32(b[8:12]),
		status:      b[12],
	}
}

func (c csw) ok() bool {
	return c.signature == cswSignature && c.status == cswStatusPassed
}

// scsiCommand executes a single SCSI command over Bulk-Only Transport:
// CBW, optional data stage, CSW (spec.md's bulk data-transfer path).
// Every stage allocates its own DMA buffer rather than aliasing data, so
// the caller's slice never crosses into device-visible memory directly.
func (m *Device) scsiCommand(lun uint8, cdb []byte, data []byte, dataIn bool) (int, error) {
	p := m.dev.Controller().Platform()
	dataLen := len(data)

	cbwBuf, err := dmabuf.Alloc(p, cbwSize, 64)
	if err != nil {
		return 0, xhci.ErrOutOfMemory
	}
	defer cbwBuf.Release(p)

	cswBuf, err := dmabuf.Alloc(p, cswSize, 64)
	if err != nil {
		return 0, xhci.ErrOutOfMemory
	}
	defer cswBuf.Release(p)

	var dataBuf *dmabuf.Buffer
	if dataLen > 0 {
		dataBuf, err = dmabuf.Alloc(p, dataLen, 64)
		if err != nil {
			return 0, xhci.ErrOutOfMemory
		}
		defer dataBuf.Release(p)
	}

	tag := m.tag
	m.tag++

	cbwBuf.CopyIn(buildCBW(tag, uint32(dataLen), dataIn, lun, cdb))

	if err := m.dev.QueueTransfer(m.epOut, false, cbwBuf, cbwSize); err != nil {
		return 0, err
	}
	if _, err := m.waitTransfer(); err != nil {
		return 0, err
	}

	transferred := 0
	if dataBuf != nil {
		if dataIn {
			if err := m.dev.QueueTransfer(m.epIn, true, dataBuf, dataLen); err != nil {
				return 0, err
			}
			residual, err := m.waitTransfer()
			if err != nil {
				return 0, err
			}
			n := dataLen - residual
			if n < 0 {
				n = 0
			}
			dataBuf.CopyOut(data[:n])
			transferred = n
		} else {
			dataBuf.CopyIn(data)
			if err := m.dev.QueueTransfer(m.epOut, false, dataBuf, dataLen); err != nil {
				return 0, err
			}
			residual, err := m.waitTransfer()
			if err != nil {
				return 0, err
			}
			transferred = dataLen - residual
			if transferred < 0 {
				transferred = 0
			}
		}
	}

	if err := m.dev.QueueTransfer(m.epIn, true, cswBuf, cswSize); err != nil {
		return 0, err
	}
	if _, err := m.waitTransfer(); err != nil {
		return 0, err
	}

	status := parseCSW(cswBuf.Bytes())
	if !status.ok() {
		return 0, &xhci.TransferError{Code: status.status}
	}

	return transferred, nil
}

func (m *Device) waitTransfer() (int, error) {
	for {
		evt, ok := m.dev.Controller().PollEvent()
		if !ok {
			runtime.Gosched()
			continue
		}
		if evt.SlotID() != m.dev.SlotID() {
			continue
		}
		code := evt.CompletionCode()
		if code == ring.CompletionSuccess || code == ring.CompletionShortPacket {
			return int(evt.TransferLength()), nil
		}
		if code == ring.CompletionStallError {
			return 0, xhci.ErrStall
		}
		return 0, &xhci.TransferError{Code: code}
	}
}

// TestUnitReady sends TEST UNIT READY and reports whether the unit is ready.
func (m *Device) TestUnitReady(lun uint8) (bool, error) {
	cdb := []byte{scsiTestUnitReady, 0, 0, 0, 0, 0}
	_, err := m.scsiCommand(lun, cdb, nil, false)
	if te, ok := err.(*xhci.TransferError); ok && te.Code == cswStatusFailed {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Inquiry sends INQUIRY and returns the standard 36-byte response.
func (m *Device) Inquiry(lun uint8) (InquiryData, error) {
	cdb := []byte{scsiInquiry, 0, 0, 0, 36, 0}
	data := make([]byte, 36)
	if _, err := m.scsiCommand(lun, cdb, data, true); err != nil {
		return InquiryData{}, err
	}
	return parseInquiryData(data), nil
}

// ReadCapacity sends READ CAPACITY (10).
func (m *Device) ReadCapacity(lun uint8) (ReadCapacity10Data, error) {
	cdb := []byte{scsiReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	data := make([]byte, 8)
	if _, err := m.scsiCommand(lun, cdb, data, true); err != nil {
		return ReadCapacity10Data{}, err
	}
	return parseReadCapacity10Data(data), nil
}

// RequestSense sends REQUEST SENSE.
func (m *Device) RequestSense(lun uint8) (RequestSenseData, error) {
	cdb := []byte{scsiRequestSense, 0, 0, 0, 18, 0}
	data := make([]byte, 18)
	if _, err := m.scsiCommand(lun, cdb, data, true); err != nil {
		return RequestSenseData{}, err
	}
	return parseRequestSenseData(data), nil
}

// ReadBlocks reads count logical blocks starting at lba via READ (10)
// into buf, which must be at least count*blockSize bytes.
func (m *Device) ReadBlocks(lun uint8, lba uint32, count uint16, buf []byte) (int, error) {
	cdb := []byte{
		scsiRead10, 0,
		byte(lba >> 24), byte(lba >> 16), byte(lba >> 8), byte(lba),
		0,
		byte(count >> 8), byte(count),
		0,
	}
	return m.scsiCommand(lun, cdb, buf, true)
}

// WriteBlocks writes count logical blocks starting at lba via WRITE (10)
// from buf.
func (m *Device) WriteBlocks(lun uint8, lba uint32, count uint16, buf []byte) (int, error) {
	cdb := []byte{
		scsiWrite10, 0,
		byte(lba >> 24), byte(lba >> 16), byte(lba >> 8), byte(lba),
		0,
		byte(count >> 8), byte(count),
		0,
	}
	return m.scsiCommand(lun, cdb, buf, false)
}

// SyncCache sends SYNCHRONIZE CACHE (10).
func (m *Device) SyncCache(lun uint8) error {
	cdb := []byte{scsiSynchronizeCache10, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	_, err := m.scsiCommand(lun, cdb, nil, false)
	return err
}

// FindInterfaces walks a GET_DESCRIPTOR(CONFIGURATION) reply and returns
// every Bulk-Only Transport mass-storage interface together with its
// bulk IN and bulk OUT endpoints.
func FindInterfaces(configData []byte) []InterfacePair {
	var result []InterfacePair

	var current *desc.InterfaceDescriptor
	var epIn, epOut *desc.EndpointDescriptor
	offset := 0

	flush := func() {
		if current != nil && epIn != nil && epOut != nil {
			result = append(result, InterfacePair{Interface: *current, EPIn: *epIn, EPOut: *epOut})
		}
	}

	for offset+2 <= len(configData) {
		length := int(configData[offset])
		dtype := configData[offset+1]

		if length == 0 || offset+length > len(configData) {
			break
		}

		switch {
		case dtype == desc.TypeInterface && length >= desc.InterfaceDescriptorSize:
			flush()

			iface := desc.ParseInterfaceDescriptor(configData[offset : offset+desc.InterfaceDescriptorSize])
			if iface.InterfaceClass == desc.ClassMassStorage && iface.InterfaceProtocol == desc.MSCProtocolBBB {
				ifaceCopy := iface
				current = &ifaceCopy
				epIn, epOut = nil, nil
			} else {
				current = nil
			}

		case dtype == desc.TypeEndpoint && length >= desc.EndpointDescriptorSize:
			if current != nil {
				ep := desc.ParseEndpointDescriptor(configData[offset : offset+desc.EndpointDescriptorSize])
				if ep.TransferType() == desc.EPBulk {
					epCopy := ep
					if ep.IsIn() {
						epIn = &epCopy
					} else {
						epOut = &epCopy
					}
				}
			}
		}

		offset += length
	}

	flush()

	return result
}

// InterfacePair pairs a mass-storage interface with its bulk IN/OUT
// endpoints, as returned by FindInterfaces.
type InterfacePair struct {
	Interface desc.InterfaceDescriptor
	EPIn      desc.EndpointDescriptor
	EPOut     desc.EndpointDescriptor
}
