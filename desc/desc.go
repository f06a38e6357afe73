// xHCI bare-metal host-controller stack
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package desc provides the minimal USB descriptor layouts and standard
// request constants a control transfer needs to build a Setup packet and
// parse the descriptors it returns. It intentionally does not reproduce
// the full USB specification's descriptor-table reference: only a small
// set of descriptors and request builders for the device, hid, and msc
// packages and their callers is defined here.
package desc

// Descriptor types (bDescriptorType).
const (
	TypeDevice        = 1
	TypeConfiguration = 2
	TypeString        = 3
	TypeInterface     = 4
	TypeEndpoint      = 5
	TypeHID           = 0x21
	TypeHIDReport     = 0x22
)

// Device classes (bDeviceClass / bInterfaceClass).
const (
	ClassInterfaceSpecific = 0x00
	ClassHID               = 0x03
	ClassMassStorage       = 0x08
)

// Standard request codes (bRequest).
const (
	RequestGetStatus        = 0
	RequestClearFeature     = 1
	RequestSetFeature       = 3
	RequestSetAddress       = 5
	RequestGetDescriptor    = 6
	RequestSetDescriptor    = 7
	RequestGetConfiguration = 8
	RequestSetConfiguration = 9
	RequestGetInterface     = 10
	RequestSetInterface     = 11
)

// Request type direction bit (bmRequestType bit 7).
const (
	DirOut = 0x00
	DirIn  = 0x80
)

// Endpoint transfer types (bmAttributes bits 1:0 of an Endpoint
// Descriptor), distinct from the xHCI endpoint type encoding in the
// device package.
const (
	EPControl     = 0
	EPIsochronous = 1
	EPBulk        = 2
	EPInterrupt   = 3
)

// SetupPacket is the 8-byte control-transfer Setup stage payload.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// GetDescriptor builds a GET_DESCRIPTOR request for descType/index with a
// requested length.
func GetDescriptor(descType uint8, index uint8, length uint16) SetupPacket {
	return SetupPacket{
		RequestType: DirIn,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       0,
		Length:      length,
	}
}

// HID subclass/protocol codes (bInterfaceSubClass/bInterfaceProtocol).
const (
	HIDSubClassBoot = 1

	HIDProtocolKeyboard = 1
	HIDProtocolMouse    = 2
)

// HID report types for GET_REPORT/SET_REPORT requests.
const (
	ReportTypeInput   = 1
	ReportTypeOutput  = 2
	ReportTypeFeature = 3
)

// SetProtocol builds a HID SET_PROTOCOL class request (0 = Boot, 1 = Report).
func SetProtocol(iface uint8, protocol uint8) SetupPacket {
	return SetupPacket{RequestType: 0x21, Request: 0x0b, Value: uint16(protocol), Index: uint16(iface)}
}

// SetIdle builds a HID SET_IDLE class request.
func SetIdle(iface uint8, duration uint8, reportID uint8) SetupPacket {
	return SetupPacket{
		RequestType: 0x21,
		Request:     0x0a,
		Value:       uint16(duration)<<8 | uint16(reportID),
		Index:       uint16(iface),
	}
}

// HIDGetProtocol builds a HID GET_PROTOCOL class request.
func HIDGetProtocol(iface uint8) SetupPacket {
	return SetupPacket{RequestType: 0xa1, Request: 0x03, Index: uint16(iface), Length: 1}
}

// HIDGetIdle builds a HID GET_IDLE class request.
func HIDGetIdle(iface uint8, reportID uint8) SetupPacket {
	return SetupPacket{RequestType: 0xa1, Request: 0x02, Value: uint16(reportID), Index: uint16(iface), Length: 1}
}

// HIDSetReport builds a HID SET_REPORT class request.
func HIDSetReport(iface uint8, reportType uint8, reportID uint8, length uint16) SetupPacket {
	return SetupPacket{
		RequestType: 0x21,
		Request:     0x09,
		Value:       uint16(reportType)<<8 | uint16(reportID),
		Index:       uint16(iface),
		Length:      length,
	}
}

// Mass storage class protocol (bInterfaceProtocol).
const (
	MSCProtocolBBB = 0x50 // Bulk-Only Transport
)

// MSCGetMaxLUN builds a Bulk-Only Transport GET_MAX_LUN class request.
func MSCGetMaxLUN(iface uint8) SetupPacket {
	return SetupPacket{RequestType: 0xa1, Request: 0xfe, Index: uint16(iface), Length: 1}
}

// MSCReset builds a Bulk-Only Transport Mass Storage Reset class request.
func MSCReset(iface uint8) SetupPacket {
	return SetupPacket{RequestType: 0x21, Request: 0xff, Index: uint16(iface)}
}

// SetConfiguration builds a SET_CONFIGURATION request.
func SetConfiguration(config uint8) SetupPacket {
	return SetupPacket{
		RequestType: DirOut,
		Request:     RequestSetConfiguration,
		Value:       uint16(config),
	}
}

// DeviceDescriptor is the 18-byte USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BCDUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	BCDDevice         uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the wire size of DeviceDescriptor (the struct
// above carries no padding under any common Go compiler, but callers
// should decode into a byte buffer of exactly this length rather than
// taking sizeof(DeviceDescriptor)).
const DeviceDescriptorSize = 18

// ParseDeviceDescriptor decodes an 18-byte GET_DESCRIPTOR(DEVICE) reply.
func ParseDeviceDescriptor(b []byte) DeviceDescriptor {
	return DeviceDescriptor{
		Length:            b[0],
		DescriptorType:    b[1],
		BCDUSB:            uint16(b[2]) | uint16(b[3])<<8,
		DeviceClass:       b[4],
		DeviceSubClass:    b[5],
		DeviceProtocol:    b[6],
		MaxPacketSize0:    b[7],
		VendorID:          uint16(b[8]) | uint16(b[9])<<8,
		ProductID:         uint16(b[10]) | uint16(b[11])<<8,
		BCDDevice:         uint16(b[12]) | uint16(b[13])<<8,
		Manufacturer:      b[14],
		Product:           b[15],
		SerialNumber:      b[16],
		NumConfigurations: b[17],
	}
}

// ConfigDescriptor is the 9-byte USB configuration descriptor header.
type ConfigDescriptor struct {
	Length           uint8
	DescriptorType   uint8
	TotalLength      uint16
	NumInterfaces    uint8
	ConfigurationVal uint8
	Configuration    uint8
	Attributes       uint8
	MaxPower         uint8
}

// ConfigDescriptorSize is the wire size of ConfigDescriptor.
const ConfigDescriptorSize = 9

// ParseConfigDescriptor decodes a 9-byte GET_DESCRIPTOR(CONFIGURATION) reply.
func ParseConfigDescriptor(b []byte) ConfigDescriptor {
	return ConfigDescriptor{
		Length:           b[0],
		DescriptorType:   b[1],
		TotalLength:      uint16(b[2]) | uint16(b[3])<<8,
		NumInterfaces:    b[4],
		ConfigurationVal: b[5],
		Configuration:    b[6],
		Attributes:       b[7],
		MaxPower:         b[8],
	}
}

// InterfaceDescriptor is the 9-byte USB interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Interface         uint8
}

// InterfaceDescriptorSize is the wire size of InterfaceDescriptor.
const InterfaceDescriptorSize = 9

// ParseInterfaceDescriptor decodes a 9-byte interface descriptor found
// inside a configuration descriptor.
func ParseInterfaceDescriptor(b []byte) InterfaceDescriptor {
	return InterfaceDescriptor{
		Length:            b[0],
		DescriptorType:    b[1],
		InterfaceNumber:   b[2],
		AlternateSetting:  b[3],
		NumEndpoints:      b[4],
		InterfaceClass:    b[5],
		InterfaceSubClass: b[6],
		InterfaceProtocol: b[7],
		Interface:         b[8],
	}
}

// FindInterfaces walks a GET_DESCRIPTOR(CONFIGURATION) reply and returns
// one (interface, endpoint) pair for every interface of the given class,
// where endpoint is the first endpoint of that interface with the given
// transfer type and direction. Interface subclass and protocol are not
// compared.
func FindInterfaces(configData []byte, class uint8, transferType uint8, isIn bool) []InterfaceEndpoint {
	var result []InterfaceEndpoint

	var current *InterfaceDescriptor
	offset := 0

	for offset+2 <= len(configData) {
		length := int(configData[offset])
		dtype := configData[offset+1]

		if length == 0 || offset+length > len(configData) {
			break
		}

		switch {
		case dtype == TypeInterface && length >= InterfaceDescriptorSize:
			iface := ParseInterfaceDescriptor(configData[offset : offset+InterfaceDescriptorSize])
			if iface.InterfaceClass == class {
				ifaceCopy := iface
				current = &ifaceCopy
			} else {
				current = nil
			}

		case dtype == TypeEndpoint && length >= EndpointDescriptorSize:
			if current != nil {
				ep := ParseEndpointDescriptor(configData[offset : offset+EndpointDescriptorSize])
				if ep.IsIn() == isIn && ep.TransferType() == transferType {
					result = append(result, InterfaceEndpoint{Interface: *current, Endpoint: ep})
					current = nil
				}
			}
		}

		offset += length
	}

	return result
}

// InterfaceEndpoint pairs an interface with one of its endpoints, as
// returned by FindInterfaces.
type InterfaceEndpoint struct {
	Interface InterfaceDescriptor
	Endpoint  EndpointDescriptor
}

// EndpointDescriptor is the 7-byte USB endpoint descriptor.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// EndpointDescriptorSize is the wire size of EndpointDescriptor.
const EndpointDescriptorSize = 7

// ParseEndpointDescriptor decodes a 7-byte endpoint descriptor found
// inside a configuration descriptor's interface blocks.
func ParseEndpointDescriptor(b []byte) EndpointDescriptor {
	return EndpointDescriptor{
		Length:          b[0],
		DescriptorType:  b[1],
		EndpointAddress: b[2],
		Attributes:      b[3],
		MaxPacketSize:   uint16(b[4]) | uint16(b[5])<<8,
		Interval:        b[6],
	}
}

// Number returns the endpoint number (bits 3:0 of bEndpointAddress).
func (e EndpointDescriptor) Number() uint8 {
	return e.EndpointAddress & 0x0f
}

// IsIn reports whether this is an IN endpoint (bit 7 of bEndpointAddress).
func (e EndpointDescriptor) IsIn() bool {
	return e.EndpointAddress&0x80 != 0
}

// TransferType returns the endpoint's transfer type (bits 1:0 of
// bmAttributes): one of EPControl, EPIsochronous, EPBulk, EPInterrupt.
func (e EndpointDescriptor) TransferType() uint8 {
	return e.Attributes & 0x03
}

// PacketSize returns the actual max packet size, masking off the
// additional-transactions bits used by high-speed periodic endpoints.
func (e EndpointDescriptor) PacketSize() uint16 {
	return e.MaxPacketSize & 0x07ff
}
