// Package rpc implements the wire codec for the usbrpc protocol: the
// opcode tag, the fixed-layout RpcRecord blob, and the device/descriptor
// sub-records carried inside it.
//
// The wire is pinned to little-endian. Transmitting native host
// representation would be a latent bug for heterogeneous deployments,
// so the byte order is part of the protocol contract rather than
// whatever the host happens to use.
package rpc

// OpCode tags one of the remote operations. Values are contiguous from
// zero in catalog order so a received tag can be range-checked with a
// single comparison before it is used to index into a dispatch table.
type OpCode uint32

const (
	OpInit OpCode = iota
	OpExit
	OpGetDeviceList
	OpGetDeviceDescriptor
	OpOpen
	OpOpenDeviceWithVidPid
	OpClose
	OpClaimInterface
	OpReleaseInterface
	OpGetConfiguration
	OpSetConfiguration
	OpSetInterfaceAltSetting
	OpResetDevice
	OpClearHalt
	OpGetStringDescriptorAscii
	OpControlTransfer
	OpBulkTransfer

	opCodeCount
)

// Valid reports whether tag names a catalog entry.
func (o OpCode) Valid() bool {
	return o < opCodeCount
}

func (o OpCode) String() string {
	if int(o) < len(opCodeNames) {
		return opCodeNames[o]
	}
	return "OP_UNKNOWN"
}

var opCodeNames = [opCodeCount]string{
	OpInit:                     "USB_INIT",
	OpExit:                     "USB_EXIT",
	OpGetDeviceList:            "USB_GET_DEVICE_LIST",
	OpGetDeviceDescriptor:      "USB_GET_DEVICE_DESCRIPTOR",
	OpOpen:                     "USB_OPEN",
	OpOpenDeviceWithVidPid:     "USB_OPEN_DEVICE_WITH_VID_PID",
	OpClose:                    "USB_CLOSE",
	OpClaimInterface:           "USB_CLAIM_INTERFACE",
	OpReleaseInterface:         "USB_RELEASE_INTERFACE",
	OpGetConfiguration:         "USB_GET_CONFIGURATION",
	OpSetConfiguration:         "USB_SET_CONFIGURATION",
	OpSetInterfaceAltSetting:   "USB_SET_INTERFACE_ALT_SETTING",
	OpResetDevice:              "USB_RESET_DEVICE",
	OpClearHalt:                "USB_CLEAR_HALT",
	OpGetStringDescriptorAscii: "USB_GET_STRING_DESCRIPTOR_ASCII",
	OpControlTransfer:          "USB_CONTROL_TRANSFER",
	OpBulkTransfer:             "USB_BULK_TRANSFER",
}
