// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 okhsunrog

// Package km003c implements the host side of the ChargerLAB POWER-Z KM003C
// USB-C power analyzer protocol.
//
// The protocol is a two-layer framed binary protocol: 4-byte little-endian
// bitfield headers carry a transaction id and a command type or attribute,
// and PutData responses carry a chain of logical packets, each prefixed by a
// 4-byte extended header. This package provides header codecs, frame
// assembly/disassembly, typed decoders for every recognized logical packet
// kind, and a session controller driving the connect/poll/stream lifecycle
// over a byte-oriented transport.
package km003c

// USB identity of the POWER-Z KM003C.
const (
	VendorID  = 0x5FC9
	ProductID = 0x0063
)

// USB endpoints. Interface 0 is vendor-specific bulk, interface 3 is HID
// interrupt; both speak the same 4-byte-header protocol.
const (
	EndpointOutVendor = 0x01
	EndpointInVendor  = 0x81
	EndpointOutHID    = 0x05
	EndpointInHID     = 0x85
)

// Header sizes
const (
	MainHeaderSize     = 4
	ExtendedHeaderSize = 4
)

// Packet body sizes
const (
	AdcDataSize      = 44
	PdStatusSize     = 12
	PdPreludeSize    = 12
	PdMetaHeaderSize = 8
	QueueHeaderSize  = 4
	QueueSampleSize  = 20
)

// PacketType identifies a command or response frame. Values below 0x40 are
// control types, 0x40 and above are data types.
type PacketType uint8

// Control packet types
const (
	TypeSync        PacketType = 0x01
	TypeConnect     PacketType = 0x02
	TypeDisconnect  PacketType = 0x03
	TypeReset       PacketType = 0x04
	TypeAccept      PacketType = 0x05
	TypeRejected    PacketType = 0x06
	TypeFinished    PacketType = 0x07
	TypeJumpAprom   PacketType = 0x08
	TypeJumpDfu     PacketType = 0x09
	TypeGetStatus   PacketType = 0x0A
	TypeError       PacketType = 0x0B
	TypeGetData     PacketType = 0x0C
	TypeGetFile     PacketType = 0x0D
	TypeStartGraph  PacketType = 0x0E
	TypeStopGraph   PacketType = 0x0F
	TypeSetConfig   PacketType = 0x10
	TypeResetConfig PacketType = 0x11
)

// Data packet types
const (
	TypeHead        PacketType = 0x40
	TypePutData     PacketType = 0x41
	TypeMemoryRead  PacketType = 0x44
	TypeGenericData PacketType = 0x48
	TypeAuthData    PacketType = 0x4C
)

// IsCtrl reports whether t is a control packet type.
func (t PacketType) IsCtrl() bool {
	return t < 0x40
}

func (t PacketType) String() string {
	switch t {
	case TypeSync:
		return "Sync"
	case TypeConnect:
		return "Connect"
	case TypeDisconnect:
		return "Disconnect"
	case TypeReset:
		return "Reset"
	case TypeAccept:
		return "Accept"
	case TypeRejected:
		return "Rejected"
	case TypeFinished:
		return "Finished"
	case TypeJumpAprom:
		return "JumpAprom"
	case TypeJumpDfu:
		return "JumpDfu"
	case TypeGetStatus:
		return "GetStatus"
	case TypeError:
		return "Error"
	case TypeGetData:
		return "GetData"
	case TypeGetFile:
		return "GetFile"
	case TypeStartGraph:
		return "StartGraph"
	case TypeStopGraph:
		return "StopGraph"
	case TypeSetConfig:
		return "SetConfig"
	case TypeResetConfig:
		return "ResetConfig"
	case TypeHead:
		return "Head"
	case TypePutData:
		return "PutData"
	case TypeMemoryRead:
		return "MemoryRead"
	case TypeGenericData:
		return "GenericData"
	case TypeAuthData:
		return "AuthData"
	default:
		if t.IsCtrl() {
			return "UnknownCtrl"
		}
		return "UnknownData"
	}
}

// Attribute selects the logical payload kind in a request mask or an
// extended header. Attributes combine with bitwise OR in GetData requests;
// the response chains one logical packet per set bit.
type Attribute uint16

const (
	AttrNone        Attribute = 0x0000
	AttrAdc         Attribute = 0x0001
	AttrAdcQueue    Attribute = 0x0002
	AttrAdcQueue10k Attribute = 0x0004
	AttrSettings    Attribute = 0x0008
	AttrPdPacket    Attribute = 0x0010
	AttrPdStatus    Attribute = 0x0020
	AttrQcPacket    Attribute = 0x0040
	AttrDeviceInfo  Attribute = 0x1000
)

func (a Attribute) String() string {
	switch a {
	case AttrNone:
		return "None"
	case AttrAdc:
		return "Adc"
	case AttrAdcQueue:
		return "AdcQueue"
	case AttrAdcQueue10k:
		return "AdcQueue10k"
	case AttrSettings:
		return "Settings"
	case AttrPdPacket:
		return "PdPacket"
	case AttrPdStatus:
		return "PdStatus"
	case AttrQcPacket:
		return "QcPacket"
	case AttrDeviceInfo:
		return "DeviceInfo"
	default:
		return "Unknown"
	}
}

// SampleRate is the device sample-rate selector used by StartGraph and
// reported in ADC payloads.
type SampleRate uint8

const (
	Rate1Sps     SampleRate = 0
	Rate10Sps    SampleRate = 1
	Rate50Sps    SampleRate = 2
	Rate1000Sps  SampleRate = 3
	Rate10000Sps SampleRate = 4
)

// Hz returns the sample rate in samples per second, or 0 for an
// unrecognized code.
func (r SampleRate) Hz() uint32 {
	switch r {
	case Rate1Sps:
		return 1
	case Rate10Sps:
		return 10
	case Rate50Sps:
		return 50
	case Rate1000Sps:
		return 1000
	case Rate10000Sps:
		return 10000
	default:
		return 0
	}
}

// RateForHz maps a samples-per-second value to its rate code.
func RateForHz(hz uint32) (SampleRate, bool) {
	switch hz {
	case 1:
		return Rate1Sps, true
	case 10:
		return Rate10Sps, true
	case 50:
		return Rate50Sps, true
	case 1000:
		return Rate1000Sps, true
	case 10000:
		return Rate10000Sps, true
	default:
		return 0, false
	}
}

func (r SampleRate) String() string {
	switch r {
	case Rate1Sps:
		return "1 SPS"
	case Rate10Sps:
		return "10 SPS"
	case Rate50Sps:
		return "50 SPS"
	case Rate1000Sps:
		return "1 kSPS"
	case Rate10000Sps:
		return "10 kSPS"
	default:
		return "? SPS"
	}
}

// PD event record constants (inner event stream)
const (
	pdEventConnection = 0x45
	pdWrapSentinel    = 0xAA
	pdWrapSopMask     = 0x07
	pdWrapDirMask     = 0x04
	pdWireOffset      = 13
)

// Connection event actions and CC pin codes
const (
	ConnectionAttach = 1
	ConnectionDetach = 2
	PinCC1           = 1
	PinCC2           = 2
)
