// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 okhsunrog

// Package pdwire decodes standard USB Power Delivery wire messages: the
// 16-bit message header and, for Source_Capabilities, the power data
// objects. It covers what a power analyzer front-end needs to display;
// full PD protocol semantics are out of scope.
package pdwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ErrShortMessage is returned when the input cannot hold the declared
// message.
var ErrShortMessage = errors.New("PD message shorter than header declares")

// Message is a decoded USB-PD message: the header fields plus the raw
// 32-bit data objects.
type Message struct {
	MessageType  uint8
	DataRole     uint8 // 0 = UFP, 1 = DFP
	PowerRole    uint8 // 0 = Sink, 1 = Source
	SpecRevision uint8 // 0 = 1.0, 1 = 2.0, 2 = 3.0
	MessageID    uint8
	Extended     bool
	Objects      []uint32
}

// Control message types (no data objects)
const (
	CtrlGoodCRC      = 0x01
	CtrlGotoMin      = 0x02
	CtrlAccept       = 0x03
	CtrlReject       = 0x04
	CtrlPing         = 0x05
	CtrlPsRdy        = 0x06
	CtrlGetSourceCap = 0x07
	CtrlGetSinkCap   = 0x08
	CtrlDrSwap       = 0x09
	CtrlPrSwap       = 0x0A
	CtrlVconnSwap    = 0x0B
	CtrlWait         = 0x0C
	CtrlSoftReset    = 0x0D
)

// Data message types
const (
	DataSourceCapabilities = 0x01
	DataRequest            = 0x02
	DataBIST               = 0x03
	DataSinkCapabilities   = 0x04
	DataBatteryStatus      = 0x05
	DataAlert              = 0x06
	DataVendorDefined      = 0x0F
)

// Decode parses a PD wire message: a 2-byte little-endian header followed
// by 4-byte data objects, the object count taken from header bits 12-14.
func Decode(wire []byte) (*Message, error) {
	if len(wire) < 2 {
		return nil, ErrShortMessage
	}
	hdr := binary.LittleEndian.Uint16(wire[0:2])
	numObjects := int(hdr>>12) & 0x07
	if len(wire) < 2+numObjects*4 {
		return nil, ErrShortMessage
	}

	msg := &Message{
		MessageType:  uint8(hdr & 0x1F),
		DataRole:     uint8(hdr >> 5 & 0x1),
		SpecRevision: uint8(hdr >> 6 & 0x3),
		PowerRole:    uint8(hdr >> 8 & 0x1),
		MessageID:    uint8(hdr >> 9 & 0x7),
		Extended:     hdr&0x8000 != 0,
	}
	for i := 0; i < numObjects; i++ {
		msg.Objects = append(msg.Objects, binary.LittleEndian.Uint32(wire[2+i*4:6+i*4]))
	}
	return msg, nil
}

// IsControl reports whether the message carries no data objects.
func (m *Message) IsControl() bool {
	return len(m.Objects) == 0 && !m.Extended
}

// TypeName returns the message type mnemonic.
func (m *Message) TypeName() string {
	if m.IsControl() {
		switch m.MessageType {
		case CtrlGoodCRC:
			return "GoodCRC"
		case CtrlGotoMin:
			return "GotoMin"
		case CtrlAccept:
			return "Accept"
		case CtrlReject:
			return "Reject"
		case CtrlPing:
			return "Ping"
		case CtrlPsRdy:
			return "PS_RDY"
		case CtrlGetSourceCap:
			return "Get_Source_Cap"
		case CtrlGetSinkCap:
			return "Get_Sink_Cap"
		case CtrlDrSwap:
			return "DR_Swap"
		case CtrlPrSwap:
			return "PR_Swap"
		case CtrlVconnSwap:
			return "VCONN_Swap"
		case CtrlWait:
			return "Wait"
		case CtrlSoftReset:
			return "Soft_Reset"
		}
		return fmt.Sprintf("Control(0x%02X)", m.MessageType)
	}
	switch m.MessageType {
	case DataSourceCapabilities:
		return "Source_Capabilities"
	case DataRequest:
		return "Request"
	case DataBIST:
		return "BIST"
	case DataSinkCapabilities:
		return "Sink_Capabilities"
	case DataBatteryStatus:
		return "Battery_Status"
	case DataAlert:
		return "Alert"
	case DataVendorDefined:
		return "Vendor_Defined"
	}
	return fmt.Sprintf("Data(0x%02X)", m.MessageType)
}

// Pdo is one decoded power data object from a capabilities message.
type Pdo struct {
	Kind     PdoKind
	MinV     float64 // volts; fixed supplies use MaxV only
	MaxV     float64
	MaxA     float64 // amperes, 0 for battery
	MaxW     float64 // watts, battery and EPR AVS only
	Limited  bool    // PPS power-limited flag
	Raw      uint32
}

// PdoKind discriminates PDO shapes.
type PdoKind int

const (
	PdoFixed PdoKind = iota
	PdoBattery
	PdoVariable
	PdoPps
	PdoAvs
	PdoUnknown
)

// Pdos decodes the data objects of a Source_Capabilities or
// Sink_Capabilities message.
func (m *Message) Pdos() []Pdo {
	pdos := make([]Pdo, 0, len(m.Objects))
	for _, raw := range m.Objects {
		pdos = append(pdos, decodePdo(raw))
	}
	return pdos
}

func decodePdo(raw uint32) Pdo {
	switch raw >> 30 {
	case 0b00: // fixed supply: 50 mV / 10 mA units
		return Pdo{
			Kind: PdoFixed,
			MaxV: float64(raw>>10&0x3FF) * 0.050,
			MaxA: float64(raw&0x3FF) * 0.010,
			Raw:  raw,
		}
	case 0b01: // battery: 50 mV / 250 mW units
		return Pdo{
			Kind: PdoBattery,
			MinV: float64(raw>>10&0x3FF) * 0.050,
			MaxV: float64(raw>>20&0x3FF) * 0.050,
			MaxW: float64(raw&0x3FF) * 0.250,
			Raw:  raw,
		}
	case 0b10: // variable supply: 50 mV / 10 mA units
		return Pdo{
			Kind: PdoVariable,
			MinV: float64(raw>>10&0x3FF) * 0.050,
			MaxV: float64(raw>>20&0x3FF) * 0.050,
			MaxA: float64(raw&0x3FF) * 0.010,
			Raw:  raw,
		}
	default: // augmented
		switch raw >> 28 & 0x3 {
		case 0b00: // SPR PPS: 100 mV / 50 mA units
			return Pdo{
				Kind:    PdoPps,
				MinV:    float64(raw>>8&0xFF) / 10,
				MaxV:    float64(raw>>17&0xFF) / 10,
				MaxA:    float64(raw&0x7F) / 20,
				Limited: raw&(1<<27) != 0,
				Raw:     raw,
			}
		case 0b01: // EPR AVS: 100 mV / 1 W units
			return Pdo{
				Kind: PdoAvs,
				MinV: float64(raw>>15&0xFF) * 0.100,
				MaxV: float64(raw>>26&0x1FF) * 0.100,
				MaxW: float64(raw & 0xFF),
				Raw:  raw,
			}
		}
		return Pdo{Kind: PdoUnknown, Raw: raw}
	}
}

func (p Pdo) String() string {
	switch p.Kind {
	case PdoFixed:
		return fmt.Sprintf("Fixed:    %.2f V @ %.2f A", p.MaxV, p.MaxA)
	case PdoBattery:
		return fmt.Sprintf("Battery:  %.2f - %.2f V @ %.2f W", p.MinV, p.MaxV, p.MaxW)
	case PdoVariable:
		return fmt.Sprintf("Variable: %.2f - %.2f V @ %.2f A", p.MinV, p.MaxV, p.MaxA)
	case PdoPps:
		s := fmt.Sprintf("PPS:      %.2f - %.2f V @ %.2f A", p.MinV, p.MaxV, p.MaxA)
		if p.Limited {
			s += " (power limited)"
		}
		return s
	case PdoAvs:
		return fmt.Sprintf("AVS:      %.2f - %.2f V up to %.0f W", p.MinV, p.MaxV, p.MaxW)
	default:
		return fmt.Sprintf("Unknown PDO (raw 0x%08X)", p.Raw)
	}
}

func (m *Message) String() string {
	if m.MessageType == DataSourceCapabilities && !m.IsControl() {
		var b strings.Builder
		b.WriteString("Source_Capabilities:")
		for i, pdo := range m.Pdos() {
			fmt.Fprintf(&b, "\n  [%d] %s", i+1, pdo)
		}
		return b.String()
	}
	return m.TypeName()
}
