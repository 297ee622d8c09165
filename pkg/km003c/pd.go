// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 okhsunrog

package km003c

import (
	"encoding/binary"
	"fmt"
)

// PdStatus is the 12-byte periodic PD status snapshot.
type PdStatus struct {
	TypeID    uint8
	Timestamp uint32 // 24-bit tick counter
	VbusRaw   uint16
	IbusRaw   int16
	Cc1Raw    uint16
	Cc2Raw    uint16
}

// Attribute implements Logical.
func (*PdStatus) Attribute() Attribute { return AttrPdStatus }

// VbusV returns the VBUS reading in volts (raw unit is 0.1 mV).
func (s *PdStatus) VbusV() float64 { return float64(s.VbusRaw) / 10_000.0 }

// IbusA returns the IBUS reading in amperes (raw unit is 0.1 mA, signed).
func (s *PdStatus) IbusA() float64 { return float64(s.IbusRaw) / 10_000.0 }

// Cc1V returns the CC1 voltage in volts.
func (s *PdStatus) Cc1V() float64 { return float64(s.Cc1Raw) / 10_000.0 }

// Cc2V returns the CC2 voltage in volts.
func (s *PdStatus) Cc2V() float64 { return float64(s.Cc2Raw) / 10_000.0 }

// DecodePdStatus parses a 12-byte PD status body.
func DecodePdStatus(body []byte) (*PdStatus, error) {
	if len(body) != PdStatusSize {
		return nil, &WrongSizeError{What: "PD status", Expected: PdStatusSize, Actual: len(body)}
	}
	le := binary.LittleEndian
	return &PdStatus{
		TypeID:    body[0],
		Timestamp: uint32(body[1]) | uint32(body[2])<<8 | uint32(body[3])<<16,
		VbusRaw:   le.Uint16(body[4:6]),
		IbusRaw:   int16(le.Uint16(body[6:8])),
		Cc1Raw:    le.Uint16(body[8:10]),
		Cc2Raw:    le.Uint16(body[10:12]),
	}, nil
}

// PdPrelude is the 12-byte ADC snapshot that opens every PD event-stream
// body.
type PdPrelude struct {
	TimestampMs uint32
	VbusRaw     uint16
	IbusRaw     int16
	Cc1Raw      uint16
	Cc2Raw      uint16
}

// EventMeta is the 8-byte header preceding each inner event record.
// Flags holds meta bytes [4], [5] and [7] verbatim; their semantics are
// not fully reverse-engineered, so they are recorded rather than
// interpreted.
type EventMeta struct {
	Timestamp uint32
	Flags     [3]uint8
	BodyLen   uint8
}

// PdEvent is one record from the inner PD event stream. Concrete types:
// *ConnectionEvent, *PdWrapped, *StatusEvent, *UnknownEvent.
type PdEvent interface {
	Meta() EventMeta
}

// ConnectionEvent signals a cable attach or detach on a CC pin.
type ConnectionEvent struct {
	EventMeta
	Action uint8 // ConnectionAttach or ConnectionDetach
	CcPin  uint8 // PinCC1 or PinCC2
}

// PdWrapped carries a standard USB-PD wire message. Wire holds the PD
// message bytes verbatim for a PD message decoder; Aux holds the seven
// opaque bytes between the wrapper header and the wire message.
type PdWrapped struct {
	EventMeta
	SrcToSnk bool
	Aux      [7]uint8
	Wire     []byte
}

// StatusEvent is the minority 8-byte-measurement record shape used for
// periodic snapshots inside the event stream.
type StatusEvent struct {
	EventMeta
	VbusRaw uint16
	IbusRaw int16
	Cc1Raw  uint16
	Cc2Raw  uint16
}

// UnknownEvent preserves records that match no known shape.
type UnknownEvent struct {
	EventMeta
	Bytes []byte
}

func (m EventMeta) Meta() EventMeta { return m }

func (e *ConnectionEvent) String() string {
	action := "Detach"
	if e.Action == ConnectionAttach {
		action = "Attach"
	}
	return fmt.Sprintf("Connection{%s CC%d t=%d}", action, e.CcPin, e.Timestamp)
}

// PdEventStream is a decoded PD event-stream body: the ADC prelude plus
// zero or more inner event records.
type PdEventStream struct {
	Prelude PdPrelude
	Events  []PdEvent
}

// Attribute implements Logical.
func (*PdEventStream) Attribute() Attribute { return AttrPdPacket }

// DecodePdEventStream parses a PD event-stream body. Trailing bytes
// insufficient for a full record end the stream cleanly; the device is
// known to truncate on transfer boundaries.
func DecodePdEventStream(body []byte) (*PdEventStream, error) {
	if len(body) < PdPreludeSize {
		return nil, &WrongSizeError{What: "PD event prelude", Expected: PdPreludeSize, Actual: len(body)}
	}
	le := binary.LittleEndian
	stream := &PdEventStream{
		Prelude: PdPrelude{
			TimestampMs: le.Uint32(body[0:4]),
			VbusRaw:     le.Uint16(body[4:6]),
			IbusRaw:     int16(le.Uint16(body[6:8])),
			Cc1Raw:      le.Uint16(body[8:10]),
			Cc2Raw:      le.Uint16(body[10:12]),
		},
	}

	rest := body[PdPreludeSize:]
	for len(rest) >= PdMetaHeaderSize {
		meta := EventMeta{
			Timestamp: le.Uint32(rest[0:4]),
			Flags:     [3]uint8{rest[4], rest[5], rest[7]},
			BodyLen:   rest[6],
		}
		if len(rest) < PdMetaHeaderSize+int(meta.BodyLen) {
			break
		}
		rec := rest[PdMetaHeaderSize : PdMetaHeaderSize+int(meta.BodyLen)]
		stream.Events = append(stream.Events, decodeEventRecord(meta, rec))
		rest = rest[PdMetaHeaderSize+int(meta.BodyLen):]
	}

	return stream, nil
}

// decodeEventRecord discriminates one record body. The dual 0xAA sentinels,
// the SOP bits and the header CRC are the only reliable markers of a
// PD-wrapped message; the 8-byte status shape is the fallback.
func decodeEventRecord(meta EventMeta, body []byte) PdEvent {
	if len(body) >= 2 && body[0] == pdEventConnection {
		event := body[1]
		return &ConnectionEvent{
			EventMeta: meta,
			Action:    event & 0x0F,
			CcPin:     event >> 4,
		}
	}

	if isPdWrapped(body) {
		var aux [7]uint8
		copy(aux[:], body[6:pdWireOffset])
		return &PdWrapped{
			EventMeta: meta,
			SrcToSnk:  body[1]&pdWrapDirMask != 0,
			Aux:       aux,
			Wire:      body[pdWireOffset:],
		}
	}

	if len(body) >= 8 {
		le := binary.LittleEndian
		return &StatusEvent{
			EventMeta: meta,
			VbusRaw:   le.Uint16(body[0:2]),
			IbusRaw:   int16(le.Uint16(body[2:4])),
			Cc1Raw:    le.Uint16(body[4:6]),
			Cc2Raw:    le.Uint16(body[6:8]),
		}
	}

	return &UnknownEvent{EventMeta: meta, Bytes: body}
}

func isPdWrapped(body []byte) bool {
	return len(body) >= pdWireOffset &&
		body[0] == pdWrapSentinel &&
		body[5] == pdWrapSentinel &&
		body[2]&pdWrapSopMask == 0 &&
		CalculateCRC8(body[1:4]) == body[4]
}
