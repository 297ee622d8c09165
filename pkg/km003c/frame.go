// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 okhsunrog

package km003c

// Frame assembly and disassembly. Assembly produces outgoing command frames;
// disassembly splits one incoming transfer into its header and raw payload
// region. Neither side interprets logical packets — that is the chain
// walker's job (chain.go). Keeping this layer purely syntactic confines the
// transport to byte handling.

// RawFrame is a disassembled incoming transfer. Exactly one of Ctrl/Data is
// meaningful, selected by IsCtrl. Payload is the raw bytes following the
// 4-byte header: for PutData frames it is the chained payload region; for
// other data types it is an opaque body; for control frames it is normally
// empty.
type RawFrame struct {
	IsCtrl  bool
	Ctrl    CtrlHeader
	Data    DataHeader
	Payload []byte
	Raw     []byte // the complete frame, header included
}

// Type returns the frame's packet type.
func (f *RawFrame) Type() PacketType {
	if f.IsCtrl {
		return f.Ctrl.Type
	}
	return f.Data.Type
}

// ID returns the frame's transaction id.
func (f *RawFrame) ID() uint8 {
	if f.IsCtrl {
		return f.Ctrl.ID
	}
	return f.Data.ID
}

// BuildCtrl assembles a simple 4-byte command frame.
func BuildCtrl(t PacketType, id uint8, attr Attribute) []byte {
	h := EncodeCtrl(CtrlHeader{Type: t, ID: id, Attribute: attr})
	return h[:]
}

// BuildCtrlMask assembles a GetData-style command frame carrying an
// attribute mask.
func BuildCtrlMask(t PacketType, id uint8, mask AttributeSet) []byte {
	h := EncodeCtrl(CtrlHeader{Type: t, ID: id, Attribute: Attribute(mask)})
	return h[:]
}

// BuildWithBody assembles a command frame carrying a body behind an
// extended header (SetConfig, GenericData and the authenticated variants).
// The extended header's size field is set from len(body).
func BuildWithBody(t PacketType, id uint8, attr Attribute, body []byte) []byte {
	hdr := EncodeCtrl(CtrlHeader{Type: t, Extend: true, ID: id, Attribute: attr})
	ext := EncodeExt(ExtendedHeader{Attribute: attr, Size: uint16(len(body))})
	frame := make([]byte, 0, MainHeaderSize+ExtendedHeaderSize+len(body))
	frame = append(frame, hdr[:]...)
	frame = append(frame, ext[:]...)
	frame = append(frame, body...)
	return frame
}

// BuildAuthFrame assembles the raw authenticated command wire format used by
// MemoryRead (0x44) and AuthData (0x4C): a 4-byte header with the attribute
// bytes written verbatim, followed by the encrypted body.
func BuildAuthFrame(t PacketType, id uint8, attrLo, attrHi uint8, body []byte) []byte {
	frame := make([]byte, 0, MainHeaderSize+len(body))
	frame = append(frame, uint8(t), id, attrLo, attrHi)
	frame = append(frame, body...)
	return frame
}

// ParseFrame disassembles a single incoming transfer. The transport
// preserves packet boundaries, so buf is one complete frame.
//
// Unknown but well-formed types are passed through with their payload
// opaque; interpretation of the chained payload region is deferred to
// WalkChain.
func ParseFrame(buf []byte) (*RawFrame, error) {
	if len(buf) < MainHeaderSize {
		return nil, &ShortFrameError{Expected: MainHeaderSize, Actual: len(buf)}
	}

	t := PacketType(buf[0] & 0x7F)
	if t.IsCtrl() {
		hdr, err := DecodeCtrl(buf)
		if err != nil {
			return nil, err
		}
		return &RawFrame{IsCtrl: true, Ctrl: hdr, Payload: buf[MainHeaderSize:], Raw: buf}, nil
	}

	hdr, err := DecodeDataHdr(buf)
	if err != nil {
		return nil, err
	}
	return &RawFrame{Data: hdr, Payload: buf[MainHeaderSize:], Raw: buf}, nil
}
