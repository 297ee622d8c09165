// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 okhsunrog

package km003c

import "encoding/binary"

// All three header layouts are 4-byte little-endian bitfields, LSB first.
// The bit layout lives in this file only; everything above works with the
// decoded structs.
//
//	CtrlHeader:     type:7  extend:1  id:8  reserved:1  attribute:15
//	DataHeader:     type:7  extend:1  id:8  reserved:6  objCountWords:10
//	ExtendedHeader: attribute:15  next:1  chunk:6  size:10
//
// The extend bit is informational; PutData responses carry an extended
// header regardless of it, and body lengths come from ExtendedHeader.Size.

// CtrlHeader is the 4-byte header of command frames and simple
// device-to-host acknowledgements.
type CtrlHeader struct {
	Type      PacketType
	Extend    bool
	ID        uint8
	Attribute Attribute
}

// DataHeader is the 4-byte header of device-to-host data responses
// (type >= 0x40).
type DataHeader struct {
	Type          PacketType
	Extend        bool
	ID            uint8
	ObjCountWords uint16
}

// ExtendedHeader prefixes each logical packet inside a PutData payload.
// Size is the byte length of this body only; Next indicates another
// header+body pair follows immediately after this body.
type ExtendedHeader struct {
	Attribute Attribute
	Next      bool
	Chunk     uint8
	Size      uint16
}

// EncodeCtrl packs a control header into 4 bytes. Over-wide field values
// are masked to their bit widths.
func EncodeCtrl(h CtrlHeader) [4]byte {
	v := uint32(h.Type) & 0x7F
	if h.Extend {
		v |= 1 << 7
	}
	v |= uint32(h.ID) << 8
	v |= (uint32(h.Attribute) & 0x7FFF) << 17
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], v)
	return out
}

// DecodeCtrl unpacks a control header from the first 4 bytes of buf.
func DecodeCtrl(buf []byte) (CtrlHeader, error) {
	if len(buf) < MainHeaderSize {
		return CtrlHeader{}, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint32(buf)
	return CtrlHeader{
		Type:      PacketType(v & 0x7F),
		Extend:    v&(1<<7) != 0,
		ID:        uint8(v >> 8),
		Attribute: Attribute((v >> 17) & 0x7FFF),
	}, nil
}

// EncodeDataHdr packs a data header into 4 bytes.
func EncodeDataHdr(h DataHeader) [4]byte {
	v := uint32(h.Type) & 0x7F
	if h.Extend {
		v |= 1 << 7
	}
	v |= uint32(h.ID) << 8
	v |= (uint32(h.ObjCountWords) & 0x3FF) << 22
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], v)
	return out
}

// DecodeDataHdr unpacks a data header from the first 4 bytes of buf.
func DecodeDataHdr(buf []byte) (DataHeader, error) {
	if len(buf) < MainHeaderSize {
		return DataHeader{}, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint32(buf)
	return DataHeader{
		Type:          PacketType(v & 0x7F),
		Extend:        v&(1<<7) != 0,
		ID:            uint8(v >> 8),
		ObjCountWords: uint16(v >> 22),
	}, nil
}

// EncodeExt packs an extended header into 4 bytes.
func EncodeExt(h ExtendedHeader) [4]byte {
	v := uint32(h.Attribute) & 0x7FFF
	if h.Next {
		v |= 1 << 15
	}
	v |= (uint32(h.Chunk) & 0x3F) << 16
	v |= (uint32(h.Size) & 0x3FF) << 22
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], v)
	return out
}

// DecodeExt unpacks an extended header from the first 4 bytes of buf.
func DecodeExt(buf []byte) (ExtendedHeader, error) {
	if len(buf) < ExtendedHeaderSize {
		return ExtendedHeader{}, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint32(buf)
	return ExtendedHeader{
		Attribute: Attribute(v & 0x7FFF),
		Next:      v&(1<<15) != 0,
		Chunk:     uint8((v >> 16) & 0x3F),
		Size:      uint16(v >> 22),
	}, nil
}
