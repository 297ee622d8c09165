// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 okhsunrog

package km003c

import (
	"bytes"
	"errors"
	"testing"
)

// ============================================================
// Control Header Tests
// ============================================================

func TestDecodeCtrl_GetDataAdc(t *testing.T) {
	// Captured ADC request: GetData, id=1, attribute=Adc
	hdr, err := DecodeCtrl([]byte{0x0C, 0x01, 0x02, 0x00})
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if hdr.Type != TypeGetData {
		t.Errorf("type = %s, want GetData", hdr.Type)
	}
	if hdr.ID != 1 {
		t.Errorf("id = %d, want 1", hdr.ID)
	}
	if hdr.Attribute != AttrAdc {
		t.Errorf("attribute = 0x%03X, want 0x001", uint16(hdr.Attribute))
	}
	if hdr.Extend {
		t.Error("extend bit should be clear")
	}
}

func TestDecodeCtrl_Connect(t *testing.T) {
	// Captured connect command: Connect, id=1, no attribute
	hdr, err := DecodeCtrl([]byte{0x02, 0x01, 0x00, 0x00})
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if hdr.Type != TypeConnect || hdr.ID != 1 || hdr.Attribute != AttrNone {
		t.Errorf("got %+v", hdr)
	}
}

func TestEncodeCtrl_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		hdr  CtrlHeader
	}{
		{"connect", CtrlHeader{Type: TypeConnect, ID: 1}},
		{"getdata adc", CtrlHeader{Type: TypeGetData, ID: 42, Attribute: AttrAdc}},
		{"getdata combined", CtrlHeader{Type: TypeGetData, ID: 255, Attribute: Attribute(0x011)}},
		{"extend set", CtrlHeader{Type: TypeSetConfig, Extend: true, ID: 7, Attribute: AttrSettings}},
		{"max attribute", CtrlHeader{Type: TypeSync, ID: 0, Attribute: Attribute(0x7FFF)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := EncodeCtrl(tt.hdr)
			dec, err := DecodeCtrl(enc[:])
			if err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if dec != tt.hdr {
				t.Errorf("round trip mismatch: %+v != %+v", dec, tt.hdr)
			}
		})
	}
}

func TestEncodeCtrl_MasksOverWideFields(t *testing.T) {
	enc := EncodeCtrl(CtrlHeader{Type: PacketType(0xFF), ID: 1, Attribute: Attribute(0xFFFF)})
	dec, err := DecodeCtrl(enc[:])
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if dec.Type != PacketType(0x7F) {
		t.Errorf("type = 0x%02X, want masked to 0x7F", uint8(dec.Type))
	}
	if dec.Attribute != Attribute(0x7FFF) {
		t.Errorf("attribute = 0x%04X, want masked to 0x7FFF", uint16(dec.Attribute))
	}
}

// ============================================================
// Data Header Tests
// ============================================================

func TestDecodeDataHdr_Head(t *testing.T) {
	// Head response, id=1, obj_count_words=4
	hdr, err := DecodeDataHdr([]byte{0x40, 0x01, 0x00, 0x01})
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if hdr.Type != TypeHead {
		t.Errorf("type = %s, want Head", hdr.Type)
	}
	if hdr.ID != 1 {
		t.Errorf("id = %d, want 1", hdr.ID)
	}
	if hdr.ObjCountWords != 4 {
		t.Errorf("obj_count_words = %d, want 4", hdr.ObjCountWords)
	}
}

func TestEncodeDataHdr_RoundTrip(t *testing.T) {
	tests := []DataHeader{
		{Type: TypeHead, ID: 1, ObjCountWords: 4},
		{Type: TypePutData, ID: 12, ObjCountWords: 10},
		{Type: TypePutData, Extend: true, ID: 200, ObjCountWords: 0x3FF},
		{Type: TypeGenericData, ID: 0, ObjCountWords: 0},
	}
	for _, hdr := range tests {
		enc := EncodeDataHdr(hdr)
		dec, err := DecodeDataHdr(enc[:])
		if err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if dec != hdr {
			t.Errorf("round trip mismatch: %+v != %+v", dec, hdr)
		}
	}
}

// ============================================================
// Extended Header Tests
// ============================================================

func TestDecodeExt_AdcLogical(t *testing.T) {
	// Extended header from a captured ADC response:
	// attribute=Adc, next=0, chunk=0, size=44
	hdr, err := DecodeExt([]byte{0x01, 0x00, 0x00, 0x0B})
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if hdr.Attribute != AttrAdc {
		t.Errorf("attribute = 0x%03X, want Adc", uint16(hdr.Attribute))
	}
	if hdr.Next {
		t.Error("next should be clear")
	}
	if hdr.Size != AdcDataSize {
		t.Errorf("size = %d, want 44", hdr.Size)
	}
}

func TestEncodeExt_RoundTrip(t *testing.T) {
	tests := []ExtendedHeader{
		{Attribute: AttrAdc, Size: 44},
		{Attribute: AttrAdc, Next: true, Size: 44},
		{Attribute: AttrPdPacket, Size: 268},
		{Attribute: AttrAdcQueue, Chunk: 63, Size: 0x3FF},
		{Attribute: Attribute(0x7FFF), Next: true, Chunk: 1, Size: 1},
	}
	for _, hdr := range tests {
		enc := EncodeExt(hdr)
		dec, err := DecodeExt(enc[:])
		if err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if dec != hdr {
			t.Errorf("round trip mismatch: %+v != %+v", dec, hdr)
		}
	}
}

func TestDecode_ShortBuffer(t *testing.T) {
	short := []byte{0x01, 0x02, 0x03}
	if _, err := DecodeCtrl(short); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("DecodeCtrl: err = %v, want ErrShortBuffer", err)
	}
	if _, err := DecodeDataHdr(short); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("DecodeDataHdr: err = %v, want ErrShortBuffer", err)
	}
	if _, err := DecodeExt(short); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("DecodeExt: err = %v, want ErrShortBuffer", err)
	}
}

func TestEncodeCtrl_WireBytes(t *testing.T) {
	// Request builders must reproduce the exact captured wire bytes.
	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"connect", BuildCtrl(TypeConnect, 1, AttrNone), []byte{0x02, 0x01, 0x00, 0x00}},
		{"getdata adc", BuildCtrl(TypeGetData, 1, AttrAdc), []byte{0x0C, 0x01, 0x02, 0x00}},
		{"getdata adc+pd", BuildCtrlMask(TypeGetData, 2, NewAttributeSet(AttrAdc, AttrPdPacket)), []byte{0x0C, 0x02, 0x22, 0x00}},
		{"stop graph", BuildCtrl(TypeStopGraph, 9, AttrNone), []byte{0x0F, 0x09, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.got, tt.want) {
				t.Errorf("wire bytes = % 02X, want % 02X", tt.got, tt.want)
			}
		})
	}
}
