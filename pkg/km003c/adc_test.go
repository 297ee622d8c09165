// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 okhsunrog

package km003c

import (
	"bytes"
	"encoding/hex"
	"math"
	"testing"
)

// capturedAdcBody is the 44-byte ADC payload from a real device capture
// (VBUS ≈ 5.08 V, IBUS = 30 µA).
const capturedAdcBodyHex = "e08d4d001e000000218e4d00eaffffff278e4d00480000001c0c9502737e000001007b7e0080a40c00000000"

func capturedAdcBody(t *testing.T) []byte {
	t.Helper()
	body, err := hex.DecodeString(capturedAdcBodyHex)
	if err != nil {
		t.Fatalf("bad test vector: %v", err)
	}
	if len(body) != AdcDataSize {
		t.Fatalf("test vector is %d bytes, want 44", len(body))
	}
	return body
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDecodeAdc_CapturedPayload(t *testing.T) {
	adc, err := DecodeAdc(capturedAdcBody(t))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if !almostEqual(adc.VbusV, 5.082592) {
		t.Errorf("vbus = %.6f V, want 5.082592", adc.VbusV)
	}
	if !almostEqual(adc.IbusA, 0.000030) {
		t.Errorf("ibus = %.6f A, want 0.000030", adc.IbusA)
	}
	if !almostEqual(adc.PowerW, adc.VbusV*adc.IbusA) {
		t.Errorf("power = %.9f W, want vbus*ibus", adc.PowerW)
	}
	if !almostEqual(adc.IbusAvgA, -0.000022) {
		t.Errorf("ibus_avg = %.6f A, want -0.000022", adc.IbusAvgA)
	}
	// temp register 0x0C1C = 3100, LSB 1/128 °C
	if !almostEqual(adc.TempC, 3100.0/128.0) {
		t.Errorf("temp = %.4f °C, want %.4f", adc.TempC, 3100.0/128.0)
	}
	if !almostEqual(adc.Cc2V, 3.2371) {
		t.Errorf("cc2 = %.4f V, want 3.2371", adc.Cc2V)
	}
	if adc.Rate != Rate1Sps {
		t.Errorf("rate = %s, want 1 SPS", adc.Rate)
	}
}

func TestDecodeAdc_WrongSize(t *testing.T) {
	for _, n := range []int{0, 12, 43, 45, 68} {
		if _, err := DecodeAdc(make([]byte, n)); err == nil {
			t.Errorf("len %d: expected WrongSizeError", n)
		}
	}
}

func TestAdcRaw_EncodeRoundTrip(t *testing.T) {
	body := capturedAdcBody(t)
	raw, err := DecodeAdcRaw(body)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	enc := raw.Encode()
	if !bytes.Equal(enc[:], body) {
		t.Errorf("re-encoded payload differs:\n got  % 02X\n want % 02X", enc[:], body)
	}
}

func TestAdcRaw_ReservedPreserved(t *testing.T) {
	raw, err := DecodeAdcRaw(capturedAdcBody(t))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	// vendor flag byte observed as 128 on real hardware
	if raw.Reserved != 0x80 {
		t.Errorf("reserved = 0x%02X, want 0x80", raw.Reserved)
	}
}

func TestSampleRate_Hz(t *testing.T) {
	tests := []struct {
		rate SampleRate
		hz   uint32
	}{
		{Rate1Sps, 1},
		{Rate10Sps, 10},
		{Rate50Sps, 50},
		{Rate1000Sps, 1000},
		{Rate10000Sps, 10000},
		{SampleRate(99), 0},
	}
	for _, tt := range tests {
		if got := tt.rate.Hz(); got != tt.hz {
			t.Errorf("rate %d: Hz() = %d, want %d", tt.rate, got, tt.hz)
		}
	}
	for _, hz := range []uint32{1, 10, 50, 1000, 10000} {
		rate, ok := RateForHz(hz)
		if !ok || rate.Hz() != hz {
			t.Errorf("RateForHz(%d) = %v, %v", hz, rate, ok)
		}
	}
	if _, ok := RateForHz(123); ok {
		t.Error("RateForHz(123) should not resolve")
	}
}
