// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 okhsunrog

package km003c

import (
	"encoding/binary"
	"fmt"
)

// AdcRaw is the 44-byte ADC snapshot exactly as it appears on the wire,
// all fields little-endian.
//
// Field units: vbus/ibus in µV/µA, the vcc/vdp/vdm/vdd group in 0.1 mV,
// the averaged vcc2/vdp/vdm group in 1 mV, temperature register LSB =
// 1/128 °C (INA228/229 convention).
type AdcRaw struct {
	VbusUv        int32
	IbusUa        int32
	VbusAvgUv     int32
	IbusAvgUa     int32
	VbusOriAvgRaw int32
	IbusOriAvgRaw int32
	TempRaw       int16
	Vcc1TenthMv   uint16
	Vcc2TenthMv   uint16
	VdpTenthMv    uint16
	VdmTenthMv    uint16
	VddTenthMv    uint16
	RateRaw       uint8
	Reserved      uint8
	Vcc2AvgMv     uint16
	VdpAvgMv      uint16
	VdmAvgMv      uint16
}

// AdcData is an ADC snapshot converted to SI units.
//
// The sign of IbusA (and therefore PowerW) indicates power-flow direction
// through the tester: positive flows from the female (input) connector to
// the male (output) connector.
type AdcData struct {
	VbusV   float64
	IbusA   float64
	PowerW  float64
	VbusAvgV float64
	IbusAvgA float64
	TempC   float64
	Vdp     float64
	Vdm     float64
	VdpAvg  float64
	VdmAvg  float64
	Cc1V    float64
	Cc2V    float64
	Cc2AvgV float64
	VddV    float64
	Rate    SampleRate
}

// Attribute implements Logical.
func (*AdcData) Attribute() Attribute { return AttrAdc }

// DecodeAdcRaw parses a 44-byte ADC body without unit conversion.
func DecodeAdcRaw(body []byte) (AdcRaw, error) {
	if len(body) != AdcDataSize {
		return AdcRaw{}, &WrongSizeError{What: "ADC payload", Expected: AdcDataSize, Actual: len(body)}
	}
	le := binary.LittleEndian
	return AdcRaw{
		VbusUv:        int32(le.Uint32(body[0:4])),
		IbusUa:        int32(le.Uint32(body[4:8])),
		VbusAvgUv:     int32(le.Uint32(body[8:12])),
		IbusAvgUa:     int32(le.Uint32(body[12:16])),
		VbusOriAvgRaw: int32(le.Uint32(body[16:20])),
		IbusOriAvgRaw: int32(le.Uint32(body[20:24])),
		TempRaw:       int16(le.Uint16(body[24:26])),
		Vcc1TenthMv:   le.Uint16(body[26:28]),
		Vcc2TenthMv:   le.Uint16(body[28:30]),
		VdpTenthMv:    le.Uint16(body[30:32]),
		VdmTenthMv:    le.Uint16(body[32:34]),
		VddTenthMv:    le.Uint16(body[34:36]),
		RateRaw:       body[36],
		Reserved:      body[37],
		Vcc2AvgMv:     le.Uint16(body[38:40]),
		VdpAvgMv:      le.Uint16(body[40:42]),
		VdmAvgMv:      le.Uint16(body[42:44]),
	}, nil
}

// Encode packs the raw snapshot back into its 44-byte wire form.
func (r AdcRaw) Encode() [AdcDataSize]byte {
	var out [AdcDataSize]byte
	le := binary.LittleEndian
	le.PutUint32(out[0:4], uint32(r.VbusUv))
	le.PutUint32(out[4:8], uint32(r.IbusUa))
	le.PutUint32(out[8:12], uint32(r.VbusAvgUv))
	le.PutUint32(out[12:16], uint32(r.IbusAvgUa))
	le.PutUint32(out[16:20], uint32(r.VbusOriAvgRaw))
	le.PutUint32(out[20:24], uint32(r.IbusOriAvgRaw))
	le.PutUint16(out[24:26], uint16(r.TempRaw))
	le.PutUint16(out[26:28], r.Vcc1TenthMv)
	le.PutUint16(out[28:30], r.Vcc2TenthMv)
	le.PutUint16(out[30:32], r.VdpTenthMv)
	le.PutUint16(out[32:34], r.VdmTenthMv)
	le.PutUint16(out[34:36], r.VddTenthMv)
	out[36] = r.RateRaw
	out[37] = r.Reserved
	le.PutUint16(out[38:40], r.Vcc2AvgMv)
	le.PutUint16(out[40:42], r.VdpAvgMv)
	le.PutUint16(out[42:44], r.VdmAvgMv)
	return out
}

// Convert derives the SI-unit view of the snapshot.
func (r AdcRaw) Convert() *AdcData {
	vbus := float64(r.VbusUv) / 1e6
	ibus := float64(r.IbusUa) / 1e6
	return &AdcData{
		VbusV:    vbus,
		IbusA:    ibus,
		PowerW:   vbus * ibus,
		VbusAvgV: float64(r.VbusAvgUv) / 1e6,
		IbusAvgA: float64(r.IbusAvgUa) / 1e6,
		// temperature register LSB is 1/128 °C
		TempC:   float64(r.TempRaw) / 128.0,
		Vdp:     float64(r.VdpTenthMv) / 10_000.0,
		Vdm:     float64(r.VdmTenthMv) / 10_000.0,
		VdpAvg:  float64(r.VdpAvgMv) / 1_000.0,
		VdmAvg:  float64(r.VdmAvgMv) / 1_000.0,
		Cc1V:    float64(r.Vcc1TenthMv) / 10_000.0,
		Cc2V:    float64(r.Vcc2TenthMv) / 10_000.0,
		Cc2AvgV: float64(r.Vcc2AvgMv) / 1_000.0,
		VddV:    float64(r.VddTenthMv) / 10_000.0,
		Rate:    SampleRate(r.RateRaw),
	}
}

// DecodeAdc parses a 44-byte ADC body into SI units.
func DecodeAdc(body []byte) (*AdcData, error) {
	raw, err := DecodeAdcRaw(body)
	if err != nil {
		return nil, err
	}
	return raw.Convert(), nil
}

func (d *AdcData) String() string {
	return fmt.Sprintf("VBUS: %.6f V, IBUS: %.6f A, Power: %.6f W, Temp: %.1f °C, Rate: %s",
		d.VbusV, d.IbusA, d.PowerW, d.TempC, d.Rate)
}
