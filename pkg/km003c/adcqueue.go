// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 okhsunrog

package km003c

import "encoding/binary"

// AdcQueueSample is one buffered high-rate measurement. Sequence increments
// per sample on the device; gaps mean the host polled too slowly and the
// device overwrote its buffer.
type AdcQueueSample struct {
	Sequence uint32
	VbusV    float64
	IbusA    float64
	PowerW   float64
	Cc1V     float64
	Cc2V     float64
	VdpV     float64
	VdmV     float64
}

// AdcQueueData is a drained batch of buffered samples.
type AdcQueueData struct {
	RateCode uint16
	Samples  []AdcQueueSample
}

// Attribute implements Logical.
func (*AdcQueueData) Attribute() Attribute { return AttrAdcQueue }

// DecodeAdcQueue parses an AdcQueue body: a 4-byte queue header
// (rate code + reserved) followed by 20-byte samples.
func DecodeAdcQueue(body []byte) (*AdcQueueData, error) {
	if len(body) < QueueHeaderSize {
		return nil, &WrongSizeError{What: "AdcQueue header", Expected: QueueHeaderSize, Actual: len(body)}
	}
	le := binary.LittleEndian
	rateCode := le.Uint16(body[0:2])

	rest := body[QueueHeaderSize:]
	if len(rest)%QueueSampleSize != 0 {
		return nil, &TruncatedError{
			Context:  "AdcQueue samples",
			Expected: (len(rest)/QueueSampleSize + 1) * QueueSampleSize,
			Actual:   len(rest),
		}
	}

	n := len(rest) / QueueSampleSize
	samples := make([]AdcQueueSample, 0, n)
	for i := 0; i < n; i++ {
		s := rest[i*QueueSampleSize : (i+1)*QueueSampleSize]
		vbus := float64(int32(le.Uint32(s[4:8]))) / 1e6
		ibus := float64(int32(le.Uint32(s[8:12]))) / 1e6
		samples = append(samples, AdcQueueSample{
			Sequence: le.Uint32(s[0:4]),
			VbusV:    vbus,
			IbusA:    ibus,
			PowerW:   vbus * ibus,
			Cc1V:     float64(le.Uint16(s[12:14])) / 10_000.0,
			Cc2V:     float64(le.Uint16(s[14:16])) / 10_000.0,
			VdpV:     float64(le.Uint16(s[16:18])) / 10_000.0,
			VdmV:     float64(le.Uint16(s[18:20])) / 10_000.0,
		})
	}

	return &AdcQueueData{RateCode: rateCode, Samples: samples}, nil
}

// SequenceRange returns the first and last sample sequence numbers.
// ok is false for an empty batch.
func (q *AdcQueueData) SequenceRange() (first, last uint32, ok bool) {
	if len(q.Samples) == 0 {
		return 0, 0, false
	}
	return q.Samples[0].Sequence, q.Samples[len(q.Samples)-1].Sequence, true
}

// Gaps returns the total number of samples missing between consecutive
// sequence numbers within the batch.
func (q *AdcQueueData) Gaps() int {
	gaps := 0
	for i := 1; i < len(q.Samples); i++ {
		delta := q.Samples[i].Sequence - q.Samples[i-1].Sequence
		if delta > 1 {
			gaps += int(delta - 1)
		}
	}
	return gaps
}
