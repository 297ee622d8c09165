// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 okhsunrog

package km003c

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockTransport scripts device behavior: every written frame is handed to
// respond, which returns zero or more frames to queue for the reader.
type mockTransport struct {
	mu       sync.Mutex
	respond  func(frame []byte) [][]byte
	incoming chan []byte
	writes   [][]byte
	closed   bool
}

func newMockTransport(respond func(frame []byte) [][]byte) *mockTransport {
	return &mockTransport{
		respond:  respond,
		incoming: make(chan []byte, 32),
	}
}

func (m *mockTransport) WriteAll(p []byte, _ time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrTransportClosed
	}
	frame := make([]byte, len(p))
	copy(frame, p)
	m.writes = append(m.writes, frame)
	respond := m.respond
	m.mu.Unlock()

	if respond != nil {
		for _, resp := range respond(frame) {
			m.incoming <- resp
		}
	}
	return nil
}

func (m *mockTransport) ReadSome(p []byte, timeout time.Duration) (int, error) {
	select {
	case frame := <-m.incoming:
		return copy(p, frame), nil
	case <-time.After(timeout):
		return 0, ErrTimeout
	}
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) push(frame []byte) {
	m.incoming <- frame
}

func (m *mockTransport) setRespond(respond func(frame []byte) [][]byte) {
	m.mu.Lock()
	m.respond = respond
	m.mu.Unlock()
}

func (m *mockTransport) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

// acceptFor builds an Accept frame answering the given command frame.
func acceptFor(frame []byte) []byte {
	return BuildCtrl(TypeAccept, frame[1], AttrNone)
}

// putDataFor builds a PutData frame answering the given command frame
// with the supplied chained payload region.
func putDataFor(frame []byte, payload []byte) []byte {
	hdr := EncodeDataHdr(DataHeader{
		Type:          TypePutData,
		ID:            frame[1],
		ObjCountWords: uint16((len(payload) + 3) / 4),
	})
	return append(hdr[:], payload...)
}

// adcChainPayload is a single-ADC chained payload built from the captured
// body.
func adcChainPayload(t *testing.T) []byte {
	return appendLogical(nil, AttrAdc, false, capturedAdcBody(t))
}

// queueChainPayload builds an AdcQueue chained payload with the given
// sample sequences.
func queueChainPayload(sequences ...uint32) []byte {
	return appendLogical(nil, AttrAdcQueue, false, buildQueueBody(3, sequences...))
}

// echoDevice simulates the stock device behavior for the command types
// the session controller issues.
func echoDevice(t *testing.T) func(frame []byte) [][]byte {
	return func(frame []byte) [][]byte {
		switch PacketType(frame[0] & 0x7F) {
		case TypeConnect, TypeDisconnect, TypeStartGraph, TypeStopGraph, TypeSetConfig, TypeResetConfig:
			return [][]byte{acceptFor(frame)}
		case TypeGetData:
			hdr, err := DecodeCtrl(frame)
			if err != nil {
				t.Errorf("device received malformed frame: %v", err)
				return nil
			}
			mask := AttributeSet(hdr.Attribute)
			if mask.Contains(AttrAdcQueue) {
				return [][]byte{putDataFor(frame, queueChainPayload(1, 2, 3))}
			}
			return [][]byte{putDataFor(frame, adcChainPayload(t))}
		default:
			return nil
		}
	}
}

func newTestDevice(tr Transport, opts ...Option) *Device {
	base := []Option{
		WithRequestTimeout(200 * time.Millisecond),
		WithWriteTimeout(200 * time.Millisecond),
	}
	return New(tr, append(base, opts...)...)
}

// ============================================================
// Connection and state machine
// ============================================================

func TestDevice_ConnectAccept(t *testing.T) {
	tr := newMockTransport(echoDevice(t))
	dev := newTestDevice(tr)
	defer dev.Close()

	if dev.State() != StateIdle {
		t.Fatalf("initial state = %s", dev.State())
	}
	if err := dev.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if dev.State() != StateConnected {
		t.Errorf("state = %s, want Connected", dev.State())
	}
}

func TestDevice_ConnectRetriesOnTimeout(t *testing.T) {
	attempts := 0
	tr := newMockTransport(nil)
	tr.respond = func(frame []byte) [][]byte {
		attempts++
		if attempts < 3 {
			return nil // swallow the first two requests
		}
		return [][]byte{acceptFor(frame)}
	}
	dev := newTestDevice(tr, WithRequestTimeout(50*time.Millisecond))
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		t.Fatalf("connect should succeed on the third attempt: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDevice_ConnectRejectedIsFatal(t *testing.T) {
	attempts := 0
	tr := newMockTransport(nil)
	tr.respond = func(frame []byte) [][]byte {
		attempts++
		return [][]byte{BuildCtrl(TypeRejected, frame[1], Attribute(0x3))}
	}
	dev := newTestDevice(tr)
	defer dev.Close()

	err := dev.Connect()
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("err = %v, want RejectedError", err)
	}
	if attempts != 1 {
		t.Errorf("rejection must not be retried, attempts = %d", attempts)
	}
}

func TestDevice_InvalidStateTransitions(t *testing.T) {
	tr := newMockTransport(echoDevice(t))
	dev := newTestDevice(tr)
	defer dev.Close()

	var invalid *InvalidStateError

	if _, err := dev.RequestAdc(); !errors.As(err, &invalid) {
		t.Errorf("RequestAdc in Idle: err = %v, want InvalidStateError", err)
	}
	if err := dev.StartGraph(Rate1000Sps); !errors.As(err, &invalid) {
		t.Errorf("StartGraph in Idle: err = %v, want InvalidStateError", err)
	}

	if err := dev.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Streaming requires authentication.
	if err := dev.StartGraph(Rate1000Sps); !errors.As(err, &invalid) {
		t.Errorf("StartGraph in Connected: err = %v, want InvalidStateError", err)
	}
	if _, err := dev.PollSamples(); !errors.As(err, &invalid) {
		t.Errorf("PollSamples in Connected: err = %v, want InvalidStateError", err)
	}
	if err := dev.Connect(); !errors.As(err, &invalid) {
		t.Errorf("double connect: err = %v, want InvalidStateError", err)
	}
}

func TestDevice_DisconnectAlwaysReturnsToIdle(t *testing.T) {
	tr := newMockTransport(nil) // device never answers
	dev := newTestDevice(tr, WithRequestTimeout(50*time.Millisecond))
	defer dev.Close()

	tr.respond = func(frame []byte) [][]byte {
		if PacketType(frame[0]&0x7F) == TypeConnect {
			return [][]byte{acceptFor(frame)}
		}
		return nil
	}
	if err := dev.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := dev.Disconnect(); err != nil {
		t.Fatalf("disconnect must tolerate a silent device: %v", err)
	}
	if dev.State() != StateIdle {
		t.Errorf("state = %s, want Idle", dev.State())
	}
}

// ============================================================
// Polling
// ============================================================

func TestDevice_RequestAdc(t *testing.T) {
	tr := newMockTransport(echoDevice(t))
	dev := newTestDevice(tr)
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	adc, err := dev.RequestAdc()
	if err != nil {
		t.Fatalf("request adc: %v", err)
	}
	if !almostEqual(adc.VbusV, 5.082592) {
		t.Errorf("vbus = %f", adc.VbusV)
	}
}

func TestDevice_RequestPdEvents(t *testing.T) {
	tr := newMockTransport(nil)
	tr.respond = func(frame []byte) [][]byte {
		switch PacketType(frame[0] & 0x7F) {
		case TypeConnect:
			return [][]byte{acceptFor(frame)}
		case TypeGetData:
			pdBody := append(buildPrelude(55, 50820),
				[]byte{0xC9, 0x11, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0x45, 0x21}...)
			return [][]byte{putDataFor(frame, appendLogical(nil, AttrPdPacket, false, pdBody))}
		}
		return nil
	}
	dev := newTestDevice(tr)
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	stream, err := dev.RequestPdEvents()
	if err != nil {
		t.Fatalf("request pd events: %v", err)
	}
	if stream.Prelude.TimestampMs != 55 {
		t.Errorf("prelude timestamp = %d", stream.Prelude.TimestampMs)
	}
	if len(stream.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(stream.Events))
	}
	if _, ok := stream.Events[0].(*ConnectionEvent); !ok {
		t.Errorf("event = %T, want *ConnectionEvent", stream.Events[0])
	}
}

func TestDevice_RequestCombined(t *testing.T) {
	tr := newMockTransport(nil)
	tr.respond = func(frame []byte) [][]byte {
		switch PacketType(frame[0] & 0x7F) {
		case TypeConnect:
			return [][]byte{acceptFor(frame)}
		case TypeGetData:
			pdBody := buildPrelude(9, 9)
			payload := appendLogical(nil, AttrAdc, true, mustAdcBody())
			payload = appendLogical(payload, AttrPdPacket, false, pdBody)
			return [][]byte{putDataFor(frame, payload)}
		}
		return nil
	}
	dev := newTestDevice(tr)
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	chain, err := dev.RequestCombined(NewAttributeSet(AttrAdc, AttrPdPacket))
	if err != nil {
		t.Fatalf("request combined: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if _, ok := chain[0].(*AdcData); !ok {
		t.Errorf("chain[0] = %T", chain[0])
	}
	if _, ok := chain[1].(*PdEventStream); !ok {
		t.Errorf("chain[1] = %T", chain[1])
	}
}

func TestDevice_EmptyPutDataResponse(t *testing.T) {
	tr := newMockTransport(nil)
	tr.respond = func(frame []byte) [][]byte {
		switch PacketType(frame[0] & 0x7F) {
		case TypeConnect:
			return [][]byte{acceptFor(frame)}
		case TypeGetData:
			hdr := EncodeDataHdr(DataHeader{Type: TypePutData, ID: frame[1]})
			return [][]byte{hdr[:]}
		}
		return nil
	}
	dev := newTestDevice(tr)
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	chain, err := dev.RequestCombined(NewAttributeSet(AttrAdc))
	if err != nil {
		t.Fatalf("empty PutData is valid: %v", err)
	}
	if len(chain) != 0 {
		t.Errorf("chain length = %d, want 0", len(chain))
	}
}

// ============================================================
// Correlation and timeouts
// ============================================================

func TestDevice_TimeoutWithLateResponse(t *testing.T) {
	var held []byte
	tr := newMockTransport(nil)
	tr.respond = func(frame []byte) [][]byte {
		switch PacketType(frame[0] & 0x7F) {
		case TypeConnect:
			return [][]byte{acceptFor(frame)}
		case TypeGetData:
			held = putDataFor(frame, nil)
			return nil // hold the response past the deadline
		}
		return nil
	}
	dev := newTestDevice(tr, WithRequestTimeout(60*time.Millisecond))
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := dev.RequestAdc(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	// Deliver the stale response, then verify the next request is not
	// corrupted by it.
	tr.setRespond(func(frame []byte) [][]byte {
		if PacketType(frame[0]&0x7F) == TypeGetData {
			return [][]byte{putDataFor(frame, adcChainPayload(t))}
		}
		return nil
	})
	tr.push(held)
	time.Sleep(20 * time.Millisecond)

	adc, err := dev.RequestAdc()
	if err != nil {
		t.Fatalf("follow-up request: %v", err)
	}
	if !almostEqual(adc.VbusV, 5.082592) {
		t.Errorf("vbus = %f", adc.VbusV)
	}
}

func TestDevice_UnmatchedIDDropped(t *testing.T) {
	tr := newMockTransport(nil)
	tr.respond = func(frame []byte) [][]byte {
		switch PacketType(frame[0] & 0x7F) {
		case TypeConnect:
			return [][]byte{acceptFor(frame)}
		case TypeGetData:
			// answer with a stale id, then the real one
			stale := putDataFor([]byte{frame[0], frame[1] + 100, 0, 0}, nil)
			good := putDataFor(frame, adcChainPayload(t))
			return [][]byte{stale, good}
		}
		return nil
	}
	dev := newTestDevice(tr)
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := dev.RequestAdc(); err != nil {
		t.Fatalf("request adc: %v", err)
	}
}

func TestDevice_IDAllocationSkipsZero(t *testing.T) {
	d := New(newMockTransport(nil))
	d.tid = 0xFE
	if id := d.nextID(); id != 0xFF {
		t.Errorf("id = %d, want 255", id)
	}
	if id := d.nextID(); id != 1 {
		t.Errorf("id after wrap = %d, want 1 (zero skipped)", id)
	}
}

// ============================================================
// Authentication and streaming
// ============================================================

// authDevice extends echoDevice with the authenticated command flow.
func authDevice(t *testing.T, grant bool) func(frame []byte) [][]byte {
	crypto := DefaultCrypto{}
	echo := echoDevice(t)
	return func(frame []byte) [][]byte {
		switch PacketType(frame[0] & 0x7F) {
		case TypeMemoryRead:
			// confirmation, then the hardware id as a raw encrypted block
			hwid := make([]byte, 16)
			copy(hwid, "071KBP\x0d\xff\x39\x30\xff\xff")
			return [][]byte{acceptFor(frame), encryptBlocks(crypto, KeyMemoryRead, hwid)}
		case TypeAuthData:
			attrLo, attrHi := uint8(0x03), uint8(0x02)
			if !grant {
				attrLo = 0x01
			}
			resp := []byte{uint8(TypeAuthData) | 0x80, frame[1], attrLo, attrHi}
			return [][]byte{append(resp, make([]byte, 32)...)}
		default:
			return echo(frame)
		}
	}
}

func TestDevice_AuthenticateGranted(t *testing.T) {
	tr := newMockTransport(authDevice(t, true))
	dev := newTestDevice(tr)
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	result, err := dev.Authenticate()
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !result.StreamingEnabled() {
		t.Error("streaming should be enabled")
	}
	if result.Level != 1 {
		t.Errorf("level = %d, want 1", result.Level)
	}
	if dev.State() != StateAuthReady {
		t.Errorf("state = %s, want AuthReady", dev.State())
	}
}

func TestDevice_AuthenticateDenied(t *testing.T) {
	tr := newMockTransport(authDevice(t, false))
	dev := newTestDevice(tr)
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := dev.Authenticate(); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if dev.State() != StateConnected {
		t.Errorf("state = %s, want Connected after auth failure", dev.State())
	}
	// Auth is never retried within a session.
	if _, err := dev.Authenticate(); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("second attempt: err = %v, want ErrAuthFailed", err)
	}
}

func TestDevice_StreamingLifecycle(t *testing.T) {
	var polls int
	var drops []int
	auth := authDevice(t, true)
	tr := newMockTransport(nil)
	tr.respond = func(frame []byte) [][]byte {
		if PacketType(frame[0]&0x7F) == TypeGetData {
			polls++
			// first poll 100..110, second 113..120: a gap of 2
			if polls == 1 {
				return [][]byte{putDataFor(frame, queueChainPayload(100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110))}
			}
			return [][]byte{putDataFor(frame, queueChainPayload(113, 114, 115, 116, 117, 118, 119, 120))}
		}
		return auth(frame)
	}

	dev := newTestDevice(tr, WithDropHandler(func(gap int) { drops = append(drops, gap) }))
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := dev.Authenticate(); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := dev.StartGraph(Rate1000Sps); err != nil {
		t.Fatalf("start graph: %v", err)
	}
	if dev.State() != StateStreaming {
		t.Fatalf("state = %s, want Streaming", dev.State())
	}

	q1, err := dev.PollSamples()
	if err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	if len(q1.Samples) != 11 || q1.Samples[0].Sequence != 100 {
		t.Errorf("poll 1: %d samples from %d", len(q1.Samples), q1.Samples[0].Sequence)
	}
	q2, err := dev.PollSamples()
	if err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if len(q2.Samples) != 8 {
		t.Errorf("poll 2: %d samples", len(q2.Samples))
	}

	if len(drops) != 1 || drops[0] != 2 {
		t.Errorf("drops = %v, want exactly one gap of 2", drops)
	}

	if err := dev.StopGraph(); err != nil {
		t.Fatalf("stop graph: %v", err)
	}
	if dev.State() != StateAuthReady {
		t.Errorf("state = %s, want AuthReady", dev.State())
	}
	if err := dev.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if dev.State() != StateIdle {
		t.Errorf("state = %s, want Idle", dev.State())
	}
}

func TestDevice_ReadDeviceInfo(t *testing.T) {
	crypto := DefaultCrypto{}
	tr := newMockTransport(nil)
	tr.respond = func(frame []byte) [][]byte {
		switch PacketType(frame[0] & 0x7F) {
		case TypeConnect:
			return [][]byte{acceptFor(frame)}
		case TypeMemoryRead:
			block := make([]byte, InfoBlockSize)
			copy(block[0x10:], "KM003C\x00")
			copy(block[0x1C:], "2.1\x00")
			copy(block[0x28:], "2022.11.7\x00")
			// the same block answers every read; its first word is not
			// 0xFFFFFFFF, so the firmware block parses from it too
			binary.LittleEndian.PutUint32(block[0:4], 0x00004000)
			return [][]byte{acceptFor(frame), encryptBlocks(crypto, KeyMemoryRead, block)}
		}
		return nil
	}
	dev := newTestDevice(tr)
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	info, err := dev.ReadDeviceInfo()
	if err != nil {
		t.Fatalf("read device info: %v", err)
	}
	if info.Model != "KM003C" {
		t.Errorf("model = %q, want KM003C", info.Model)
	}
	if info.HwVersion != "2.1" {
		t.Errorf("hw version = %q", info.HwVersion)
	}
}

// mustAdcBody returns a synthetic ADC body carrying the captured VBUS and
// IBUS values (all other fields zero), for helpers that cannot take
// *testing.T.
func mustAdcBody() []byte {
	body := make([]byte, AdcDataSize)
	raw := AdcRaw{VbusUv: 5_082_592, IbusUa: 30, RateRaw: 0}
	enc := raw.Encode()
	copy(body, enc[:])
	return body
}
