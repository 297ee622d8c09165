// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 okhsunrog

package km003c

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"time"
)

// Authentication and encrypted memory reads.
//
// Streaming requires a challenge-response handshake: the host reads the
// device's 12-byte hardware id over an encrypted MemoryRead, then sends an
// AuthData challenge embedding it. Both commands use the raw authenticated
// wire format (BuildAuthFrame) and 32-byte AES payloads handled through the
// injected Crypto capability.

// Memory layout of the identity blocks.
const (
	HardwareIDAddress  = 0x40010450
	HardwareIDSize     = 12
	DeviceInfoAddress  = 0x00000420
	FirmwareInfoAddr   = 0x00004420
	CalibrationAddress = 0x03000C00
	InfoBlockSize      = 64
)

// HardwareID is the 12-byte device identity used in the auth challenge:
// a 6-byte ASCII serial prefix, a 2-byte separator, a little-endian device
// id and 2 bytes of padding.
type HardwareID [HardwareIDSize]byte

// SerialPrefix returns the leading 6 bytes when they are ASCII
// alphanumeric, else "".
func (h HardwareID) SerialPrefix() string {
	for _, b := range h[:6] {
		if !(b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z') {
			return ""
		}
	}
	return string(h[:6])
}

// DeviceID returns the numeric device id at bytes 8-9.
func (h HardwareID) DeviceID() uint16 {
	return binary.LittleEndian.Uint16(h[8:10])
}

func (h HardwareID) String() string {
	return hex.EncodeToString(h[:])
}

// AuthResult reports the outcome of the streaming-auth handshake.
type AuthResult struct {
	Attribute uint16
	Level     uint8
	Payload   [32]byte // decrypted response payload
}

// StreamingEnabled reports whether the device granted AdcQueue access.
func (r AuthResult) StreamingEnabled() bool {
	return r.Attribute&0x02 != 0
}

// buildMemoryReadPayload builds the 32-byte MemoryRead plaintext:
// address, size, a 0xFFFFFFFF magic, a CRC-32 over the first 12 bytes,
// and 0xFF filler.
func buildMemoryReadPayload(address, size uint32) [32]byte {
	var pt [32]byte
	for i := range pt {
		pt[i] = 0xFF
	}
	binary.LittleEndian.PutUint32(pt[0:4], address)
	binary.LittleEndian.PutUint32(pt[4:8], size)
	binary.LittleEndian.PutUint32(pt[8:12], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(pt[12:16], crc32.ChecksumIEEE(pt[0:12]))
	return pt
}

// ReadMemory performs an encrypted MemoryRead. The device confirms the
// request with a framed response, then sends the data as raw AES blocks;
// the result length is size rounded up to the 16-byte block size.
func (d *Device) ReadMemory(address, size uint32) ([]byte, error) {
	if err := d.requireState("read memory", StateConnected, StateAuthReady); err != nil {
		return nil, err
	}
	return d.readMemory(address, size)
}

func (d *Device) readMemory(address, size uint32) ([]byte, error) {
	pt := buildMemoryReadPayload(address, size)
	ct := encryptBlocks(d.cfg.Crypto, KeyMemoryRead, pt[:])

	raw := d.armRaw()
	if _, err := d.roundTrip(func(id uint8) []byte {
		return BuildAuthFrame(TypeMemoryRead, id, 0x01, 0x01, ct)
	}, d.cfg.RequestTimeout); err != nil {
		d.disarmRaw(raw)
		return nil, fmt.Errorf("memory read confirmation: %w", err)
	}

	data, err := d.awaitRaw(raw, d.cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("memory read data: %w", err)
	}
	if len(data) == 0 || len(data)%16 != 0 {
		return nil, fmt.Errorf("memory read data: expected AES blocks, got %d bytes", len(data))
	}
	return decryptBlocks(d.cfg.Crypto, KeyMemoryRead, nil, data), nil
}

// ReadHardwareID fetches the 12-byte device identity.
func (d *Device) ReadHardwareID() (HardwareID, error) {
	if err := d.requireState("read hardware id", StateConnected, StateAuthReady); err != nil {
		return HardwareID{}, err
	}
	data, err := d.readMemory(HardwareIDAddress, HardwareIDSize)
	if err != nil {
		return HardwareID{}, err
	}
	if len(data) < HardwareIDSize {
		return HardwareID{}, &ShortFrameError{Expected: HardwareIDSize, Actual: len(data)}
	}
	var id HardwareID
	copy(id[:], data[:HardwareIDSize])
	return id, nil
}

// Authenticate runs the streaming-auth handshake and, on success,
// transitions to AuthReady. Failure or timeout at any step leaves the
// session Connected with streaming disabled; the handshake is never
// retried within a session.
func (d *Device) Authenticate() (AuthResult, error) {
	if err := d.requireState("authenticate", StateConnected); err != nil {
		return AuthResult{}, err
	}

	d.mu.Lock()
	if d.authTried {
		d.mu.Unlock()
		return AuthResult{}, ErrAuthFailed
	}
	d.authTried = true
	d.mu.Unlock()

	hwid, err := d.readMemory(HardwareIDAddress, HardwareIDSize)
	if err != nil || len(hwid) < HardwareIDSize {
		d.log.Debug().Err(err).Msg("auth: hardware id read failed")
		return AuthResult{}, errors.Join(ErrAuthFailed, err)
	}

	result, err := d.streamingAuth(hwid[:HardwareIDSize])
	if err != nil {
		d.log.Debug().Err(err).Msg("auth: challenge failed")
		return AuthResult{}, errors.Join(ErrAuthFailed, err)
	}
	if !result.StreamingEnabled() {
		d.log.Debug().Uint16("attribute", result.Attribute).Msg("auth: device denied streaming")
		return result, ErrAuthFailed
	}

	d.setState(StateAuthReady)
	d.log.Debug().Uint8("level", result.Level).Msg("authenticated")
	return result, nil
}

// streamingAuth sends the AuthData challenge: timestamp, hardware id and
// random padding, encrypted under the streaming key. The response payload
// is decrypted under the same key with its response mutation applied.
func (d *Device) streamingAuth(hwid []byte) (AuthResult, error) {
	var pt [32]byte
	binary.LittleEndian.PutUint64(pt[0:8], uint64(time.Now().UnixMilli()))
	copy(pt[8:20], hwid)
	if _, err := rand.Read(pt[20:32]); err != nil {
		return AuthResult{}, err
	}
	ct := encryptBlocks(d.cfg.Crypto, KeyStreamingAuth, pt[:])

	resp, err := d.roundTrip(func(id uint8) []byte {
		return BuildAuthFrame(TypeAuthData, id, 0x00, 0x02, ct)
	}, d.cfg.RequestTimeout)
	if err != nil {
		return AuthResult{}, err
	}
	if resp.Type() != TypeAuthData || len(resp.Raw) < 36 {
		return AuthResult{}, fmt.Errorf("unexpected auth response: type %s, %d bytes", resp.Type(), len(resp.Raw))
	}

	// The auth response carries its attribute verbatim at bytes 2-3.
	attribute := binary.LittleEndian.Uint16(resp.Raw[2:4])
	decrypted := decryptBlocks(d.cfg.Crypto, KeyStreamingAuth, &AuthResponseKeyMutation, resp.Raw[4:36])

	result := AuthResult{Attribute: attribute}
	copy(result.Payload[:], decrypted)
	if result.StreamingEnabled() {
		result.Level = 1
	}
	return result, nil
}

// DeviceInfo holds the identity strings read from the device's info
// blocks.
type DeviceInfo struct {
	Model     string
	HwVersion string
	MfgDate   string
	FwVersion string
	FwDate    string
	SerialID  string
	UUID      string
}

// ReadDeviceInfo reads and parses the three identity blocks. Blocks that
// fail to read leave their fields empty.
func (d *Device) ReadDeviceInfo() (DeviceInfo, error) {
	if err := d.requireState("read device info", StateConnected, StateAuthReady); err != nil {
		return DeviceInfo{}, err
	}

	var info DeviceInfo
	if data, err := d.readMemory(DeviceInfoAddress, InfoBlockSize); err == nil {
		info.parseDeviceBlock(data)
	}
	if data, err := d.readMemory(FirmwareInfoAddr, InfoBlockSize); err == nil {
		info.parseFirmwareBlock(data)
	}
	if data, err := d.readMemory(CalibrationAddress, InfoBlockSize); err == nil {
		info.parseCalibrationBlock(data)
	}
	if info == (DeviceInfo{}) {
		return info, fmt.Errorf("no device info block could be read")
	}
	return info, nil
}

// parseDeviceBlock parses the 64-byte block at 0x420: model at 0x10,
// hardware version at 0x1C, manufacturing date at 0x28.
func (i *DeviceInfo) parseDeviceBlock(data []byte) {
	if len(data) < InfoBlockSize {
		return
	}
	i.Model = extractString(data, 0x10, 0x1C)
	i.HwVersion = extractString(data, 0x1C, 0x28)
	i.MfgDate = extractString(data, 0x28, 0x40)
}

// parseFirmwareBlock parses the 64-byte block at 0x4420. A magic of
// 0xFFFFFFFF marks the block invalid.
func (i *DeviceInfo) parseFirmwareBlock(data []byte) {
	if len(data) < InfoBlockSize {
		return
	}
	if binary.LittleEndian.Uint32(data[0:4]) == 0xFFFFFFFF {
		return
	}
	i.FwVersion = extractString(data, 0x1C, 0x28)
	i.FwDate = extractString(data, 0x28, 0x34)
}

// parseCalibrationBlock parses the 64-byte block at 0x3000C00: a
// space-padded serial and a hex UUID.
func (i *DeviceInfo) parseCalibrationBlock(data []byte) {
	if len(data) < InfoBlockSize {
		return
	}
	i.SerialID = strings.TrimSpace(extractString(data, 0x00, 0x07))
	i.UUID = extractString(data, 0x07, 0x27)
}

// extractString returns the null-terminated string in data[start:end].
func extractString(data []byte, start, end int) string {
	if start >= len(data) || end > len(data) || start >= end {
		return ""
	}
	s := data[start:end]
	for i, b := range s {
		if b == 0 {
			s = s[:i]
			break
		}
	}
	return string(s)
}
