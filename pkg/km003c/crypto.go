// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 okhsunrog

package km003c

import "crypto/aes"

// Crypto is the opaque block-cipher capability consumed by the
// authentication handshake. Keys are identified by selector; the core
// never sees key material.
type Crypto interface {
	// Encrypt transforms one 16-byte block under the selected key.
	Encrypt(keySelector uint8, block [16]byte) [16]byte

	// Decrypt transforms one 16-byte block under the selected key,
	// optionally with a single key byte replaced before use. The device
	// encrypts its responses under a mutated key.
	Decrypt(keySelector uint8, mutate *KeyMutation, block [16]byte) [16]byte
}

// KeyMutation replaces the key byte at Index with Value.
type KeyMutation struct {
	Index uint8
	Value uint8
}

// Key selectors understood by DefaultCrypto.
const (
	KeyMemoryRead    = 0
	KeyStreamingAuth = 1
)

// The host decrypts the device's auth response under the streaming key with
// byte 1 replaced by 'X'.
var AuthResponseKeyMutation = KeyMutation{Index: 1, Value: 'X'}

// defaultKeys holds the AES-128 keys baked into the device firmware,
// indexed by selector.
var defaultKeys = [...][16]byte{
	KeyMemoryRead:    {'L', 'h', '2', 'y', 'f', 'B', '7', 'n', '6', 'X', '7', 'd', '9', 'a', '5', 'Z'},
	KeyStreamingAuth: {'F', 'a', '0', 'b', '4', 't', 'A', '2', '5', 'f', '4', 'R', '0', '3', '8', 'a'},
}

// DefaultCrypto implements Crypto with AES-128-ECB and the stock device
// keys. The zero value is ready to use.
type DefaultCrypto struct{}

// Encrypt implements Crypto.
func (DefaultCrypto) Encrypt(keySelector uint8, block [16]byte) [16]byte {
	key := keyFor(keySelector, nil)
	c, err := aes.NewCipher(key[:])
	if err != nil {
		// aes.NewCipher only fails on bad key length; keys are fixed 16 bytes.
		panic(err)
	}
	var out [16]byte
	c.Encrypt(out[:], block[:])
	return out
}

// Decrypt implements Crypto.
func (DefaultCrypto) Decrypt(keySelector uint8, mutate *KeyMutation, block [16]byte) [16]byte {
	key := keyFor(keySelector, mutate)
	c, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}
	var out [16]byte
	c.Decrypt(out[:], block[:])
	return out
}

func keyFor(selector uint8, mutate *KeyMutation) [16]byte {
	var key [16]byte
	if int(selector) < len(defaultKeys) {
		key = defaultKeys[selector]
	}
	if mutate != nil && mutate.Index < 16 {
		key[mutate.Index] = mutate.Value
	}
	return key
}

// encryptBlocks runs Encrypt over consecutive 16-byte blocks of p.
// len(p) must be a multiple of 16.
func encryptBlocks(c Crypto, selector uint8, p []byte) []byte {
	out := make([]byte, len(p))
	for off := 0; off < len(p); off += 16 {
		var block [16]byte
		copy(block[:], p[off:off+16])
		enc := c.Encrypt(selector, block)
		copy(out[off:off+16], enc[:])
	}
	return out
}

// decryptBlocks runs Decrypt over consecutive 16-byte blocks of p.
func decryptBlocks(c Crypto, selector uint8, mutate *KeyMutation, p []byte) []byte {
	out := make([]byte, len(p))
	for off := 0; off < len(p); off += 16 {
		var block [16]byte
		copy(block[:], p[off:off+16])
		dec := c.Decrypt(selector, mutate, block)
		copy(out[off:off+16], dec[:])
	}
	return out
}
