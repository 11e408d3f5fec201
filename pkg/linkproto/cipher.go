// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key is the 16-byte pre-shared AES-128 key of a link.
type Key [KeySize]byte

// ParseKey decodes a key from 32 hex characters. Spaces, colons and a leading
// 0x are ignored.
func ParseKey(s string) (Key, error) {
	var key Key

	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(strings.TrimSpace(s))
	cleaned = strings.TrimPrefix(strings.TrimPrefix(cleaned, "0x"), "0X")

	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return key, fmt.Errorf("invalid key: %w", err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("invalid key: expected %d bytes, got %d", KeySize, len(raw))
	}

	copy(key[:], raw)
	return key, nil
}

// String returns the key in hex.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// DeriveNonce builds the CTR initial counter block for a packet: the sequence
// as 4 little-endian bytes, then src, then dst, then zeros.
func DeriveNonce(seq uint16, src, dst uint8) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint32(nonce[0:4], uint32(seq))
	nonce[4] = src
	nonce[5] = dst
	return nonce
}

// Transform encrypts or decrypts data with AES-128-CTR under key and the nonce
// derived from (seq, src, dst). Applying it twice returns the original bytes.
// The input is not modified.
func Transform(data []byte, key Key, seq uint16, src, dst uint8) []byte {
	out := make([]byte, len(data))
	if len(data) == 0 {
		return out
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		// aes.NewCipher only fails on a bad key length, and Key is fixed-size
		panic(err)
	}

	nonce := DeriveNonce(seq, src, dst)
	cipher.NewCTR(block, nonce[:]).XORKeyStream(out, data)
	return out
}
