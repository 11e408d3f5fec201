// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Reasons a received frame is rejected. Decode wraps one of these.
var (
	ErrLength      = errors.New("invalid packet length")
	ErrProtocolTag = errors.New("protocol tag mismatch")
	ErrCRC         = errors.New("CRC mismatch")
	ErrMessageType = errors.New("unknown message type")
	ErrPayloadSize = errors.New("payload size does not match message type")
)

// Decode validates and decrypts a received frame.
//
// Checks run in wire order: length bounds, protocol tag, CRC over the
// still-encrypted bytes, message type and payload size. Only then is the
// payload decrypted. Any byte slice is safe to pass.
func (c *Codec) Decode(frame []byte) (*Packet, error) {
	if len(frame) < MinPacketSize || len(frame) > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes (want %d-%d)", ErrLength, len(frame), MinPacketSize, MaxPacketSize)
	}

	if frame[0] != ProtocolTag {
		return nil, fmt.Errorf("%w: 0x%02X", ErrProtocolTag, frame[0])
	}

	crcOffset := len(frame) - CRCSize
	received := binary.LittleEndian.Uint16(frame[crcOffset:])
	calculated := CalculateCRC(frame[:crcOffset])
	if received != calculated {
		return nil, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrCRC, calculated, received)
	}

	h := Header{
		Tag:  frame[0],
		Type: MessageType(frame[1]),
		Src:  frame[2],
		Dst:  frame[3],
		Seq:  binary.LittleEndian.Uint16(frame[4:6]),
	}

	payload := newPayload(h.Type)
	if payload == nil {
		return nil, fmt.Errorf("%w: %d", ErrMessageType, frame[1])
	}

	cipherText := frame[HeaderSize:crcOffset]
	if len(cipherText) != payload.size() {
		return nil, fmt.Errorf("%w: %s carries %d bytes, got %d", ErrPayloadSize, h.Type, payload.size(), len(cipherText))
	}

	payload.unmarshal(Transform(cipherText, c.key, h.Seq, h.Src, h.Dst))

	return &Packet{Header: h, Payload: payload}, nil
}
