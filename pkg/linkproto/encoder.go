// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Codec encodes and decodes packets under one pre-shared key.
type Codec struct {
	key Key
}

// NewCodec creates a codec for the given key
func NewCodec(key Key) *Codec {
	return &Codec{key: key}
}

// Encode serializes a packet: clear header, encrypted payload sized for the
// message type, then the CRC over both.
func (c *Codec) Encode(p *Packet) ([]byte, error) {
	if p == nil || p.Payload == nil {
		return nil, errors.New("packet has no payload")
	}
	if p.Payload.MessageType() != p.Type {
		return nil, fmt.Errorf("payload %s does not match header type %s", p.Payload.MessageType(), p.Type)
	}

	size := p.Payload.size()
	buf := make([]byte, HeaderSize+size+CRCSize)

	buf[0] = p.Tag
	buf[1] = uint8(p.Type)
	buf[2] = p.Src
	buf[3] = p.Dst
	binary.LittleEndian.PutUint16(buf[4:6], p.Seq)

	plain := make([]byte, size)
	p.Payload.marshal(plain)
	copy(buf[HeaderSize:], Transform(plain, c.key, p.Seq, p.Src, p.Dst))

	crc := CalculateCRC(buf[:HeaderSize+size])
	binary.LittleEndian.PutUint16(buf[HeaderSize+size:], crc)

	return buf, nil
}
