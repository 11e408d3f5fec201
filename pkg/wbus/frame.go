// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wbus

import "fmt"

// Frame is one completed bus frame. Payload includes the trailing checksum, so
// len(Payload) is the length byte on the wire.
type Frame struct {
	Header  byte
	Payload []byte
}

// MakeHeader packs source and destination addresses into a header byte
func MakeHeader(src, dst byte) byte {
	return (src&0x0F)<<4 | dst&0x0F
}

// Checksum returns the XOR of all bytes
func Checksum(data ...[]byte) byte {
	var c byte
	for _, d := range data {
		for _, b := range d {
			c ^= b
		}
	}
	return c
}

// BuildFrame assembles header, length, command, data and checksum into one
// buffer ready for a single write.
func BuildFrame(header, cmd byte, data ...byte) []byte {
	length := byte(len(data) + 2)

	buf := make([]byte, 0, len(data)+4)
	buf = append(buf, header, length, cmd)
	buf = append(buf, data...)
	return append(buf, Checksum(buf))
}

// Length is the frame's length byte
func (f Frame) Length() int {
	return len(f.Payload)
}

// Command returns the first payload byte
func (f Frame) Command() byte {
	if len(f.Payload) == 0 {
		return 0
	}
	return f.Payload[0]
}

// Data returns the payload between the command byte and the checksum
func (f Frame) Data() []byte {
	if len(f.Payload) < MinLength {
		return nil
	}
	return f.Payload[1 : len(f.Payload)-1]
}

// Valid reports whether the stored checksum matches the frame contents
func (f Frame) Valid() bool {
	if len(f.Payload) < MinLength {
		return false
	}
	n := len(f.Payload) - 1
	return Checksum([]byte{f.Header, byte(len(f.Payload))}, f.Payload[:n]) == f.Payload[n]
}

// FromHeater reports whether the frame was sent by the heater
func (f Frame) FromHeater() bool {
	return f.Header == HeaderFromHeater
}

// IsAckOf reports whether this is the heater's acknowledgement of cmd
func (f Frame) IsAckOf(cmd byte) bool {
	return f.FromHeater() && len(f.Payload) >= MinLength && f.Payload[0] == cmd|AckBit
}

// IsStatusResponse reports whether this is the heater's answer to a status
// request for page (or MultiStatusPage).
func (f Frame) IsStatusResponse(page byte) bool {
	return f.FromHeater() &&
		len(f.Payload) >= 3 &&
		f.Payload[0] == CmdStatus|AckBit &&
		f.Payload[1] == page
}

// Bytes returns the frame as it appears on the wire
func (f Frame) Bytes() []byte {
	buf := make([]byte, 0, len(f.Payload)+2)
	buf = append(buf, f.Header, byte(len(f.Payload)))
	return append(buf, f.Payload...)
}

func (f Frame) String() string {
	return fmt.Sprintf("hdr=0x%02X len=%d % X", f.Header, len(f.Payload), f.Payload)
}
