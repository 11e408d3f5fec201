// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package linkproto implements the heliolink radio packet protocol.
//
// A packet is a 6-byte clear header, a payload whose size depends on the
// message type, and a CRC-16 trailer. The payload is encrypted with AES-128-CTR
// under a pre-shared key; the nonce is rebuilt on both ends from the header, so
// no IV travels over the air. The CRC covers the header and the ciphertext.
//
// Wire layout (little-endian numeric fields):
//
//	tag(1) type(1) src(1) dst(1) seq(2) payload(0/2/14) crc16(2)
package linkproto

import "math"

// ProtocolTag identifies protocol revision 2 of the link. Packets carrying any
// other tag are rejected before the CRC is checked.
const ProtocolTag = 0x32

// Packet size limits
const (
	HeaderSize     = 6
	CRCSize        = 2
	MaxPayloadSize = StatusPayloadSize
	MinPacketSize  = HeaderSize + CRCSize
	MaxPacketSize  = HeaderSize + MaxPayloadSize + CRCSize
)

// Payload sizes per message type
const (
	CommandPayloadSize = 2
	StatusPayloadSize  = 14
	AckPayloadSize     = 0
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Cipher sizes
const (
	KeySize   = 16
	NonceSize = 16
)

// Fixed point-to-point addressing
const (
	NodeSender   = 1
	NodeReceiver = 2
)

// TemperatureUnknown is the Status temperature sentinel for "no reading".
const TemperatureUnknown int16 = math.MinInt16

// MessageType selects the payload variant carried by a packet.
type MessageType uint8

const (
	MsgCommand MessageType = 1
	MsgStatus  MessageType = 2
	MsgAck     MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MsgCommand:
		return "COMMAND"
	case MsgStatus:
		return "STATUS"
	case MsgAck:
		return "ACK"
	default:
		return "UNKNOWN"
	}
}

// PayloadSize returns the number of payload bytes placed on the wire for a
// message type, or -1 if the type is unknown.
func PayloadSize(t MessageType) int {
	switch t {
	case MsgCommand:
		return CommandPayloadSize
	case MsgStatus:
		return StatusPayloadSize
	case MsgAck:
		return AckPayloadSize
	default:
		return -1
	}
}

// CommandKind is the action requested by a Command packet.
type CommandKind uint8

const (
	CmdStop        CommandKind = 1
	CmdStart       CommandKind = 2
	CmdRunMinutes  CommandKind = 3
	CmdQueryStatus CommandKind = 4
)

func (k CommandKind) String() string {
	switch k {
	case CmdStop:
		return "STOP"
	case CmdStart:
		return "START"
	case CmdRunMinutes:
		return "RUN_MINUTES"
	case CmdQueryStatus:
		return "QUERY_STATUS"
	default:
		return "UNKNOWN"
	}
}

// HeaterState is the coarse heater classification reported in Status packets.
type HeaterState uint8

const (
	StateUnknown HeaterState = 0
	StateOff     HeaterState = 1
	StateRunning HeaterState = 2
	StateError   HeaterState = 3
)

func (s HeaterState) String() string {
	switch s {
	case StateOff:
		return "OFF"
	case StateRunning:
		return "RUNNING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
