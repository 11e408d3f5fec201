// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package wbus speaks the subset of the W-BUS heater diagnostic protocol needed
// to start, stop and monitor a parking heater.
//
// A frame is a header byte (source nibble, destination nibble), a length byte
// counting the payload plus the trailing checksum, the payload, and an XOR
// checksum over everything before it. Responses echo the command byte with the
// high bit set.
package wbus

import "time"

// Bus addresses
const (
	AddrController = 0xF
	AddrHeater     = 0x4
)

// BaudRate is the bus line speed; frames use 8 data bits, even parity, one
// stop bit.
const BaudRate = 2400

// Valid frame headers
const (
	HeaderToHeater   = AddrController<<4 | AddrHeater // 0xF4
	HeaderFromHeater = AddrHeater<<4 | AddrController // 0x4F
)

// Frame limits
const (
	MinLength       = 2 // command byte + checksum
	DefaultCapacity = 255
)

// Command bytes
const (
	CmdStop         = 0x10
	CmdParkHeat     = 0x21
	CmdVentilate    = 0x22
	CmdKeepAlive    = 0x44
	CmdStatus       = 0x50
	AckBit          = 0x80
	MultiStatusPage = 0x30
)

// Single status pages (argument to CmdStatus)
const (
	PageFlags          = 0x02
	PageStateFlags     = 0x03
	PageActuators      = 0x04
	PageSensors        = 0x05
	PageCounters       = 0x06
	PageOperatingState = 0x07
	PageActuatorLevels = 0x0F
)

// Operating state opcodes the receiver classifies as off
const (
	OpBurnOut = 0x00
	OpOff     = 0x04
)

// Timing
const (
	ResponseTimeout = 250 * time.Millisecond
	KeepAlivePeriod = 10 * time.Second
	BreakIdle       = 1000 * time.Millisecond
	BreakLow        = 50 * time.Millisecond
	BreakRecover    = 50 * time.Millisecond
)

// keepAliveData is the argument of the keep-alive command
var keepAliveData = []byte{0x2A, 0x00}
