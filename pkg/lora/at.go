// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package lora drives a REYAX RYLR896-style LoRa modem over its UART AT
// command interface and exposes it as a link.Radio.
package lora

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Thermoquad/heliolink/pkg/link"
)

// MaxPayload is the modem's largest AT+SEND payload in characters
const MaxPayload = 240

// Modem responses
const (
	respOK    = "+OK"
	respErr   = "+ERR="
	respRecv  = "+RCV="
	respReady = "+READY"
)

var (
	// ErrModem is returned when the modem answers a command with +ERR
	ErrModem = errors.New("modem error")

	// ErrTimeout is returned when the modem does not answer a command
	ErrTimeout = errors.New("modem did not respond")

	// ErrBadReception is returned for +RCV lines that cannot be parsed
	ErrBadReception = errors.New("malformed reception")
)

var errorText = map[int]string{
	1:  "missing CR LF",
	2:  "command does not start with AT",
	3:  "missing = in command",
	4:  "unknown command",
	10: "TX over times",
	11: "RX over times",
	12: "CRC error",
	13: "TX data exceeds 240 bytes",
	15: "unknown error",
}

// ErrorText describes a modem +ERR code
func ErrorText(code int) string {
	if s, ok := errorText[code]; ok {
		return s
	}
	return fmt.Sprintf("code %d", code)
}

// parseError turns an +ERR=n line into an error wrapping ErrModem
func parseError(cmd, line string) error {
	code, err := strconv.Atoi(strings.TrimPrefix(line, respErr))
	if err != nil {
		return fmt.Errorf("%w: %s: %q", ErrModem, cmd, line)
	}
	return fmt.Errorf("%w: %s: %s", ErrModem, cmd, ErrorText(code))
}

// sendCommand formats AT+SEND for a binary frame. The frame is hex encoded so
// it never contains the modem's field separator.
func sendCommand(addr uint16, data []byte) (string, error) {
	payload := hex.EncodeToString(data)
	if len(payload) > MaxPayload {
		return "", fmt.Errorf("frame of %d bytes exceeds modem payload", len(data))
	}
	return fmt.Sprintf("AT+SEND=%d,%d,%s", addr, len(payload), strings.ToUpper(payload)), nil
}

// ParseReception parses a "+RCV=addr,len,data,rssi,snr" line
func ParseReception(line string) (uint16, link.Reception, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, respRecv) {
		return 0, link.Reception{}, fmt.Errorf("%w: %q", ErrBadReception, line)
	}
	rest := strings.TrimPrefix(line, respRecv)

	addrField, rest, ok := strings.Cut(rest, ",")
	if !ok {
		return 0, link.Reception{}, fmt.Errorf("%w: no address", ErrBadReception)
	}
	lenField, rest, ok := strings.Cut(rest, ",")
	if !ok {
		return 0, link.Reception{}, fmt.Errorf("%w: no length", ErrBadReception)
	}

	addr, err := strconv.ParseUint(addrField, 10, 16)
	if err != nil {
		return 0, link.Reception{}, fmt.Errorf("%w: address %q", ErrBadReception, addrField)
	}
	n, err := strconv.Atoi(lenField)
	if err != nil || n < 0 || n > len(rest) {
		return 0, link.Reception{}, fmt.Errorf("%w: length %q", ErrBadReception, lenField)
	}

	// The data field is sized by the length, the signal fields follow it
	payload, tail := rest[:n], rest[n:]
	rssiField, snrField, ok := strings.Cut(strings.TrimPrefix(tail, ","), ",")
	if !ok || !strings.HasPrefix(tail, ",") {
		return 0, link.Reception{}, fmt.Errorf("%w: no signal fields", ErrBadReception)
	}

	rssi, err := strconv.Atoi(rssiField)
	if err != nil {
		return 0, link.Reception{}, fmt.Errorf("%w: rssi %q", ErrBadReception, rssiField)
	}
	snr, err := strconv.ParseFloat(snrField, 64)
	if err != nil {
		return 0, link.Reception{}, fmt.Errorf("%w: snr %q", ErrBadReception, snrField)
	}

	data, err := hex.DecodeString(payload)
	if err != nil {
		return 0, link.Reception{}, fmt.Errorf("%w: %v", ErrBadReception, err)
	}

	return uint16(addr), link.Reception{Data: data, RSSI: rssi, SNR: snr}, nil
}
