// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package gpio drives the heater bus transceiver's transmit-enable line on a
// Raspberry Pi.
package gpio

import (
	"errors"
	"fmt"
	"sync"

	rpio "github.com/stianeikeland/go-rpio/v4"
)

// ErrUnavailable is returned when GPIO memory cannot be mapped
var ErrUnavailable = errors.New("GPIO not available")

// TxEnablePin is a GPIO output switching a bus transceiver between transmit
// and receive. It implements wbus.TxEnabler.
type TxEnablePin struct {
	mu        sync.Mutex
	pin       rpio.Pin
	activeLow bool
	closed    bool
}

// level returns the pin state for enable: true is high
func level(enable, activeLow bool) bool {
	return enable != activeLow
}

// OpenTxEnable claims BCM pin as an output, leaving the transceiver receiving
func OpenTxEnable(pin int, activeLow bool) (*TxEnablePin, error) {
	if pin < 0 || pin > 27 {
		return nil, fmt.Errorf("GPIO %d out of range 0-27", pin)
	}
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	t := &TxEnablePin{pin: rpio.Pin(pin), activeLow: activeLow}
	t.pin.Output()
	t.write(false)
	return t, nil
}

func (t *TxEnablePin) write(enable bool) {
	if level(enable, t.activeLow) {
		t.pin.High()
	} else {
		t.pin.Low()
	}
}

// EnableTx switches the transceiver to transmit (true) or receive (false)
func (t *TxEnablePin) EnableTx(enable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("tx enable pin closed")
	}
	t.write(enable)
	return nil
}

// Close returns the transceiver to receive and releases GPIO memory
func (t *TxEnablePin) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.write(false)
	return rpio.Close()
}
