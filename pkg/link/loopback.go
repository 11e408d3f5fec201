// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrRadioAsleep is returned when transmitting on a sleeping radio
var ErrRadioAsleep = errors.New("radio is asleep")

// LoopbackRadio is one end of an in-memory radio link. Frames sent to a
// sleeping end are lost, as they would be over the air.
type LoopbackRadio struct {
	peer   *LoopbackRadio
	inbox  Mailbox
	asleep atomic.Bool

	mu   sync.Mutex
	rssi int
	snr  float64
	drop func(data []byte) bool

	sent atomic.Uint64
	lost atomic.Uint64
}

// NewLoopbackPair creates two connected radios
func NewLoopbackPair() (*LoopbackRadio, *LoopbackRadio) {
	a := &LoopbackRadio{rssi: -60, snr: 9}
	b := &LoopbackRadio{rssi: -60, snr: 9}
	a.peer, b.peer = b, a
	return a, b
}

// SetSignal sets the RSSI and SNR the peer sees for frames from this radio
func (r *LoopbackRadio) SetSignal(rssi int, snr float64) {
	r.mu.Lock()
	r.rssi, r.snr = rssi, snr
	r.mu.Unlock()
}

// SetLoss installs a filter; frames for which drop returns true are lost
func (r *LoopbackRadio) SetLoss(drop func(data []byte) bool) {
	r.mu.Lock()
	r.drop = drop
	r.mu.Unlock()
}

func (r *LoopbackRadio) Transmit(data []byte) error {
	if r.asleep.Load() {
		return ErrRadioAsleep
	}
	r.sent.Add(1)

	r.mu.Lock()
	rssi, snr, drop := r.rssi, r.snr, r.drop
	r.mu.Unlock()

	if r.peer.asleep.Load() || (drop != nil && drop(data)) {
		r.lost.Add(1)
		return nil
	}

	r.peer.inbox.Deposit(Reception{Data: data, RSSI: rssi, SNR: snr})
	return nil
}

func (r *LoopbackRadio) TryReceive() (Reception, bool) {
	if r.asleep.Load() {
		return Reception{}, false
	}
	return r.inbox.Take()
}

func (r *LoopbackRadio) Sleep() error {
	r.asleep.Store(true)
	// The receiver is off, so anything pending is gone
	r.inbox.Take()
	return nil
}

func (r *LoopbackRadio) Wake() error {
	r.asleep.Store(false)
	return nil
}

// Asleep reports whether the radio is sleeping
func (r *LoopbackRadio) Asleep() bool { return r.asleep.Load() }

// Sent returns the number of frames transmitted
func (r *LoopbackRadio) Sent() uint64 { return r.sent.Load() }

// Lost returns the number of transmitted frames that never arrived
func (r *LoopbackRadio) Lost() uint64 { return r.lost.Load() }
