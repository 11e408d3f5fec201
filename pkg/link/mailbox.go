// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import "sync/atomic"

// MaxFrameSize is the largest frame a Mailbox holds
const MaxFrameSize = 255

// Mailbox slot states
const (
	slotEmpty uint32 = iota
	slotWriting
	slotReady
	slotReading
)

// Mailbox hands frames from the radio's receive context to the main loop. It
// holds one frame: a new frame replaces an unread one, and a frame arriving
// while the consumer is copying the slot is dropped. One producer and one
// consumer may use it concurrently.
type Mailbox struct {
	state atomic.Uint32

	buf  [MaxFrameSize]byte
	n    int
	rssi int
	snr  float64

	dropped     atomic.Uint64
	overwritten atomic.Uint64
}

// Deposit stores r, replacing any unread frame. It reports false if the frame
// was dropped.
func (m *Mailbox) Deposit(r Reception) bool {
	if len(r.Data) > MaxFrameSize {
		m.dropped.Add(1)
		return false
	}

	for {
		s := m.state.Load()
		if s != slotEmpty && s != slotReady {
			m.dropped.Add(1)
			return false
		}
		if !m.state.CompareAndSwap(s, slotWriting) {
			continue
		}

		m.n = copy(m.buf[:], r.Data)
		m.rssi = r.RSSI
		m.snr = r.SNR

		// Publishing the state after the buffer makes the copy visible to Take
		m.state.Store(slotReady)
		if s == slotReady {
			m.overwritten.Add(1)
		}
		return true
	}
}

// Take removes and returns the pending frame
func (m *Mailbox) Take() (Reception, bool) {
	if !m.state.CompareAndSwap(slotReady, slotReading) {
		return Reception{}, false
	}

	r := Reception{
		Data: append([]byte(nil), m.buf[:m.n]...),
		RSSI: m.rssi,
		SNR:  m.snr,
	}

	m.state.Store(slotEmpty)
	return r, true
}

// Pending reports whether a frame is waiting
func (m *Mailbox) Pending() bool {
	return m.state.Load() == slotReady
}

// Dropped returns the number of frames lost because the slot was busy
func (m *Mailbox) Dropped() uint64 { return m.dropped.Load() }

// Overwritten returns the number of unread frames replaced by newer ones
func (m *Mailbox) Overwritten() uint64 { return m.overwritten.Load() }
