// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package link carries protocol packets over a radio: the receive hand-off
// from the radio's own context, and the sender's retry-until-acknowledged
// loop.
package link

// Reception is one frame received by the radio with its signal quality
type Reception struct {
	Data []byte
	RSSI int     // dBm
	SNR  float64 // dB
}

// Radio is a half-duplex packet radio. TryReceive never blocks.
type Radio interface {
	Transmit(data []byte) error
	TryReceive() (Reception, bool)
	Sleep() error
	Wake() error
}
