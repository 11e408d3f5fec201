// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks received frames and rejection reasons
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames    uint64
	ValidPackets   uint64
	LengthErrors   uint64
	TagErrors      uint64
	CRCErrors      uint64
	TypeErrors     uint64
	ForeignPackets uint64 // valid, but addressed elsewhere

	// Rates (calculated)
	PacketRate float64 // frames/sec
	ErrorRate  float64 // rejects/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update records the outcome of one Decode call
func (s *Statistics) Update(decodeErr error) {
	s.TotalFrames++
	s.LastUpdateTime = time.Now()

	switch {
	case decodeErr == nil:
		s.ValidPackets++
	case errors.Is(decodeErr, ErrLength):
		s.LengthErrors++
	case errors.Is(decodeErr, ErrProtocolTag):
		s.TagErrors++
	case errors.Is(decodeErr, ErrCRC):
		s.CRCErrors++
	default:
		s.TypeErrors++
	}
}

// MarkForeign counts a valid packet that was not addressed to us
func (s *Statistics) MarkForeign() {
	s.ForeignPackets++
}

// Rejected returns the number of frames that failed to decode
func (s *Statistics) Rejected() uint64 {
	return s.LengthErrors + s.TagErrors + s.CRCErrors + s.TypeErrors
}

// CalculateRates calculates packet and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PacketRate = float64(s.TotalFrames) / elapsed
		s.ErrorRate = float64(s.Rejected()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var validPercent, crcPercent float64
	if s.TotalFrames > 0 {
		validPercent = float64(s.ValidPackets) * 100.0 / float64(s.TotalFrames)
		crcPercent = float64(s.CRCErrors) * 100.0 / float64(s.TotalFrames)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Link Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Packets:   %8d (%.1f%%)\n", s.ValidPackets, validPercent)

	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d (%.1f%%)\n", s.CRCErrors, crcPercent)
	}
	if s.LengthErrors > 0 {
		result += fmt.Sprintf("Length Errors:   %8d\n", s.LengthErrors)
	}
	if s.TagErrors > 0 {
		result += fmt.Sprintf("Tag Mismatches:  %8d\n", s.TagErrors)
	}
	if s.TypeErrors > 0 {
		result += fmt.Sprintf("Type Errors:     %8d\n", s.TypeErrors)
	}
	if s.ForeignPackets > 0 {
		result += fmt.Sprintf("Not For Us:      %8d\n", s.ForeignPackets)
	}

	result += fmt.Sprintf("Packet Rate:     %8.1f frames/sec\n", s.PacketRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "=====================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
