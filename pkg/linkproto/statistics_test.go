// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import (
	"fmt"
	"strings"
	"testing"
)

func TestStatistics_Update(t *testing.T) {
	stats := NewStatistics()

	stats.Update(nil)
	stats.Update(nil)
	stats.Update(fmt.Errorf("%w: 3 bytes", ErrLength))
	stats.Update(fmt.Errorf("%w: 0x31", ErrProtocolTag))
	stats.Update(fmt.Errorf("%w: bad", ErrCRC))
	stats.Update(fmt.Errorf("%w: 9", ErrMessageType))
	stats.Update(fmt.Errorf("%w", ErrPayloadSize))
	stats.MarkForeign()

	if stats.TotalFrames != 7 {
		t.Errorf("TotalFrames = %d, want 7", stats.TotalFrames)
	}
	if stats.ValidPackets != 2 {
		t.Errorf("ValidPackets = %d, want 2", stats.ValidPackets)
	}
	if stats.LengthErrors != 1 || stats.TagErrors != 1 || stats.CRCErrors != 1 {
		t.Errorf("unexpected reject counters: %+v", stats)
	}
	if stats.TypeErrors != 2 {
		t.Errorf("TypeErrors = %d, want 2", stats.TypeErrors)
	}
	if stats.Rejected() != 5 {
		t.Errorf("Rejected() = %d, want 5", stats.Rejected())
	}

	out := stats.String()
	for _, want := range []string{"Total Frames:", "CRC Errors:", "Not For Us:"} {
		if !strings.Contains(out, want) {
			t.Errorf("String() missing %q", want)
		}
	}

	stats.Reset()
	if stats.TotalFrames != 0 || stats.Rejected() != 0 {
		t.Error("Reset() did not clear counters")
	}
}
