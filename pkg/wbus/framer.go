// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wbus

// Framer states
const (
	stateFindHeader = iota
	stateReadLength
	stateReadPayload
)

// Framer reassembles bus frames from a byte stream. Completed frames with a
// valid checksum go into a single slot; a newer frame replaces an unread one.
type Framer struct {
	capacity int
	state    int
	header   byte
	buffer   []byte
	length   int

	latest  Frame
	pending bool

	published uint64
	rejected  uint64
}

// NewFramer creates a framer with the default frame capacity
func NewFramer() *Framer {
	return NewFramerWithCapacity(DefaultCapacity)
}

// NewFramerWithCapacity creates a framer rejecting length bytes above capacity
func NewFramerWithCapacity(capacity int) *Framer {
	if capacity < MinLength {
		capacity = MinLength
	}
	return &Framer{
		capacity: capacity,
		buffer:   make([]byte, 0, capacity),
	}
}

// Reset drops any partial frame and returns to header search
func (f *Framer) Reset() {
	f.state = stateFindHeader
	f.buffer = f.buffer[:0]
	f.length = 0
}

// Feed processes one byte
func (f *Framer) Feed(b byte) {
	switch f.state {
	case stateFindHeader:
		if b == HeaderToHeater || b == HeaderFromHeater {
			f.header = b
			f.buffer = f.buffer[:0]
			f.state = stateReadLength
		}

	case stateReadLength:
		length := int(b)
		if length < MinLength || length > f.capacity {
			f.rejected++
			f.Reset()
			return
		}
		f.length = length
		f.state = stateReadPayload

	case stateReadPayload:
		f.buffer = append(f.buffer, b)
		if len(f.buffer) < f.length {
			return
		}

		frame := Frame{Header: f.header, Payload: append([]byte(nil), f.buffer...)}
		if frame.Valid() {
			f.latest = frame
			f.pending = true
			f.published++
		} else {
			f.rejected++
		}
		f.Reset()
	}
}

// Write feeds every byte of p. It never fails, so the framer can sit behind
// an io.TeeReader or io.MultiWriter.
func (f *Framer) Write(p []byte) (int, error) {
	for _, b := range p {
		f.Feed(b)
	}
	return len(p), nil
}

// Pop returns and clears the latest completed frame
func (f *Framer) Pop() (Frame, bool) {
	if !f.pending {
		return Frame{}, false
	}
	f.pending = false
	return f.latest, true
}

// Published returns the number of frames that passed the checksum
func (f *Framer) Published() uint64 { return f.published }

// Rejected returns the number of frames dropped for length or checksum
func (f *Framer) Rejected() uint64 { return f.rejected }
