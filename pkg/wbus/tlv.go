// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wbus

import (
	"errors"
	"fmt"
	"sort"
)

// Multi-status decode failures
var (
	ErrNotMultiStatus = errors.New("not a multi-status response")
	ErrUnknownTag     = errors.New("unknown multi-status tag")
	ErrTruncated      = errors.New("multi-status value truncated")
)

// Tag identifies one field of a multi-status response
type Tag byte

// Named tags. The remaining known tags are raw status bytes whose meaning
// differs between heater firmware revisions.
const (
	TagFlame          Tag = 0x05
	TagOperatingState Tag = 0x07
	TagTemperature    Tag = 0x0C
	TagVoltage        Tag = 0x0E
	TagPower          Tag = 0x11
	TagGlowResistance Tag = 0x13
	TagCombustionFan  Tag = 0x1E
)

type tagWidth int

const (
	width1 tagWidth = iota + 1
	width2
	widthEither
)

var tagWidths = map[Tag]tagWidth{
	0x01: width1, 0x03: width1, 0x05: width1, 0x06: width1, 0x07: width1,
	0x08: width1, 0x0A: width1, 0x0C: width1, 0x10: width1, 0x1F: width1,
	0x24: width1, 0x27: width1, 0x2A: width1, 0x2C: width1, 0x2D: width1,
	0x32: width1,

	0x0E: width2, 0x0F: width2, 0x11: width2, 0x13: width2, 0x1E: width2,
	0x29: width2, 0x34: width2, 0x3D: width2, 0x52: width2,

	// Observed as one or two bytes depending on firmware
	0x57: widthEither, 0x5F: widthEither, 0x78: widthEither, 0x89: widthEither,
}

// MultiStatusIDs is the tag list requested by ReadMultiStatus
var MultiStatusIDs = []byte{
	0x01, 0x03, 0x05, 0x06, 0x07, 0x08, 0x0A, 0x0C, 0x0E, 0x0F, 0x10, 0x11, 0x13,
	0x1E, 0x1F, 0x24, 0x27, 0x29, 0x2A, 0x2C, 0x2D, 0x32, 0x34, 0x3D, 0x52, 0x57,
	0x5F, 0x78, 0x89,
}

// IsKnownTag reports whether the decoder knows the width of tag b
func IsKnownTag(b byte) bool {
	_, ok := tagWidths[Tag(b)]
	return ok
}

// TagWidth returns the fixed value width of a tag: 1 or 2 bytes, 0 when the
// width is decided by lookahead, -1 when the tag is unknown.
func TagWidth(b byte) int {
	switch tagWidths[Tag(b)] {
	case width1:
		return 1
	case width2:
		return 2
	case widthEither:
		return 0
	default:
		return -1
	}
}

// DecodedStatus holds the fields present in one multi-status response
type DecodedStatus struct {
	values map[Tag]int
}

func newDecodedStatus() *DecodedStatus {
	return &DecodedStatus{values: make(map[Tag]int)}
}

// Has reports whether tag was present
func (s *DecodedStatus) Has(tag Tag) bool {
	_, ok := s.values[tag]
	return ok
}

// Value returns the decoded value of tag
func (s *DecodedStatus) Value(tag Tag) (int, bool) {
	v, ok := s.values[tag]
	return v, ok
}

// Len returns the number of decoded fields
func (s *DecodedStatus) Len() int {
	return len(s.values)
}

// Tags returns the decoded tags in ascending order
func (s *DecodedStatus) Tags() []Tag {
	tags := make([]Tag, 0, len(s.values))
	for t := range s.values {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// TemperatureC returns the temperature in degrees Celsius
func (s *DecodedStatus) TemperatureC() (int16, bool) {
	v, ok := s.values[TagTemperature]
	return int16(v), ok
}

// VoltageMilliVolts returns the supply voltage
func (s *DecodedStatus) VoltageMilliVolts() (uint16, bool) {
	v, ok := s.values[TagVoltage]
	return uint16(v), ok
}

// Power returns the heater power field
func (s *DecodedStatus) Power() (uint16, bool) {
	v, ok := s.values[TagPower]
	return uint16(v), ok
}

// GlowResistance returns the glow plug resistance in milliohm
func (s *DecodedStatus) GlowResistance() (uint16, bool) {
	v, ok := s.values[TagGlowResistance]
	return uint16(v), ok
}

// CombustionFan returns the combustion fan field
func (s *DecodedStatus) CombustionFan() (uint16, bool) {
	v, ok := s.values[TagCombustionFan]
	return uint16(v), ok
}

// OperatingState returns the operating state byte, when requested
func (s *DecodedStatus) OperatingState() (byte, bool) {
	v, ok := s.values[TagOperatingState]
	return byte(v), ok
}

// tlvCursor walks the tag stream between the sub-command byte and the checksum
type tlvCursor struct {
	data []byte
	pos  int
	end  int
}

func (c *tlvCursor) need(n int) bool {
	return c.pos+n <= c.end
}

// boundaryAt reports whether a value ending at index i is followed by the end
// of the stream or by another known tag.
func (c *tlvCursor) boundaryAt(i int) bool {
	return i >= c.end || IsKnownTag(c.data[i])
}

func (c *tlvCursor) u8() int {
	v := int(c.data[c.pos])
	c.pos++
	return v
}

func (c *tlvCursor) be16() int {
	v := int(c.data[c.pos])<<8 | int(c.data[c.pos+1])
	c.pos += 2
	return v
}

// either resolves a tag of uncertain width. Two bytes win when they are
// followed by a tag boundary, otherwise one byte under the same test. A 1-byte
// value that happens to equal a known tag id is read as the high byte of a
// 2-byte value; that ambiguity is inherent to the format.
func (c *tlvCursor) either() (int, bool) {
	if c.need(2) && c.boundaryAt(c.pos+2) {
		return c.be16(), true
	}
	if c.need(1) && c.boundaryAt(c.pos+1) {
		return c.u8(), true
	}
	return 0, false
}

// DecodeMultiStatus decodes a multi-status response. An unknown tag fails the
// whole decode; no partial result is returned.
func DecodeMultiStatus(f Frame) (*DecodedStatus, error) {
	p := f.Payload
	if len(p) < 4 || p[0]&^AckBit != CmdStatus || p[1] != MultiStatusPage {
		return nil, ErrNotMultiStatus
	}

	cur := &tlvCursor{data: p, pos: 2, end: len(p) - 1}
	status := newDecodedStatus()

	for cur.pos < cur.end {
		tag := Tag(cur.data[cur.pos])
		cur.pos++

		width, known := tagWidths[tag]
		if !known {
			return nil, fmt.Errorf("%w: 0x%02X at offset %d", ErrUnknownTag, byte(tag), cur.pos-1)
		}

		var value int
		switch width {
		case width1:
			if !cur.need(1) {
				return nil, fmt.Errorf("%w: tag 0x%02X", ErrTruncated, byte(tag))
			}
			value = cur.u8()
			if tag == TagTemperature {
				value -= 50
			}

		case width2:
			if !cur.need(2) {
				return nil, fmt.Errorf("%w: tag 0x%02X", ErrTruncated, byte(tag))
			}
			value = cur.be16()

		case widthEither:
			v, ok := cur.either()
			if !ok {
				return nil, fmt.Errorf("%w: tag 0x%02X has no unambiguous width", ErrTruncated, byte(tag))
			}
			value = v
		}

		status.values[tag] = value
	}

	return status, nil
}

// EncodeMultiStatus builds the data of a multi-status response from tag values,
// in the order given. Tags of uncertain width are written as two bytes.
func EncodeMultiStatus(tags []Tag, values map[Tag]int) []byte {
	out := []byte{MultiStatusPage}
	for _, tag := range tags {
		width, known := tagWidths[tag]
		if !known {
			continue
		}
		v := values[tag]
		if tag == TagTemperature {
			v += 50
		}
		out = append(out, byte(tag))
		if width == width1 {
			out = append(out, byte(v))
			continue
		}
		out = append(out, byte(v>>8), byte(v))
	}
	return out
}
