// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import "encoding/binary"

// Header is the clear-text packet header.
type Header struct {
	Tag  uint8
	Type MessageType
	Src  uint8
	Dst  uint8
	Seq  uint16
}

// Payload is one of *Command, *Status or *Ack.
type Payload interface {
	// MessageType is the header type this payload travels under.
	MessageType() MessageType

	size() int
	marshal(buf []byte)
	unmarshal(buf []byte)
}

// Command asks the receiver to act on the heater.
type Command struct {
	Kind    CommandKind
	Minutes uint8
}

// Status is the receiver's telemetry report. It doubles as the acknowledgement
// of the command whose sequence is in LastCommandSeq.
type Status struct {
	State             HeaterState
	MinutesRemaining  uint8
	RSSI              int8
	SNR               int8
	BusOpState        uint8
	ErrorCode         uint8
	LastCommandSeq    uint16
	TemperatureC      int16
	VoltageMilliVolts uint16
	Power             uint16
}

// Ack carries no payload.
type Ack struct{}

func (*Command) MessageType() MessageType { return MsgCommand }
func (*Status) MessageType() MessageType  { return MsgStatus }
func (*Ack) MessageType() MessageType     { return MsgAck }

func (*Command) size() int { return CommandPayloadSize }
func (*Status) size() int  { return StatusPayloadSize }
func (*Ack) size() int     { return AckPayloadSize }

func (c *Command) marshal(buf []byte) {
	buf[0] = uint8(c.Kind)
	buf[1] = c.Minutes
}

func (c *Command) unmarshal(buf []byte) {
	c.Kind = CommandKind(buf[0])
	c.Minutes = buf[1]
}

func (s *Status) marshal(buf []byte) {
	buf[0] = uint8(s.State)
	buf[1] = s.MinutesRemaining
	buf[2] = uint8(s.RSSI)
	buf[3] = uint8(s.SNR)
	buf[4] = s.BusOpState
	buf[5] = s.ErrorCode
	binary.LittleEndian.PutUint16(buf[6:8], s.LastCommandSeq)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(s.TemperatureC))
	binary.LittleEndian.PutUint16(buf[10:12], s.VoltageMilliVolts)
	binary.LittleEndian.PutUint16(buf[12:14], s.Power)
}

func (s *Status) unmarshal(buf []byte) {
	s.State = HeaterState(buf[0])
	s.MinutesRemaining = buf[1]
	s.RSSI = int8(buf[2])
	s.SNR = int8(buf[3])
	s.BusOpState = buf[4]
	s.ErrorCode = buf[5]
	s.LastCommandSeq = binary.LittleEndian.Uint16(buf[6:8])
	s.TemperatureC = int16(binary.LittleEndian.Uint16(buf[8:10]))
	s.VoltageMilliVolts = binary.LittleEndian.Uint16(buf[10:12])
	s.Power = binary.LittleEndian.Uint16(buf[12:14])
}

func (*Ack) marshal([]byte)   {}
func (*Ack) unmarshal([]byte) {}

// TemperatureKnown reports whether TemperatureC holds a reading.
func (s Status) TemperatureKnown() bool {
	return s.TemperatureC != TemperatureUnknown
}

// NewStatus returns a Status with every measurement marked unknown.
func NewStatus() Status {
	return Status{TemperatureC: TemperatureUnknown}
}

// Packet is a decoded or to-be-encoded link packet.
type Packet struct {
	Header
	Payload Payload
}

// NewCommandPacket builds a Command packet.
func NewCommandPacket(src, dst uint8, seq uint16, cmd Command) *Packet {
	return &Packet{
		Header:  Header{Tag: ProtocolTag, Type: MsgCommand, Src: src, Dst: dst, Seq: seq},
		Payload: &cmd,
	}
}

// NewStatusPacket builds a Status packet.
func NewStatusPacket(src, dst uint8, seq uint16, status Status) *Packet {
	return &Packet{
		Header:  Header{Tag: ProtocolTag, Type: MsgStatus, Src: src, Dst: dst, Seq: seq},
		Payload: &status,
	}
}

// NewAckPacket builds an Ack packet.
func NewAckPacket(src, dst uint8, seq uint16) *Packet {
	return &Packet{
		Header:  Header{Tag: ProtocolTag, Type: MsgAck, Src: src, Dst: dst, Seq: seq},
		Payload: &Ack{},
	}
}

// Command returns the command payload if this is a Command packet.
func (p *Packet) Command() (Command, bool) {
	if c, ok := p.Payload.(*Command); ok && c != nil {
		return *c, true
	}
	return Command{}, false
}

// Status returns the status payload if this is a Status packet.
func (p *Packet) Status() (Status, bool) {
	if s, ok := p.Payload.(*Status); ok && s != nil {
		return *s, true
	}
	return Status{}, false
}

func newPayload(t MessageType) Payload {
	switch t {
	case MsgCommand:
		return &Command{}
	case MsgStatus:
		return &Status{}
	case MsgAck:
		return &Ack{}
	default:
		return nil
	}
}
