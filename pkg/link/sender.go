// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/heliolink/pkg/clock"
	"github.com/Thermoquad/heliolink/pkg/linkproto"
	log "github.com/sirupsen/logrus"
)

// Sender defaults
const (
	DefaultAckTimeout    = 10 * time.Second
	DefaultRetryInterval = 1 * time.Second
	pollInterval         = 10 * time.Millisecond
)

// ErrAckTimeout is returned when no acknowledging status arrives in time
var ErrAckTimeout = errors.New("command not acknowledged")

// ErrReserve is returned when a command's sequence could not be reserved
var ErrReserve = errors.New("sequence not reserved")

// Telemetry is the latest status heard from the receiver
type Telemetry struct {
	Status     linkproto.Status
	ReceivedAt time.Time
	LocalRSSI  int     // as measured by our radio
	LocalSNR   float64 // as measured by our radio
	Valid      bool
}

// Age returns how long ago the telemetry was received
func (t Telemetry) Age(now time.Time) time.Duration {
	if !t.Valid {
		return 0
	}
	return now.Sub(t.ReceivedAt)
}

// Result describes a completed command exchange
type Result struct {
	Seq      uint16
	Attempts int
	Elapsed  time.Duration
	Status   linkproto.Status
}

// Sender sends commands to the receiver and collects its status reports
type Sender struct {
	radio Radio
	codec *linkproto.Codec
	clock clock.Clock
	log   *log.Entry

	local uint8
	peer  uint8

	// io serializes radio access; the mailbox behind TryReceive has one consumer
	io sync.Mutex

	mu          sync.Mutex
	nextSeq     uint16
	outstanding uint16
	telemetry   Telemetry
	stats       *linkproto.Statistics
	onStatus    func(linkproto.Status)
}

// SenderOption configures a Sender
type SenderOption func(*Sender)

// WithClock sets the time source
func WithClock(c clock.Clock) SenderOption {
	return func(s *Sender) { s.clock = c }
}

// WithLogger sets the log entry
func WithLogger(l *log.Entry) SenderOption {
	return func(s *Sender) { s.log = l }
}

// WithInitialSequence sets the first sequence number used. Zero is never sent.
func WithInitialSequence(seq uint16) SenderOption {
	return func(s *Sender) {
		if seq == 0 {
			seq = 1
		}
		s.nextSeq = seq
	}
}

// WithAddresses overrides the local and peer node addresses
func WithAddresses(local, peer uint8) SenderOption {
	return func(s *Sender) { s.local, s.peer = local, peer }
}

// WithStatusHandler registers fn to be called for every status received
func WithStatusHandler(fn func(linkproto.Status)) SenderOption {
	return func(s *Sender) { s.onStatus = fn }
}

// NewSender creates a sender on radio using key
func NewSender(radio Radio, key linkproto.Key, opts ...SenderOption) *Sender {
	s := &Sender{
		radio:   radio,
		codec:   linkproto.NewCodec(key),
		clock:   clock.System{},
		log:     log.WithField("component", "sender"),
		local:   linkproto.NodeSender,
		peer:    linkproto.NodeReceiver,
		nextSeq: 1,
		stats:   linkproto.NewStatistics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sender) sequence() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq
	s.nextSeq++
	if s.nextSeq == 0 {
		s.nextSeq = 1
	}
	return seq
}

func (s *Sender) setOutstanding(seq uint16) {
	s.mu.Lock()
	s.outstanding = seq
	s.mu.Unlock()
}

// Outstanding returns the sequence of the command awaiting acknowledgement, or
// 0 if none is.
func (s *Sender) Outstanding() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// Telemetry returns the latest status heard
func (s *Sender) Telemetry() Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.telemetry
}

// Statistics returns a copy of the receive statistics
func (s *Sender) Statistics() linkproto.Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := *s.stats
	stats.CalculateRates()
	return stats
}

// SendCommandAwaitingAck transmits a command and retransmits it every
// retryInterval until a status acknowledging its sequence arrives or timeout
// elapses.
func (s *Sender) SendCommandAwaitingAck(kind linkproto.CommandKind, minutes uint8, timeout, retryInterval time.Duration) (Result, error) {
	return s.SendCommand(linkproto.Command{Kind: kind, Minutes: minutes}, timeout, retryInterval, nil)
}

// SendCommand is SendCommandAwaitingAck with a reserve hook. reserve is called
// with the allocated sequence before the first transmission; if it fails
// nothing is sent. The sequence stays consumed either way.
func (s *Sender) SendCommand(cmd linkproto.Command, timeout, retryInterval time.Duration, reserve func(seq uint16) error) (Result, error) {
	s.io.Lock()
	defer s.io.Unlock()

	seq := s.sequence()
	frame, err := s.codec.Encode(linkproto.NewCommandPacket(s.local, s.peer, seq, cmd))
	if err != nil {
		return Result{Seq: seq}, fmt.Errorf("encode command: %w", err)
	}
	if reserve != nil {
		if err := reserve(seq); err != nil {
			return Result{Seq: seq}, fmt.Errorf("%w: seq %d: %v", ErrReserve, seq, err)
		}
	}

	s.setOutstanding(seq)
	defer s.setOutstanding(0)

	logger := s.log.WithFields(log.Fields{"seq": seq, "command": cmd.Kind.String()})
	start := s.clock.Now()
	deadline := start.Add(timeout)
	res := Result{Seq: seq}
	var lastTx time.Time

	for {
		now := s.clock.Now()
		if !now.Before(deadline) {
			res.Elapsed = now.Sub(start)
			logger.WithField("attempts", res.Attempts).Warn("no acknowledgement")
			return res, fmt.Errorf("%w: seq %d after %d attempts", ErrAckTimeout, seq, res.Attempts)
		}

		if res.Attempts == 0 || now.Sub(lastTx) >= retryInterval {
			res.Attempts++
			lastTx = now
			if err := s.radio.Transmit(frame); err != nil {
				logger.WithError(err).Warn("transmit failed")
			} else {
				logger.WithField("attempt", res.Attempts).Debug("command sent")
			}
		}

		for {
			rec, ok := s.radio.TryReceive()
			if !ok {
				break
			}
			st, ok := s.handle(rec)
			if ok && st.LastCommandSeq == seq {
				res.Elapsed = s.clock.Now().Sub(start)
				res.Status = st
				logger.WithFields(log.Fields{
					"attempts": res.Attempts,
					"elapsed":  res.Elapsed,
				}).Info("command acknowledged")
				return res, nil
			}
		}

		s.clock.Sleep(pollInterval)
	}
}

// Poll drains received frames without sending anything. It returns at once if
// a command exchange holds the radio.
func (s *Sender) Poll() {
	if !s.io.TryLock() {
		return
	}
	defer s.io.Unlock()

	for {
		rec, ok := s.radio.TryReceive()
		if !ok {
			return
		}
		s.handle(rec)
	}
}

// handle decodes one reception and records it if it is a status for us
func (s *Sender) handle(rec Reception) (linkproto.Status, bool) {
	p, err := s.codec.Decode(rec.Data)

	s.mu.Lock()
	s.stats.Update(err)
	if err != nil {
		s.mu.Unlock()
		s.log.WithError(err).Debug("discarding frame")
		return linkproto.Status{}, false
	}
	if p.Dst != s.local || p.Src != s.peer {
		s.stats.MarkForeign()
		s.mu.Unlock()
		return linkproto.Status{}, false
	}

	st, ok := p.Status()
	if !ok {
		s.mu.Unlock()
		s.log.WithField("type", p.Type.String()).Debug("ignoring non-status packet")
		return linkproto.Status{}, false
	}

	s.telemetry = Telemetry{
		Status:     st,
		ReceivedAt: s.clock.Now(),
		LocalRSSI:  rec.RSSI,
		LocalSNR:   rec.SNR,
		Valid:      true,
	}
	onStatus := s.onStatus
	s.mu.Unlock()

	if onStatus != nil {
		onStatus(st)
	}
	return st, true
}
