// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Thermoquad/heliolink/pkg/clock"
	"github.com/Thermoquad/heliolink/pkg/link"
	"github.com/Thermoquad/heliolink/pkg/linkproto"
)

var (
	epoch   = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	testKey = linkproto.Key{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F}
)

// scriptedRadio hands transmitted frames to a callback and serves queued
// receptions.
type scriptedRadio struct {
	sent       [][]byte
	inbox      []link.Reception
	onTransmit func(frame []byte)
}

func (r *scriptedRadio) Transmit(data []byte) error {
	r.sent = append(r.sent, append([]byte(nil), data...))
	if r.onTransmit != nil {
		r.onTransmit(data)
	}
	return nil
}

func (r *scriptedRadio) TryReceive() (link.Reception, bool) {
	if len(r.inbox) == 0 {
		return link.Reception{}, false
	}
	rec := r.inbox[0]
	r.inbox = r.inbox[1:]
	return rec, true
}

func (r *scriptedRadio) Sleep() error { return nil }
func (r *scriptedRadio) Wake() error  { return nil }

// statusFrame encodes a receiver status acknowledging seq
func statusFrame(t *testing.T, codec *linkproto.Codec, seq, ackSeq uint16) []byte {
	t.Helper()
	st := linkproto.NewStatus()
	st.State = linkproto.StateRunning
	st.LastCommandSeq = ackSeq
	frame, err := codec.Encode(linkproto.NewStatusPacket(linkproto.NodeReceiver, linkproto.NodeSender, seq, st))
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

// receiverAwakeAfter answers every command heard after wake with a status
func receiverAwakeAfter(t *testing.T, radio *scriptedRadio, clk *clock.Manual, wake time.Time) {
	codec := linkproto.NewCodec(testKey)
	radio.onTransmit = func(frame []byte) {
		if clk.Now().Before(wake) {
			return
		}
		p, err := codec.Decode(frame)
		if err != nil {
			t.Errorf("receiver could not decode command: %v", err)
			return
		}
		radio.inbox = append(radio.inbox, link.Reception{
			Data: statusFrame(t, codec, 100, p.Seq),
			RSSI: -90,
			SNR:  4.5,
		})
	}
}

// ============================================================
// Retry Tests
// ============================================================

func TestSender_RetriesUntilReceiverWakes(t *testing.T) {
	clk := clock.NewManual(epoch)
	radio := &scriptedRadio{}
	receiverAwakeAfter(t, radio, clk, epoch.Add(3500*time.Millisecond))

	s := link.NewSender(radio, testKey, link.WithClock(clk))
	res, err := s.SendCommandAwaitingAck(linkproto.CmdRunMinutes, 45, 10*time.Second, time.Second)
	if err != nil {
		t.Fatalf("SendCommandAwaitingAck: %v", err)
	}

	// Attempts at 0, 1, 2, 3 and 4 seconds; the last one is heard
	if res.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", res.Attempts)
	}
	if res.Elapsed != 4*time.Second {
		t.Errorf("Elapsed = %v, want 4s", res.Elapsed)
	}
	if res.Status.LastCommandSeq != res.Seq {
		t.Errorf("acknowledged seq %d, sent %d", res.Status.LastCommandSeq, res.Seq)
	}
	if s.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d after ack", s.Outstanding())
	}

	tel := s.Telemetry()
	if !tel.Valid || tel.LocalRSSI != -90 || tel.LocalSNR != 4.5 {
		t.Errorf("telemetry = %+v", tel)
	}
	if tel.Age(clk.Now()) != 0 {
		t.Errorf("Age() = %v, want 0", tel.Age(clk.Now()))
	}

	// Every retransmission is byte-identical
	for i, frame := range radio.sent[1:] {
		if string(frame) != string(radio.sent[0]) {
			t.Errorf("attempt %d differs from the first", i+2)
		}
	}
}

func TestSender_FailsOnlyAfterFullTimeout(t *testing.T) {
	clk := clock.NewManual(epoch)
	radio := &scriptedRadio{}

	var outstanding uint16
	s := link.NewSender(radio, testKey, link.WithClock(clk))
	clk.OnSleep(func(time.Duration) {
		if outstanding == 0 {
			outstanding = s.Outstanding()
		}
	})

	res, err := s.SendCommandAwaitingAck(linkproto.CmdStop, 0, 10*time.Second, time.Second)
	if !errors.Is(err, link.ErrAckTimeout) {
		t.Fatalf("error = %v, want ErrAckTimeout", err)
	}
	if res.Elapsed < 10*time.Second {
		t.Errorf("gave up after %v, want the full 10s", res.Elapsed)
	}
	if res.Attempts != 10 || len(radio.sent) != 10 {
		t.Errorf("attempts = %d, transmitted = %d; want 10", res.Attempts, len(radio.sent))
	}
	if outstanding != res.Seq {
		t.Errorf("Outstanding() during exchange = %d, want %d", outstanding, res.Seq)
	}
	if s.Outstanding() != 0 {
		t.Error("Outstanding() not cleared after timeout")
	}
}

func TestSender_IgnoresStaleAcknowledgement(t *testing.T) {
	clk := clock.NewManual(epoch)
	codec := linkproto.NewCodec(testKey)
	radio := &scriptedRadio{}

	s := link.NewSender(radio, testKey, link.WithClock(clk), link.WithInitialSequence(7))
	radio.inbox = append(radio.inbox, link.Reception{Data: statusFrame(t, codec, 1, 6)})

	_, err := s.SendCommandAwaitingAck(linkproto.CmdStart, 0, 500*time.Millisecond, 100*time.Millisecond)
	if !errors.Is(err, link.ErrAckTimeout) {
		t.Fatalf("error = %v, want ErrAckTimeout", err)
	}

	// The stale status still refreshes telemetry
	tel := s.Telemetry()
	if !tel.Valid || tel.Status.LastCommandSeq != 6 {
		t.Errorf("telemetry = %+v", tel)
	}
}

func TestSender_DiscardsBadFrames(t *testing.T) {
	clk := clock.NewManual(epoch)
	codec := linkproto.NewCodec(testKey)
	radio := &scriptedRadio{}
	s := link.NewSender(radio, testKey, link.WithClock(clk))

	corrupt := statusFrame(t, codec, 1, 1)
	corrupt[len(corrupt)-1] ^= 0xFF

	foreign, err := codec.Encode(linkproto.NewStatusPacket(linkproto.NodeReceiver, 9, 2, linkproto.NewStatus()))
	if err != nil {
		t.Fatal(err)
	}

	radio.inbox = []link.Reception{
		{Data: []byte{0x32}},
		{Data: corrupt},
		{Data: foreign},
	}
	s.Poll()

	if s.Telemetry().Valid {
		t.Error("bad frames produced telemetry")
	}
	stats := s.Statistics()
	if stats.TotalFrames != 3 || stats.LengthErrors != 1 || stats.CRCErrors != 1 || stats.ForeignPackets != 1 {
		t.Errorf("statistics = %+v", stats)
	}
}

// ============================================================
// Sequence Tests
// ============================================================

func TestSender_SequenceSkipsZero(t *testing.T) {
	clk := clock.NewManual(epoch)
	radio := &scriptedRadio{}
	receiverAwakeAfter(t, radio, clk, epoch)

	s := link.NewSender(radio, testKey, link.WithClock(clk), link.WithInitialSequence(0xFFFF))

	var seqs []uint16
	for i := 0; i < 3; i++ {
		res, err := s.SendCommandAwaitingAck(linkproto.CmdQueryStatus, 0, time.Second, 100*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		seqs = append(seqs, res.Seq)
	}

	want := []uint16{0xFFFF, 1, 2}
	for i := range want {
		if seqs[i] != want[i] {
			t.Errorf("sequences = %v, want %v", seqs, want)
			break
		}
	}
}

func TestSender_ReservesBeforeFirstTransmit(t *testing.T) {
	clk := clock.NewManual(epoch)
	radio := &scriptedRadio{}
	receiverAwakeAfter(t, radio, clk, epoch)
	s := link.NewSender(radio, testKey, link.WithClock(clk), link.WithInitialSequence(8))

	var reserved []uint16
	res, err := s.SendCommand(linkproto.Command{Kind: linkproto.CmdStop}, time.Second, 100*time.Millisecond, func(seq uint16) error {
		if len(radio.sent) != 0 {
			t.Error("reserve called after transmitting")
		}
		reserved = append(reserved, seq)
		return nil
	})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if len(reserved) != 1 || reserved[0] != 8 || res.Seq != 8 {
		t.Errorf("reserved = %v, seq = %d; want [8] and 8", reserved, res.Seq)
	}
}

func TestSender_FailedReservationSendsNothing(t *testing.T) {
	clk := clock.NewManual(epoch)
	radio := &scriptedRadio{}
	s := link.NewSender(radio, testKey, link.WithClock(clk), link.WithInitialSequence(8))

	res, err := s.SendCommand(linkproto.Command{Kind: linkproto.CmdStop}, time.Second, 100*time.Millisecond, func(uint16) error {
		return errors.New("disk full")
	})
	if !errors.Is(err, link.ErrReserve) {
		t.Fatalf("error = %v, want ErrReserve", err)
	}
	if len(radio.sent) != 0 || res.Attempts != 0 {
		t.Errorf("transmitted %d frames after a failed reservation", len(radio.sent))
	}

	// The unreserved sequence is not handed out again
	res, _ = s.SendCommand(linkproto.Command{Kind: linkproto.CmdQueryStatus}, 100*time.Millisecond, 100*time.Millisecond, nil)
	if res.Seq != 9 {
		t.Errorf("next seq = %d, want 9", res.Seq)
	}
}

// ============================================================
// Loopback Tests
// ============================================================

// echoReceiver acknowledges every command arriving on radio until ctx ends
func echoReceiver(ctx context.Context, t *testing.T, radio link.Radio) {
	codec := linkproto.NewCodec(testKey)
	var seq uint16
	for ctx.Err() == nil {
		rec, ok := radio.TryReceive()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		p, err := codec.Decode(rec.Data)
		if err != nil {
			continue
		}
		seq++
		st := linkproto.NewStatus()
		st.LastCommandSeq = p.Seq
		frame, err := codec.Encode(linkproto.NewStatusPacket(linkproto.NodeReceiver, linkproto.NodeSender, seq, st))
		if err != nil {
			t.Error(err)
			return
		}
		radio.Transmit(frame)
	}
}

func TestLoopback_CommandSurvivesLoss(t *testing.T) {
	a, b := link.NewLoopbackPair()
	b.SetSignal(-101, -3.5)

	lost := 0
	a.SetLoss(func([]byte) bool {
		if lost < 3 {
			lost++
			return true
		}
		return false
	})

	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()
	go echoReceiver(ctx, t, b)

	s := link.NewSender(a, testKey)
	res, err := s.SendCommandAwaitingAck(linkproto.CmdStart, 0, 5*time.Second, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("SendCommandAwaitingAck: %v", err)
	}
	if res.Attempts < 4 {
		t.Errorf("Attempts = %d, want at least 4 after 3 losses", res.Attempts)
	}
	if a.Lost() != 3 {
		t.Errorf("Lost() = %d, want 3", a.Lost())
	}

	tel := s.Telemetry()
	if tel.LocalRSSI != -101 || tel.LocalSNR != -3.5 {
		t.Errorf("signal = %d dBm %.1f dB", tel.LocalRSSI, tel.LocalSNR)
	}
}

func TestLoopback_SleepingRadioHearsNothing(t *testing.T) {
	a, b := link.NewLoopbackPair()

	if err := b.Sleep(); err != nil {
		t.Fatal(err)
	}
	if err := a.Transmit([]byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := b.Wake(); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.TryReceive(); ok {
		t.Error("frame sent during sleep was received")
	}
	if a.Lost() != 1 {
		t.Errorf("Lost() = %d, want 1", a.Lost())
	}

	if err := b.Sleep(); err != nil {
		t.Fatal(err)
	}
	if err := b.Transmit([]byte{2}); !errors.Is(err, link.ErrRadioAsleep) {
		t.Errorf("Transmit while asleep = %v, want ErrRadioAsleep", err)
	}
}
