// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/heliolink/pkg/journal"
	"github.com/Thermoquad/heliolink/pkg/link"
	"github.com/Thermoquad/heliolink/pkg/linkproto"
	"github.com/Thermoquad/heliolink/pkg/receiver"
	"github.com/Thermoquad/heliolink/pkg/wbus"
)

// frameOf runs raw bytes through a framer so tests see what the sniffer sees
func frameOf(t *testing.T, raw []byte) wbus.Frame {
	t.Helper()
	framer := wbus.NewFramer()
	for _, b := range raw {
		framer.Feed(b)
		if f, ok := framer.Pop(); ok {
			return f
		}
	}
	t.Fatalf("no frame decoded from % X", raw)
	return wbus.Frame{}
}

// ============================================================
// Command Argument Tests
// ============================================================

func TestParseCommandArgs(t *testing.T) {
	tests := []struct {
		args    []string
		want    linkproto.Command
		wantErr bool
	}{
		{[]string{"start"}, linkproto.Command{Kind: linkproto.CmdStart}, false},
		{[]string{"start", "45"}, linkproto.Command{Kind: linkproto.CmdStart, Minutes: 45}, false},
		{[]string{"run", "90"}, linkproto.Command{Kind: linkproto.CmdRunMinutes, Minutes: 90}, false},
		{[]string{"stop"}, linkproto.Command{Kind: linkproto.CmdStop}, false},
		{[]string{"query"}, linkproto.Command{Kind: linkproto.CmdQueryStatus}, false},
		{[]string{"run"}, linkproto.Command{}, true},
		{[]string{"run", "0"}, linkproto.Command{}, true},
		{[]string{"run", "256"}, linkproto.Command{}, true},
		{[]string{"run", "ten"}, linkproto.Command{}, true},
		{[]string{"start", "10", "20"}, linkproto.Command{}, true},
		{[]string{"stop", "5"}, linkproto.Command{}, true},
		{[]string{"reboot"}, linkproto.Command{}, true},
		{nil, linkproto.Command{}, true},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, "_"), func(t *testing.T) {
			got, err := parseCommandArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseCommandArgs(%q) = %+v, want error", tt.args, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCommandArgs(%q): %v", tt.args, err)
			}
			if got != tt.want {
				t.Errorf("parseCommandArgs(%q) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}

func TestCommandFor(t *testing.T) {
	tests := []struct {
		name    string
		button  int
		minutes string
		want    linkproto.Command
		wantErr bool
	}{
		{"start ignores minutes", buttonStart, "15", linkproto.Command{Kind: linkproto.CmdStart}, false},
		{"run with minutes", buttonRun, "15", linkproto.Command{Kind: linkproto.CmdRunMinutes, Minutes: 15}, false},
		{"run default", buttonRun, "", linkproto.Command{Kind: linkproto.CmdRunMinutes, Minutes: 30}, false},
		{"run out of range", buttonRun, "0", linkproto.Command{}, true},
		{"stop", buttonStop, "", linkproto.Command{Kind: linkproto.CmdStop}, false},
		{"query", buttonQuery, "", linkproto.Command{Kind: linkproto.CmdQueryStatus}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := commandFor(tt.button, tt.minutes)
			if tt.wantErr {
				if err == nil {
					t.Errorf("commandFor() = %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("commandFor(): %v", err)
			}
			if got != tt.want {
				t.Errorf("commandFor() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// ============================================================
// Bus Frame Description Tests
// ============================================================

func TestDescribeFrame(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want string
	}{
		{"stop", wbus.BuildFrame(wbus.HeaderToHeater, wbus.CmdStop), "-> stop"},
		{"park heat", wbus.BuildFrame(wbus.HeaderToHeater, wbus.CmdParkHeat, 30), "-> park heat 30 min"},
		{"ventilate", wbus.BuildFrame(wbus.HeaderToHeater, wbus.CmdVentilate, 10), "-> ventilate 10 min"},
		{"status page", wbus.BuildFrame(wbus.HeaderToHeater, wbus.CmdStatus, wbus.PageOperatingState), "-> status page 0x07"},
		{"ack", wbus.BuildFrame(wbus.HeaderFromHeater, wbus.CmdStop|wbus.AckBit), "<- ack of 0x10"},
		{"operating state", wbus.BuildFrame(wbus.HeaderFromHeater, wbus.CmdStatus|wbus.AckBit, wbus.PageOperatingState, 0x04), "<- operating state 0x04"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := describeFrame(frameOf(t, tt.raw))
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("describeFrame() = %q, want prefix %q", got, tt.want)
			}
		})
	}
}

// ============================================================
// Demo Tests
// ============================================================

func TestDemoRetryInterval(t *testing.T) {
	tests := []struct {
		name   string
		retry  time.Duration
		listen time.Duration
		want   time.Duration
	}{
		{"configured window", time.Second, 2 * time.Second, time.Second},
		{"short configured window", time.Second, 600 * time.Millisecond, 300 * time.Millisecond},
		{"unset window", time.Second, 0, receiver.DefaultListenWindow / 2},
		{"retry already short", 50 * time.Millisecond, 2 * time.Second, 50 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := demoRetryInterval(tt.retry, tt.listen); got != tt.want {
				t.Errorf("demoRetryInterval(%v, %v) = %v, want %v", tt.retry, tt.listen, got, tt.want)
			}
		})
	}
}

// ============================================================
// Sender Session Tests
// ============================================================

func newTestSession(t *testing.T) (*senderSession, *link.LoopbackRadio) {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })

	radio, _ := link.NewLoopbackPair()
	return &senderSession{
		radio:         radio,
		sender:        link.NewSender(radio, linkproto.Key{}, link.WithInitialSequence(5)),
		journal:       j,
		ackTimeout:    50 * time.Millisecond,
		retryInterval: 20 * time.Millisecond,
	}, radio
}

func TestSession_RecordsOutcomeOfReservedCommand(t *testing.T) {
	s, radio := newTestSession(t)
	ctx := context.Background()

	res, err := s.execute(ctx, linkproto.Command{Kind: linkproto.CmdStop}, "cli")
	if !errors.Is(err, link.ErrAckTimeout) {
		t.Fatalf("error = %v, want ErrAckTimeout", err)
	}
	if radio.Sent() == 0 {
		t.Error("nothing transmitted")
	}

	entries, err := s.journal.Recent(ctx, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Recent() = %+v, %v; want one entry", entries, err)
	}
	e := entries[0]
	if e.Seq != 5 || e.Seq != res.Seq || e.Acked || e.Attempts != res.Attempts || e.Error == journal.Pending || e.Source != "cli" {
		t.Errorf("entry = %+v, result = %+v", e, res)
	}

	if next, _ := s.journal.NextSequence(ctx); next != 6 {
		t.Errorf("NextSequence() = %d, want 6", next)
	}
}

func TestSession_FailedReservationSendsNothing(t *testing.T) {
	s, radio := newTestSession(t)
	s.journal.Close()

	_, err := s.execute(context.Background(), linkproto.Command{Kind: linkproto.CmdStop}, "mqtt")
	if !errors.Is(err, link.ErrReserve) {
		t.Fatalf("error = %v, want ErrReserve", err)
	}
	if radio.Sent() != 0 {
		t.Errorf("transmitted %d frames without a reserved sequence", radio.Sent())
	}
}
