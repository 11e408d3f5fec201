// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/Thermoquad/heliolink/pkg/bridge"
	"github.com/Thermoquad/heliolink/pkg/journal"
	"github.com/Thermoquad/heliolink/pkg/link"
	"github.com/Thermoquad/heliolink/pkg/linkproto"
	log "github.com/sirupsen/logrus"
)

// senderSession is the sender side of the link: radio, sender and the
// command journal that carries the sequence counter across runs.
type senderSession struct {
	radio   link.Radio
	closer  io.Closer
	sender  *link.Sender
	journal *journal.Journal
	info    string

	ackTimeout    time.Duration
	retryInterval time.Duration
}

// openSenderSession opens the configured modem and journal
func openSenderSession(opts ...link.SenderOption) (*senderSession, error) {
	key, err := cfg.LinkKey()
	if err != nil {
		return nil, err
	}

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return nil, err
	}
	next, err := j.NextSequence(context.Background())
	if err != nil {
		j.Close()
		return nil, err
	}

	modem, info, err := OpenRadio(false)
	if err != nil {
		j.Close()
		return nil, err
	}

	s := newSenderSession(modem, key, append([]link.SenderOption{link.WithInitialSequence(next)}, opts...)...)
	s.closer = modem
	s.journal = j
	s.info = info
	log.WithFields(log.Fields{"journal": j.Path(), "next_seq": next}).Debug("sender session opened")
	return s, nil
}

// newSenderSession runs a sender on an already open radio, without a journal
func newSenderSession(radio link.Radio, key linkproto.Key, opts ...link.SenderOption) *senderSession {
	return &senderSession{
		radio:         radio,
		sender:        link.NewSender(radio, key, opts...),
		ackTimeout:    cfg.Link.AckTimeout.D(),
		retryInterval: cfg.Link.RetryInterval.D(),
	}
}

// execute sends cmd and waits for its acknowledgement. With a journal, the
// sequence is reserved before the first transmission and the outcome stored
// afterwards; a failed reservation fails the command.
func (s *senderSession) execute(ctx context.Context, cmd linkproto.Command, source string) (link.Result, error) {
	if s.journal == nil {
		return s.sender.SendCommand(cmd, s.ackTimeout, s.retryInterval, nil)
	}

	var entry journal.Entry
	reserve := func(seq uint16) error {
		var err error
		entry, err = s.journal.Reserve(ctx, journal.Entry{
			Seq:     seq,
			Kind:    cmd.Kind,
			Minutes: cmd.Minutes,
			Source:  source,
		})
		return err
	}

	res, err := s.sender.SendCommand(cmd, s.ackTimeout, s.retryInterval, reserve)
	if entry.ID == "" {
		return res, err
	}

	entry.Attempts = res.Attempts
	entry.Acked = err == nil
	entry.Elapsed = res.Elapsed
	entry.Error = ""
	if err != nil {
		entry.Error = err.Error()
	}
	if jerr := s.journal.Complete(ctx, entry); jerr != nil {
		log.WithError(jerr).Warn("failed to record command outcome")
	}
	return res, err
}

func (s *senderSession) Close() {
	if s.closer != nil {
		s.closer.Close()
	}
	if s.journal != nil {
		s.journal.Close()
	}
}

// parseCommandArgs turns "start [min]", "run <min>", "stop" or "query" into
// a link command.
func parseCommandArgs(args []string) (linkproto.Command, error) {
	if len(args) == 0 {
		return linkproto.Command{}, fmt.Errorf("missing command (start, run, stop, query)")
	}

	minutes := func(required bool) (uint8, error) {
		if len(args) < 2 {
			if required {
				return 0, fmt.Errorf("%s needs a number of minutes", args[0])
			}
			return 0, nil
		}
		if len(args) > 2 {
			return 0, fmt.Errorf("too many arguments for %s", args[0])
		}
		if _, err := strconv.Atoi(args[1]); err != nil {
			return 0, fmt.Errorf("invalid minutes %q", args[1])
		}
		return bridge.ParseMinutes([]byte(args[1]), 0)
	}
	noArgs := func() error {
		if len(args) > 1 {
			return fmt.Errorf("%s takes no arguments", args[0])
		}
		return nil
	}

	switch args[0] {
	case "start":
		m, err := minutes(false)
		return linkproto.Command{Kind: linkproto.CmdStart, Minutes: m}, err
	case "run":
		m, err := minutes(true)
		return linkproto.Command{Kind: linkproto.CmdRunMinutes, Minutes: m}, err
	case "stop":
		return linkproto.Command{Kind: linkproto.CmdStop}, noArgs()
	case "query":
		return linkproto.Command{Kind: linkproto.CmdQueryStatus}, noArgs()
	default:
		return linkproto.Command{}, fmt.Errorf("unknown command %q (start, run, stop, query)", args[0])
	}
}
