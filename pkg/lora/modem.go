// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lora

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/heliolink/pkg/link"
	log "github.com/sirupsen/logrus"
)

// Config holds the modem's radio parameters
type Config struct {
	Address     uint16 // this modem, 0-65535
	PeerAddress uint16 // destination of AT+SEND
	NetworkID   uint8  // 0-16, shared by both ends
	BandHz      uint32 // center frequency

	SpreadingFactor uint8 // 7-12
	Bandwidth       uint8 // 0-9 (7 = 125 kHz)
	CodingRate      uint8 // 1-4
	Preamble        uint8 // 4-7

	CommandTimeout time.Duration
}

// DefaultConfig returns the parameters both link endpoints ship with
func DefaultConfig() Config {
	return Config{
		Address:         2,
		PeerAddress:     1,
		NetworkID:       6,
		BandHz:          868100000,
		SpreadingFactor: 7,
		Bandwidth:       7,
		CodingRate:      1,
		Preamble:        4,
		CommandTimeout:  time.Second,
	}
}

// Validate checks the parameters against the modem's accepted ranges
func (c Config) Validate() error {
	switch {
	case c.NetworkID > 16:
		return fmt.Errorf("network id %d out of range 0-16", c.NetworkID)
	case c.SpreadingFactor < 7 || c.SpreadingFactor > 12:
		return fmt.Errorf("spreading factor %d out of range 7-12", c.SpreadingFactor)
	case c.Bandwidth > 9:
		return fmt.Errorf("bandwidth %d out of range 0-9", c.Bandwidth)
	case c.CodingRate < 1 || c.CodingRate > 4:
		return fmt.Errorf("coding rate %d out of range 1-4", c.CodingRate)
	case c.Preamble < 4 || c.Preamble > 7:
		return fmt.Errorf("preamble %d out of range 4-7", c.Preamble)
	case c.BandHz < 433000000 || c.BandHz > 915000000:
		return fmt.Errorf("band %d Hz out of range", c.BandHz)
	}
	return nil
}

// setup returns the AT commands that apply the configuration
func (c Config) setup() []string {
	return []string{
		"AT",
		fmt.Sprintf("AT+ADDRESS=%d", c.Address),
		fmt.Sprintf("AT+NETWORKID=%d", c.NetworkID),
		fmt.Sprintf("AT+BAND=%d", c.BandHz),
		fmt.Sprintf("AT+PARAMETER=%d,%d,%d,%d", c.SpreadingFactor, c.Bandwidth, c.CodingRate, c.Preamble),
		"AT+MODE=0",
	}
}

// Modem is a LoRa modem on a serial port. A reader goroutine parses the
// modem's output; receptions go to a link.Mailbox, command answers to the
// goroutine waiting on them.
type Modem struct {
	port io.ReadWriteCloser
	cfg  Config
	log  *log.Entry

	mailbox   link.Mailbox
	responses chan string
	cmdMu     sync.Mutex
	asleep    atomic.Bool
	badLines  atomic.Uint64

	monitor func(addr uint16, r link.Reception)

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Modem
type Option func(*Modem)

// WithLogger sets the log entry
func WithLogger(l *log.Entry) Option {
	return func(m *Modem) { m.log = l }
}

// WithMonitor calls fn from the reader goroutine for every reception, before
// it reaches the mailbox. fn must not block.
func WithMonitor(fn func(addr uint16, r link.Reception)) Option {
	return func(m *Modem) { m.monitor = fn }
}

// Open configures the modem on port and starts reading from it. Reads from
// port must return periodically, as serial ports with a read timeout do.
func Open(port io.ReadWriteCloser, cfg Config, opts ...Option) (*Modem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid radio configuration: %w", err)
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = time.Second
	}

	m := &Modem{
		port:      port,
		cfg:       cfg,
		log:       log.WithField("component", "lora"),
		responses: make(chan string, 4),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.readLoop()

	for _, cmd := range cfg.setup() {
		if err := m.command(cmd); err != nil {
			m.Close()
			return nil, fmt.Errorf("configure modem: %w", err)
		}
	}

	m.log.WithFields(log.Fields{
		"address": cfg.Address,
		"network": cfg.NetworkID,
		"band":    cfg.BandHz,
		"sf":      cfg.SpreadingFactor,
	}).Info("modem configured")
	return m, nil
}

// readLoop splits the modem output into lines until the port fails
func (m *Modem) readLoop() {
	buf := make([]byte, 256)
	var line []byte

	for {
		n, err := m.port.Read(buf)
		for _, c := range buf[:n] {
			switch c {
			case '\r':
			case '\n':
				if len(line) > 0 {
					m.handleLine(string(line))
				}
				line = line[:0]
			default:
				line = append(line, c)
			}
		}

		if err != nil {
			select {
			case <-m.done:
			default:
				if !errors.Is(err, io.EOF) {
					m.log.WithError(err).Warn("modem read failed")
				}
			}
			return
		}
	}
}

func (m *Modem) handleLine(line string) {
	switch {
	case strings.HasPrefix(line, respRecv):
		addr, rec, err := ParseReception(line)
		if err != nil {
			m.badLines.Add(1)
			m.log.WithError(err).Debug("discarding reception")
			return
		}
		if m.monitor != nil {
			m.monitor(addr, rec)
		}
		if !m.mailbox.Deposit(rec) {
			m.log.Debug("mailbox busy, reception dropped")
		}

	case line == respOK, strings.HasPrefix(line, respErr):
		select {
		case m.responses <- line:
		default:
			m.log.WithField("line", line).Debug("unsolicited response")
		}

	case line == respReady:
		m.log.Debug("modem ready")

	default:
		m.badLines.Add(1)
		m.log.WithField("line", line).Debug("unexpected modem output")
	}
}

// command sends one AT command and waits for +OK or +ERR
func (m *Modem) command(cmd string) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	// An answer nobody waited for must not satisfy this command
	for len(m.responses) > 0 {
		<-m.responses
	}

	if _, err := io.WriteString(m.port, cmd+"\r\n"); err != nil {
		return fmt.Errorf("write %s: %w", cmd, err)
	}

	select {
	case resp := <-m.responses:
		if resp == respOK {
			return nil
		}
		return parseError(cmd, resp)
	case <-time.After(m.cfg.CommandTimeout):
		return fmt.Errorf("%w: %s", ErrTimeout, cmd)
	case <-m.done:
		return io.ErrClosedPipe
	}
}

// Transmit sends data to the peer address
func (m *Modem) Transmit(data []byte) error {
	if m.asleep.Load() {
		return link.ErrRadioAsleep
	}
	cmd, err := sendCommand(m.cfg.PeerAddress, data)
	if err != nil {
		return err
	}
	return m.command(cmd)
}

// TryReceive returns the pending reception, if any
func (m *Modem) TryReceive() (link.Reception, bool) {
	if m.asleep.Load() {
		return link.Reception{}, false
	}
	return m.mailbox.Take()
}

// Sleep puts the modem into its low-power mode
func (m *Modem) Sleep() error {
	if err := m.command("AT+MODE=1"); err != nil {
		return err
	}
	m.asleep.Store(true)
	m.mailbox.Take()
	return nil
}

// Wake returns the modem to transceive mode
func (m *Modem) Wake() error {
	if err := m.command("AT+MODE=0"); err != nil {
		return err
	}
	m.asleep.Store(false)
	return nil
}

// Dropped returns the number of receptions lost because the mailbox was busy
func (m *Modem) Dropped() uint64 {
	return m.mailbox.Dropped() + m.mailbox.Overwritten()
}

// BadLines returns the number of modem lines that could not be parsed
func (m *Modem) BadLines() uint64 {
	return m.badLines.Load()
}

// Close stops the reader and closes the port
func (m *Modem) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		err = m.port.Close()
	})
	return err
}
