// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Thermoquad/heliolink/pkg/gpio"
	"github.com/Thermoquad/heliolink/pkg/lora"
	"github.com/Thermoquad/heliolink/pkg/wbus"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// busReadTimeout bounds every bus read so an idle line returns 0 bytes
const busReadTimeout = 5 * time.Millisecond

// Connection is a bus byte stream, local serial or a remote bridge
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// SerialConnection is a bus or modem serial port
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

// Break holds the line low for d, waking a sleeping heater bus
func (s *SerialConnection) Break(d time.Duration) error {
	return s.port.Break(d)
}

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocketConnection carries the heater bus over binary WebSocket messages.
// Reads never block for long: a background reader queues messages and Read
// returns 0 bytes when none has arrived, as a serial port with a read
// timeout does.
type WebSocketConnection struct {
	conn     *websocket.Conn
	incoming chan []byte
	buf      []byte

	mu  sync.Mutex
	err error
}

func newWebSocketConnection(conn *websocket.Conn) *WebSocketConnection {
	w := &WebSocketConnection{conn: conn, incoming: make(chan []byte, 64)}
	go w.readLoop()
	return w
}

func (w *WebSocketConnection) readLoop() {
	defer close(w.incoming)
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			return
		}
		// Only binary messages carry bus bytes
		if messageType != websocket.BinaryMessage {
			continue
		}
		w.incoming <- data
	}
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	if len(w.buf) == 0 {
		select {
		case data, ok := <-w.incoming:
			if !ok {
				w.mu.Lock()
				defer w.mu.Unlock()
				return 0, fmt.Errorf("%w: %v", ErrConnectionClosed, w.err)
			}
			w.buf = data
		case <-time.After(busReadTimeout):
			return 0, nil
		}
	}

	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// busMode is the heater bus line format
var busMode = &serial.Mode{
	BaudRate: wbus.BaudRate,
	DataBits: 8,
	Parity:   serial.EvenParity,
	StopBits: serial.OneStopBit,
}

// OpenSerialConnection opens a serial port. A positive readTimeout makes
// reads return 0 bytes when the line stays idle.
func OpenSerialConnection(portName string, mode *serial.Mode, readTimeout time.Duration) (*SerialConnection, error) {
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	if readTimeout > 0 {
		if err := port.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", portName, err)
		}
	}

	return &SerialConnection{port: port}, nil
}

// wsHandshakeTimeout bounds the HTTP upgrade; wsDialTimeout the whole dial
const (
	wsHandshakeTimeout = 10 * time.Second
	wsDialTimeout      = 15 * time.Second
)

// OpenWebSocketConnection dials a bus bridge at wsURL. Credentials, when
// given, are sent as HTTP Basic auth on the upgrade request.
func OpenWebSocketConnection(wsURL, username, password string, skipSSLVerify bool) (*WebSocketConnection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bus URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("bus URL scheme %q not supported (use ws:// or wss://)", u.Scheme)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipSSLVerify}
	}

	upgrade := &http.Request{Header: http.Header{}}
	if username != "" && password != "" {
		upgrade.SetBasicAuth(username, password)
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsDialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, u.String(), upgrade.Header)
	switch {
	case err != nil && resp != nil:
		return nil, fmt.Errorf("bus bridge refused upgrade (HTTP %d): %w", resp.StatusCode, err)
	case err != nil:
		return nil, fmt.Errorf("bus bridge dial: %w", err)
	}

	return newWebSocketConnection(conn), nil
}

// GetPassword returns the bus bridge password from HELIOLINK_BUS_PASSWORD, or
// asks for it on stdin. Input is hidden when stdin is a terminal.
func GetPassword() (string, error) {
	if pw, ok := os.LookupEnv("HELIOLINK_BUS_PASSWORD"); ok && pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Bus bridge password: ")
	defer fmt.Fprintln(os.Stderr)

	fd := int(syscall.Stdin)
	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// OpenBusConnection opens the heater bus over WebSocket or serial
func OpenBusConnection() (Connection, string, error) {
	if cfg.Bus.URL != "" {
		password := ""
		if wsUsername != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}

		conn, err := OpenWebSocketConnection(cfg.Bus.URL, wsUsername, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("WebSocket: %s", cfg.Bus.URL), nil
	}

	if cfg.Bus.Port != "" {
		conn, err := OpenSerialConnection(cfg.Bus.Port, busMode, busReadTimeout)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud 8E1", cfg.Bus.Port, wbus.BaudRate), nil
	}

	return nil, "", errors.New("either --bus-port or --url must be specified")
}

// openBusClient wraps conn in a bus client configured from cfg. The returned
// function releases the transceiver pin, if one was claimed.
func openBusClient(conn Connection) (*wbus.Client, func(), error) {
	opts := []wbus.Option{
		wbus.WithBreak(cfg.Bus.Break),
		wbus.WithResponseTimeout(cfg.Bus.ResponseTimeout.D()),
	}
	release := func() {}

	if cfg.Bus.TxEnablePin >= 0 {
		pin, err := gpio.OpenTxEnable(cfg.Bus.TxEnablePin, false)
		if err != nil {
			return nil, nil, fmt.Errorf("transceiver enable pin: %w", err)
		}
		opts = append(opts, wbus.WithTxEnable(pin))
		release = func() {
			if err := pin.Close(); err != nil {
				log.WithError(err).Warn("failed to release GPIO")
			}
		}
	}

	return wbus.NewClient(conn, opts...), release, nil
}

// OpenRadio opens the LoRa modem on the configured serial port
func OpenRadio(receiverSide bool, opts ...lora.Option) (*lora.Modem, string, error) {
	if cfg.Radio.Port == "" {
		return nil, "", errors.New("--radio-port must be specified")
	}

	conn, err := OpenSerialConnection(cfg.Radio.Port, &serial.Mode{
		BaudRate: cfg.Radio.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}, 0)
	if err != nil {
		return nil, "", err
	}

	loraCfg := cfg.LoRa(receiverSide)
	opts = append([]lora.Option{lora.WithLogger(log.WithField("component", "lora"))}, opts...)
	modem, err := lora.Open(conn, loraCfg, opts...)
	if err != nil {
		conn.Close()
		return nil, "", err
	}

	info := fmt.Sprintf("LoRa: %s address %d -> %d, %.1f MHz SF%d",
		cfg.Radio.Port, loraCfg.Address, loraCfg.PeerAddress, float64(loraCfg.BandHz)/1e6, loraCfg.SpreadingFactor)
	return modem, info, nil
}
