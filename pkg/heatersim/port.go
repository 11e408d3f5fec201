// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package heatersim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Thermoquad/heliolink/pkg/wbus"
	log "github.com/sirupsen/logrus"
)

// Port connects a bus client to a Model in-process. Bytes written are framed
// and answered immediately; Read returns pending answer bytes, or 0 bytes when
// there are none.
type Port struct {
	mu     sync.Mutex
	model  *Model
	framer *wbus.Framer
	out    bytes.Buffer
	echo   bool
	mute   bool
	closed bool

	requests uint64
}

// NewPort creates an in-process port for model
func NewPort(model *Model) *Port {
	return &Port{model: model, framer: wbus.NewFramer()}
}

// SetEcho makes the port return every written byte before the answer, like a
// single-wire bus where the controller hears its own transmission.
func (p *Port) SetEcho(echo bool) {
	p.mu.Lock()
	p.echo = echo
	p.mu.Unlock()
}

// SetMute stops the heater from answering, simulating a disconnected bus
func (p *Port) SetMute(mute bool) {
	p.mu.Lock()
	p.mute = mute
	p.mu.Unlock()
}

// Requests returns the number of controller frames handled
func (p *Port) Requests() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

// Model returns the simulated heater
func (p *Port) Model() *Model {
	return p.model
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if p.echo {
		p.out.Write(b)
	}

	for _, c := range b {
		p.framer.Feed(c)
		f, ok := p.framer.Pop()
		if !ok || f.Header != wbus.HeaderToHeater {
			continue
		}
		p.requests++
		if p.mute {
			continue
		}
		if resp := p.model.Handle(f); resp != nil {
			p.out.Write(resp)
		}
	}
	return len(b), nil
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, io.EOF
	}
	p.model.Tick()
	if p.out.Len() == 0 {
		return 0, nil
	}
	return p.out.Read(b)
}

// Close makes later reads return io.EOF
func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Serve runs model as the heater on conn until ctx is cancelled or conn
// fails. Reads from conn must return periodically, as serial ports with a
// read timeout do.
func Serve(ctx context.Context, conn io.ReadWriter, model *Model) error {
	logger := log.WithField("component", "heatersim")
	framer := wbus.NewFramer()
	buf := make([]byte, 64)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		model.Tick()

		for _, c := range buf[:n] {
			framer.Feed(c)
			f, ok := framer.Pop()
			if !ok || f.Header != wbus.HeaderToHeater {
				continue
			}

			logger.WithField("frame", f.String()).Debug("request")
			resp := model.Handle(f)
			if resp == nil {
				continue
			}
			if _, err := conn.Write(resp); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			logger.WithField("frame", fmt.Sprintf("% X", resp)).Debug("response")
		}

		if n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
}
